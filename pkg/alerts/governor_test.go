package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/babylonwatch/sentinel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSink struct {
	alerts  []Alert
	failing bool
}

func (s *recordingSink) SendAlert(_ context.Context, a Alert) error {
	if s.failing {
		return assert.AnError
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) bySeverity(sev Severity) []Alert {
	var out []Alert
	for _, a := range s.alerts {
		if a.Severity == sev {
			out = append(out, a)
		}
	}
	return out
}

type fixture struct {
	gov  *Governor
	sink *recordingSink
	now  time.Time
}

func newFixture(t *testing.T, opts GovernorOpts) *fixture {
	t.Helper()
	f := &fixture{
		sink: &recordingSink{},
		now:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	opts.Network = "testnet"
	if opts.ValidatorRateThreshold == 0 {
		opts.ValidatorRateThreshold = 90
	}
	if opts.ProviderRateThreshold == 0 {
		opts.ProviderRateThreshold = 90
	}
	if opts.BLSRateThreshold == 0 {
		opts.BLSRateThreshold = 90
	}
	opts.Now = func() time.Time { return f.now }
	f.gov = NewGovernor(zaptest.NewLogger(t), f.sink, opts)
	return f
}

func validatorStats(rate float64, window, consecutiveMissed int64) *types.ValidatorSigningStats {
	st := &types.ValidatorSigningStats{
		ValidatorAddress:    "AA11",
		Moniker:             "val-one",
		Network:             "testnet",
		SignatureRate:       rate,
		TotalBlocksInWindow: window,
		ConsecutiveMissed:   consecutiveMissed,
	}
	if consecutiveMissed == 0 {
		st.ConsecutiveSigned = 1
	}
	return st
}

func TestGovernor_LowAlertOncePerCycle(t *testing.T) {
	f := newFixture(t, GovernorOpts{})
	ctx := context.Background()

	f.gov.EvaluateValidator(ctx, validatorStats(85, 200, 0))
	require.Len(t, f.sink.alerts, 1)
	assert.Equal(t, SeverityWarning, f.sink.alerts[0].Severity)

	// Same rate shortly after: no re-alert.
	f.now = f.now.Add(time.Minute)
	f.gov.EvaluateValidator(ctx, validatorStats(85, 210, 0))
	f.gov.EvaluateValidator(ctx, validatorStats(84, 220, 0))
	assert.Len(t, f.sink.alerts, 1)
}

func TestGovernor_LowRealertsOnStepDrop(t *testing.T) {
	f := newFixture(t, GovernorOpts{})
	ctx := context.Background()

	f.gov.EvaluateValidator(ctx, validatorStats(85, 200, 0))
	f.now = f.now.Add(time.Minute)
	// Worsened by the full step: re-alert despite the cooldown.
	f.gov.EvaluateValidator(ctx, validatorStats(75, 220, 0))
	assert.Len(t, f.sink.alerts, 2)
}

func TestGovernor_LowRealertsAfterInterval(t *testing.T) {
	f := newFixture(t, GovernorOpts{})
	ctx := context.Background()

	f.gov.EvaluateValidator(ctx, validatorStats(85, 200, 0))
	f.now = f.now.Add(6*time.Hour + time.Minute)
	f.gov.EvaluateValidator(ctx, validatorStats(84, 300, 0))
	assert.Len(t, f.sink.alerts, 2)
}

func TestGovernor_SilentBelowMinimumWindow(t *testing.T) {
	f := newFixture(t, GovernorOpts{})

	f.gov.EvaluateValidator(context.Background(), validatorStats(10, 99, 0))
	assert.Empty(t, f.sink.alerts)
}

func TestGovernor_RecoveryResetsCycle(t *testing.T) {
	f := newFixture(t, GovernorOpts{})
	ctx := context.Background()

	f.gov.EvaluateValidator(ctx, validatorStats(85, 200, 0))
	require.Len(t, f.sink.alerts, 1)

	// Back above threshold: exactly one recovery.
	f.now = f.now.Add(time.Minute)
	f.gov.EvaluateValidator(ctx, validatorStats(92, 250, 0))
	require.Len(t, f.sink.alerts, 2)
	assert.Equal(t, SeverityInfo, f.sink.alerts[1].Severity)

	// Staying healthy emits nothing further.
	f.gov.EvaluateValidator(ctx, validatorStats(93, 260, 0))
	assert.Len(t, f.sink.alerts, 2)

	// A fresh drop below threshold re-enables the LOW path immediately.
	f.now = f.now.Add(time.Minute)
	f.gov.EvaluateValidator(ctx, validatorStats(85, 300, 0))
	assert.Len(t, f.sink.alerts, 3)
	assert.Equal(t, SeverityWarning, f.sink.alerts[2].Severity)
}

func TestGovernor_ConsecutiveMissCriticalOncePerRun(t *testing.T) {
	f := newFixture(t, GovernorOpts{})
	ctx := context.Background()

	for missed := int64(1); missed <= 4; missed++ {
		f.gov.EvaluateValidator(ctx, validatorStats(99, 200, missed))
	}
	assert.Empty(t, f.sink.bySeverity(SeverityCritical))

	f.gov.EvaluateValidator(ctx, validatorStats(99, 200, 5))
	assert.Len(t, f.sink.bySeverity(SeverityCritical), 1)

	// The run continues: still one critical.
	for missed := int64(6); missed <= 20; missed++ {
		f.gov.EvaluateValidator(ctx, validatorStats(99, 200, missed))
	}
	assert.Len(t, f.sink.bySeverity(SeverityCritical), 1)

	// Signing again clears the latch; a new run fires once more.
	f.gov.EvaluateValidator(ctx, validatorStats(99, 200, 0))
	for missed := int64(1); missed <= 7; missed++ {
		f.gov.EvaluateValidator(ctx, validatorStats(99, 200, missed))
	}
	assert.Len(t, f.sink.bySeverity(SeverityCritical), 2)
}

func TestGovernor_TrackingFilter(t *testing.T) {
	f := newFixture(t, GovernorOpts{TrackedValidators: []string{"someone-else"}})

	f.gov.EvaluateValidator(context.Background(), validatorStats(50, 200, 10))
	assert.Empty(t, f.sink.alerts)
}

func TestGovernor_SinkFailureStillAdvancesState(t *testing.T) {
	f := newFixture(t, GovernorOpts{})
	f.sink.failing = true
	ctx := context.Background()

	f.gov.EvaluateValidator(ctx, validatorStats(85, 200, 0))
	f.sink.failing = false

	// State advanced on the failed attempt: no duplicate for the same rate.
	f.gov.EvaluateValidator(ctx, validatorStats(85, 210, 0))
	assert.Empty(t, f.sink.alerts)
}

func providerStats(rate float64, total, end int64, missed []int64) *types.FinalityProviderStats {
	return &types.FinalityProviderStats{
		BtcPkHex:           "ab12",
		Moniker:            "fp-one",
		Network:            "testnet",
		SignatureRate:      rate,
		TotalBlocks:        total,
		EndHeight:          end,
		MissedBlockHeights: missed,
	}
}

func TestGovernor_ProviderBucketedStep(t *testing.T) {
	f := newFixture(t, GovernorOpts{})
	ctx := context.Background()

	f.gov.EvaluateFinalityProvider(ctx, providerStats(87, 200, 1000, nil))
	require.Len(t, f.sink.alerts, 1)

	// 86 stays in the 85-bucket: no re-alert.
	f.now = f.now.Add(time.Minute)
	f.gov.EvaluateFinalityProvider(ctx, providerStats(86, 210, 1010, nil))
	assert.Len(t, f.sink.alerts, 1)

	// 84 crosses into the 80-bucket: re-alert.
	f.gov.EvaluateFinalityProvider(ctx, providerStats(84, 220, 1020, nil))
	assert.Len(t, f.sink.alerts, 2)
}

func TestGovernor_ProviderRecentMissRule(t *testing.T) {
	f := newFixture(t, GovernorOpts{})
	ctx := context.Background()

	// Three misses inside the last five heights: critical.
	f.gov.EvaluateFinalityProvider(ctx, providerStats(99, 1000, 500, []int64{496, 498, 500}))
	require.Len(t, f.sink.bySeverity(SeverityCritical), 1)

	// Still missing within the hour: suppressed.
	f.now = f.now.Add(30 * time.Minute)
	f.gov.EvaluateFinalityProvider(ctx, providerStats(99, 1005, 505, []int64{501, 503, 505}))
	assert.Len(t, f.sink.bySeverity(SeverityCritical), 1)

	// Past the hour: fires again.
	f.now = f.now.Add(31 * time.Minute)
	f.gov.EvaluateFinalityProvider(ctx, providerStats(99, 1010, 510, []int64{506, 508, 510}))
	assert.Len(t, f.sink.bySeverity(SeverityCritical), 2)

	// All clear in the recent window: recovery and latch released.
	f.gov.EvaluateFinalityProvider(ctx, providerStats(99, 1020, 520, []int64{506, 508, 510}))
	recoveries := f.sink.bySeverity(SeverityInfo)
	require.Len(t, recoveries, 1)
	assert.Contains(t, recoveries[0].Title, "recovered")
}

func blsStats(epoch uint64, votes []types.BLSValidatorVote) *types.BLSCheckpointStats {
	st := &types.BLSCheckpointStats{Epoch: epoch, Network: "testnet", Votes: votes}
	for _, v := range votes {
		st.TotalValidators++
		st.TotalPower += v.Power
		if v.Signed {
			st.SignedPower += v.Power
		}
	}
	st.UnsignedPower = st.TotalPower - st.SignedPower
	return st
}

func TestGovernor_BLSMissAndRecovery(t *testing.T) {
	f := newFixture(t, GovernorOpts{BLSRateThreshold: 1})
	ctx := context.Background()

	f.gov.EvaluateBLSCheckpoint(ctx, blsStats(5, []types.BLSValidatorVote{
		{Address: "A", Moniker: "alpha", Power: 100, Signed: false},
	}))
	require.Len(t, f.sink.bySeverity(SeverityCritical), 1)

	// A second missed epoch alerts again; the following signed epoch recovers
	// exactly once.
	f.gov.EvaluateBLSCheckpoint(ctx, blsStats(6, []types.BLSValidatorVote{
		{Address: "A", Moniker: "alpha", Power: 100, Signed: false},
	}))
	assert.Len(t, f.sink.bySeverity(SeverityCritical), 2)

	f.gov.EvaluateBLSCheckpoint(ctx, blsStats(7, []types.BLSValidatorVote{
		{Address: "A", Moniker: "alpha", Power: 100, Signed: true},
	}))
	f.gov.EvaluateBLSCheckpoint(ctx, blsStats(8, []types.BLSValidatorVote{
		{Address: "A", Moniker: "alpha", Power: 100, Signed: true},
	}))
	assert.Len(t, f.sink.bySeverity(SeverityInfo), 1)
}

func TestGovernor_BLSAggregateParticipationWarning(t *testing.T) {
	f := newFixture(t, GovernorOpts{})

	st := blsStats(5, []types.BLSValidatorVote{
		{Address: "A", Power: 100, Signed: true},
		{Address: "B", Power: 300, Signed: false},
	})
	st.ParticipationRateByPower = "25.00%"
	f.gov.EvaluateBLSCheckpoint(context.Background(), st)

	warnings := f.sink.bySeverity(SeverityWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "25.00%")
}

func TestGovernor_JailedTransitions(t *testing.T) {
	f := newFixture(t, GovernorOpts{})
	ctx := context.Background()

	f.gov.JailedTransition(ctx, "Finality provider", "ab12", "fp-one", true)
	require.Len(t, f.sink.alerts, 1)
	assert.Equal(t, SeverityCritical, f.sink.alerts[0].Severity)

	f.gov.JailedTransition(ctx, "Finality provider", "ab12", "fp-one", false)
	require.Len(t, f.sink.alerts, 2)
	assert.Equal(t, SeverityInfo, f.sink.alerts[1].Severity)
	assert.Equal(t, "testnet", f.sink.alerts[1].Network)
}
