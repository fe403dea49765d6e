package alerts

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/babylonwatch/sentinel/pkg/config"
	"github.com/babylonwatch/sentinel/pkg/types"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Thresholds below which rate-based rules stay silent until enough blocks
// have been observed.
const minBlocksForRateAlerts = 100

// GovernorOpts configures a Governor.
type GovernorOpts struct {
	Network string

	ValidatorRateThreshold float64
	ProviderRateThreshold  float64
	BLSRateThreshold       float64

	// RateMinDrop is the worsening in percentage points required to re-alert
	// a validator's signature rate. Finality providers use fixed 5-point
	// buckets instead.
	RateMinDrop      float64
	MinAlertInterval time.Duration

	TrackedValidators        []string
	TrackedFinalityProviders []string

	// Now is the governor clock, overridable in tests.
	Now func() time.Time
	// OnEmit observes every successfully dispatched alert severity.
	OnEmit func(severity string)
}

// Governor is a family of per-subject alert state machines. It applies
// hysteresis, step-change thresholds, cooldowns, and recovery detection, and
// hands qualifying alerts to the sink. State transitions for one subject are
// serialized by a per-subject lock.
type Governor struct {
	opts   GovernorOpts
	sink   Sink
	logger *zap.Logger

	states *xsync.Map[string, *subjectState]
}

type subjectState struct {
	mu sync.Mutex
	AlertState
}

// NewGovernor creates a Governor emitting to the given sink.
func NewGovernor(logger *zap.Logger, sink Sink, opts GovernorOpts) *Governor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OnEmit == nil {
		opts.OnEmit = func(string) {}
	}
	if opts.MinAlertInterval <= 0 {
		opts.MinAlertInterval = 6 * time.Hour
	}
	if opts.RateMinDrop <= 0 {
		opts.RateMinDrop = 10
	}
	return &Governor{
		opts:   opts,
		sink:   sink,
		logger: logger.Named("governor"),
		states: xsync.NewMap[string, *subjectState](),
	}
}

func (g *Governor) state(family, subject string) *subjectState {
	st, _ := g.states.LoadOrStore(family+"/"+subject, &subjectState{})
	return st
}

// Reset clears the state machine for one subject across all families.
func (g *Governor) Reset(subject string) {
	g.states.Range(func(key string, _ *subjectState) bool {
		if len(key) > len(subject) && key[len(key)-len(subject)-1:] == "/"+subject {
			g.states.Delete(key)
		}
		return true
	})
}

// emit dispatches one alert. Sink failures are logged and dropped; governor
// state has already advanced, so delivery is at-most-once.
func (g *Governor) emit(ctx context.Context, a Alert) {
	a.Network = g.opts.Network
	a.Timestamp = g.opts.Now()
	if err := g.sink.SendAlert(ctx, a); err != nil {
		g.logger.Error("alert delivery failed",
			zap.String("title", a.Title),
			zap.String("severity", string(a.Severity)),
			zap.Error(err))
		return
	}
	g.opts.OnEmit(string(a.Severity))
}

// EvaluateValidator applies the rate-threshold hysteresis and the
// consecutive-miss rule to a freshly updated validator record.
func (g *Governor) EvaluateValidator(ctx context.Context, st *types.ValidatorSigningStats) {
	if !config.Tracked(g.opts.TrackedValidators, st.ValidatorAddress) &&
		!config.Tracked(g.opts.TrackedValidators, st.Moniker) {
		return
	}

	subject := g.state("validator", st.ValidatorAddress)
	subject.mu.Lock()
	defer subject.mu.Unlock()

	name := st.Moniker
	if name == "" {
		name = st.ValidatorAddress
	}

	g.applyRateRules(ctx, &subject.AlertState, rateRuleInput{
		subject:    name,
		family:     "Validator signature rate",
		rate:       st.SignatureRate,
		observed:   st.TotalBlocksInWindow,
		threshold:  g.opts.ValidatorRateThreshold,
		stepPassed: func(last, rate float64) bool { return rate <= last-g.opts.RateMinDrop },
		metadata: map[string]string{
			"validator_address": st.ValidatorAddress,
			"moniker":           st.Moniker,
		},
	})

	// Consecutive-miss rule: exactly one CRITICAL per run of >=5 misses.
	if st.ConsecutiveMissed >= 5 && !subject.SentCritical {
		subject.SentCritical = true
		subject.LastCriticalTime = g.opts.Now()
		g.emit(ctx, Alert{
			Title:    fmt.Sprintf("Validator %s missing consecutive blocks", name),
			Message:  fmt.Sprintf("%s has missed %d consecutive blocks (last height %d)", name, st.ConsecutiveMissed, recentHeight(st)),
			Severity: SeverityCritical,
			Metadata: map[string]string{"validator_address": st.ValidatorAddress},
		})
	} else if st.ConsecutiveMissed == 0 && subject.SentCritical {
		subject.SentCritical = false
	}
}

// EvaluateFinalityProvider applies the bucketed rate hysteresis and the
// recent-miss rule to a freshly updated provider record.
func (g *Governor) EvaluateFinalityProvider(ctx context.Context, st *types.FinalityProviderStats) {
	if !config.Tracked(g.opts.TrackedFinalityProviders, st.BtcPkHex) &&
		!config.Tracked(g.opts.TrackedFinalityProviders, st.Moniker) {
		return
	}

	subject := g.state("fp", st.BtcPkHex)
	subject.mu.Lock()
	defer subject.mu.Unlock()

	name := st.Moniker
	if name == "" {
		name = shortKey(st.BtcPkHex)
	}

	g.applyRateRules(ctx, &subject.AlertState, rateRuleInput{
		subject:   name,
		family:    "Finality provider signature rate",
		rate:      st.SignatureRate,
		observed:  st.TotalBlocks,
		threshold: g.opts.ProviderRateThreshold,
		stepPassed: func(last, rate float64) bool {
			return math.Floor(rate/5) < math.Floor(last/5)
		},
		metadata: map[string]string{"btc_pk": st.BtcPkHex},
	})

	// Recent-miss rule over the provider's last five observed heights.
	misses := recentMissCount(st, 5)
	now := g.opts.Now()
	if misses >= 3 {
		if !subject.SentCritical || now.Sub(subject.LastCriticalTime) > time.Hour {
			subject.SentCritical = true
			subject.LastCriticalTime = now
			g.emit(ctx, Alert{
				Title:    fmt.Sprintf("Finality provider %s missing votes", name),
				Message:  fmt.Sprintf("%s missed %d of the last 5 blocks (height %d)", name, misses, st.EndHeight),
				Severity: SeverityCritical,
				Metadata: map[string]string{"btc_pk": st.BtcPkHex},
			})
		}
	} else if misses == 0 && subject.SentCritical {
		subject.SentCritical = false
		g.emit(ctx, Alert{
			Title:    fmt.Sprintf("Finality provider %s recovered", name),
			Message:  fmt.Sprintf("%s voted on each of the last 5 blocks (height %d)", name, st.EndHeight),
			Severity: SeverityInfo,
			Metadata: map[string]string{"btc_pk": st.BtcPkHex},
		})
	}
}

type rateRuleInput struct {
	subject    string
	family     string
	rate       float64
	observed   int64
	threshold  float64
	stepPassed func(lastAlerted, rate float64) bool
	metadata   map[string]string
}

// applyRateRules runs the LOW/RECOVERY hysteresis cycle. A LOW alert re-arms
// when the rate worsens past the step or the cooldown elapses; a RECOVERY
// resets the cycle.
func (g *Governor) applyRateRules(ctx context.Context, st *AlertState, in rateRuleInput) {
	if in.observed < minBlocksForRateAlerts {
		return
	}
	now := g.opts.Now()

	if in.rate < in.threshold {
		firstAlert := st.LastAlertedRate == 0
		stepDrop := !firstAlert && in.stepPassed(st.LastAlertedRate, in.rate)
		cooled := now.Sub(st.LastRateAlertTime) >= g.opts.MinAlertInterval
		if firstAlert || stepDrop || cooled {
			st.LastAlertedRate = in.rate
			st.LastRateAlertTime = now
			st.IsRecovering = false
			g.emit(ctx, Alert{
				Title:    fmt.Sprintf("%s low: %s", in.family, in.subject),
				Message:  fmt.Sprintf("%s signature rate is %.2f%% (threshold %.0f%%, %d blocks observed)", in.subject, in.rate, in.threshold, in.observed),
				Severity: SeverityWarning,
				Metadata: in.metadata,
			})
		}
		return
	}

	// Above threshold: only interesting if a LOW alert is outstanding.
	if st.LastAlertedRate == 0 {
		return
	}
	if !st.IsRecovering || now.Sub(st.LastRecoveryTime) >= g.opts.MinAlertInterval {
		st.IsRecovering = true
		st.LastRecoveryTime = now
		st.LastAlertedRate = 0
		g.emit(ctx, Alert{
			Title:    fmt.Sprintf("%s recovered: %s", in.family, in.subject),
			Message:  fmt.Sprintf("%s signature rate is back to %.2f%% (threshold %.0f%%)", in.subject, in.rate, in.threshold),
			Severity: SeverityInfo,
			Metadata: in.metadata,
		})
	}
}

// EvaluateBLSCheckpoint applies the per-validator miss/recovery rules and the
// aggregate participation rule to a finished checkpoint observation.
func (g *Governor) EvaluateBLSCheckpoint(ctx context.Context, st *types.BLSCheckpointStats) {
	for _, vote := range st.Votes {
		if !config.Tracked(g.opts.TrackedValidators, vote.Address) &&
			!config.Tracked(g.opts.TrackedValidators, vote.Moniker) {
			continue
		}
		subject := g.state("bls", vote.Address)
		subject.mu.Lock()
		name := vote.Moniker
		if name == "" || name == "Unknown" {
			name = shortKey(vote.Address)
		}
		if !vote.Signed {
			if subject.LastMissedEpoch != st.Epoch {
				subject.LastMissedEpoch = st.Epoch
				g.emit(ctx, Alert{
					Title:    fmt.Sprintf("BLS signature missed: %s", name),
					Message:  fmt.Sprintf("%s did not sign the BLS checkpoint for epoch %d", name, st.Epoch),
					Severity: SeverityCritical,
					Metadata: map[string]string{"address": vote.Address, "epoch": fmt.Sprint(st.Epoch)},
				})
			}
		} else if subject.LastMissedEpoch != 0 {
			subject.LastMissedEpoch = 0
			g.emit(ctx, Alert{
				Title:    fmt.Sprintf("BLS signature recovered: %s", name),
				Message:  fmt.Sprintf("%s signed the BLS checkpoint for epoch %d", name, st.Epoch),
				Severity: SeverityInfo,
				Metadata: map[string]string{"address": vote.Address, "epoch": fmt.Sprint(st.Epoch)},
			})
		}
		subject.mu.Unlock()
	}

	rate := 0.0
	if st.TotalPower > 0 {
		rate = 100 * float64(st.SignedPower) / float64(st.TotalPower)
	}
	if rate < g.opts.BLSRateThreshold {
		g.emit(ctx, Alert{
			Title:    fmt.Sprintf("BLS checkpoint participation low (epoch %d)", st.Epoch),
			Message:  fmt.Sprintf("signed power is %s of total for epoch %d (%d/%d validators)", st.ParticipationRateByPower, st.Epoch, signedCount(st), st.TotalValidators),
			Severity: SeverityWarning,
			Metadata: map[string]string{"epoch": fmt.Sprint(st.Epoch)},
		})
	}
}

// JailedTransition reports a jailed-flag change. Transitions always alert,
// with no cooldown; the caller suppresses the first observation.
func (g *Governor) JailedTransition(ctx context.Context, kind, key, moniker string, jailed bool) {
	name := moniker
	if name == "" {
		name = shortKey(key)
	}
	if jailed {
		g.emit(ctx, Alert{
			Title:    fmt.Sprintf("%s %s jailed", kind, name),
			Message:  fmt.Sprintf("%s %s transitioned to jailed", kind, name),
			Severity: SeverityCritical,
			Metadata: map[string]string{"key": key},
		})
		return
	}
	g.emit(ctx, Alert{
		Title:    fmt.Sprintf("%s %s unjailed", kind, name),
		Message:  fmt.Sprintf("%s %s is active again", kind, name),
		Severity: SeverityInfo,
		Metadata: map[string]string{"key": key},
	})
}

func recentHeight(st *types.ValidatorSigningStats) int64 {
	if len(st.RecentBlocks) == 0 {
		return 0
	}
	return st.RecentBlocks[0].Height
}

// recentMissCount counts missed heights within the provider's last n observed
// heights.
func recentMissCount(st *types.FinalityProviderStats, n int64) int {
	count := 0
	for _, h := range st.MissedBlockHeights {
		if h > st.EndHeight-n {
			count++
		}
	}
	return count
}

func signedCount(st *types.BLSCheckpointStats) int {
	n := 0
	for _, v := range st.Votes {
		if v.Signed {
			n++
		}
	}
	return n
}

func shortKey(k string) string {
	if len(k) <= 12 {
		return k
	}
	return k[:12] + "..."
}
