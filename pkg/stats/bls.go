package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/babylonwatch/sentinel/pkg/types"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// BLSStatsStore is the repository slice the aggregator writes through.
type BLSStatsStore interface {
	UpsertBLSCheckpointStats(ctx context.Context, st *types.BLSCheckpointStats) error
}

// BLSGovernor is the alert-governor slice the aggregator notifies.
type BLSGovernor interface {
	EvaluateBLSCheckpoint(ctx context.Context, st *types.BLSCheckpointStats)
}

// BLSDirectory is the identity-catalog slice the aggregator reads.
type BLSDirectory interface {
	LookupByAnyKey(ctx context.Context, key string) (*types.Validator, bool)
}

// BLSAggregator persists per-epoch BLS checkpoint participation as delivered.
// There is no online aggregation: one observation produces one record.
type BLSAggregator struct {
	network  string
	enabled  bool
	dir      BLSDirectory
	store    BLSStatsStore
	governor BLSGovernor
	logger   *zap.Logger
	started  *atomic.Bool
}

// NewBLSAggregator creates the checkpoint participation aggregator.
func NewBLSAggregator(logger *zap.Logger, network string, enabled bool,
	dir BLSDirectory, store BLSStatsStore, governor BLSGovernor) *BLSAggregator {
	return &BLSAggregator{
		network:  network,
		enabled:  enabled,
		dir:      dir,
		store:    store,
		governor: governor,
		logger:   logger.Named("bls-stats"),
		started:  atomic.NewBool(false),
	}
}

func (a *BLSAggregator) Start(context.Context) error {
	if a.started.Swap(true) {
		return errors.New("bls aggregator already started")
	}
	return nil
}

func (a *BLSAggregator) Stop()           { a.started.Store(false) }
func (a *BLSAggregator) IsEnabled() bool { return a.enabled }

// ProcessCheckpoint resolves each vote's identity, derives the participation
// record, persists it, and notifies the governor.
func (a *BLSAggregator) ProcessCheckpoint(ctx context.Context, obs *types.CheckpointObservation) *types.BLSCheckpointStats {
	if !a.enabled {
		return nil
	}

	st := &types.BLSCheckpointStats{
		Epoch:     obs.Epoch,
		Network:   a.network,
		Timestamp: obs.Timestamp,
	}
	signedCount := int64(0)
	for _, vote := range obs.Votes {
		moniker := "Unknown"
		if v, ok := a.dir.LookupByAnyKey(ctx, vote.Address); ok {
			moniker = v.Moniker
		}
		st.Votes = append(st.Votes, types.BLSValidatorVote{
			Address: vote.Address,
			Moniker: moniker,
			Power:   vote.Power,
			Signed:  vote.Signed,
		})
		st.TotalValidators++
		st.TotalPower += vote.Power
		if vote.Signed {
			st.SignedPower += vote.Power
			signedCount++
		}
	}
	st.UnsignedPower = st.TotalPower - st.SignedPower
	if st.TotalPower > 0 {
		st.ParticipationRateByPower = fmt.Sprintf("%.2f%%", 100*float64(st.SignedPower)/float64(st.TotalPower))
	} else {
		st.ParticipationRateByPower = "0.00%"
	}
	if st.TotalValidators > 0 {
		st.ParticipationRateByCount = fmt.Sprintf("%.2f%%", 100*float64(signedCount)/float64(st.TotalValidators))
	} else {
		st.ParticipationRateByCount = "0.00%"
	}

	if err := a.store.UpsertBLSCheckpointStats(ctx, st); err != nil {
		a.logger.Warn("persist bls stats failed", zap.Uint64("epoch", st.Epoch), zap.Error(err))
	}
	a.governor.EvaluateBLSCheckpoint(ctx, st)
	return st
}
