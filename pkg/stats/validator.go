package stats

import (
	"context"
	"errors"
	"time"

	"github.com/babylonwatch/sentinel/pkg/db"
	"github.com/babylonwatch/sentinel/pkg/types"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ValidatorStatsStore is the repository slice the aggregator writes through.
type ValidatorStatsStore interface {
	GetValidatorSigningStats(ctx context.Context, network, address string) (*types.ValidatorSigningStats, error)
	UpsertValidatorSigningStats(ctx context.Context, st *types.ValidatorSigningStats) error
}

// ValidatorGovernor is the alert-governor slice the aggregator notifies.
type ValidatorGovernor interface {
	EvaluateValidator(ctx context.Context, st *types.ValidatorSigningStats)
}

// ValidatorDirectory is the identity-catalog slice the aggregator reads.
type ValidatorDirectory interface {
	Validators() []*types.Validator
}

// ValidatorAggregator maintains per-validator block-signature statistics over
// a sliding window. The in-memory cache is authoritative; a failed store
// write costs only that write.
type ValidatorAggregator struct {
	network  string
	enabled  bool
	dir      ValidatorDirectory
	store    ValidatorStatsStore
	governor ValidatorGovernor
	logger   *zap.Logger
	started  *atomic.Bool

	window      int64
	recentLimit int

	cache *xsync.Map[string, *types.ValidatorSigningStats]
}

// NewValidatorAggregator creates the block-signature aggregator.
func NewValidatorAggregator(logger *zap.Logger, network string, enabled bool,
	dir ValidatorDirectory, store ValidatorStatsStore, governor ValidatorGovernor) *ValidatorAggregator {
	return &ValidatorAggregator{
		network:     network,
		enabled:     enabled,
		dir:         dir,
		store:       store,
		governor:    governor,
		logger:      logger.Named("validator-stats"),
		started:     atomic.NewBool(false),
		window:      PerformanceWindow,
		recentLimit: RecentBlocksLimit,
		cache:       xsync.NewMap[string, *types.ValidatorSigningStats](),
	}
}

func (a *ValidatorAggregator) Start(context.Context) error {
	if a.started.Swap(true) {
		return errors.New("validator aggregator already started")
	}
	return nil
}

func (a *ValidatorAggregator) Stop()           { a.started.Store(false) }
func (a *ValidatorAggregator) IsEnabled() bool { return a.enabled }

// ProcessBlock folds one block observation into every known validator's
// record. Signers not present in the directory are not counted in any
// record.
func (a *ValidatorAggregator) ProcessBlock(ctx context.Context, obs *types.BlockObservation) {
	if !a.enabled {
		return
	}
	for _, v := range a.dir.Validators() {
		if v.ConsensusHex == "" {
			continue
		}
		signed := obs.Signers[v.ConsensusHex]
		rec := a.record(ctx, v)
		a.apply(rec, obs, signed)
		rec.Moniker = v.Moniker

		if err := a.store.UpsertValidatorSigningStats(ctx, rec); err != nil {
			a.logger.Warn("persist signing stats failed",
				zap.String("validator", v.OperatorAddress), zap.Error(err))
		}
		a.governor.EvaluateValidator(ctx, rec)
	}
}

// record returns the cached stats record for a validator, loading it from the
// store on first touch.
func (a *ValidatorAggregator) record(ctx context.Context, v *types.Validator) *types.ValidatorSigningStats {
	if rec, ok := a.cache.Load(v.ConsensusHex); ok {
		return rec
	}
	rec, err := a.store.GetValidatorSigningStats(ctx, a.network, v.ConsensusHex)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			a.logger.Warn("load signing stats failed",
				zap.String("validator", v.OperatorAddress), zap.Error(err))
		}
		rec = &types.ValidatorSigningStats{
			ValidatorAddress: v.ConsensusHex,
			Moniker:          v.Moniker,
			Network:          a.network,
		}
	}
	actual, _ := a.cache.LoadOrStore(v.ConsensusHex, rec)
	return actual
}

// apply folds one (height, signed) observation into the record. Once the
// window saturates at W the signed counter is held constant rather than
// re-derived from evicted observations.
func (a *ValidatorAggregator) apply(rec *types.ValidatorSigningStats, obs *types.BlockObservation, signed bool) {
	rec.RecentBlocks = append([]types.RecentBlock{{
		Height:    obs.Height,
		Signed:    signed,
		Round:     obs.Round,
		Timestamp: obs.Timestamp,
	}}, rec.RecentBlocks...)
	if len(rec.RecentBlocks) > a.recentLimit {
		rec.RecentBlocks = rec.RecentBlocks[:a.recentLimit]
	}

	if signed {
		rec.ConsecutiveSigned++
		rec.ConsecutiveMissed = 0
	} else {
		rec.ConsecutiveMissed++
		rec.ConsecutiveSigned = 0
	}

	if rec.TotalBlocksInWindow < a.window {
		rec.TotalBlocksInWindow++
	}
	if signed && rec.TotalBlocksInWindow < a.window {
		rec.TotalSignedBlocks++
	}

	if rec.TotalBlocksInWindow > 0 {
		rec.SignatureRate = 100 * float64(rec.TotalSignedBlocks) / float64(rec.TotalBlocksInWindow)
	} else {
		rec.SignatureRate = 0
	}

	if obs.Timestamp.After(rec.LastUpdated) {
		rec.LastUpdated = obs.Timestamp
	} else {
		rec.LastUpdated = rec.LastUpdated.Add(time.Nanosecond)
	}
}
