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

// ProviderStatsStore is the repository slice the aggregator writes through.
type ProviderStatsStore interface {
	GetFinalityProviderStats(ctx context.Context, network, btcPkHex string) (*types.FinalityProviderStats, error)
	UpsertFinalityProviderStats(ctx context.Context, st *types.FinalityProviderStats) error
}

// ProviderGovernor is the alert-governor slice the aggregator notifies.
type ProviderGovernor interface {
	EvaluateFinalityProvider(ctx context.Context, st *types.FinalityProviderStats)
}

// ProviderDirectory is the identity-catalog slice the aggregator reads.
type ProviderDirectory interface {
	FinalityProviders() []*types.FinalityProvider
}

// ProviderAggregator maintains per-finality-provider vote statistics from the
// first height each provider was observed at.
type ProviderAggregator struct {
	network  string
	enabled  bool
	dir      ProviderDirectory
	store    ProviderStatsStore
	governor ProviderGovernor
	logger   *zap.Logger
	started  *atomic.Bool
	now      func() time.Time

	missedLimit int

	cache *xsync.Map[string, *types.FinalityProviderStats]
}

// NewProviderAggregator creates the finality-provider vote aggregator.
func NewProviderAggregator(logger *zap.Logger, network string, enabled bool,
	dir ProviderDirectory, store ProviderStatsStore, governor ProviderGovernor) *ProviderAggregator {
	return &ProviderAggregator{
		network:     network,
		enabled:     enabled,
		dir:         dir,
		store:       store,
		governor:    governor,
		logger:      logger.Named("fp-stats"),
		started:     atomic.NewBool(false),
		now:         time.Now,
		missedLimit: MissedHeightsLimit,
		cache:       xsync.NewMap[string, *types.FinalityProviderStats](),
	}
}

func (a *ProviderAggregator) Start(context.Context) error {
	if a.started.Swap(true) {
		return errors.New("provider aggregator already started")
	}
	return nil
}

func (a *ProviderAggregator) Stop()           { a.started.Store(false) }
func (a *ProviderAggregator) IsEnabled() bool { return a.enabled }

// ProcessBlock folds one block observation into every active provider's
// record. Only providers active at the height are expected to vote, so
// inactive ones are skipped rather than charged a miss.
func (a *ProviderAggregator) ProcessBlock(ctx context.Context, obs *types.BlockObservation) {
	if !a.enabled {
		return
	}
	for _, fp := range a.dir.FinalityProviders() {
		if !fp.IsActive {
			continue
		}
		signed := obs.FpSigners[fp.BtcPkHex]
		rec := a.record(ctx, fp, obs.Height)
		a.apply(rec, obs.Height, signed)
		rec.Moniker = fp.Moniker
		rec.Jailed = fp.Jailed
		rec.IsActive = fp.IsActive

		if err := a.store.UpsertFinalityProviderStats(ctx, rec); err != nil {
			a.logger.Warn("persist provider stats failed",
				zap.String("btc_pk", fp.BtcPkHex), zap.Error(err))
		}
		a.governor.EvaluateFinalityProvider(ctx, rec)
	}
}

func (a *ProviderAggregator) record(ctx context.Context, fp *types.FinalityProvider, height int64) *types.FinalityProviderStats {
	if rec, ok := a.cache.Load(fp.BtcPkHex); ok {
		return rec
	}
	rec, err := a.store.GetFinalityProviderStats(ctx, a.network, fp.BtcPkHex)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			a.logger.Warn("load provider stats failed",
				zap.String("btc_pk", fp.BtcPkHex), zap.Error(err))
		}
		rec = &types.FinalityProviderStats{
			BtcPkHex:    fp.BtcPkHex,
			Moniker:     fp.Moniker,
			Network:     a.network,
			StartHeight: height,
			EndHeight:   height,
		}
	}
	actual, _ := a.cache.LoadOrStore(fp.BtcPkHex, rec)
	return actual
}

func (a *ProviderAggregator) apply(rec *types.FinalityProviderStats, height int64, signed bool) {
	rec.TotalBlocks++
	if signed {
		rec.SignedBlocks++
	} else {
		rec.MissedBlocks++
		rec.MissedBlockHeights = append(rec.MissedBlockHeights, height)
		if len(rec.MissedBlockHeights) > a.missedLimit {
			rec.MissedBlockHeights = rec.MissedBlockHeights[len(rec.MissedBlockHeights)-a.missedLimit:]
		}
	}
	if height > rec.EndHeight {
		rec.EndHeight = height
	}
	if rec.TotalBlocks > 0 {
		rec.SignatureRate = 100 * float64(rec.SignedBlocks) / float64(rec.TotalBlocks)
	}
	rec.LastUpdated = a.now().UTC()
}
