package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/babylonwatch/sentinel/pkg/events"
	"github.com/babylonwatch/sentinel/pkg/rpc"
	"github.com/babylonwatch/sentinel/pkg/stats"
	"github.com/babylonwatch/sentinel/pkg/types"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// EpochBlocks is the fallback epoch length when the chain's reported
	// boundary is unavailable.
	EpochBlocks = 360
	// checkpointOffsets is how many heights past the boundary are scanned for
	// the injected checkpoint transaction.
	checkpointOffsets = 5
)

// CheckpointPipeline resolves checkpoint-sealed events into BLS participation
// observations. Each epoch is processed at most once per process lifetime; a
// failed lookup leaves the epoch unmarked so a fresh event may retry it.
type CheckpointPipeline struct {
	network string
	client  *rpc.Client
	logger  *zap.Logger

	blsAgg      *stats.BLSAggregator
	onProcessed func()

	currentEpoch  *atomic.Uint64
	epochBoundary *atomic.Uint64

	mu        sync.Mutex
	processed map[uint64]bool
}

// NewCheckpointPipeline creates the checkpoint pipeline.
func NewCheckpointPipeline(logger *zap.Logger, network string, client *rpc.Client,
	blsAgg *stats.BLSAggregator, onProcessed func()) *CheckpointPipeline {
	if onProcessed == nil {
		onProcessed = func() {}
	}
	return &CheckpointPipeline{
		network:       network,
		client:        client,
		logger:        logger.Named("checkpoint"),
		blsAgg:        blsAgg,
		onProcessed:   onProcessed,
		currentEpoch:  atomic.NewUint64(0),
		epochBoundary: atomic.NewUint64(0),
		processed:     map[uint64]bool{},
	}
}

// Run consumes checkpoint-sealed events until the context is canceled.
func (p *CheckpointPipeline) Run(ctx context.Context, sealed <-chan events.CheckpointSealedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sealed:
			p.HandleSealed(ctx, ev.Epoch)
		}
	}
}

// RefreshEpoch updates the cached current epoch and boundary from the chain.
// The block pipeline invokes it every K processed heights.
func (p *CheckpointPipeline) RefreshEpoch(ctx context.Context) {
	resp, err := retry.DoWithData(
		func() (*rpc.CurrentEpochResponse, error) { return p.client.CurrentEpoch(ctx) },
		retry.Context(ctx), retry.Attempts(3), retry.Delay(400*time.Millisecond), retry.LastErrorOnly(true),
	)
	if err != nil {
		p.logger.Warn("refresh current epoch failed", zap.Error(err))
		return
	}
	p.currentEpoch.Store(uint64(resp.CurrentEpoch))
	p.epochBoundary.Store(uint64(resp.EpochBoundary))
}

// HandleSealed locates the injected checkpoint for the sealed epoch and feeds
// the resulting observation to the BLS aggregator.
func (p *CheckpointPipeline) HandleSealed(ctx context.Context, epoch uint64) {
	p.mu.Lock()
	if p.processed[epoch] {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	base := p.targetHeight(epoch)
	var msg *rpc.InjectedCheckpointMsg
	for offset := int64(0); offset < checkpointOffsets; offset++ {
		found, err := p.client.InjectedCheckpointAt(ctx, base+offset)
		if err != nil {
			p.logger.Warn("checkpoint lookup failed",
				zap.Uint64("epoch", epoch),
				zap.Int64("height", base+offset),
				zap.Error(err))
			continue
		}
		if found != nil {
			msg = found
			break
		}
	}
	if msg == nil {
		// Left unmarked: a fresh sealed event may retry the lookup.
		p.logger.Warn("no injected checkpoint found",
			zap.Uint64("epoch", epoch),
			zap.Int64("scanned_from", base),
			zap.Int64("scanned_to", base+checkpointOffsets-1))
		return
	}

	obs := &types.CheckpointObservation{
		// The embedded epoch number is authoritative over the event's.
		Epoch:     msg.EpochNum,
		Network:   p.network,
		Timestamp: time.Now().UTC(),
	}
	for _, vote := range msg.Votes {
		obs.Votes = append(obs.Votes, types.CheckpointVote{
			Address: vote.ValidatorAddress,
			Power:   vote.Power,
			Signed:  vote.Flag.IsCommit() && vote.ExtensionSignature != "",
		})
	}

	p.blsAgg.ProcessCheckpoint(ctx, obs)

	p.mu.Lock()
	p.processed[epoch] = true
	p.mu.Unlock()
	p.onProcessed()

	p.logger.Info("checkpoint processed",
		zap.String("network", p.network),
		zap.Uint64("epoch", obs.Epoch),
		zap.Int("votes", len(obs.Votes)))
}

// targetHeight computes the first height to scan for the epoch's checkpoint:
// the chain-reported boundary when it covers this epoch, the fixed epoch
// length otherwise. The scan window starts at the boundary block itself.
func (p *CheckpointPipeline) targetHeight(epoch uint64) int64 {
	if p.currentEpoch.Load() == epoch {
		if boundary := p.epochBoundary.Load(); boundary > 0 {
			return int64(boundary)
		}
	}
	return int64(epoch) * EpochBlocks
}
