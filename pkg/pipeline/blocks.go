package pipeline

import (
	"container/heap"
	"context"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/babylonwatch/sentinel/pkg/directory"
	"github.com/babylonwatch/sentinel/pkg/events"
	"github.com/babylonwatch/sentinel/pkg/rpc"
	"github.com/babylonwatch/sentinel/pkg/stats"
	"github.com/babylonwatch/sentinel/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Defaults of the block pipeline.
const (
	// DefaultFinalityLag is F: heights wait this far behind the max seen
	// height before processing, to tolerate small reorgs.
	DefaultFinalityLag = 3
	// DefaultMaxSync bounds one catch-up invocation: it starts no earlier than
	// tip-F-MaxSync and ends at tip-F, so it covers at most MaxSync+1 heights.
	DefaultMaxSync = 100
	// DefaultEpochRefreshEvery is K: processed heights between current-epoch
	// refreshes.
	DefaultEpochRefreshEvery = 50

	processedCacheSize = 4096
	votesCacheSize     = 512
)

// BlockPipeline converts block events into per-height observations, strictly
// ascending, each height once per process lifetime.
type BlockPipeline struct {
	network string
	client  *rpc.Client
	logger  *zap.Logger

	finalityLag       int64
	maxSync           int64
	epochRefreshEvery int64
	fpVotes           bool

	valAgg *stats.ValidatorAggregator
	fpAgg  *stats.ProviderAggregator

	onEpochTick func(ctx context.Context)
	onProcessed func(height int64)

	mu         sync.Mutex
	pending    blockHeap
	pendingSet map[int64]bool
	watermark  int64
	maxSeen    int64
	processed  *boundedSet

	votesCache *lru.Cache[int64, map[string]bool]

	// Single-worker discipline: re-entrant drains return immediately.
	working *atomic.Bool
}

// Opts configures a BlockPipeline.
type Opts struct {
	Network string
	Client  *rpc.Client

	FinalityLag       int64
	MaxSync           int64
	EpochRefreshEvery int64
	// FetchFpVotes enables the per-height finality vote lookup.
	FetchFpVotes bool

	ValidatorAggregator *stats.ValidatorAggregator
	ProviderAggregator  *stats.ProviderAggregator

	// OnEpochTick runs after every EpochRefreshEvery processed heights.
	OnEpochTick func(ctx context.Context)
	// OnProcessed observes each watermark advance.
	OnProcessed func(height int64)
}

// NewBlockPipeline creates the pipeline with an empty queue.
func NewBlockPipeline(logger *zap.Logger, o Opts) *BlockPipeline {
	if o.FinalityLag <= 0 {
		o.FinalityLag = DefaultFinalityLag
	}
	if o.MaxSync <= 0 {
		o.MaxSync = DefaultMaxSync
	}
	if o.EpochRefreshEvery <= 0 {
		o.EpochRefreshEvery = DefaultEpochRefreshEvery
	}
	if o.OnEpochTick == nil {
		o.OnEpochTick = func(context.Context) {}
	}
	if o.OnProcessed == nil {
		o.OnProcessed = func(int64) {}
	}
	votesCache, _ := lru.New[int64, map[string]bool](votesCacheSize)
	return &BlockPipeline{
		network:           o.Network,
		client:            o.Client,
		logger:            logger.Named("blocks"),
		finalityLag:       o.FinalityLag,
		maxSync:           o.MaxSync,
		epochRefreshEvery: o.EpochRefreshEvery,
		fpVotes:           o.FetchFpVotes,
		valAgg:            o.ValidatorAggregator,
		fpAgg:             o.ProviderAggregator,
		onEpochTick:       o.OnEpochTick,
		onProcessed:       o.OnProcessed,
		pendingSet:        map[int64]bool{},
		processed:         newBoundedSet(processedCacheSize),
		votesCache:        votesCache,
		working:           atomic.NewBool(false),
	}
}

// Watermark returns the last height processed in order.
func (p *BlockPipeline) Watermark() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

// Run consumes routed block events until the context is canceled.
func (p *BlockPipeline) Run(ctx context.Context, blocks <-chan events.BlockEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-blocks:
			p.Enqueue(ctx, ev)
		}
	}
}

// Enqueue admits one block event and drains whatever became eligible.
// Duplicate or already-passed heights are dropped.
func (p *BlockPipeline) Enqueue(ctx context.Context, ev events.BlockEvent) {
	p.mu.Lock()
	if ev.Height > p.maxSeen {
		p.maxSeen = ev.Height
	}
	if ev.Height <= p.watermark || p.processed.Has(ev.Height) || p.pendingSet[ev.Height] {
		p.mu.Unlock()
		return
	}
	heap.Push(&p.pending, ev)
	p.pendingSet[ev.Height] = true
	p.mu.Unlock()

	p.drain(ctx)
}

// drain processes eligible heights in ascending order. A height is eligible
// when height + F <= maxSeen. Only one drain runs at a time.
func (p *BlockPipeline) drain(ctx context.Context) {
	if p.working.Swap(true) {
		return
	}
	defer p.working.Store(false)

	for {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		if p.pending.Len() == 0 {
			p.mu.Unlock()
			return
		}
		next := p.pending[0]
		if next.Height+p.finalityLag > p.maxSeen {
			p.mu.Unlock()
			return
		}
		heap.Pop(&p.pending)
		delete(p.pendingSet, next.Height)
		p.mu.Unlock()

		p.process(ctx, next)
	}
}

// process converts one block event into an observation and feeds the
// aggregators, then advances the watermark.
func (p *BlockPipeline) process(ctx context.Context, ev events.BlockEvent) {
	obs := &types.BlockObservation{
		Height:    ev.Height,
		Timestamp: ev.Time,
		Round:     ev.Round,
		Signers:   signerSet(ev.Signatures),
	}
	if p.fpVotes {
		obs.FpSigners = p.finalityVotes(ctx, ev.Height)
	}

	p.valAgg.ProcessBlock(ctx, obs)
	p.fpAgg.ProcessBlock(ctx, obs)

	p.mu.Lock()
	if ev.Height > p.watermark {
		p.watermark = ev.Height
	}
	p.processed.Add(ev.Height)
	watermark := p.watermark
	p.mu.Unlock()

	p.onProcessed(watermark)
	if ev.Height%p.epochRefreshEvery == 0 {
		p.onEpochTick(ctx)
	}

	p.logger.Debug("processed height",
		zap.String("network", p.network),
		zap.Int64("height", ev.Height),
		zap.Int("signers", len(obs.Signers)))
}

// finalityVotes returns the BTC keys that voted for the height, cached per
// height. A fetch failure yields an empty set for that height; the stats keep
// running on the next one.
func (p *BlockPipeline) finalityVotes(ctx context.Context, height int64) map[string]bool {
	if cached, ok := p.votesCache.Get(height); ok {
		return cached
	}
	pks, err := p.client.FinalityVotes(ctx, height)
	if err != nil {
		p.logger.Warn("fetch finality votes failed", zap.Int64("height", height), zap.Error(err))
		return map[string]bool{}
	}
	set := make(map[string]bool, len(pks))
	for _, pk := range pks {
		set[directory.NormalizeBtcPk(pk)] = true
	}
	p.votesCache.Add(height, set)
	return set
}

// Sync runs the gap catch-up: [max(lastStored+1, tip-F-maxSync), tip-F],
// synchronously through the regular processing path. The runtime stream
// closes any remainder once online.
func (p *BlockPipeline) Sync(ctx context.Context, lastStored int64) error {
	tip, err := p.client.CurrentHeight(ctx)
	if err != nil {
		return err
	}
	syncEnd := tip - p.finalityLag
	syncStart := lastStored + 1
	if floor := tip - p.finalityLag - p.maxSync; floor > syncStart {
		syncStart = floor
	}
	p.mu.Lock()
	if tip > p.maxSeen {
		p.maxSeen = tip
	}
	if syncStart <= p.watermark {
		syncStart = p.watermark + 1
	}
	p.mu.Unlock()
	if syncStart > syncEnd {
		return nil
	}

	p.logger.Info("gap catch-up",
		zap.String("network", p.network),
		zap.Int64("from", syncStart),
		zap.Int64("to", syncEnd))

	// Prefetch concurrently, process in order.
	fetched := make([]*rpc.BlockResponse, syncEnd-syncStart+1)
	pool := pond.NewPool(8)
	for i := range fetched {
		i := i
		height := syncStart + int64(i)
		pool.Submit(func() {
			blk, err := p.client.BlockAtHeight(ctx, height)
			if err != nil {
				p.logger.Warn("catch-up fetch failed", zap.Int64("height", height), zap.Error(err))
				return
			}
			fetched[i] = blk
		})
	}
	pool.StopAndWait()

	for i, blk := range fetched {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if blk == nil {
			continue
		}
		height := syncStart + int64(i)
		p.mu.Lock()
		seen := p.processed.Has(height)
		p.mu.Unlock()
		if seen {
			continue
		}
		p.process(ctx, events.BlockEvent{
			Height:     height,
			Time:       blk.Block.Header.Time,
			Round:      int32(blk.Block.LastCommit.Round),
			Signatures: blk.Block.LastCommit.Signatures,
		})
	}
	return nil
}

// signerSet builds the set of committing validator addresses. A signature
// counts when its flag is the commit flag, in either encoding.
func signerSet(sigs []rpc.CommitSig) map[string]bool {
	out := make(map[string]bool, len(sigs))
	for _, sig := range sigs {
		if sig.Flag.IsCommit() && sig.ValidatorAddress != "" {
			out[directory.NormalizeHex(sig.ValidatorAddress)] = true
		}
	}
	return out
}

// --- pending heap

type blockHeap []events.BlockEvent

func (h blockHeap) Len() int           { return len(h) }
func (h blockHeap) Less(i, j int) bool { return h[i].Height < h[j].Height }
func (h blockHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *blockHeap) Push(x any)        { *h = append(*h, x.(events.BlockEvent)) }
func (h *blockHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// --- processed-height cache

// boundedSet remembers processed heights up to a capacity; when full, the
// oldest half is evicted.
type boundedSet struct {
	cap   int
	set   map[int64]bool
	order []int64
}

func newBoundedSet(capacity int) *boundedSet {
	return &boundedSet{cap: capacity, set: make(map[int64]bool, capacity)}
}

func (b *boundedSet) Has(h int64) bool { return b.set[h] }

func (b *boundedSet) Add(h int64) {
	if b.set[h] {
		return
	}
	if len(b.order) >= b.cap {
		half := len(b.order) / 2
		for _, old := range b.order[:half] {
			delete(b.set, old)
		}
		b.order = append([]int64(nil), b.order[half:]...)
	}
	b.set[h] = true
	b.order = append(b.order, h)
}
