package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/babylonwatch/sentinel/pkg/alerts"
	"github.com/babylonwatch/sentinel/pkg/config"
	"github.com/babylonwatch/sentinel/pkg/db"
	"github.com/babylonwatch/sentinel/pkg/directory"
	"github.com/babylonwatch/sentinel/pkg/events"
	"github.com/babylonwatch/sentinel/pkg/metrics"
	"github.com/babylonwatch/sentinel/pkg/pipeline"
	"github.com/babylonwatch/sentinel/pkg/rpc"
	"github.com/babylonwatch/sentinel/pkg/stats"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// stopGrace bounds how long Stop waits for in-flight work before abandoning
// it.
const stopGrace = 5 * time.Second

// Orchestrator supervises the full monitoring stack for one network. Two
// orchestrators run side by side (mainnet, testnet) and share no mutable
// state.
type Orchestrator struct {
	cfg    *config.Config
	net    config.Network
	logger *zap.Logger

	client   *rpc.Client
	stream   *rpc.Stream
	router   *events.Router
	dir      *directory.Directory
	governor *alerts.Governor

	valAgg *stats.ValidatorAggregator
	fpAgg  *stats.ProviderAggregator
	blsAgg *stats.BLSAggregator

	blockPipe *pipeline.BlockPipeline
	ckptPipe  *pipeline.CheckpointPipeline

	store *db.Store
	cron  *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator wires every subsystem for one network. Subsystems hold only
// downward references; peers are passed in at construction.
func NewOrchestrator(logger *zap.Logger, cfg *config.Config, net config.Network,
	store *db.Store, m *metrics.Metrics, sink alerts.Sink) *Orchestrator {

	logger = logger.Named(net.Name)

	client := rpc.NewClient(logger, rpc.Opts{
		Network:   net.Name,
		Endpoints: net.RPCURLs,
		OnRotate:  func() { m.RecordEndpointRotation(net.Name) },
	})

	governor := alerts.NewGovernor(logger, sink, alerts.GovernorOpts{
		Network:                  net.Name,
		ValidatorRateThreshold:   cfg.ValidatorSignatureRate,
		ProviderRateThreshold:    cfg.FinalityProviderSignatureRate,
		BLSRateThreshold:         cfg.BLSSignatureRate,
		RateMinDrop:              cfg.SignatureRateMinDrop,
		MinAlertInterval:         cfg.AlertMinInterval,
		TrackedValidators:        cfg.TrackedValidators,
		TrackedFinalityProviders: cfg.TrackedFinalityProviders,
		OnEmit:                   func(severity string) { m.RecordAlert(net.Name, severity) },
	})

	dir := directory.New(logger, directory.Opts{
		Network:       net.Name,
		ValconsPrefix: net.ValconsPrefix,
		Client:        client,
		Store:         store,
		Notifier:      governor,
		OnSize:        func(v, p int) { m.RecordDirectorySize(net.Name, v, p) },
	})

	valAgg := stats.NewValidatorAggregator(logger, net.Name, cfg.ValidatorSignatureEnabled, dir, store, governor)
	fpAgg := stats.NewProviderAggregator(logger, net.Name, cfg.FinalityProviderEnabled, dir, store, governor)
	blsAgg := stats.NewBLSAggregator(logger, net.Name, cfg.BLSSignatureEnabled, dir, store, governor)

	ckptPipe := pipeline.NewCheckpointPipeline(logger, net.Name, client, blsAgg,
		func() { m.RecordProcessedEpoch(net.Name) })

	blockPipe := pipeline.NewBlockPipeline(logger, pipeline.Opts{
		Network:             net.Name,
		Client:              client,
		FinalityLag:         cfg.FinalizedBlocksWait,
		FetchFpVotes:        cfg.FinalityProviderEnabled,
		ValidatorAggregator: valAgg,
		ProviderAggregator:  fpAgg,
		OnEpochTick:         ckptPipe.RefreshEpoch,
		OnProcessed:         func(h int64) { m.RecordProcessedHeight(net.Name, h) },
	})

	stream := rpc.NewStream(logger, rpc.StreamOpts{
		Network:   net.Name,
		Endpoints: net.WSURLs,
		Subscriptions: []rpc.Subscription{
			rpc.NewBlockSubscription(),
			rpc.CheckpointSealedSubscription(),
		},
		OnReconnect: func() { m.RecordStreamReconnect(net.Name) },
	})

	return &Orchestrator{
		cfg:       cfg,
		net:       net,
		logger:    logger,
		client:    client,
		stream:    stream,
		router:    events.NewRouter(logger, events.DefaultChannelCapacity),
		dir:       dir,
		governor:  governor,
		valAgg:    valAgg,
		fpAgg:     fpAgg,
		blsAgg:    blsAgg,
		blockPipe: blockPipe,
		ckptPipe:  ckptPipe,
		store:     store,
		cron:      cron.New(cron.WithSeconds()),
	}
}

// Start launches the subscription, pipelines, and periodic refreshes. It
// returns once everything is running; the workers stop when Stop is called.
func (o *Orchestrator) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	o.cancel = cancel

	for _, agg := range []stats.Aggregator{o.valAgg, o.fpAgg, o.blsAgg} {
		if err := agg.Start(ctx); err != nil {
			return err
		}
	}

	// Seed identities and epoch state before the first observation. A cold
	// chain gateway is retried; persistent failure defers to the periodic
	// refresh rather than killing the process.
	if err := retry.Do(
		func() error { return o.dir.Refresh(ctx) },
		retry.Context(ctx), retry.Attempts(3), retry.Delay(2*time.Second), retry.LastErrorOnly(true),
	); err != nil {
		o.logger.Error("initial directory refresh failed", zap.Error(err))
	}
	o.ckptPipe.RefreshEpoch(ctx)
	o.refreshActiveProviders(ctx)

	if _, err := o.cron.AddFunc(o.cfg.DirectoryRefreshCron, func() {
		if err := o.dir.Refresh(ctx); err != nil {
			o.logger.Warn("directory refresh failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	o.cron.Start()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		lastStored, err := o.store.LatestProcessedHeight(ctx, o.net.Name)
		if err != nil {
			o.logger.Warn("cannot determine last stored height", zap.Error(err))
		}
		if err := o.blockPipe.Sync(ctx, lastStored); err != nil && ctx.Err() == nil {
			o.logger.Warn("gap catch-up failed", zap.Error(err))
		}
		o.blockPipe.Run(ctx, o.router.Blocks())
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.ckptPipe.Run(ctx, o.router.Checkpoints())
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.stream.Run(ctx, o.router.Route); err != nil {
			o.logger.Error("event stream stopped", zap.Error(err))
		}
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.MonitoringInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.refreshActiveProviders(ctx)
			}
		}
	}()

	o.logger.Info("orchestrator started", zap.String("network", o.net.Name))
	return nil
}

// refreshActiveProviders flips the IsActive flags from the chain's view at
// the pipeline's watermark.
func (o *Orchestrator) refreshActiveProviders(ctx context.Context) {
	if !o.cfg.FinalityProviderEnabled {
		return
	}
	height := o.blockPipe.Watermark()
	if height == 0 {
		h, err := o.client.CurrentHeight(ctx)
		if err != nil {
			o.logger.Warn("cannot resolve height for provider refresh", zap.Error(err))
			return
		}
		height = h - o.cfg.FinalizedBlocksWait
	}
	if _, err := o.dir.ActiveFinalityProviders(ctx, height); err != nil {
		o.logger.Warn("active provider refresh failed", zap.Int64("height", height), zap.Error(err))
	}
}

// Healthy probes the chain gateway, for the readiness endpoint.
func (o *Orchestrator) Healthy(ctx context.Context) error {
	return o.client.Healthy(ctx)
}

// Network returns the network this orchestrator supervises.
func (o *Orchestrator) Network() string { return o.net.Name }

// Stop cancels every worker and waits up to the grace period.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	cronCtx := o.cron.Stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		<-cronCtx.Done()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		o.logger.Warn("stop grace period elapsed, abandoning in-flight work")
	}

	o.valAgg.Stop()
	o.fpAgg.Stop()
	o.blsAgg.Stop()
	o.logger.Info("orchestrator stopped", zap.String("network", o.net.Name))
}
