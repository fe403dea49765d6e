package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/babylonwatch/sentinel/pkg/alerts"
	"github.com/babylonwatch/sentinel/pkg/config"
	"github.com/babylonwatch/sentinel/pkg/db"
	"github.com/babylonwatch/sentinel/pkg/logging"
	"github.com/babylonwatch/sentinel/pkg/metrics"
	"github.com/babylonwatch/sentinel/pkg/notify"
	"go.uber.org/zap"
)

// App owns the shared infrastructure and one orchestrator per configured
// network.
type App struct {
	Logger        *zap.Logger
	Config        *config.Config
	Store         *db.Store
	Metrics       *metrics.Metrics
	Orchestrators []*Orchestrator

	server *http.Server
}

// Initialize builds the whole daemon. Configuration or store failures are
// fatal: the process exits 1.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	logger.Info("configuration loaded", zap.String("summary", cfg.String()))

	store, err := db.Connect(ctx, logger, cfg.MongoURI)
	if err != nil {
		logger.Fatal("store initialization failed", zap.Error(err))
	}

	m := metrics.New()

	var sinks []alerts.Sink
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegramSink(logger, cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			logger.Fatal("telegram sink initialization failed", zap.Error(err))
		}
		sinks = append(sinks, tg)
	}
	if cfg.RedisAlertsEnabled {
		rs, err := notify.NewRedisStreamSink(ctx, logger, cfg.RedisAlertStream)
		if err != nil {
			logger.Fatal("redis sink initialization failed", zap.Error(err))
		}
		sinks = append(sinks, rs)
	}
	manager := notify.NewManager(logger, sinks...)

	app := &App{
		Logger:  logger,
		Config:  cfg,
		Store:   store,
		Metrics: m,
	}

	if cfg.MonitoringEnabled {
		for _, net := range cfg.Networks {
			app.Orchestrators = append(app.Orchestrators,
				NewOrchestrator(logger, cfg, net, store, m, manager))
		}
	} else {
		logger.Warn("monitoring disabled by configuration, running ops surface only")
	}

	app.server = NewServer(app)
	return app
}

// Start runs until the context is canceled, then shuts everything down.
func (a *App) Start(ctx context.Context) {
	go func() {
		a.Logger.Info("ops server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("ops server failed", zap.Error(err))
		}
	}()

	for _, o := range a.Orchestrators {
		if err := o.Start(ctx); err != nil {
			a.Logger.Fatal("orchestrator start failed", zap.Error(err))
		}
	}

	<-ctx.Done()
	a.Stop()
}

// Stop shuts the orchestrators, ops server, and store down in order.
func (a *App) Stop() {
	for _, o := range a.Orchestrators {
		o.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	_ = a.server.Shutdown(shutdownCtx)
	if err := a.Store.Close(shutdownCtx); err != nil {
		a.Logger.Warn("store close failed", zap.Error(err))
	}

	time.Sleep(100 * time.Millisecond)
	a.Logger.Info("shutdown complete")
}
