package notify

import (
	"context"
	"errors"

	"github.com/babylonwatch/sentinel/pkg/alerts"
	"go.uber.org/zap"
)

// Manager fans an alert out to every configured sink. A failing sink costs
// that delivery only; the manager reports an error only when no sink took the
// alert.
type Manager struct {
	sinks  []alerts.Sink
	logger *zap.Logger
}

// NewManager creates a Manager over the given sinks.
func NewManager(logger *zap.Logger, sinks ...alerts.Sink) *Manager {
	return &Manager{sinks: sinks, logger: logger.Named("notify")}
}

// SendAlert implements alerts.Sink.
func (m *Manager) SendAlert(ctx context.Context, alert alerts.Alert) error {
	if len(m.sinks) == 0 {
		m.logger.Info("no sinks configured, dropping alert",
			zap.String("title", alert.Title),
			zap.String("severity", string(alert.Severity)))
		return nil
	}
	delivered := 0
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.SendAlert(ctx, alert); err != nil {
			m.logger.Warn("sink delivery failed", zap.String("title", alert.Title), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}
