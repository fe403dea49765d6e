package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the daemon's instrumentation. One instance is shared by all
// per-network orchestrators; series are partitioned by the network label.
type Metrics struct {
	Registry *prometheus.Registry

	processedHeights  *prometheus.CounterVec
	processedEpochs   *prometheus.CounterVec
	alertsEmitted     *prometheus.CounterVec
	streamReconnects  *prometheus.CounterVec
	endpointRotations *prometheus.CounterVec
	watermark         *prometheus.GaugeVec
	directorySize     *prometheus.GaugeVec
}

// New registers and returns the daemon metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		processedHeights: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_processed_heights_total",
				Help: "Number of block heights fully processed by the block pipeline",
			},
			[]string{"network"},
		),
		processedEpochs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_processed_epochs_total",
				Help: "Number of checkpoint epochs fully processed",
			},
			[]string{"network"},
		),
		alertsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_alerts_emitted_total",
				Help: "Number of alerts handed to the notification sinks",
			},
			[]string{"network", "severity"},
		),
		streamReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_stream_reconnects_total",
				Help: "Number of websocket stream reconnect attempts",
			},
			[]string{"network"},
		),
		endpointRotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_endpoint_rotations_total",
				Help: "Number of REST endpoint rotations after a failed call",
			},
			[]string{"network"},
		),
		watermark: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_block_watermark",
				Help: "Last block height processed in order by the pipeline",
			},
			[]string{"network"},
		),
		directorySize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_directory_subjects",
				Help: "Number of subjects in the identity directory",
			},
			[]string{"network", "kind"},
		),
	}
	m.Registry.MustRegister(
		m.processedHeights, m.processedEpochs, m.alertsEmitted,
		m.streamReconnects, m.endpointRotations, m.watermark, m.directorySize,
	)
	return m
}

func (m *Metrics) RecordProcessedHeight(network string, height int64) {
	m.processedHeights.WithLabelValues(network).Inc()
	m.watermark.WithLabelValues(network).Set(float64(height))
}

func (m *Metrics) RecordProcessedEpoch(network string) {
	m.processedEpochs.WithLabelValues(network).Inc()
}

func (m *Metrics) RecordAlert(network, severity string) {
	m.alertsEmitted.WithLabelValues(network, severity).Inc()
}

func (m *Metrics) RecordStreamReconnect(network string) {
	m.streamReconnects.WithLabelValues(network).Inc()
}

func (m *Metrics) RecordEndpointRotation(network string) {
	m.endpointRotations.WithLabelValues(network).Inc()
}

func (m *Metrics) RecordDirectorySize(network string, validators, providers int) {
	m.directorySize.WithLabelValues(network, "validator").Set(float64(validators))
	m.directorySize.WithLabelValues(network, "finality_provider").Set(float64(providers))
}
