// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	registry *prometheus.Registry

	ChannelsActive prometheus.Gauge
	ChannelsTotal  *prometheus.CounterVec

	FramesTotal     *prometheus.CounterVec
	AudioBytesTotal *prometheus.CounterVec

	ToolCallsTotal   *prometheus.CounterVec
	InjectionsTotal  *prometheus.CounterVec
	SweepEvictsTotal prometheus.Counter

	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with everything registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxbridge"
	}

	registry := prometheus.NewRegistry()

	channelsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of live channels",
		},
	)

	channelsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_total",
			Help:      "Total channels closed, by reason",
		},
		[]string{"reason"},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total audio frames broadcast to clients",
		},
		[]string{"direction"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes relayed",
		},
		[]string{"direction"},
	)

	toolCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total tool invocations dispatched",
		},
		[]string{"tool", "status"},
	)

	injectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injections_total",
			Help:      "Total synthetic utterance injections",
		},
		[]string{"status"},
	)

	sweepEvictsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_evictions_total",
			Help:      "Total idle channels closed by the sweeper",
		},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total relay errors",
		},
		[]string{"stage"},
	)

	registry.MustRegister(
		channelsActive,
		channelsTotal,
		framesTotal,
		audioBytesTotal,
		toolCallsTotal,
		injectionsTotal,
		sweepEvictsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:         registry,
		ChannelsActive:   channelsActive,
		ChannelsTotal:    channelsTotal,
		FramesTotal:      framesTotal,
		AudioBytesTotal:  audioBytesTotal,
		ToolCallsTotal:   toolCallsTotal,
		InjectionsTotal:  injectionsTotal,
		SweepEvictsTotal: sweepEvictsTotal,
		ErrorsTotal:      errorsTotal,
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ChannelOpened bumps the live-channel gauge.
func (m *Metrics) ChannelOpened() {
	m.ChannelsActive.Inc()
}

// ChannelClosed records one channel teardown by reason.
func (m *Metrics) ChannelClosed(reason string) {
	m.ChannelsActive.Dec()
	m.ChannelsTotal.WithLabelValues(reason).Inc()
	if reason == "evicted" {
		m.SweepEvictsTotal.Inc()
	}
}

// RecordFrames counts broadcast frames and their bytes.
func (m *Metrics) RecordFrames(direction string, frames, bytes int) {
	m.FramesTotal.WithLabelValues(direction).Add(float64(frames))
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordToolCall counts one tool dispatch.
func (m *Metrics) RecordToolCall(tool, status string) {
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordInjection counts one synthetic utterance injection.
func (m *Metrics) RecordInjection(status string) {
	m.InjectionsTotal.WithLabelValues(status).Inc()
}

// RecordError counts one relay error by pipeline stage.
func (m *Metrics) RecordError(stage string) {
	m.ErrorsTotal.WithLabelValues(stage).Inc()
}
