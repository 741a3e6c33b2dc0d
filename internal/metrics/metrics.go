// Copyright 2025 The Ruleline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus instrumentation for the lifecycle
// manager.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the manager's instruments. A nil *Metrics is a valid
// no-op receiver so tests can skip instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	activations     *prometheus.GaugeVec
	queueDepth      prometheus.GaugeFunc
	adapterCalls    *prometheus.HistogramVec
}

// New creates and registers the manager's instruments. queueLen reports
// the current command queue depth.
func New(queueLen func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruleline",
			Name:      "lifecycle_commands_total",
			Help:      "Lifecycle commands processed, by kind and resulting status.",
		}, []string{"kind", "status"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ruleline",
			Name:      "lifecycle_command_duration_seconds",
			Help:      "Time spent processing a lifecycle command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		activations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ruleline",
			Name:      "activations",
			Help:      "Activations by lifecycle status.",
		}, []string{"status"}),
		adapterCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ruleline",
			Name:      "adapter_call_duration_seconds",
			Help:      "Runtime backend call latency, by backend and operation.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		}, []string{"backend", "operation"}),
	}
	m.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ruleline",
		Name:      "queue_depth",
		Help:      "Commands awaiting delivery in the lifecycle queue.",
	}, func() float64 { return float64(queueLen()) })

	reg.MustRegister(m.commands, m.commandDuration, m.activations, m.queueDepth, m.adapterCalls)
	return m
}

// ObserveTransition records a processed command and its duration.
func (m *Metrics) ObserveTransition(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, status).Inc()
	m.commandDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveAdapterCall records a runtime backend call latency.
func (m *Metrics) ObserveAdapterCall(backend, operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.adapterCalls.WithLabelValues(backend, operation).Observe(d.Seconds())
}

// SetActivations sets the gauge for one lifecycle status.
func (m *Metrics) SetActivations(status string, n int) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(status).Set(float64(n))
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
