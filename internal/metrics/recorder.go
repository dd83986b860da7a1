/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "slowmode"

// Skip reasons reported through ActuationSkipped.
const (
	SkipUnchanged = "unchanged"
	SkipInFlight  = "in_flight"
	SkipStopped   = "stopped"
)

// Recorder receives control loop events. The manager calls it from the
// tick goroutine and from actuation goroutines.
type Recorder interface {
	TickCompleted(sampled, idle int, elapsed time.Duration)
	Sampled(entityID string, rate, output float64, proposed int)
	ActuationSkipped(entityID, reason string)
	ActuationSucceeded(entityID string, applied int, elapsed time.Duration)
	ActuationFailed(entityID string, elapsed time.Duration)
	Registered(count int)
	Forget(entityID string)
}

// Noop discards everything.
type Noop struct{}

func (Noop) TickCompleted(int, int, time.Duration)         {}
func (Noop) Sampled(string, float64, float64, int)         {}
func (Noop) ActuationSkipped(string, string)               {}
func (Noop) ActuationSucceeded(string, int, time.Duration) {}
func (Noop) ActuationFailed(string, time.Duration)         {}
func (Noop) Registered(int)                                {}
func (Noop) Forget(string)                                 {}

// Prometheus exports the control loop on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	ticks          prometheus.Counter
	tickDuration   prometheus.Histogram
	trackers       prometheus.Gauge
	sampledPerTick prometheus.Gauge
	idlePerTick    prometheus.Gauge

	rate       *prometheus.GaugeVec
	output     *prometheus.GaugeVec
	proposed   *prometheus.GaugeVec
	applied    *prometheus.GaugeVec
	actuations *prometheus.CounterVec
	skips      *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus creates the collectors. Go runtime and process collectors
// are included when withRuntime is set.
func NewPrometheus(withRuntime bool) *Prometheus {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Number of completed scheduler ticks",
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent sampling all trackers in one tick",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		trackers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trackers",
			Help:      "Number of registered entities",
		}),
		sampledPerTick: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tick_sampled_trackers",
			Help:      "Trackers sampled in the last tick",
		}),
		idlePerTick: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tick_idle_trackers",
			Help:      "Trackers skipped as idle in the last tick",
		}),
		rate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "measured_rate",
			Help:      "Events per participant per second in the last window",
		}, []string{"entity"}),
		output: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_output",
			Help:      "Unrounded controller output",
		}, []string{"entity"}),
		proposed: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proposed_actuation",
			Help:      "Rounded actuation proposed by the controller",
		}, []string{"entity"}),
		applied: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "applied_actuation",
			Help:      "Actuation confirmed by the external system",
		}, []string{"entity"}),
		actuations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuations_total",
			Help:      "Actuation calls by result",
		}, []string{"entity", "result"}),
		skips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuation_skips_total",
			Help:      "Actuations not attempted, by reason",
		}, []string{"entity", "reason"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "actuation_duration_seconds",
			Help:      "Latency of actuation calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
	}
}

// Registry returns the registry to serve on /metrics.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) TickCompleted(sampled, idle int, elapsed time.Duration) {
	p.ticks.Inc()
	p.tickDuration.Observe(elapsed.Seconds())
	p.sampledPerTick.Set(float64(sampled))
	p.idlePerTick.Set(float64(idle))
}

func (p *Prometheus) Sampled(entityID string, rate, output float64, proposed int) {
	p.rate.WithLabelValues(entityID).Set(rate)
	p.output.WithLabelValues(entityID).Set(output)
	p.proposed.WithLabelValues(entityID).Set(float64(proposed))
}

func (p *Prometheus) ActuationSkipped(entityID, reason string) {
	p.skips.WithLabelValues(entityID, reason).Inc()
}

func (p *Prometheus) ActuationSucceeded(entityID string, applied int, elapsed time.Duration) {
	p.actuations.WithLabelValues(entityID, "success").Inc()
	p.applied.WithLabelValues(entityID).Set(float64(applied))
	p.latency.WithLabelValues("success").Observe(elapsed.Seconds())
}

func (p *Prometheus) ActuationFailed(entityID string, elapsed time.Duration) {
	p.actuations.WithLabelValues(entityID, "failure").Inc()
	p.latency.WithLabelValues("failure").Observe(elapsed.Seconds())
}

func (p *Prometheus) Registered(count int) {
	p.trackers.Set(float64(count))
}

// Forget drops the per-entity series of a removed entity.
func (p *Prometheus) Forget(entityID string) {
	labels := prometheus.Labels{"entity": entityID}
	p.rate.Delete(labels)
	p.output.Delete(labels)
	p.proposed.Delete(labels)
	p.applied.Delete(labels)
	p.actuations.DeletePartialMatch(labels)
	p.skips.DeletePartialMatch(labels)
}
