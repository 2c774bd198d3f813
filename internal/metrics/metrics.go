// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics exposes controller metrics to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the controller's Prometheus metrics. All methods are
// safe on a nil *Collector, which records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	RPSCycles        prometheus.Counter
	RPSCycleDuration prometheus.Histogram
	RPSTrips         *prometheus.CounterVec
	RPSTripped       prometheus.Gauge
	RPSStops         prometheus.Counter

	LinkPackets      *prometheus.CounterVec
	LinkDecodeErrors *prometheus.CounterVec
	LinkRejected     *prometheus.CounterVec
	LinkLosses       prometheus.Counter
	LinkUp           prometheus.Gauge
	LinkRTT          prometheus.Histogram

	Commands *prometheus.CounterVec
	BurnRate prometheus.Gauge

	QueueDepth   *prometheus.GaugeVec
	QueueDropped *prometheus.GaugeVec
}

// NewCollector registers controller metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.RPSCycles, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpsplc_rps_cycles_total",
		Help: "Total number of completed RPS evaluation cycles.",
	}), "rpsplc_rps_cycles_total"); err != nil {
		return nil, err
	}
	if c.RPSCycleDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rpsplc_rps_cycle_duration_seconds",
		Help:    "RPS evaluate-then-act latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "rpsplc_rps_cycle_duration_seconds"); err != nil {
		return nil, err
	}
	if c.RPSTrips, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpsplc_rps_trips_total",
		Help: "Protection flag latch events, labeled by flag.",
	}, []string{"flag"}), "rpsplc_rps_trips_total"); err != nil {
		return nil, err
	}
	if c.RPSTripped, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpsplc_rps_tripped",
		Help: "1 while any protection flag is latched.",
	}), "rpsplc_rps_tripped"); err != nil {
		return nil, err
	}
	if c.RPSStops, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpsplc_rps_stop_commands_total",
		Help: "Stop commands issued to the controlled unit.",
	}), "rpsplc_rps_stop_commands_total"); err != nil {
		return nil, err
	}

	if c.LinkPackets, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpsplc_link_packets_total",
		Help: "Link packets, labeled by direction and kind.",
	}, []string{"direction", "kind"}), "rpsplc_link_packets_total"); err != nil {
		return nil, err
	}
	if c.LinkDecodeErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpsplc_link_decode_errors_total",
		Help: "Inbound frames that failed to decode, labeled by reason.",
	}, []string{"reason"}), "rpsplc_link_decode_errors_total"); err != nil {
		return nil, err
	}
	if c.LinkRejected, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpsplc_link_rejected_total",
		Help: "Decoded packets refused by the session layer, labeled by reason.",
	}, []string{"reason"}), "rpsplc_link_rejected_total"); err != nil {
		return nil, err
	}
	if c.LinkLosses, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpsplc_link_losses_total",
		Help: "Sessions torn down by link watchdog expiry.",
	}), "rpsplc_link_losses_total"); err != nil {
		return nil, err
	}
	if c.LinkUp, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpsplc_link_up",
		Help: "1 while a supervisory session is established.",
	}), "rpsplc_link_up"); err != nil {
		return nil, err
	}
	if c.LinkRTT, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rpsplc_link_rtt_seconds",
		Help:    "Keep-alive round trip time in seconds.",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}), "rpsplc_link_rtt_seconds"); err != nil {
		return nil, err
	}

	if c.Commands, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpsplc_commands_total",
		Help: "Submitted commands, labeled by op, source and result.",
	}, []string{"op", "source", "result"}), "rpsplc_commands_total"); err != nil {
		return nil, err
	}
	if c.BurnRate, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpsplc_burn_rate_setpoint",
		Help: "Current burn-rate setpoint.",
	}), "rpsplc_burn_rate_setpoint"); err != nil {
		return nil, err
	}

	if c.QueueDepth, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rpsplc_queue_depth",
		Help: "Items waiting in a task inbox.",
	}, []string{"queue"}), "rpsplc_queue_depth"); err != nil {
		return nil, err
	}
	if c.QueueDropped, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rpsplc_queue_dropped",
		Help: "Items dropped because a task inbox was full.",
	}, []string{"queue"}), "rpsplc_queue_dropped"); err != nil {
		return nil, err
	}

	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveCycle records one RPS cycle
func (c *Collector) ObserveCycle(d time.Duration, tripped, stopIssued bool) {
	if c == nil {
		return
	}
	c.RPSCycles.Inc()
	c.RPSCycleDuration.Observe(d.Seconds())
	if tripped {
		c.RPSTripped.Set(1)
	} else {
		c.RPSTripped.Set(0)
	}
	if stopIssued {
		c.RPSStops.Inc()
	}
}

// Trips counts newly latched protection flags
func (c *Collector) Trips(latched []string) {
	if c == nil {
		return
	}
	for _, flag := range latched {
		c.RPSTrips.WithLabelValues(flag).Inc()
	}
}

// SetTripped updates the tripped gauge outside a cycle (after a reset)
func (c *Collector) SetTripped(tripped bool) {
	if c == nil {
		return
	}
	if tripped {
		c.RPSTripped.Set(1)
	} else {
		c.RPSTripped.Set(0)
	}
}

// PacketIn records an accepted inbound packet
func (c *Collector) PacketIn(kind string) {
	if c == nil {
		return
	}
	c.LinkPackets.WithLabelValues("in", kind).Inc()
}

// PacketOut records a sent packet
func (c *Collector) PacketOut(kind string) {
	if c == nil {
		return
	}
	c.LinkPackets.WithLabelValues("out", kind).Inc()
}

// DecodeError records a frame that failed to decode
func (c *Collector) DecodeError(reason string) {
	if c == nil {
		return
	}
	c.LinkDecodeErrors.WithLabelValues(reason).Inc()
}

// Rejected records a packet refused by the session layer
func (c *Collector) Rejected(reason string) {
	if c == nil {
		return
	}
	c.LinkRejected.WithLabelValues(reason).Inc()
}

// LinkState records a session coming up or going down. lost marks a
// watchdog expiry.
func (c *Collector) LinkState(up, lost bool) {
	if c == nil {
		return
	}
	if up {
		c.LinkUp.Set(1)
	} else {
		c.LinkUp.Set(0)
	}
	if lost {
		c.LinkLosses.Inc()
	}
}

// ObserveRTT records a keep-alive round trip
func (c *Collector) ObserveRTT(d time.Duration) {
	if c == nil {
		return
	}
	c.LinkRTT.Observe(d.Seconds())
}

// Command records a submitted command and its outcome
func (c *Collector) Command(op, source string, ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "rejected"
	}
	c.Commands.WithLabelValues(op, source, result).Inc()
}

// SetBurnRate records the current burn-rate setpoint
func (c *Collector) SetBurnRate(rate float64) {
	if c == nil {
		return
	}
	c.BurnRate.Set(rate)
}

// ObserveQueue records an inbox's depth and drop count
func (c *Collector) ObserveQueue(name string, depth int, dropped uint64) {
	if c == nil {
		return
	}
	c.QueueDepth.WithLabelValues(name).Set(float64(depth))
	c.QueueDropped.WithLabelValues(name).Set(float64(dropped))
}

// register adds col to reg, reusing an already registered collector of the
// same type.
func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
