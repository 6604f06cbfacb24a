// Package metrics exposes Prometheus counters for discovery, handoff,
// capture and relay activity. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	beaconsSent      prometheus.Counter
	datagramsRecv    *prometheus.CounterVec
	datagramsDropped *prometheus.CounterVec
	sendFailures     prometheus.Counter
	peersKnown       prometheus.Gauge

	handoffs *prometheus.CounterVec

	captureActive   prometheus.Gauge
	pointerEnqueued prometheus.Counter
	pointerDropped  prometheus.Counter

	relayFrames    *prometheus.CounterVec
	sessionsActive prometheus.Gauge
}

// New builds a collector on its own registry, so several instances can
// coexist in one process (tests, multi-peer harnesses).
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		beaconsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "pointerlink_beacons_sent_total",
			Help: "Total number of presence beacons sent",
		}),
		datagramsRecv: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointerlink_datagrams_received_total",
			Help: "Discovery datagrams accepted, by message type",
		}, []string{"type"}),
		datagramsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointerlink_datagrams_dropped_total",
			Help: "Discovery datagrams discarded, by reason",
		}, []string{"reason"}),
		sendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "pointerlink_datagram_send_failures_total",
			Help: "Discovery datagrams that could not be sent",
		}),
		peersKnown: f.NewGauge(prometheus.GaugeOpts{
			Name: "pointerlink_peers_known",
			Help: "Number of peers currently in the registry",
		}),

		handoffs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointerlink_handoff_total",
			Help: "Handoff negotiations, by outcome",
		}, []string{"outcome"}),

		captureActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "pointerlink_capture_active",
			Help: "1 while local pointer capture is on",
		}),
		pointerEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "pointerlink_pointer_events_enqueued_total",
			Help: "Captured pointer events placed on the outbound queue",
		}),
		pointerDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "pointerlink_pointer_events_dropped_total",
			Help: "Captured pointer events discarded because the queue was full",
		}),

		relayFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointerlink_relay_frames_total",
			Help: "Relay channel frames, by direction and result",
		}, []string{"direction", "result"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "pointerlink_sessions_active",
			Help: "Open relay sessions",
		}),
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) BeaconSent() {
	if c == nil {
		return
	}
	c.beaconsSent.Inc()
}

func (c *Collector) DatagramReceived(kind string) {
	if c == nil {
		return
	}
	c.datagramsRecv.WithLabelValues(kind).Inc()
}

func (c *Collector) DatagramDropped(reason string) {
	if c == nil {
		return
	}
	c.datagramsDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) SendFailed() {
	if c == nil {
		return
	}
	c.sendFailures.Inc()
}

func (c *Collector) SetPeers(n int) {
	if c == nil {
		return
	}
	c.peersKnown.Set(float64(n))
}

// Handoff counts one negotiation outcome: requested, received, accepted,
// declined, abandoned, duplicate, limited.
func (c *Collector) Handoff(outcome string) {
	if c == nil {
		return
	}
	c.handoffs.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetCapture(active bool) {
	if c == nil {
		return
	}
	if active {
		c.captureActive.Set(1)
	} else {
		c.captureActive.Set(0)
	}
}

func (c *Collector) PointerEnqueued() {
	if c == nil {
		return
	}
	c.pointerEnqueued.Inc()
}

func (c *Collector) PointerDropped() {
	if c == nil {
		return
	}
	c.pointerDropped.Inc()
}

// RelayFrame counts a relay frame; direction is "in" or "out".
func (c *Collector) RelayFrame(direction, result string) {
	if c == nil {
		return
	}
	c.relayFrames.WithLabelValues(direction, result).Inc()
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
}
