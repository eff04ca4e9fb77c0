// Package metrics carries the lightweight counters exposed on C7's
// /metrics route: calls started, calls ended by reason, and dropped
// inbound audio frames (spec.md §5 backpressure / §5 supplemented
// features). Grounded on prometheus/client_golang, the ecosystem's
// default for exactly this shape of ambient observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	CallsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voicebridge",
		Name:      "calls_started_total",
		Help:      "Calls that entered the initiating state, inbound or outbound.",
	})

	CallsEndedByReason = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicebridge",
		Name:      "calls_ended_total",
		Help:      "Calls that reached a terminal state, labeled by end reason.",
	}, []string{"reason"})

	DroppedInboundFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voicebridge",
		Name:      "dropped_inbound_audio_frames_total",
		Help:      "Inbound carrier audio frames dropped because the realtime session could not accept them.",
	})
)

func init() {
	prometheus.MustRegister(CallsStarted, CallsEndedByReason, DroppedInboundFrames)
}

// Handler serves the Prometheus text exposition format for the registered
// counters above.
func Handler() http.Handler {
	return promhttp.Handler()
}
