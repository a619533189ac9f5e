// Package gateway wires the request pipeline behind the HTTP surface:
// admission, routing, the streaming relay, and detached usage emission.
package gateway

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/relaygrid/inference-gateway/internal/admission"
	"github.com/relaygrid/inference-gateway/internal/monitoring"
	"github.com/relaygrid/inference-gateway/internal/relay"
	"github.com/relaygrid/inference-gateway/internal/router"
	"github.com/relaygrid/inference-gateway/internal/usage"
)

// Gateway owns the pipeline components and serves the HTTP API.
type Gateway struct {
	admission *admission.Controller
	router    *router.Router
	relay     *relay.Relay
	emitter   usage.Emitter

	metrics   *monitoring.MetricsCollector
	telemetry *monitoring.Tracker
	live      *liveHub
}

// New assembles a Gateway from its collaborators. All of them are owned by
// the caller except the live feed hub, which the gateway creates itself.
func New(ctrl *admission.Controller, rt *router.Router, rl *relay.Relay,
	emitter usage.Emitter, metrics *monitoring.MetricsCollector,
	telemetry *monitoring.Tracker) *Gateway {

	return &Gateway{
		admission: ctrl,
		router:    rt,
		relay:     rl,
		emitter:   emitter,
		metrics:   metrics,
		telemetry: telemetry,
		live:      newLiveHub(),
	}
}

// Routes builds the HTTP handler, with per-request middleware applied.
func (g *Gateway) Routes(rateLimit float64, rateBurst int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", g.handleCompletions)
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/stats", g.handleStats)
	mux.HandleFunc("/live/usage", g.handleLiveUsage)

	var handler http.Handler = mux
	handler = withRateLimit(handler, rateLimit, rateBurst)
	handler = withRequestID(handler)
	return handler
}

// Close stops the live feed hub. The pipeline components are closed by the
// caller that created them.
func (g *Gateway) Close() {
	g.live.close()
	log.Debug().Msg("gateway: closed")
}
