package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// handleHealth reports liveness. It deliberately checks nothing downstream:
// a degraded identity directory or state store shows up as denials in /stats,
// not as a dead gateway.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStats exposes the in-memory counters.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.metrics.FullStats()); err != nil {
		log.Error().Err(err).Msg("stats: encode failed")
	}
}
