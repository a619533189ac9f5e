package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Server wraps the HTTP listener with graceful shutdown.
type Server struct {
	httpServer *http.Server
}

// NewServer binds the gateway's routes to a listener on port. Write timeout
// must be generous: streamed completions hold the response open for minutes.
func NewServer(g *Gateway, port int, readTimeout, writeTimeout time.Duration,
	rateLimit float64, rateBurst int) *Server {

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      g.Routes(rateLimit, rateBurst),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
	}
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("gateway listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new requests and waits for in-flight streams up
// to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("gateway shutting down")
	return s.httpServer.Shutdown(ctx)
}
