package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/relaygrid/inference-gateway/internal/config"
	"github.com/relaygrid/inference-gateway/internal/monitoring"
	"github.com/relaygrid/inference-gateway/internal/problem"
	"github.com/relaygrid/inference-gateway/internal/relay"
	"github.com/relaygrid/inference-gateway/internal/router"
	"github.com/relaygrid/inference-gateway/internal/usage"
	"github.com/relaygrid/inference-gateway/internal/utils"
)

// handleCompletions runs the full pipeline: admission, dispatch, relay,
// detached usage emission. Exactly one usage record is emitted per request
// that opened a backend call; denials before dispatch emit none.
func (g *Gateway) handleCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDFrom(r)
	w.Header().Set("X-Request-Id", requestID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			g.deny(w, r, requestID, problem.ErrRequestTooLarge, "", "", start)
			return
		}
		g.deny(w, r, requestID, problem.ErrMalformedRequest, "", "", start)
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		g.deny(w, r, requestID, problem.ErrMalformedRequest, "", "", start)
		return
	}
	streaming := gjson.GetBytes(body, "stream").Bool()

	admitted, err := g.admission.Admit(r.Context(), bearerCredential(r), model)
	if err != nil {
		g.deny(w, r, requestID, err, model, "", start)
		return
	}

	backend, err := g.router.Dispatch(r.Context(), router.Request{
		Model:  model,
		Stream: streaming,
		Body:   body,
	})
	if err != nil {
		g.deny(w, r, requestID, err, model, admitted.OrgID, start)
		return
	}
	defer func() { _ = backend.Body.Close() }()

	var result relay.Result
	respStatus := backend.StatusCode
	if streaming {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(backend.StatusCode)
		result = g.relay.Stream(r.Context(), w, backend.Body)
	} else {
		if ct := backend.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		result = g.relay.Single(w, backend.Body, backend.StatusCode)
		if result.Outcome == relay.OutcomeBackendError && result.BytesForwarded == 0 {
			// The body never made it through, so nothing was written yet and
			// the client still gets a proper error document.
			readErr := fmt.Errorf("%w: reading backend response: %v", problem.ErrBackendError, result.Err)
			respStatus = problem.From(readErr, requestID).Status
			problem.Write(w, readErr, requestID)
		}
	}

	latency := time.Since(start)
	status := usage.StatusSuccess
	errDetail := ""
	switch result.Outcome {
	case relay.OutcomeBackendError:
		status = usage.StatusError
		if result.Err != nil {
			errDetail = result.Err.Error()
		}
	case relay.OutcomeDisconnected:
		status = usage.StatusError
		errDetail = "client disconnected before stream completion"
	}

	record := usage.Build(requestID, admitted.OrgID, admitted.UserID, admitted.CredentialID,
		backend.Model, result.Usage.InputTokens, result.Usage.OutputTokens,
		result.Usage.Reported, status, latency, errDetail)
	g.emitter.Emit(record)
	g.live.broadcast(record)

	g.metrics.RecordRequest(result.Outcome == relay.OutcomeSuccess, streaming)
	g.metrics.RecordTokens(result.Usage.InputTokens, result.Usage.OutputTokens, !result.Usage.Reported)
	g.recordTelemetry(r, requestID, admitted.OrgID, model, string(result.Outcome),
		respStatus, streaming, result.Usage, latency, errDetail)

	log.Debug().
		Str("request_id", requestID).
		Str("org_id", admitted.OrgID).
		Str("model", model).
		Str("outcome", string(result.Outcome)).
		Int("input_tokens", result.Usage.InputTokens).
		Int("output_tokens", result.Usage.OutputTokens).
		Int64("bytes", result.BytesForwarded).
		Dur("latency", latency).
		Msg("request completed")
}

// deny writes a problem document for a pre-dispatch failure. No usage record
// is emitted: nothing was consumed.
func (g *Gateway) deny(w http.ResponseWriter, r *http.Request, requestID string,
	err error, model, orgID string, start time.Time) {

	kind := problem.Kind(err)
	g.metrics.RecordDenial(kind)
	g.recordTelemetry(r, requestID, orgID, model, kind,
		problem.From(err, requestID).Status, false, relay.Usage{}, time.Since(start), err.Error())

	if errors.Is(err, problem.ErrUnauthenticated) {
		log.Info().Str("request_id", requestID).
			Str("credential", utils.MaskSecret(bearerCredential(r))).
			Msg("request denied: unauthenticated")
	} else {
		log.Info().Str("request_id", requestID).Str("model", model).
			Str("kind", kind).Msg("request denied")
	}
	problem.Write(w, err, requestID)
}

func (g *Gateway) recordTelemetry(r *http.Request, requestID, orgID, model, status string,
	statusCode int, streaming bool, u relay.Usage, latency time.Duration, errDetail string) {

	if g.telemetry == nil {
		return
	}
	g.telemetry.RecordRequest(&monitoring.RequestEvent{
		Timestamp:    time.Now().UTC(),
		RequestID:    requestID,
		OrgID:        orgID,
		Model:        model,
		Status:       status,
		StatusCode:   statusCode,
		Streaming:    streaming,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		LatencyMs:    latency.Milliseconds(),
		Error:        errDetail,
	})
}

// bearerCredential extracts the secret from the Authorization header.
// Missing or malformed headers return "" and fail admission downstream.
func bearerCredential(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
