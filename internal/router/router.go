// Package router selects and calls the backend engine for an admitted
// request.
//
// DESIGN: Model resolution goes through the cached model directory. The
// backend call preserves the caller's streaming preference; for streaming
// requests the forwarded body additionally asks the backend to include a
// final usage summary so the relay can meter without estimating. Backend
// failures are surfaced, not retried — retry and circuit-breaking are
// deliberately out of scope for this version.
package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relaygrid/inference-gateway/internal/ledger"
	"github.com/relaygrid/inference-gateway/internal/modeldir"
	"github.com/relaygrid/inference-gateway/internal/problem"
)

const completionsPath = "/v1/chat/completions"

// maxErrorBodyLen limits how much of a backend error body is kept.
const maxErrorBodyLen = 500

// Request is the parsed inbound request the router needs.
type Request struct {
	Model  string
	Stream bool
	Body   []byte
}

// BackendStream is a live handle to an open backend call. The caller owns
// Body and must close it.
type BackendStream struct {
	Body       io.ReadCloser
	Header     http.Header
	StatusCode int
	Model      *ledger.ModelEntry
}

// Router resolves models and opens backend calls.
type Router struct {
	directory   *modeldir.Directory
	estimator   *Estimator
	callTimeout time.Duration
	client      *http.Client
}

// New creates a Router. connectTimeout bounds dial and response-header wait;
// callTimeout is the hard ceiling on the whole backend call, streamed body
// included.
func New(directory *modeldir.Directory, estimator *Estimator, connectTimeout, callTimeout time.Duration) *Router {
	return &Router{
		directory:   directory,
		estimator:   estimator,
		callTimeout: callTimeout,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				ResponseHeaderTimeout: connectTimeout,
				MaxIdleConnsPerHost:   16,
			},
		},
	}
}

// Dispatch resolves the model and opens the backend call.
//
// The call itself is detached from the caller's cancellation: a client that
// disconnects mid-stream must not kill the backend read, because the relay
// still drains it for the final usage summary. The caller ends the call by
// closing the returned Body; the call timeout is the only other bound.
func (r *Router) Dispatch(ctx context.Context, req Request) (*BackendStream, error) {
	entry, err := r.directory.Lookup(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	if !entry.Enabled {
		return nil, fmt.Errorf("%w: %s", problem.ErrModelDisabled, req.Model)
	}

	if err := r.checkCeiling(req, entry); err != nil {
		return nil, err
	}

	body := req.Body
	if req.Stream {
		// Ask OpenAI-style backends to put a usage summary on the final
		// chunk. Backends that ignore the field are unaffected.
		if patched, err := sjson.SetBytes(body, "stream_options.include_usage", true); err == nil {
			body = patched
		}
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.callTimeout)

	backendURL := strings.TrimRight(entry.BackendURL, "/") + completionsPath
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, backendURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: build backend request: %v", problem.ErrBackendUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s: %v", problem.ErrBackendUnavailable, req.Model, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		_ = resp.Body.Close()
		cancel()
		log.Warn().
			Str("model", req.Model).
			Int("status", resp.StatusCode).
			Str("body", string(detail)).
			Msg("router: backend returned non-success status")
		return nil, fmt.Errorf("%w: %s returned status %d", problem.ErrBackendError, req.Model, resp.StatusCode)
	}

	return &BackendStream{
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		Header:     resp.Header,
		StatusCode: resp.StatusCode,
		Model:      entry,
	}, nil
}

// cancelOnClose releases the detached call context when the stream is done.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// checkCeiling rejects requests whose prompt estimate or requested
// completion budget exceeds the model's token ceiling. A ceiling of 0 means
// unlimited.
func (r *Router) checkCeiling(req Request, entry *ledger.ModelEntry) error {
	if entry.MaxTokens <= 0 {
		return nil
	}

	if maxTokens := gjson.GetBytes(req.Body, "max_tokens"); maxTokens.Exists() {
		if int(maxTokens.Int()) > entry.MaxTokens {
			return fmt.Errorf("%w: max_tokens %d exceeds ceiling %d",
				problem.ErrRequestTooLarge, maxTokens.Int(), entry.MaxTokens)
		}
	}

	if r.estimator != nil {
		if estimate := r.estimator.EstimateRequest(req.Body); estimate > entry.MaxTokens {
			return fmt.Errorf("%w: prompt estimate %d exceeds ceiling %d",
				problem.ErrRequestTooLarge, estimate, entry.MaxTokens)
		}
	}
	return nil
}
