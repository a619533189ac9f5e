// Package relay forwards a backend token stream to the client while
// counting tokens.
//
// DESIGN: A single forward loop: read one chunk, write it to the client
// unmodified, flush, repeat. Usage metadata is extracted incrementally from
// the SSE events passing through; nothing is buffered across chunks beyond
// event-boundary parsing. Termination paths:
//   - completion sentinel observed: success
//   - backend read fails mid-stream: forward what was sent, outcome error
//   - client write fails: stop forwarding, keep draining the backend under
//     a hard grace timeout solely to recover the final token counts
//
// Exactly one Result is produced per run; emission of the usage record is
// the caller's detached concern.
package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Outcome classifies how a relay run ended.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeBackendError Outcome = "error"
	OutcomeDisconnected Outcome = "client_disconnected"
)

// Usage holds token counts observed during a stream. Reported is false when
// the backend never supplied usage metadata; counts are then zero, never
// fabricated.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Reported     bool
}

// Result is the accounting outcome of one relay run.
type Result struct {
	Usage          Usage
	Outcome        Outcome
	BytesForwarded int64
	Err            error
}

// Relay forwards backend streams to clients.
type Relay struct {
	bufferSize int
	grace      time.Duration
}

// New creates a Relay. grace bounds post-disconnect backend draining.
func New(bufferSize int, grace time.Duration) *Relay {
	return &Relay{bufferSize: bufferSize, grace: grace}
}

// Stream relays an SSE backend response to the client. ctx is the client
// connection's context; its cancellation marks a disconnect and triggers the
// drain, it never cancels the backend read. The backend body is always
// closed before returning.
func (r *Relay) Stream(ctx context.Context, w http.ResponseWriter, backend io.ReadCloser) Result {
	defer func() { _ = backend.Close() }()

	flusher, canFlush := w.(http.Flusher)
	parser := newUsageParser()

	var forwarded int64
	buf := make([]byte, r.bufferSize)
	for {
		n, readErr := backend.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			parser.Feed(chunk)

			_, writeErr := w.Write(chunk)
			if writeErr == nil && ctx.Err() != nil {
				// Writes to a gone client can still land in the kernel
				// buffer; the canceled request context is the reliable
				// disconnect signal.
				writeErr = ctx.Err()
			}
			if writeErr != nil {
				log.Debug().Err(writeErr).Msg("relay: client disconnected mid-stream")
				r.drain(backend, parser)
				return Result{
					Usage:          parser.Usage(),
					Outcome:        OutcomeDisconnected,
					BytesForwarded: forwarded,
					Err:            writeErr,
				}
			}
			forwarded += int64(n)
			if canFlush {
				flusher.Flush()
			}
		}

		if readErr != nil {
			usage := parser.Usage()
			if parser.SawSentinel() {
				// EOF after the completion sentinel is the normal end.
				return Result{Usage: usage, Outcome: OutcomeSuccess, BytesForwarded: forwarded}
			}
			if errors.Is(readErr, io.EOF) {
				readErr = io.ErrUnexpectedEOF
			}
			log.Debug().Err(readErr).Msg("relay: backend stream ended without sentinel")
			return Result{
				Usage:          usage,
				Outcome:        OutcomeBackendError,
				BytesForwarded: forwarded,
				Err:            readErr,
			}
		}
	}
}

// Single relays a non-streaming backend response: the body is copied through
// in one piece and usage is read from the JSON envelope.
func (r *Relay) Single(w http.ResponseWriter, backend io.ReadCloser, status int) Result {
	defer func() { _ = backend.Close() }()

	body, err := io.ReadAll(backend)
	if err != nil {
		return Result{Outcome: OutcomeBackendError, Err: err}
	}

	w.WriteHeader(status)
	var outcome Outcome = OutcomeSuccess
	var writeErr error
	if _, writeErr = w.Write(body); writeErr != nil {
		outcome = OutcomeDisconnected
	}

	return Result{
		Usage:          usageFromJSON(body),
		Outcome:        outcome,
		BytesForwarded: int64(len(body)),
		Err:            writeErr,
	}
}

// drain keeps reading the backend (without forwarding) to recover the final
// usage summary, bounded by the grace period. Closing the body unblocks the
// pending Read when the timer fires.
func (r *Relay) drain(backend io.ReadCloser, parser *usageParser) {
	if r.grace <= 0 {
		return
	}

	timer := time.AfterFunc(r.grace, func() {
		log.Debug().Dur("grace", r.grace).Msg("relay: drain grace period expired, canceling backend read")
		_ = backend.Close()
	})
	defer timer.Stop()

	buf := make([]byte, r.bufferSize)
	for {
		n, err := backend.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
		}
		if err != nil {
			return
		}
		if parser.SawSentinel() {
			return
		}
	}
}

// usageFromJSON extracts token counts from a non-streaming response body.
// Handles both OpenAI (usage.prompt_tokens) and Anthropic (usage.input_tokens)
// envelopes.
func usageFromJSON(body []byte) Usage {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return Usage{}
	}

	in := usage.Get("prompt_tokens")
	out := usage.Get("completion_tokens")
	if !in.Exists() {
		in = usage.Get("input_tokens")
		out = usage.Get("output_tokens")
	}
	if !in.Exists() && !out.Exists() {
		return Usage{}
	}
	return Usage{
		InputTokens:  int(in.Int()),
		OutputTokens: int(out.Int()),
		Reported:     true,
	}
}
