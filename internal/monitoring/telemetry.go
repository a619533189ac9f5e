// Package monitoring - telemetry.go records events to JSONL files.
//
// DESIGN: Tracker writes one structured JSON object per line:
//   - RequestEvent: every request through the gateway
//
// Events are appended immediately after each request for real-time tailing.
package monitoring

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaygrid/inference-gateway/internal/utils"
)

// RequestEvent is the per-request telemetry record.
type RequestEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	OrgID        string    `json:"org_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	Status       string    `json:"status"`
	StatusCode   int       `json:"status_code"`
	Streaming    bool      `json:"streaming"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	LatencyMs    int64     `json:"latency_ms"`
	Error        string    `json:"error,omitempty"`
}

// TelemetryConfig mirrors config.TelemetryConfig without the import cycle.
type TelemetryConfig struct {
	Enabled     bool
	LogPath     string
	LogToStdout bool
}

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config TelemetryConfig
	mu     sync.Mutex
	count  int
}

// NewTracker creates a telemetry tracker, ensuring the log directory exists.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{config: cfg}
	if !cfg.Enabled || cfg.LogPath == "" {
		return t, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
		return nil, err
	}
	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
// Error details may carry markup fragments from backend bodies, so HTML
// escaping is off.
func appendJSONL(path string, event any) error {
	data, err := utils.MarshalNoEscape(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

// RecordRequest records a request event.
func (t *Tracker) RecordRequest(event *RequestEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		reqID := event.RequestID
		if len(reqID) > 8 {
			reqID = reqID[:8]
		}
		log.Info().
			Str("request_id", reqID).
			Str("model", event.Model).
			Str("status", event.Status).
			Int("input_tokens", event.InputTokens).
			Int("output_tokens", event.OutputTokens).
			Int64("latency_ms", event.LatencyMs).
			Msg("telemetry")
	}

	if t.config.LogPath != "" {
		if err := appendJSONL(t.config.LogPath, event); err != nil {
			log.Error().Err(err).Str("path", t.config.LogPath).Msg("telemetry: failed to write request event")
		} else {
			t.count++
		}
	}
}

// Close logs the session summary.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogPath != "" && t.count > 0 {
		log.Info().
			Str("path", t.config.LogPath).
			Int("events", t.count).
			Msg("telemetry: session complete")
	}
	return nil
}
