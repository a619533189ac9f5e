package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Sink is the metering collaborator's ingress. Implementations must be safe
// for concurrent use; the consumer is contractually idempotent per
// RequestID, since at-least-once delivery can redeliver.
type Sink interface {
	Ingest(ctx context.Context, record *Record) error
}

// MeterClient delivers records to the metering service over HTTP.
type MeterClient struct {
	ingestURL string
	http      *http.Client
}

// NewMeterClient creates a metering client. timeout bounds each attempt.
func NewMeterClient(ingestURL string, timeout time.Duration) *MeterClient {
	return &MeterClient{
		ingestURL: ingestURL,
		http:      &http.Client{Timeout: timeout},
	}
}

// Ingest implements Sink.
func (c *MeterClient) Ingest(ctx context.Context, record *Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ingestURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", record.RequestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("metering ingest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("metering ingest returned status %d", resp.StatusCode)
	}
	return nil
}
