// Package usage builds and emits the billable summary of each request.
//
// DESIGN: A Record is constructed exactly once, at stream completion, from
// values copied out of the admission context and model entry — never from
// live cache references. Emission is detached from the client path and
// at-least-once: the metering consumer deduplicates by RequestID.
package usage

import (
	"time"

	"github.com/google/uuid"

	"github.com/relaygrid/inference-gateway/internal/ledger"
)

// Status classifies a record.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	// StatusBudgetDenied exists in the metering schema for completeness;
	// admission denials make no backend call and emit no record, so the
	// gateway itself never produces it.
	StatusBudgetDenied Status = "budget_denied"
)

// Record is the immutable usage summary of one request.
type Record struct {
	RequestID       string    `json:"request_id"`
	OrgID           string    `json:"org_id"`
	UserID          string    `json:"user_id"`
	CredentialID    string    `json:"credential_id"`
	Model           string    `json:"model"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	CostUSD         float64   `json:"cost_usd"`
	Status          Status    `json:"status"`
	LatencyMs       int64     `json:"latency_ms"`
	// UsageUnreported is set when the backend supplied no usage metadata;
	// token counts are then zero, not estimates.
	UsageUnreported bool      `json:"usage_unreported,omitempty"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Build constructs a record, computing cost from the model's per-1000-token
// rates.
func Build(requestID, orgID, userID, credentialID string, model *ledger.ModelEntry,
	inputTokens, outputTokens int, reported bool, status Status, latency time.Duration, errDetail string) *Record {

	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &Record{
		RequestID:       requestID,
		OrgID:           orgID,
		UserID:          userID,
		CredentialID:    credentialID,
		Model:           model.Name,
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		CostUSD:         model.Cost(inputTokens, outputTokens),
		Status:          status,
		LatencyMs:       latency.Milliseconds(),
		UsageUnreported: !reported,
		ErrorDetail:     errDetail,
		CreatedAt:       time.Now().UTC(),
	}
}
