// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// CACHE TTLS
// =============================================================================

// DefaultCredentialTTL bounds how long a validated credential is honored
// without re-consulting the identity directory. This is also the upper bound
// on revocation propagation delay.
const DefaultCredentialTTL = 5 * time.Minute

// DefaultBudgetTTL is the budget cache TTL. Kept short so the admission check
// tracks spend reasonably tightly; staleness inside this window is accepted.
const DefaultBudgetTTL = 15 * time.Second

// DefaultModelTTL is the model directory TTL. Model registrations change
// rarely, so this can be long.
const DefaultModelTTL = 10 * time.Minute

// DefaultModelRefreshInterval is how often the model directory re-lists the
// registry in the background so new models become routable without a restart.
const DefaultModelRefreshInterval = 1 * time.Minute

// DefaultCacheSweepInterval is the frequency for cache expiry sweeps.
const DefaultCacheSweepInterval = 30 * time.Second

// =============================================================================
// UPSTREAM TIMEOUTS
// =============================================================================

// DefaultIdentityTimeout bounds the identity-directory fallback call on a
// credential cache miss.
const DefaultIdentityTimeout = 2 * time.Second

// DefaultStateStoreTimeout bounds state-store fallback calls on a budget or
// model cache miss.
const DefaultStateStoreTimeout = 2 * time.Second

// DefaultBackendConnectTimeout bounds backend connection establishment.
// Response bodies stream for arbitrarily long and are not subject to it.
const DefaultBackendConnectTimeout = 10 * time.Second

// DefaultBackendCallTimeout is the hard ceiling on a whole backend call,
// streamed body included. The call runs detached from the client connection
// so it can be drained after a disconnect; this is its only upper bound.
const DefaultBackendCallTimeout = 10 * time.Minute

// DefaultDrainGracePeriod bounds how long the relay keeps draining a backend
// stream after the client disconnected, solely to recover final token counts.
const DefaultDrainGracePeriod = 5 * time.Second

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultStreamBufferSize is the relay's read buffer size.
const DefaultStreamBufferSize = 4096

// MaxRequestBodySize is the maximum allowed request body (10MB).
const MaxRequestBodySize = 10 * 1024 * 1024

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout for the HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultShutdownTimeout bounds graceful shutdown, including worker drain.
const DefaultShutdownTimeout = 15 * time.Second

// =============================================================================
// RATE LIMITING
// =============================================================================

// DefaultRateLimit is requests per second per client IP.
const DefaultRateLimit = 50

// DefaultRateBurst is the per-IP burst allowance.
const DefaultRateBurst = 100

// =============================================================================
// USAGE EMISSION
// =============================================================================

// DefaultEmitMaxRetries is how many delivery attempts the direct dispatcher
// makes before spooling a record locally.
const DefaultEmitMaxRetries = 3

// DefaultEmitRetryBackoff is the base backoff between delivery attempts.
const DefaultEmitRetryBackoff = 500 * time.Millisecond

// DefaultMeteringTimeout bounds a single metering ingest call.
const DefaultMeteringTimeout = 5 * time.Second

// DefaultWorkerQueueSize bounds the detached-work queue (last-used touches,
// usage emission). Full queue drops the task with a metric, never blocks.
const DefaultWorkerQueueSize = 1024

// DefaultWorkerCount is the number of detached-work goroutines.
const DefaultWorkerCount = 4

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// EstimateEncoding is the tiktoken encoding used for the request-size check.
const EstimateEncoding = "cl100k_base"

// TokenEstimateRatio is the chars-per-token fallback when the tokenizer
// cannot load (offline environments).
const TokenEstimateRatio = 4
