package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/relaygrid/inference-gateway/internal/monitoring"
	"github.com/relaygrid/inference-gateway/internal/tasks"
)

// TaskTypeIngest is the asynq task type carrying one usage record.
const TaskTypeIngest = "usage:ingest"

// QueueName is the asynq queue usage records flow through.
const QueueName = "usage"

// Emitter hands completed records toward the metering collaborator. Emit
// must never block the caller or surface failures to it.
type Emitter interface {
	Emit(record *Record)
	Close() error
}

// =============================================================================
// QUEUE EMITTER (Redis-backed, at-least-once via asynq)
// =============================================================================

// QueueEmitter enqueues records to asynq; a worker delivers them with
// asynq's own retry machinery.
type QueueEmitter struct {
	client  *asynq.Client
	spool   *Spool
	metrics *monitoring.MetricsCollector
	retries int
}

// NewQueueEmitter connects to Redis and verifies the connection up front so
// a misconfigured deploy fails at startup, not at first emission.
func NewQueueEmitter(redisOpt asynq.RedisClientOpt, spool *Spool,
	metrics *monitoring.MetricsCollector, maxRetries int) (*QueueEmitter, error) {

	client := asynq.NewClient(redisOpt)

	inspector := asynq.NewInspector(redisOpt)
	defer func() { _ = inspector.Close() }()
	if _, err := inspector.Queues(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("usage queue: redis unavailable: %w", err)
	}

	return &QueueEmitter{client: client, spool: spool, metrics: metrics, retries: maxRetries}, nil
}

// Emit implements Emitter.
func (e *QueueEmitter) Emit(record *Record) {
	payload, err := json.Marshal(record)
	if err != nil {
		log.Error().Err(err).Str("request_id", record.RequestID).Msg("usage: marshal record failed")
		return
	}

	task := asynq.NewTask(TaskTypeIngest, payload)
	if _, err := e.client.Enqueue(task,
		asynq.Queue(QueueName),
		asynq.MaxRetry(e.retries),
		asynq.TaskID(record.RequestID), // dedupe enqueue-side retries too
	); err != nil {
		log.Warn().Err(err).Str("request_id", record.RequestID).Msg("usage: enqueue failed, spooling")
		e.spoolRecord(record)
		return
	}

	if e.metrics != nil {
		e.metrics.RecordEmissionDelivered()
	}
}

// Close implements Emitter.
func (e *QueueEmitter) Close() error {
	return e.client.Close()
}

func (e *QueueEmitter) spoolRecord(record *Record) {
	if e.spool != nil {
		if err := e.spool.Append(record); err != nil {
			log.Error().Err(err).Str("request_id", record.RequestID).Msg("usage: spool write failed, record lost")
			return
		}
	}
	if e.metrics != nil {
		e.metrics.RecordEmissionSpooled()
	}
}

// NewIngestHandler returns the asynq handler delivering queued records to
// the sink. Returned errors trigger asynq's retry with backoff.
func NewIngestHandler(sink Sink) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var record Record
		if err := json.Unmarshal(task.Payload(), &record); err != nil {
			return fmt.Errorf("decode usage task: %w", err)
		}
		return sink.Ingest(ctx, &record)
	}
}

// =============================================================================
// DIRECT EMITTER (in-process, Redis-free deploys)
// =============================================================================

// DirectEmitter delivers through the shared worker pool with bounded
// retries and backoff, spooling on terminal failure.
type DirectEmitter struct {
	sink    Sink
	pool    *tasks.Pool
	spool   *Spool
	metrics *monitoring.MetricsCollector

	maxRetries int
	backoff    time.Duration
}

// NewDirectEmitter creates the in-process emitter.
func NewDirectEmitter(sink Sink, pool *tasks.Pool, spool *Spool,
	metrics *monitoring.MetricsCollector, maxRetries int, backoff time.Duration) *DirectEmitter {

	return &DirectEmitter{
		sink:       sink,
		pool:       pool,
		spool:      spool,
		metrics:    metrics,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Emit implements Emitter. The client response has already completed when
// this runs; delivery happens on the worker pool.
func (e *DirectEmitter) Emit(record *Record) {
	submitted := e.pool.Submit(func(ctx context.Context) {
		e.deliver(ctx, record)
	})
	if !submitted {
		// Pool saturated or shutting down: spool rather than lose the record.
		e.spoolRecord(record)
	}
}

// Close implements Emitter. The pool is owned by the caller.
func (e *DirectEmitter) Close() error { return nil }

func (e *DirectEmitter) deliver(ctx context.Context, record *Record) {
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.RecordEmissionRetry()
			}
			select {
			case <-ctx.Done():
				e.spoolRecord(record)
				return
			case <-time.After(e.backoff * time.Duration(attempt)):
			}
		}

		if err := e.sink.Ingest(ctx, record); err != nil {
			log.Debug().Err(err).
				Str("request_id", record.RequestID).
				Int("attempt", attempt+1).
				Msg("usage: ingest attempt failed")
			continue
		}

		if e.metrics != nil {
			e.metrics.RecordEmissionDelivered()
		}
		return
	}

	log.Warn().Str("request_id", record.RequestID).Msg("usage: delivery exhausted retries, spooling")
	e.spoolRecord(record)
}

func (e *DirectEmitter) spoolRecord(record *Record) {
	if e.spool != nil {
		if err := e.spool.Append(record); err != nil {
			log.Error().Err(err).Str("request_id", record.RequestID).Msg("usage: spool write failed, record lost")
			return
		}
	}
	if e.metrics != nil {
		e.metrics.RecordEmissionSpooled()
	}
}

// =============================================================================
// SPOOL (local JSONL fallback)
// =============================================================================

// Spool appends undeliverable records to a local JSONL file for offline
// replay.
type Spool struct {
	path string
	mu   sync.Mutex
}

// NewSpool creates the spool, ensuring its directory exists.
func NewSpool(path string) (*Spool, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, err
		}
	}
	return &Spool{path: path}, nil
}

// Append writes one record as a JSON line.
func (s *Spool) Append(record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}
