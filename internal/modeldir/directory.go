// Package modeldir caches the model registry in front of the state store.
//
// DESIGN: Long-TTL cache plus a periodic background refresh of the full
// registry, so newly registered models become routable within one refresh
// interval without a restart. The pipeline never mutates entries.
package modeldir

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaygrid/inference-gateway/internal/cache"
	"github.com/relaygrid/inference-gateway/internal/ledger"
	"github.com/relaygrid/inference-gateway/internal/monitoring"
	"github.com/relaygrid/inference-gateway/internal/problem"
)

// Directory resolves model names to registry entries.
type Directory struct {
	store   ledger.Store
	cache   *cache.TTL[ledger.ModelEntry]
	metrics *monitoring.MetricsCollector

	stop chan struct{}
	once sync.Once
}

// New creates a Directory and starts its background refresh loop.
// refreshInterval <= 0 disables the loop; entries then refresh on TTL expiry
// only. metrics may be nil.
func New(store ledger.Store, ttl, refreshInterval time.Duration, metrics *monitoring.MetricsCollector) *Directory {
	d := &Directory{
		store:   store,
		cache:   cache.New[ledger.ModelEntry](ttl, ttl/2),
		metrics: metrics,
		stop:    make(chan struct{}),
	}
	if refreshInterval > 0 {
		go d.refreshLoop(refreshInterval)
	}
	return d
}

// Lookup resolves a model name. Returns problem.ErrModelNotFound for unknown
// names and problem.ErrUpstreamUnavailable when the registry is unreachable
// on a cache miss.
func (d *Directory) Lookup(ctx context.Context, name string) (*ledger.ModelEntry, error) {
	if entry, ok := d.cache.Get(name); ok {
		d.recordHit()
		return &entry, nil
	}
	d.recordMiss()

	entry, err := d.store.GetModel(ctx, name)
	if err != nil {
		if errors.Is(err, ledger.ErrModelNotFound) {
			return nil, fmt.Errorf("%w: %s", problem.ErrModelNotFound, name)
		}
		return nil, fmt.Errorf("%w: model registry: %v", problem.ErrUpstreamUnavailable, err)
	}

	d.cache.Set(name, *entry)
	return entry, nil
}

// Invalidate drops a cached entry so an external registry push takes effect
// before the TTL expires.
func (d *Directory) Invalidate(name string) {
	d.cache.Invalidate(name)
}

// Close stops the refresh loop.
func (d *Directory) Close() {
	d.once.Do(func() { close(d.stop) })
	d.cache.Close()
}

func (d *Directory) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.refresh()
		}
	}
}

func (d *Directory) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	models, err := d.store.ListModels(ctx)
	if err != nil {
		// Stale entries remain usable until their TTL; just log.
		log.Warn().Err(err).Msg("modeldir: registry refresh failed")
		return
	}

	for _, m := range models {
		d.cache.Set(m.Name, m)
	}
	log.Debug().Int("models", len(models)).Msg("modeldir: registry refreshed")
}

func (d *Directory) recordHit() {
	if d.metrics != nil {
		d.metrics.RecordCacheHit("models")
	}
}

func (d *Directory) recordMiss() {
	if d.metrics != nil {
		d.metrics.RecordCacheMiss("models")
	}
}
