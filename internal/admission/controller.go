// Package admission gates requests on identity and budget before any
// backend call is made.
//
// DESIGN: Request flow per call:
//   - identity check:  fingerprint -> credential cache -> directory on miss
//   - budget check:    org id -> budget cache -> state store on miss
//
// Both checks read deliberately stale cached views; neither takes locks
// across requests or reserves tokens. Two requests admitted back-to-back
// from a thin remaining balance may both proceed — bounded overshoot is the
// accepted trade for a lock-free hot path. Any store failure on a miss is
// reported as UpstreamUnavailable; the gateway fails closed.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaygrid/inference-gateway/internal/cache"
	"github.com/relaygrid/inference-gateway/internal/identity"
	"github.com/relaygrid/inference-gateway/internal/ledger"
	"github.com/relaygrid/inference-gateway/internal/monitoring"
	"github.com/relaygrid/inference-gateway/internal/problem"
	"github.com/relaygrid/inference-gateway/internal/tasks"
)

// Admitted is the context attached to a request that passed both checks.
// Values are copied out of the caches; the pipeline holds no live cache
// references past this point.
type Admitted struct {
	OrgID        string
	UserID       string
	CredentialID string
}

// Controller orchestrates the identity and budget checks.
type Controller struct {
	directory identity.Directory
	store     ledger.Store

	creds   *cache.TTL[identity.CredentialRecord]
	budgets *cache.TTL[ledger.BudgetState]

	pool    *tasks.Pool
	metrics *monitoring.MetricsCollector

	identityTimeout time.Duration
	storeTimeout    time.Duration
}

// Options configures a Controller.
type Options struct {
	CredentialTTL   time.Duration
	BudgetTTL       time.Duration
	SweepInterval   time.Duration
	IdentityTimeout time.Duration
	StoreTimeout    time.Duration

	// Clock overrides the cache time source in tests.
	Clock cache.Clock
}

// NewController creates an admission controller with its two caches.
// pool and metrics may be nil.
func NewController(directory identity.Directory, store ledger.Store, pool *tasks.Pool,
	metrics *monitoring.MetricsCollector, opts Options) *Controller {

	var cacheOpts []cache.Option[identity.CredentialRecord]
	var budgetOpts []cache.Option[ledger.BudgetState]
	if opts.Clock != nil {
		cacheOpts = append(cacheOpts, cache.WithClock[identity.CredentialRecord](opts.Clock))
		budgetOpts = append(budgetOpts, cache.WithClock[ledger.BudgetState](opts.Clock))
	}

	return &Controller{
		directory:       directory,
		store:           store,
		creds:           cache.New(opts.CredentialTTL, opts.SweepInterval, cacheOpts...),
		budgets:         cache.New(opts.BudgetTTL, opts.SweepInterval, budgetOpts...),
		pool:            pool,
		metrics:         metrics,
		identityTimeout: opts.IdentityTimeout,
		storeTimeout:    opts.StoreTimeout,
	}
}

// Admit runs both checks for a presented credential. model is used for
// logging only; routing owns model resolution.
func (c *Controller) Admit(ctx context.Context, rawCredential, model string) (*Admitted, error) {
	record, err := c.checkIdentity(ctx, rawCredential)
	if err != nil {
		return nil, err
	}

	if err := c.checkBudget(ctx, record.OrgID); err != nil {
		return nil, err
	}

	log.Debug().
		Str("org_id", record.OrgID).
		Str("model", model).
		Msg("admission: request admitted")

	return &Admitted{
		OrgID:        record.OrgID,
		UserID:       record.UserID,
		CredentialID: record.CredentialID,
	}, nil
}

// RevokeCredential drops a cached credential so an external revocation push
// takes effect before the TTL expires.
func (c *Controller) RevokeCredential(fingerprint string) {
	c.creds.Invalidate(fingerprint)
}

// InvalidateBudget drops a cached budget, used by external consumption
// pushes for organizations near their ceiling.
func (c *Controller) InvalidateBudget(orgID string) {
	c.budgets.Invalidate(orgID)
}

// Close releases the cache sweep goroutines.
func (c *Controller) Close() {
	c.creds.Close()
	c.budgets.Close()
}

func (c *Controller) checkIdentity(ctx context.Context, rawCredential string) (*identity.CredentialRecord, error) {
	if rawCredential == "" {
		return nil, fmt.Errorf("%w: missing credential", problem.ErrUnauthenticated)
	}

	fingerprint := identity.Fingerprint(rawCredential)

	record, cached := c.creds.Get(fingerprint)
	if cached {
		c.recordCache("credentials", true)
	} else {
		c.recordCache("credentials", false)

		lookupCtx, cancel := context.WithTimeout(ctx, c.identityTimeout)
		defer cancel()

		fresh, err := c.directory.Validate(lookupCtx, fingerprint)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown credential", problem.ErrUnauthenticated)
			}
			return nil, fmt.Errorf("%w: identity directory: %v", problem.ErrUpstreamUnavailable, err)
		}

		// Revoked records are cached too: the directory answered, and the
		// negative result shields it from repeat traffic just the same.
		record = *fresh
		c.creds.Set(fingerprint, record)
	}

	if record.Revoked {
		return nil, fmt.Errorf("%w: credential revoked", problem.ErrUnauthenticated)
	}

	c.touchLastUsed(record.CredentialID)
	return &record, nil
}

func (c *Controller) checkBudget(ctx context.Context, orgID string) error {
	budget, cached := c.budgets.Get(orgID)
	if cached {
		c.recordCache("budgets", true)
	} else {
		c.recordCache("budgets", false)

		lookupCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
		defer cancel()

		fresh, err := c.store.GetBudget(lookupCtx, orgID)
		if err != nil {
			if errors.Is(err, ledger.ErrBudgetNotFound) {
				// No ledger row means no spend was provisioned. Fail closed.
				return fmt.Errorf("%w: no budget for org %s", problem.ErrBudgetExceeded, orgID)
			}
			return fmt.Errorf("%w: state store: %v", problem.ErrUpstreamUnavailable, err)
		}

		budget = *fresh
		c.budgets.Set(orgID, budget)
	}

	if budget.Exhausted() {
		return fmt.Errorf("%w: org %s consumed %d of %d tokens",
			problem.ErrBudgetExceeded, orgID, budget.Consumed, budget.Ceiling)
	}
	return nil
}

// touchLastUsed updates the credential's last-used marker off the request
// path. Dropped silently when the pool is saturated.
func (c *Controller) touchLastUsed(credentialID string) {
	if c.pool == nil {
		return
	}
	c.pool.Submit(func(ctx context.Context) {
		touchCtx, cancel := context.WithTimeout(ctx, c.identityTimeout)
		defer cancel()
		if err := c.directory.TouchLastUsed(touchCtx, credentialID); err != nil {
			log.Debug().Err(err).Str("credential_id", credentialID).Msg("admission: last-used touch failed")
		}
	})
}

func (c *Controller) recordCache(name string, hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.RecordCacheHit(name)
	} else {
		c.metrics.RecordCacheMiss(name)
	}
}
