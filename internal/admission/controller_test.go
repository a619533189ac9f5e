package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/inference-gateway/internal/identity"
	"github.com/relaygrid/inference-gateway/internal/ledger"
	"github.com/relaygrid/inference-gateway/internal/problem"
	"github.com/relaygrid/inference-gateway/internal/tasks"
)

type fakeDirectory struct {
	mu      sync.Mutex
	records map[string]identity.CredentialRecord
	err     error
	calls   int
	touched []string
}

func (f *fakeDirectory) Validate(ctx context.Context, fingerprint string) (*identity.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.records[fingerprint]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return &r, nil
}

func (f *fakeDirectory) TouchLastUsed(ctx context.Context, credentialID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, credentialID)
	return nil
}

type fakeLedger struct {
	mu      sync.Mutex
	budgets map[string]ledger.BudgetState
	err     error
	calls   int
}

func (f *fakeLedger) GetBudget(ctx context.Context, orgID string) (*ledger.BudgetState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.budgets[orgID]
	if !ok {
		return nil, ledger.ErrBudgetNotFound
	}
	return &b, nil
}

func (f *fakeLedger) GetModel(ctx context.Context, name string) (*ledger.ModelEntry, error) {
	return nil, ledger.ErrModelNotFound
}

func (f *fakeLedger) ListModels(ctx context.Context) ([]ledger.ModelEntry, error) {
	return nil, nil
}

func (f *fakeLedger) Close() error { return nil }

type clockFixture struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clockFixture) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clockFixture) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) (*Controller, *fakeDirectory, *fakeLedger, *clockFixture) {
	t.Helper()

	dir := &fakeDirectory{records: map[string]identity.CredentialRecord{}}
	led := &fakeLedger{budgets: map[string]ledger.BudgetState{}}
	clk := &clockFixture{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	ctrl := NewController(dir, led, nil, nil, Options{
		CredentialTTL:   5 * time.Minute,
		BudgetTTL:       15 * time.Second,
		IdentityTimeout: time.Second,
		StoreTimeout:    time.Second,
		Clock:           clk.Now,
	})
	t.Cleanup(ctrl.Close)
	return ctrl, dir, led, clk
}

func seedCredential(dir *fakeDirectory, secret, credID, orgID string, revoked bool) {
	dir.records[identity.Fingerprint(secret)] = identity.CredentialRecord{
		Fingerprint:  identity.Fingerprint(secret),
		CredentialID: credID,
		OrgID:        orgID,
		UserID:       "user-" + credID,
		Revoked:      revoked,
	}
}

func TestAdmit_ValidCredentialUnderBudget(t *testing.T) {
	ctrl, dir, led, _ := newFixture(t)
	seedCredential(dir, "sk-c1", "c1", "org-a", false)
	led.budgets["org-a"] = ledger.BudgetState{OrgID: "org-a", Ceiling: 1000, Consumed: 0}

	admitted, err := ctrl.Admit(context.Background(), "sk-c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "org-a", admitted.OrgID)
	assert.Equal(t, "c1", admitted.CredentialID)
	assert.Equal(t, "user-c1", admitted.UserID)
}

func TestAdmit_CachesCredentialAndBudget(t *testing.T) {
	ctrl, dir, led, _ := newFixture(t)
	seedCredential(dir, "sk-c1", "c1", "org-a", false)
	led.budgets["org-a"] = ledger.BudgetState{OrgID: "org-a", Ceiling: 1000}

	for i := 0; i < 5; i++ {
		_, err := ctrl.Admit(context.Background(), "sk-c1", "m1")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, dir.calls, "directory consulted only on the cache miss")
	assert.Equal(t, 1, led.calls, "state store consulted only on the cache miss")
}

func TestAdmit_MissingCredential(t *testing.T) {
	ctrl, _, _, _ := newFixture(t)

	_, err := ctrl.Admit(context.Background(), "", "m1")
	assert.ErrorIs(t, err, problem.ErrUnauthenticated)
}

func TestAdmit_UnknownCredential(t *testing.T) {
	ctrl, _, _, _ := newFixture(t)

	_, err := ctrl.Admit(context.Background(), "sk-unknown", "m1")
	assert.ErrorIs(t, err, problem.ErrUnauthenticated)
}

func TestAdmit_RevokedCredential(t *testing.T) {
	ctrl, dir, _, _ := newFixture(t)
	seedCredential(dir, "sk-c1", "c1", "org-a", true)

	_, err := ctrl.Admit(context.Background(), "sk-c1", "m1")
	assert.ErrorIs(t, err, problem.ErrUnauthenticated)
}

func TestAdmit_RevocationVisibleWithinTTL(t *testing.T) {
	ctrl, dir, led, clk := newFixture(t)
	seedCredential(dir, "sk-c1", "c1", "org-a", false)
	led.budgets["org-a"] = ledger.BudgetState{OrgID: "org-a", Ceiling: 1000}

	_, err := ctrl.Admit(context.Background(), "sk-c1", "m1")
	require.NoError(t, err)

	// Directory-side revocation. The stale cached record keeps admitting
	// until the TTL window closes, then the fresh record is fetched.
	dir.mu.Lock()
	seedCredential(dir, "sk-c1", "c1", "org-a", true)
	dir.mu.Unlock()

	_, err = ctrl.Admit(context.Background(), "sk-c1", "m1")
	assert.NoError(t, err, "stale cached record is honored inside the TTL window")

	clk.Advance(5*time.Minute + time.Second)
	_, err = ctrl.Admit(context.Background(), "sk-c1", "m1")
	assert.ErrorIs(t, err, problem.ErrUnauthenticated,
		"revocation must take effect within one credential TTL")
}

func TestAdmit_RevokePushBypassesTTL(t *testing.T) {
	ctrl, dir, led, _ := newFixture(t)
	seedCredential(dir, "sk-c1", "c1", "org-a", false)
	led.budgets["org-a"] = ledger.BudgetState{OrgID: "org-a", Ceiling: 1000}

	_, err := ctrl.Admit(context.Background(), "sk-c1", "m1")
	require.NoError(t, err)

	dir.mu.Lock()
	seedCredential(dir, "sk-c1", "c1", "org-a", true)
	dir.mu.Unlock()
	ctrl.RevokeCredential(identity.Fingerprint("sk-c1"))

	_, err = ctrl.Admit(context.Background(), "sk-c1", "m1")
	assert.ErrorIs(t, err, problem.ErrUnauthenticated)
}

func TestAdmit_BudgetExhausted(t *testing.T) {
	ctrl, dir, led, _ := newFixture(t)
	seedCredential(dir, "sk-c2", "c2", "org-b", false)
	led.budgets["org-b"] = ledger.BudgetState{OrgID: "org-b", Ceiling: 1000, Consumed: 1000}

	_, err := ctrl.Admit(context.Background(), "sk-c2", "m1")
	assert.ErrorIs(t, err, problem.ErrBudgetExceeded)
}

func TestAdmit_NoBudgetRowFailsClosed(t *testing.T) {
	ctrl, dir, _, _ := newFixture(t)
	seedCredential(dir, "sk-c1", "c1", "org-unprovisioned", false)

	_, err := ctrl.Admit(context.Background(), "sk-c1", "m1")
	assert.ErrorIs(t, err, problem.ErrBudgetExceeded)
}

func TestAdmit_IdentityDirectoryDownFailsClosed(t *testing.T) {
	ctrl, dir, _, _ := newFixture(t)
	dir.err = errors.New("connection refused")

	_, err := ctrl.Admit(context.Background(), "sk-c1", "m1")
	assert.ErrorIs(t, err, problem.ErrUpstreamUnavailable)
}

func TestAdmit_StateStoreDownFailsClosed(t *testing.T) {
	ctrl, dir, led, _ := newFixture(t)
	seedCredential(dir, "sk-c1", "c1", "org-a", false)
	led.err = errors.New("connection refused")

	_, err := ctrl.Admit(context.Background(), "sk-c1", "m1")
	assert.ErrorIs(t, err, problem.ErrUpstreamUnavailable)
}

func TestAdmit_StaleBudgetAdmitsUntilTTLExpiry(t *testing.T) {
	ctrl, dir, led, clk := newFixture(t)
	seedCredential(dir, "sk-c1", "c1", "org-a", false)
	led.budgets["org-a"] = ledger.BudgetState{OrgID: "org-a", Ceiling: 1000, Consumed: 0}

	_, err := ctrl.Admit(context.Background(), "sk-c1", "m1")
	require.NoError(t, err)

	// Spend lands in the store; the cached view stays stale.
	led.mu.Lock()
	led.budgets["org-a"] = ledger.BudgetState{OrgID: "org-a", Ceiling: 1000, Consumed: 1000}
	led.mu.Unlock()

	_, err = ctrl.Admit(context.Background(), "sk-c1", "m1")
	assert.NoError(t, err, "stale under-budget view admits inside the TTL")

	clk.Advance(16 * time.Second)
	_, err = ctrl.Admit(context.Background(), "sk-c1", "m1")
	assert.ErrorIs(t, err, problem.ErrBudgetExceeded,
		"fresh view must be fetched after the budget TTL")
}

func TestAdmit_TouchesLastUsedOffPath(t *testing.T) {
	dir := &fakeDirectory{records: map[string]identity.CredentialRecord{}}
	led := &fakeLedger{budgets: map[string]ledger.BudgetState{
		"org-a": {OrgID: "org-a", Ceiling: 1000},
	}}
	seedCredential(dir, "sk-c1", "c1", "org-a", false)

	pool := tasks.NewPool(1, 16)
	ctrl := NewController(dir, led, pool, nil, Options{
		CredentialTTL:   time.Minute,
		BudgetTTL:       time.Minute,
		IdentityTimeout: time.Second,
		StoreTimeout:    time.Second,
	})
	defer ctrl.Close()

	_, err := ctrl.Admit(context.Background(), "sk-c1", "m1")
	require.NoError(t, err)

	require.NoError(t, pool.Close(context.Background()))
	dir.mu.Lock()
	defer dir.mu.Unlock()
	assert.Equal(t, []string{"c1"}, dir.touched)
}
