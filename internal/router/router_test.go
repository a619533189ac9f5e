package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/relaygrid/inference-gateway/internal/ledger"
	"github.com/relaygrid/inference-gateway/internal/modeldir"
	"github.com/relaygrid/inference-gateway/internal/problem"
)

type registryFake struct {
	mu     sync.Mutex
	models map[string]ledger.ModelEntry
}

func (f *registryFake) GetModel(ctx context.Context, name string) (*ledger.ModelEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[name]
	if !ok {
		return nil, ledger.ErrModelNotFound
	}
	return &m, nil
}

func (f *registryFake) ListModels(ctx context.Context) ([]ledger.ModelEntry, error) { return nil, nil }
func (f *registryFake) GetBudget(ctx context.Context, orgID string) (*ledger.BudgetState, error) {
	return nil, ledger.ErrBudgetNotFound
}
func (f *registryFake) Close() error { return nil }

func newRouter(t *testing.T, models map[string]ledger.ModelEntry) *Router {
	t.Helper()
	dir := modeldir.New(&registryFake{models: models}, time.Minute, 0, nil)
	t.Cleanup(dir.Close)
	return New(dir, nil, time.Second, time.Minute)
}

func TestDispatch_UnknownModel(t *testing.T) {
	r := newRouter(t, map[string]ledger.ModelEntry{})

	_, err := r.Dispatch(context.Background(), Request{Model: "ghost", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, problem.ErrModelNotFound)
}

func TestDispatch_DisabledModel(t *testing.T) {
	r := newRouter(t, map[string]ledger.ModelEntry{
		"m2": {Name: "m2", BackendURL: "http://unused", Enabled: false},
	})

	_, err := r.Dispatch(context.Background(), Request{Model: "m2", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, problem.ErrModelDisabled)
}

func TestDispatch_ForwardsBodyToBackend(t *testing.T) {
	var received []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer backend.Close()

	r := newRouter(t, map[string]ledger.ModelEntry{
		"m1": {Name: "m1", BackendURL: backend.URL, Enabled: true},
	})

	body := []byte(`{"model":"m1","messages":[{"role":"user","content":"hi"}]}`)
	stream, err := r.Dispatch(context.Background(), Request{Model: "m1", Body: body})
	require.NoError(t, err)
	defer func() { _ = stream.Body.Close() }()

	assert.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, body, received)
	assert.Equal(t, "m1", stream.Model.Name)
}

func TestDispatch_StreamingRequestsUsageSummary(t *testing.T) {
	var received []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	r := newRouter(t, map[string]ledger.ModelEntry{
		"m1": {Name: "m1", BackendURL: backend.URL, Enabled: true},
	})

	stream, err := r.Dispatch(context.Background(), Request{
		Model: "m1", Stream: true,
		Body: []byte(`{"model":"m1","stream":true,"messages":[]}`),
	})
	require.NoError(t, err)
	_ = stream.Body.Close()

	assert.True(t, gjson.GetBytes(received, "stream_options.include_usage").Bool(),
		"streaming dispatch must request a final usage summary")
}

func TestDispatch_CallSurvivesCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write([]byte(`data: [DONE]`))
	}))
	defer backend.Close()

	r := newRouter(t, map[string]ledger.ModelEntry{
		"m1": {Name: "m1", BackendURL: backend.URL, Enabled: true},
	})

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := r.Dispatch(ctx, Request{Model: "m1", Body: []byte(`{}`)})
	require.NoError(t, err)
	defer func() { _ = stream.Body.Close() }()

	// The caller going away must not tear down the open call: the relay
	// still drains it for the final usage summary.
	cancel()
	close(release)

	got, err := io.ReadAll(stream.Body)
	require.NoError(t, err, "backend read must not inherit the caller's cancellation")
	assert.Equal(t, `data: [DONE]`, string(got))
}

func TestDispatch_BackendDown(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close() // port now refuses connections

	r := newRouter(t, map[string]ledger.ModelEntry{
		"m1": {Name: "m1", BackendURL: backend.URL, Enabled: true},
	})

	_, err := r.Dispatch(context.Background(), Request{Model: "m1", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, problem.ErrBackendUnavailable)
}

func TestDispatch_BackendErrorStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusInternalServerError)
	}))
	defer backend.Close()

	r := newRouter(t, map[string]ledger.ModelEntry{
		"m1": {Name: "m1", BackendURL: backend.URL, Enabled: true},
	})

	_, err := r.Dispatch(context.Background(), Request{Model: "m1", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, problem.ErrBackendError)
}

func TestDispatch_MaxTokensOverCeiling(t *testing.T) {
	r := newRouter(t, map[string]ledger.ModelEntry{
		"m1": {Name: "m1", BackendURL: "http://unused", Enabled: true, MaxTokens: 1024},
	})

	_, err := r.Dispatch(context.Background(), Request{
		Model: "m1",
		Body:  []byte(`{"model":"m1","max_tokens":4096,"messages":[]}`),
	})
	assert.ErrorIs(t, err, problem.ErrRequestTooLarge)
}

func TestEstimator_FallbackRatio(t *testing.T) {
	// Unknown encoding forces the character-ratio fallback.
	e := NewEstimator("no-such-encoding")

	body := []byte(`{"messages":[{"role":"user","content":"aaaaaaaaaaaaaaaa"}]}`)
	assert.Equal(t, 4, e.EstimateRequest(body))
}

func TestEstimator_ContentBlocks(t *testing.T) {
	e := NewEstimator("no-such-encoding")

	body := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"aaaaaaaa"},{"type":"text","text":"bbbbbbbb"}]}]}`)
	assert.Equal(t, 4, e.EstimateRequest(body))
}
