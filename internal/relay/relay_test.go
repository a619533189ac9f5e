package relay

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAIStream = "" +
	`data: {"id":"c1","choices":[{"delta":{"content":"Hel"}}]}` + "\n\n" +
	`data: {"id":"c1","choices":[{"delta":{"content":"lo"}}]}` + "\n\n" +
	`data: {"id":"c1","choices":[],"usage":{"prompt_tokens":40,"completion_tokens":60}}` + "\n\n" +
	"data: [DONE]\n\n"

func TestStream_ForwardsChunksInOrder(t *testing.T) {
	r := New(16, time.Second) // tiny buffer to force many reads
	w := httptest.NewRecorder()

	result := r.Stream(context.Background(), w, io.NopCloser(strings.NewReader(openAIStream)))

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, openAIStream, w.Body.String(), "stream must pass through unmodified and in order")
	assert.True(t, w.Flushed)
}

func TestStream_CountsOpenAIUsage(t *testing.T) {
	r := New(4096, time.Second)
	w := httptest.NewRecorder()

	result := r.Stream(context.Background(), w, io.NopCloser(strings.NewReader(openAIStream)))

	require.True(t, result.Usage.Reported)
	assert.Equal(t, 40, result.Usage.InputTokens)
	assert.Equal(t, 60, result.Usage.OutputTokens)
}

func TestStream_CountsAnthropicUsage(t *testing.T) {
	stream := "" +
		"event: message_start\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":40}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"text":"hi"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":60}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	r := New(4096, time.Second)
	w := httptest.NewRecorder()

	result := r.Stream(context.Background(), w, io.NopCloser(strings.NewReader(stream)))

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	require.True(t, result.Usage.Reported)
	assert.Equal(t, 40, result.Usage.InputTokens)
	assert.Equal(t, 60, result.Usage.OutputTokens)
}

func TestStream_NoUsageReported(t *testing.T) {
	stream := `data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n\ndata: [DONE]\n\n"

	r := New(4096, time.Second)
	w := httptest.NewRecorder()

	result := r.Stream(context.Background(), w, io.NopCloser(strings.NewReader(stream)))

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.False(t, result.Usage.Reported, "counts must not be fabricated")
	assert.Zero(t, result.Usage.InputTokens)
	assert.Zero(t, result.Usage.OutputTokens)
}

// dropReader yields its content, then fails with a connection error.
type dropReader struct {
	r   io.Reader
	err error
}

func (d *dropReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, d.err
	}
	return n, err
}

func (d *dropReader) Close() error { return nil }

func TestStream_BackendDropMidStream(t *testing.T) {
	partial := "" +
		`data: {"choices":[{"delta":{"content":"hi"}}],"usage":{"completion_tokens":10}}` + "\n\n"

	r := New(4096, time.Second)
	w := httptest.NewRecorder()

	result := r.Stream(context.Background(), w, &dropReader{
		r:   strings.NewReader(partial),
		err: errors.New("connection reset by peer"),
	})

	assert.Equal(t, OutcomeBackendError, result.Outcome)
	assert.Equal(t, partial, w.Body.String(), "partial output is forwarded before terminating")
	assert.Equal(t, 10, result.Usage.OutputTokens, "counts observed so far are kept")
	require.Error(t, result.Err)
}

func TestStream_EOFWithoutSentinelIsError(t *testing.T) {
	r := New(4096, time.Second)
	w := httptest.NewRecorder()

	result := r.Stream(context.Background(), w, io.NopCloser(strings.NewReader("data: {\"choices\":[]}\n\n")))

	assert.Equal(t, OutcomeBackendError, result.Outcome)
	assert.ErrorIs(t, result.Err, io.ErrUnexpectedEOF)
}

// failWriter embeds a recorder but fails every Write after the first.
type failWriter struct {
	*httptest.ResponseRecorder
	writes int
}

func (f *failWriter) Write(p []byte) (int, error) {
	f.writes++
	if f.writes > 1 {
		return 0, errors.New("broken pipe")
	}
	return f.ResponseRecorder.Write(p)
}

func TestStream_ClientDisconnectDrainsForUsage(t *testing.T) {
	r := New(64, time.Second) // small buffer: usage arrives after the failing write
	w := &failWriter{ResponseRecorder: httptest.NewRecorder()}

	result := r.Stream(context.Background(), w, io.NopCloser(strings.NewReader(openAIStream)))

	assert.Equal(t, OutcomeDisconnected, result.Outcome)
	require.True(t, result.Usage.Reported, "drain must recover the final usage summary")
	assert.Equal(t, 40, result.Usage.InputTokens)
	assert.Equal(t, 60, result.Usage.OutputTokens)
}

func TestStream_CanceledContextIsDisconnect(t *testing.T) {
	// Writes keep succeeding (the recorder never fails), so the canceled
	// request context is the only disconnect signal.
	r := New(64, time.Second)
	w := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := r.Stream(ctx, w, io.NopCloser(strings.NewReader(openAIStream)))

	assert.Equal(t, OutcomeDisconnected, result.Outcome)
	require.True(t, result.Usage.Reported, "drain must recover the final usage summary")
	assert.Equal(t, 40, result.Usage.InputTokens)
	assert.Equal(t, 60, result.Usage.OutputTokens)
}

// stallReader yields one chunk, then blocks until closed.
type stallReader struct {
	chunk    []byte
	consumed bool
	done     chan struct{}
	once     sync.Once
}

func (s *stallReader) Read(p []byte) (int, error) {
	if !s.consumed {
		s.consumed = true
		return copy(p, s.chunk), nil
	}
	<-s.done
	return 0, io.ErrClosedPipe
}

func (s *stallReader) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func TestStream_DrainGracePeriodBounds(t *testing.T) {
	grace := 50 * time.Millisecond
	r := New(4096, grace)
	w := &failWriter{ResponseRecorder: httptest.NewRecorder()}
	w.writes = 1 // fail the first write immediately

	backend := &stallReader{
		chunk: []byte(`data: {"choices":[]}` + "\n\n" + `data: {"choices":[]}` + "\n\n"),
		done:  make(chan struct{}),
	}

	start := time.Now()
	result := r.Stream(context.Background(), w, backend)
	elapsed := time.Since(start)

	assert.Equal(t, OutcomeDisconnected, result.Outcome)
	assert.False(t, result.Usage.Reported, "stalled backend yields partial/unknown usage")
	assert.Less(t, elapsed, grace*20, "drain must be bounded by the grace period")
}

func TestSingle_OpenAIEnvelope(t *testing.T) {
	body := `{"id":"c1","choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":40,"completion_tokens":60}}`

	r := New(4096, time.Second)
	w := httptest.NewRecorder()

	result := r.Single(w, io.NopCloser(strings.NewReader(body)), 200)

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, body, w.Body.String())
	require.True(t, result.Usage.Reported)
	assert.Equal(t, 40, result.Usage.InputTokens)
	assert.Equal(t, 60, result.Usage.OutputTokens)
}

func TestSingle_AnthropicEnvelope(t *testing.T) {
	body := `{"content":[{"text":"hi"}],"usage":{"input_tokens":12,"output_tokens":7}}`

	r := New(4096, time.Second)
	w := httptest.NewRecorder()

	result := r.Single(w, io.NopCloser(strings.NewReader(body)), 200)
	require.True(t, result.Usage.Reported)
	assert.Equal(t, 12, result.Usage.InputTokens)
	assert.Equal(t, 7, result.Usage.OutputTokens)
}

func TestSingle_NoUsage(t *testing.T) {
	r := New(4096, time.Second)
	w := httptest.NewRecorder()

	result := r.Single(w, io.NopCloser(strings.NewReader(`{"choices":[]}`)), 200)
	assert.False(t, result.Usage.Reported)
}
