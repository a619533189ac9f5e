package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/inference-gateway/internal/usage"
)

func TestLiveUsageFeed(t *testing.T) {
	f := newFixture(t, sseBackend())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(f.server.URL, "http://", "ws://", 1) + "/live/usage"
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	_, _ = f.post(t, testSecret, `{"model":"m1","stream":true,"messages":[]}`)

	var record usage.Record
	require.NoError(t, wsjson.Read(ctx, conn, &record))
	assert.Equal(t, "org-a", record.OrgID)
	assert.Equal(t, "m1", record.Model)
	assert.Equal(t, 60, record.OutputTokens)
}

func TestLiveHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := newLiveHub()
	defer hub.close()

	ch := hub.subscribe()
	for i := 0; i < cap(ch)+5; i++ {
		hub.broadcast(&usage.Record{RequestID: "r"})
	}
	assert.Len(t, ch, cap(ch), "overflow is dropped, broadcast never blocks")
	hub.unsubscribe(ch)
}
