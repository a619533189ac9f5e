package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/relaygrid/inference-gateway/internal/usage"
)

const liveWriteTimeout = 5 * time.Second

// liveHub fans out usage records to connected WebSocket subscribers. A slow
// subscriber is dropped rather than allowed to back-pressure the hub.
type liveHub struct {
	mu   sync.Mutex
	subs map[chan *usage.Record]struct{}
	done chan struct{}
}

func newLiveHub() *liveHub {
	return &liveHub{
		subs: make(map[chan *usage.Record]struct{}),
		done: make(chan struct{}),
	}
}

func (h *liveHub) subscribe() chan *usage.Record {
	ch := make(chan *usage.Record, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *liveHub) unsubscribe(ch chan *usage.Record) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// broadcast delivers the record to every subscriber that has channel room.
func (h *liveHub) broadcast(record *usage.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- record:
		default:
			// Subscriber too slow; it catches up or gets disconnected later.
		}
	}
}

func (h *liveHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	close(h.done)
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// handleLiveUsage upgrades to a WebSocket and streams usage records as JSON
// until the client leaves or the gateway shuts down.
func (g *Gateway) handleLiveUsage(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("live: websocket accept failed")
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	ch := g.live.subscribe()
	defer g.live.unsubscribe(ch)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.live.done:
			return
		case record, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
			err := wsjson.Write(writeCtx, conn, record)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
