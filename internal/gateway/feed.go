package gateway

import (
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/kwrelay/kwrelay/internal/event"
)

// feedBuffer is the per-subscriber queue depth. A subscriber that falls
// behind loses events rather than blocking ingestion.
const feedBuffer = 64

// Hub fans freshly recorded events out to websocket subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[chan event.TargetEvent]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan event.TargetEvent]struct{})}
}

// Publish delivers ev to all subscribers without blocking.
func (h *Hub) Publish(ev event.TargetEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) subscribe() chan event.TargetEvent {
	ch := make(chan event.TargetEvent, feedBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan event.TargetEvent) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// handleEventFeed upgrades to a websocket and streams newly recorded
// events as JSON until the client disconnects.
func (s *Server) handleEventFeed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		ch := s.hub.subscribe()
		defer s.hub.unsubscribe(ch)

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "server shutdown")
				return
			case ev := <-ch:
				if err := wsjson.Write(ctx, conn, ev); err != nil {
					return
				}
			}
		}
	}
}
