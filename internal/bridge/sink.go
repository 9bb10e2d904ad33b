package bridge

import (
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/trestle/internal/store"
)

// InboundMessage is a bridged message observed on a user's sync stream.
type InboundMessage struct {
	UserID    int64             `json:"user_id"`
	Network   store.BridgeType  `json:"network"`
	RoomID    id.RoomID         `json:"room_id"`
	Sender    id.UserID         `json:"sender"`
	MsgType   event.MessageType `json:"msgtype"`
	Body      string            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sink receives bridged messages as they arrive. Deliver must not block;
// implementations drop rather than stall the sync loop.
type Sink interface {
	Deliver(msg InboundMessage)
}

// Hub is a Sink that fans messages out to per-user subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]map[*Subscription]struct{}
	closed bool
}

// Subscription is one subscriber's buffered view of a user's messages.
type Subscription struct {
	hub    *Hub
	userID int64
	ch     chan InboundMessage
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for the user's messages. The buffer
// bounds how far the subscriber may fall behind before messages are
// dropped.
func (h *Hub) Subscribe(userID int64, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscription{hub: h, userID: userID, ch: make(chan InboundMessage, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[userID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Deliver fans the message out to the user's subscribers. Slow subscribers
// with a full buffer miss the message.
func (h *Hub) Deliver(msg InboundMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[msg.UserID] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// Close drops all subscribers and closes their channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	h.subs = make(map[int64]map[*Subscription]struct{})
}

// C returns the subscription's message channel. It is closed when the
// subscription or the hub is closed.
func (s *Subscription) C() <-chan InboundMessage {
	return s.ch
}

// Close removes the subscription from the hub.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if s.hub.closed {
			return
		}
		if set, ok := s.hub.subs[s.userID]; ok {
			if _, member := set[s]; member {
				delete(set, s)
				close(s.ch)
				if len(set) == 0 {
					delete(s.hub.subs, s.userID)
				}
			}
		}
	})
}
