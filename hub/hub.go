package hub

import (
	"sync"

	"github.com/rs/zerolog"
)

// Notification is the wire shape pushed to subscribers. It carries no
// authority: receivers refetch the room read model and may safely see
// duplicates or drops.
type Notification struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

type Subscriber struct {
	room string
	ch   chan Notification
}

func (s *Subscriber) Notifications() <-chan Notification {
	return s.ch
}

func (s *Subscriber) Room() string {
	return s.room
}

// Hub is the per-room fan-out registry. It is constructed once at process
// start and injected wherever publishing is needed; there is no ambient
// global.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscriber]struct{}
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Subscriber]struct{}),
		logger: logger,
	}
}

func (h *Hub) Subscribe(roomCode string) *Subscriber {
	s := &Subscriber{
		room: roomCode,
		ch:   make(chan Notification, 16),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomCode] == nil {
		h.rooms[roomCode] = make(map[*Subscriber]struct{})
	}
	h.rooms[roomCode][s] = struct{}{}
	return s
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.rooms[s.room]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	close(s.ch)
	if len(subs) == 0 {
		delete(h.rooms, s.room)
	}
}

// Publish fans the notification out to every subscriber of the room.
// A subscriber whose buffer is full is pruned so one dead connection never
// stalls the rest. Zero subscribers is a no-op.
//
// The read lock is held across the sends: Unsubscribe closes channels under
// the write lock, so a concurrent close cannot land between registry lookup
// and send. The sends never block, so the lock is held only briefly.
func (h *Hub) Publish(roomCode, kind string) {
	n := Notification{Type: kind, Room: roomCode}

	var stalled []*Subscriber
	h.mu.RLock()
	for s := range h.rooms[roomCode] {
		select {
		case s.ch <- n:
		default:
			stalled = append(stalled, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stalled {
		h.logger.Warn().Str("room", roomCode).Msg("pruning stalled subscriber")
		h.Unsubscribe(s)
	}
}

// SubscriberCount reports how many subscribers a room currently has.
func (h *Hub) SubscriberCount(roomCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomCode])
}
