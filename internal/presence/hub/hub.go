// Package hub fans presence changes out to dashboard subscribers of one
// community.
package hub

import (
	"errors"
	"strings"
	"sync"
)

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
)

var (
	ErrUnavailable      = errors.New("hub_unavailable")
	ErrInvalidCommunity = errors.New("invalid_community_id")
)

type Event struct {
	CommunityID    string `json:"communityId"`
	UserID         string `json:"userId"`
	Status         string `json:"status"`
	ClientPlatform string `json:"clientPlatform,omitempty"`
	LastSeenAt     string `json:"lastSeenAt"`
}

type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []Event
	subs   map[uint64]chan Event
	nextID uint64
}

type Subscription struct {
	hub         *Hub
	communityID string
	id          uint64
	ch          chan Event
	once        sync.Once
}

func New() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish never blocks; a subscriber with a full buffer misses the event.
func (h *Hub) Publish(communityID string, event Event) {
	if h == nil {
		return
	}
	key := strings.TrimSpace(communityID)
	if key == "" {
		return
	}
	h.mu.RLock()
	current := h.streams[key]
	h.mu.RUnlock()
	if current == nil {
		return
	}

	current.mu.Lock()
	current.buffer = append(current.buffer, event)
	if len(current.buffer) > h.bufferSize {
		current.buffer = current.buffer[len(current.buffer)-h.bufferSize:]
	}
	subs := make([]chan Event, 0, len(current.subs))
	for _, ch := range current.subs {
		subs = append(subs, ch)
	}
	current.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns the subscription and the recent events buffered for the
// community.
func (h *Hub) Subscribe(communityID string) (*Subscription, []Event, error) {
	if h == nil {
		return nil, nil, ErrUnavailable
	}
	key := strings.TrimSpace(communityID)
	if key == "" {
		return nil, nil, ErrInvalidCommunity
	}

	current := h.ensureStream(key)
	current.mu.Lock()
	id := current.nextID
	current.nextID++
	ch := make(chan Event, h.subscriberBuffer)
	current.subs[id] = ch
	backlog := append([]Event(nil), current.buffer...)
	current.mu.Unlock()

	return &Subscription{
		hub:         h,
		communityID: key,
		id:          id,
		ch:          ch,
	}, backlog, nil
}

func (h *Hub) ensureStream(key string) *stream {
	h.mu.RLock()
	current := h.streams[key]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[key]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan Event)}
		h.streams[key] = current
	}
	return current
}

func (h *Hub) unsubscribe(key string, id uint64) {
	h.mu.RLock()
	current := h.streams[key]
	h.mu.RUnlock()
	if current == nil {
		return
	}

	current.mu.Lock()
	delete(current.subs, id)
	remaining := len(current.subs)
	current.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[key] != current {
		return
	}
	current.mu.Lock()
	empty := len(current.subs) == 0
	current.mu.Unlock()
	if empty {
		delete(h.streams, key)
	}
}

func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.communityID, s.id)
	})
}
