// Package fanout provides the pub/sub hub behind the live song feed.
package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"go_setlist/setlist/internal/metrics"
	"go_setlist/setlist/internal/models"
	"go_setlist/setlist/pkg/types"

	"github.com/olebedev/emitter"
)

// Hub manages per-event topics and their subscribers.
type Hub struct {
	emitter           *emitter.Emitter
	topics            map[string]*Topic
	mu                sync.RWMutex
	bufferSize        int
	slowThreshold     int
	zombieTimeout     time.Duration
	sequence          atomic.Int64
	activeSubscribers atomic.Int64
	droppedMessages   atomic.Int64
	metrics           *metrics.Metrics
}

// Topic holds the subscribers of a single event.
type Topic struct {
	eventID     string
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
	lastUpdate  time.Time
}

// Subscriber is a downstream live feed client.
type Subscriber struct {
	ID          string
	EventID     string
	SendChan    chan *types.LiveUpdate
	ConnectTime time.Time
	lastSend    atomic.Int64 // unix nanos
	Dropped     atomic.Int64
	closed      atomic.Bool
}

// LastSend returns when the subscriber last received an update.
func (s *Subscriber) LastSend() time.Time {
	return time.Unix(0, s.lastSend.Load())
}

// Touch marks the subscriber alive without sending, e.g. after a
// successful ping, so idle feeds are not reaped as zombies.
func (s *Subscriber) Touch() {
	s.lastSend.Store(time.Now().UnixNano())
}

// NewHub creates a new fanout hub.
func NewHub(bufferSize, slowThreshold int, zombieTimeout time.Duration, m *metrics.Metrics) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		emitter:       emitter.New(uint(bufferSize)),
		topics:        make(map[string]*Topic),
		bufferSize:    bufferSize,
		slowThreshold: slowThreshold,
		zombieTimeout: zombieTimeout,
		metrics:       m,
	}
}

// Subscribe adds a subscriber to an event topic.
func (h *Hub) Subscribe(sub *Subscriber) {
	h.mu.Lock()
	topic, ok := h.topics[sub.EventID]
	if !ok {
		topic = &Topic{
			eventID:     sub.EventID,
			subscribers: make(map[string]*Subscriber),
		}
		h.topics[sub.EventID] = topic
	}
	topic.mu.Lock()
	topic.subscribers[sub.ID] = sub
	topic.mu.Unlock()
	h.mu.Unlock()

	h.activeSubscribers.Add(1)
	h.metrics.RecordSubscribe()
}

// Unsubscribe removes a subscriber and closes its channel. Empty topics are
// dropped.
func (h *Hub) Unsubscribe(eventID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topic, ok := h.topics[eventID]
	if !ok {
		return
	}

	topic.mu.Lock()
	if sub, exists := topic.subscribers[subID]; exists {
		h.closeSubscriber(topic, sub)
	}
	empty := len(topic.subscribers) == 0
	topic.mu.Unlock()

	if empty {
		delete(h.topics, eventID)
	}
}

// closeSubscriber must be called with topic.mu held.
func (h *Hub) closeSubscriber(topic *Topic, sub *Subscriber) {
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.SendChan)
	}
	delete(topic.subscribers, sub.ID)
	h.activeSubscribers.Add(-1)
	h.metrics.RecordUnsubscribe()
}

// Publish sends an update to all subscribers of an event without blocking.
// Subscribers that keep dropping messages are disconnected.
func (h *Hub) Publish(update *types.LiveUpdate) {
	update.Sequence = h.sequence.Add(1)

	h.mu.RLock()
	topic, ok := h.topics[update.EventID]
	h.mu.RUnlock()

	if ok {
		var slow []string

		// sends never block, and holding the lock keeps subscribers from
		// being closed mid-send
		topic.mu.Lock()
		topic.lastUpdate = time.Now()
		for _, sub := range topic.subscribers {
			if !h.offer(sub, update) && sub.Dropped.Load() > int64(h.slowThreshold) {
				slow = append(slow, sub.ID)
			}
		}
		topic.mu.Unlock()

		for _, id := range slow {
			h.Unsubscribe(update.EventID, id)
		}
	}

	// Also emit via emitter for additional handlers
	h.emitter.Emit(string(update.Type)+":"+update.EventID, update)
}

// offer delivers update to sub and reports whether it was accepted.
func (h *Hub) offer(sub *Subscriber, update *types.LiveUpdate) bool {
	if sub.closed.Load() {
		return false
	}
	select {
	case sub.SendChan <- update:
		sub.lastSend.Store(time.Now().UnixNano())
		return true
	default:
		sub.Dropped.Add(1)
		h.droppedMessages.Add(1)
		h.metrics.RecordDroppedMessage()
		return false
	}
}

// SongAdded publishes a new song to the event's subscribers.
func (h *Hub) SongAdded(song models.Song, totalSongs int) {
	s := SongView(song)
	h.Publish(&types.LiveUpdate{
		Type:       types.UpdateSong,
		EventID:    song.EventID,
		Timestamp:  song.Timestamp,
		Song:       &s,
		TotalSongs: totalSongs,
	})
}

// EventClosed tells subscribers the event expired and disconnects them.
func (h *Hub) EventClosed(eventID string) {
	h.Publish(&types.LiveUpdate{
		Type:      types.UpdateClosed,
		EventID:   eventID,
		Timestamp: time.Now().UTC(),
	})
	h.CloseTopic(eventID)
}

// CloseTopic disconnects every subscriber of an event.
func (h *Hub) CloseTopic(eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topic, ok := h.topics[eventID]
	if !ok {
		return
	}
	topic.mu.Lock()
	for _, sub := range topic.subscribers {
		h.closeSubscriber(topic, sub)
	}
	topic.mu.Unlock()
	delete(h.topics, eventID)
}

// GetTopicStats returns statistics for an event topic.
func (h *Hub) GetTopicStats(eventID string) (subscriberCount int, lastUpdate time.Time) {
	h.mu.RLock()
	topic, ok := h.topics[eventID]
	h.mu.RUnlock()

	if !ok {
		return 0, time.Time{}
	}

	topic.mu.RLock()
	defer topic.mu.RUnlock()

	return len(topic.subscribers), topic.lastUpdate
}

// CleanupZombies removes subscribers that have not received data within the
// zombie timeout.
func (h *Hub) CleanupZombies() int {
	if h.zombieTimeout <= 0 {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	now := time.Now()
	for eventID, topic := range h.topics {
		topic.mu.Lock()
		for _, sub := range topic.subscribers {
			if now.Sub(sub.LastSend()) > h.zombieTimeout {
				h.closeSubscriber(topic, sub)
				removed++
			}
		}
		if len(topic.subscribers) == 0 {
			delete(h.topics, eventID)
		}
		topic.mu.Unlock()
	}
	return removed
}

// Stats returns hub statistics.
type Stats struct {
	ActiveTopics      int
	ActiveSubscribers int64
	DroppedMessages   int64
}

// GetStats returns current hub statistics.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	topicCount := len(h.topics)
	h.mu.RUnlock()

	return Stats{
		ActiveTopics:      topicCount,
		ActiveSubscribers: h.activeSubscribers.Load(),
		DroppedMessages:   h.droppedMessages.Load(),
	}
}

// On registers a handler for updates on a pattern such as "song:*".
func (h *Hub) On(pattern string) <-chan emitter.Event {
	return h.emitter.On(pattern)
}

// Off removes a handler for updates on a pattern.
func (h *Hub) Off(pattern string, ch <-chan emitter.Event) {
	h.emitter.Off(pattern, ch)
}

// CreateSubscriber creates a new subscriber for an event.
func (h *Hub) CreateSubscriber(id, eventID string) *Subscriber {
	sub := &Subscriber{
		ID:          id,
		EventID:     eventID,
		SendChan:    make(chan *types.LiveUpdate, h.bufferSize),
		ConnectTime: time.Now(),
	}
	sub.lastSend.Store(sub.ConnectTime.UnixNano())
	return sub
}

// SongView converts a song to its public wire form.
func SongView(s models.Song) types.Song {
	return types.Song{
		ID:        s.ID,
		Title:     s.Title,
		Artist:    s.Artist,
		DJName:    s.DJName,
		Timestamp: s.Timestamp,
	}
}

// SongViews converts songs to their public wire form.
func SongViews(songs []models.Song) []types.Song {
	out := make([]types.Song, len(songs))
	for i, s := range songs {
		out[i] = SongView(s)
	}
	return out
}
