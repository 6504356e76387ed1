package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/pulse/pkg/observability"
)

// Topic is a logical broadcast channel
type Topic string

const (
	TopicEvent   Topic = "event"
	TopicMetrics Topic = "metrics"
	TopicSession Topic = "session"
)

// ParseTopic returns the topic for s and whether it is known
func ParseTopic(s string) (Topic, bool) {
	switch t := Topic(s); t {
	case TopicEvent, TopicMetrics, TopicSession:
		return t, true
	}
	return "", false
}

// AllTopics lists every topic
func AllTopics() []Topic {
	return []Topic{TopicEvent, TopicMetrics, TopicSession}
}

// Message is the realtime wire shape
type Message struct {
	TenantID  string          `json:"tenantId"`
	Type      Topic           `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// DefaultBufferSize is the per-subscription channel capacity
const DefaultBufferSize = 64

// Subscription receives messages for one tenant and a set of topics
type Subscription struct {
	C <-chan Message

	ch      chan Message
	tenant  string
	topics  map[Topic]bool
	dropped atomic.Int64
	hub     *Hub
	once    sync.Once
}

// Dropped returns how many messages were lost because the buffer was full
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes C
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub routes messages to subscriptions
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	relays  []func(Message)
	bufSize int
	metrics *observability.Metrics
}

// NewHub creates a hub; bufSize <= 0 uses DefaultBufferSize
func NewHub(bufSize int, metrics *observability.Metrics) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Hub{
		subs:    make(map[string]map[*Subscription]struct{}),
		bufSize: bufSize,
		metrics: metrics,
	}
}

// Subscribe attaches to a tenant's topics; no topics means all of them
func (h *Hub) Subscribe(tenantID string, topics ...Topic) *Subscription {
	if len(topics) == 0 {
		topics = AllTopics()
	}
	ch := make(chan Message, h.bufSize)
	sub := &Subscription{
		C:      ch,
		ch:     ch,
		tenant: tenantID,
		topics: make(map[Topic]bool, len(topics)),
		hub:    h,
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	h.mu.Lock()
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = make(map[*Subscription]struct{})
	}
	h.subs[tenantID][sub] = struct{}{}
	h.mu.Unlock()

	h.metrics.SubscriberDelta(1)
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if tenantSubs, ok := h.subs[sub.tenant]; ok {
		delete(tenantSubs, sub)
		if len(tenantSubs) == 0 {
			delete(h.subs, sub.tenant)
		}
	}
	// closed under the write lock so no Deliver can race the close
	close(sub.ch)
	h.metrics.SubscriberDelta(-1)
}

// AddRelay registers a hook called for every locally published message
func (h *Hub) AddRelay(fn func(Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relays = append(h.relays, fn)
}

// Publish delivers msg to local subscribers and hands it to relays
func (h *Hub) Publish(msg Message) {
	h.Deliver(msg)

	h.mu.RLock()
	relays := h.relays
	h.mu.RUnlock()
	for _, relay := range relays {
		relay(msg)
	}
}

// Deliver hands msg to local subscribers only and returns how many received it
func (h *Hub) Deliver(msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs[msg.TenantID] {
		if !sub.topics[msg.Type] {
			continue
		}
		select {
		case sub.ch <- msg:
			delivered++
		default:
			sub.dropped.Add(1)
			h.metrics.RealtimeDropped()
		}
	}
	h.metrics.RealtimePublished(string(msg.Type))
	return delivered
}

// Subscribers counts live subscriptions for a tenant
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}
