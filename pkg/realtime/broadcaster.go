package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Broadcaster is the publish side of the hub
type Broadcaster struct {
	hub *Hub
	now func() time.Time
}

// NewBroadcaster creates a broadcaster publishing into hub
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub, now: time.Now}
}

func (b *Broadcaster) BroadcastEvent(tenantID string, payload interface{}) error {
	return b.broadcast(tenantID, TopicEvent, payload)
}

func (b *Broadcaster) BroadcastMetrics(tenantID string, payload interface{}) error {
	return b.broadcast(tenantID, TopicMetrics, payload)
}

func (b *Broadcaster) BroadcastSession(tenantID string, payload interface{}) error {
	return b.broadcast(tenantID, TopicSession, payload)
}

func (b *Broadcaster) broadcast(tenantID string, topic Topic, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", topic, err)
	}
	b.hub.Publish(Message{
		TenantID:  tenantID,
		Type:      topic,
		Data:      data,
		Timestamp: b.now().UTC(),
	})
	return nil
}
