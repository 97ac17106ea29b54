package kafka

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event represents a generic service event
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Event types emitted by the publishing scheduler.
const (
	EventPostPublished       = "post.published"
	EventPostFailed          = "post.failed"
	EventPublishRunCompleted = "publish_run.completed"
)

// NewEvent builds an event envelope with a fresh ID and timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ProduceEvent marshals and produces an event keyed by its ID.
func (p *Producer) ProduceEvent(topic string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.Produce(topic, []byte(event.ID), payload, map[string]string{
		"event_type": event.Type,
	})
}
