// Package events publishes booth domain events to a message bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	SegmentUploaded = "segment.uploaded"
	VideoComposed   = "video.composed"
	ComposeFailed   = "compose.failed"
)

// Event is one domain occurrence. Data must be JSON-encodable.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	RoomID     string         `json:"roomId"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// New stamps an event with an id and the current time.
func New(typ, roomID string, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		RoomID:     roomID,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// Subject is the bus subject an event is published on.
func (e Event) Subject() string {
	return "events." + e.Type
}

func (e Event) encode() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	return json.Marshal(e)
}

// Publisher sends events. Publishing is best effort: callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
