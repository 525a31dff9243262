package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEncodesEnvelope(t *testing.T) {
	e := New(SegmentUploaded, "room-1", map[string]any{"shot": 3})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "events.segment.uploaded", e.Subject())

	raw, err := e.encode()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "segment.uploaded", decoded["type"])
	assert.Equal(t, "room-1", decoded["roomId"])
	assert.EqualValues(t, 3, decoded["data"].(map[string]any)["shot"])
}

func TestEventWithoutTypeIsRejected(t *testing.T) {
	_, err := Event{RoomID: "room-1"}.encode()
	require.Error(t, err)
}

func TestNewPublisherWithoutURLIsNop(t *testing.T) {
	p, err := NewPublisher(context.Background(), " ", nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)
	require.NoError(t, p.Publish(context.Background(), New(VideoComposed, "r", nil)))
	require.NoError(t, p.Close())
}
