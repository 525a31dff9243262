// Package segments is the server side of the segment/compose boundary: it
// stores uploaded per-shot video segments and composes a selection of them
// into one video laid out like the photo frame.
package segments

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidSegment = errors.New("invalid segment")
	ErrTooLarge       = errors.New("segment exceeds size limit")
)

// Segment is the index record of one uploaded shot video. Path is relative to
// the blob store root. Frames is zero when the client did not report it.
type Segment struct {
	RoomID      string        `json:"roomId"`
	CaptureID   string        `json:"captureId,omitempty"`
	UserID      string        `json:"userId"`
	Shot        int           `json:"shotNumber"`
	ContentType string        `json:"contentType"`
	Path        string        `json:"path"`
	Size        int64         `json:"size"`
	Duration    time.Duration `json:"duration"`
	Frames      int           `json:"frames,omitempty"`
	UploadedAt  time.Time     `json:"uploadedAt"`
}

// Index records which shots of a capture have been uploaded. Segments are
// keyed by (room, capture, shot); a later upload of the same key replaces the
// earlier one, and captures never see each other's segments.
type Index interface {
	Put(ctx context.Context, seg Segment) error
	// List returns the capture's live segments ordered by shot number.
	List(ctx context.Context, roomID, captureID string) ([]Segment, error)
	Close() error
}

// captureKey joins room and capture into one index key. Capture ids never
// contain '#', so the last '#' splits the key unambiguously.
func captureKey(roomID, captureID string) string {
	return roomID + "#" + captureID
}

func validSegment(seg Segment) error {
	if seg.RoomID == "" || seg.Shot <= 0 || seg.Path == "" {
		return ErrInvalidSegment
	}
	return nil
}
