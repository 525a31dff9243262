package session

import (
	"time"

	"github.com/ent0n29/pairbooth/internal/protocol"
)

// Snapshot is the read-only view of a side's session handed to presentation
// code and the HTTP API.
type Snapshot struct {
	ID             string                    `json:"sessionId"`
	RoomID         string                    `json:"roomId"`
	Role           protocol.Role             `json:"role"`
	HostID         string                    `json:"hostId,omitempty"`
	GuestID        string                    `json:"guestId,omitempty"`
	Phase          Phase                     `json:"phase"`
	LayoutID       string                    `json:"layoutId,omitempty"`
	TotalShots     int                       `json:"totalShots"`
	LastShot       int                       `json:"lastShot"`
	Settings       protocol.HostSettings     `json:"settings"`
	Selection      []int                     `json:"selection,omitempty"`
	CompletedCount int                       `json:"completedSessionCount"`
	CapturedShots  []int                     `json:"capturedShots,omitempty"`
	Artifact       *protocol.VideoFrameReady `json:"artifact,omitempty"`
	StartedAt      time.Time                 `json:"startedAt"`
}
