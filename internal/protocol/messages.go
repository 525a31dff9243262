package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/pairbooth/internal/chromakey"
	"github.com/ent0n29/pairbooth/internal/layout"
)

// MessageType identifies signaling payload variants.
type MessageType string

const (
	TypeJoin                MessageType = "join"
	TypeGuestJoined         MessageType = "guest-joined"
	TypeGuestLeft           MessageType = "guest-left"
	TypeWaitingForGuest     MessageType = "waiting-for-guest"
	TypeChromaKeySettings   MessageType = "chromakey-settings"
	TypeHostDisplayOptions  MessageType = "host-display-options"
	TypeGuestDisplayOptions MessageType = "guest-display-options"
	TypeFrameLayoutSettings MessageType = "frame-layout-settings"
	TypeCountdownTick       MessageType = "countdown-tick"
	TypeCaptureNow          MessageType = "capture-now"
	TypePhotosMerged        MessageType = "photos-merged"
	TypeVideoFrameRequest   MessageType = "video-frame-request"
	TypeVideoFrameReady     MessageType = "video-frame-ready"
	TypeSessionRestart      MessageType = "session-restart"
	TypeSessionSettings     MessageType = "session-settings"
	TypePhotoSelectSync     MessageType = "photo-select-sync"
	TypeJoinRejected        MessageType = "join-rejected"
	TypeHostLeft            MessageType = "host-left"
	TypeError               MessageType = "error"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

// Role is the side a participant plays in a room.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleGuest
}

// Message is implemented by every signaling payload.
type Message interface {
	Kind() MessageType
	Room() string
}

// Envelope is the routing view of any message.
type Envelope struct {
	Type   MessageType `json:"type"`
	RoomID string      `json:"roomId"`
}

// Header is embedded by every message. The type field is written by Encode.
type Header struct {
	RoomID string `json:"roomId"`
}

func (h Header) Room() string { return h.RoomID }

// DisplayOptions are the per-side display flags.
type DisplayOptions struct {
	MirrorHorizontal bool `json:"mirrorHorizontal"`
}

// Timing is the capture cadence chosen by the Host.
type Timing struct {
	RecordingDurationSec int `json:"recordingDurationSec"`
	CaptureIntervalSec   int `json:"captureIntervalSec"`
}

func DefaultTiming() Timing {
	return Timing{RecordingDurationSec: 5, CaptureIntervalSec: 2}
}

// LayoutSettings carries the selected layout in full so the Guest can resolve
// slots without a catalog lookup.
type LayoutSettings struct {
	LayoutID  string             `json:"layoutId"`
	SlotCount int                `json:"slotCount"`
	Layout    layout.FrameLayout `json:"layout"`
}

// TotalShots is two candidate shots per slot.
func (s LayoutSettings) TotalShots() int {
	return s.SlotCount * 2
}

// HostSettings is the full settings snapshot the Host rebroadcasts.
type HostSettings struct {
	ChromaKey    chromakey.Settings `json:"chromaKey"`
	HostDisplay  DisplayOptions     `json:"hostDisplay"`
	GuestDisplay DisplayOptions     `json:"guestDisplay"`
	Layout       LayoutSettings     `json:"layout"`
	Timing       Timing             `json:"timing"`
}

// MergedPhoto is one client-merged shot; Image is a JPEG data URL.
type MergedPhoto struct {
	ShotNumber int    `json:"shotNumber"`
	Image      string `json:"image"`
}

type Join struct {
	Header
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

type GuestJoined struct {
	Header
	GuestID      string       `json:"guestId"`
	HostSettings HostSettings `json:"hostSettings"`
}

type GuestLeft struct {
	Header
	GuestID string `json:"guestId"`
}

type WaitingForGuest struct {
	Header
}

type ChromaKeySettings struct {
	Header
	Settings chromakey.Settings `json:"settings"`
}

type HostDisplayOptions struct {
	Header
	Options DisplayOptions `json:"options"`
}

type GuestDisplayOptions struct {
	Header
	Options DisplayOptions `json:"options"`
}

type FrameLayoutSettings struct {
	Header
	Settings LayoutSettings `json:"settings"`
}

// CountdownTick carries the Host's capture id so both sides tag the capture's
// segments alike.
type CountdownTick struct {
	Header
	CaptureID  string `json:"captureId,omitempty"`
	ShotNumber int    `json:"shotNumber"`
	Count      int    `json:"count"`
}

type CaptureNow struct {
	Header
	ShotNumber int `json:"shotNumber"`
}

type PhotosMerged struct {
	Header
	Photos []MergedPhoto `json:"photos"`
}

type VideoFrameRequest struct {
	Header
	SelectedShotNumbers []int `json:"selectedShotNumbers"`
}

type VideoFrameReady struct {
	Header
	VideoURL string `json:"videoUrl"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

type SessionRestart struct {
	Header
}

type SessionSettings struct {
	Header
	Timing
}

type PhotoSelectSync struct {
	Header
	SelectedIndices []int `json:"selectedIndices"`
}

type JoinRejected struct {
	Header
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

type HostLeft struct {
	Header
}

type Error struct {
	Header
	Code      string `json:"code"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (Join) Kind() MessageType                { return TypeJoin }
func (GuestJoined) Kind() MessageType         { return TypeGuestJoined }
func (GuestLeft) Kind() MessageType           { return TypeGuestLeft }
func (WaitingForGuest) Kind() MessageType     { return TypeWaitingForGuest }
func (ChromaKeySettings) Kind() MessageType   { return TypeChromaKeySettings }
func (HostDisplayOptions) Kind() MessageType  { return TypeHostDisplayOptions }
func (GuestDisplayOptions) Kind() MessageType { return TypeGuestDisplayOptions }
func (FrameLayoutSettings) Kind() MessageType { return TypeFrameLayoutSettings }
func (CountdownTick) Kind() MessageType       { return TypeCountdownTick }
func (CaptureNow) Kind() MessageType          { return TypeCaptureNow }
func (PhotosMerged) Kind() MessageType        { return TypePhotosMerged }
func (VideoFrameRequest) Kind() MessageType   { return TypeVideoFrameRequest }
func (VideoFrameReady) Kind() MessageType     { return TypeVideoFrameReady }
func (SessionRestart) Kind() MessageType      { return TypeSessionRestart }
func (SessionSettings) Kind() MessageType     { return TypeSessionSettings }
func (PhotoSelectSync) Kind() MessageType     { return TypePhotoSelectSync }
func (JoinRejected) Kind() MessageType        { return TypeJoinRejected }
func (HostLeft) Kind() MessageType            { return TypeHostLeft }
func (Error) Kind() MessageType               { return TypeError }

// Encode marshals m with its type discriminator as the first field.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s is not a JSON object", ErrInvalidMessage, m.Kind())
	}
	typ, _ := json.Marshal(string(m.Kind()))
	out := make([]byte, 0, len(body)+len(typ)+9)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// PeekEnvelope reads only the routing fields of raw.
func PeekEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return env, nil
}

// Parse decodes raw into its concrete message type and checks required fields.
func Parse(raw []byte) (Message, error) {
	env, err := PeekEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeJoin:
		msg, err := decode[Join](raw)
		if err != nil {
			return nil, err
		}
		if msg.UserID == "" || !msg.Role.Valid() {
			return nil, fmt.Errorf("%w: join needs userId and role", ErrInvalidMessage)
		}
		return msg, nil
	case TypeGuestJoined:
		msg, err := decode[GuestJoined](raw)
		if err != nil {
			return nil, err
		}
		if msg.GuestID == "" {
			return nil, fmt.Errorf("%w: guest-joined needs guestId", ErrInvalidMessage)
		}
		return msg, nil
	case TypeGuestLeft:
		return decodeAs[GuestLeft](raw)
	case TypeWaitingForGuest:
		return decodeAs[WaitingForGuest](raw)
	case TypeChromaKeySettings:
		return decodeAs[ChromaKeySettings](raw)
	case TypeHostDisplayOptions:
		return decodeAs[HostDisplayOptions](raw)
	case TypeGuestDisplayOptions:
		return decodeAs[GuestDisplayOptions](raw)
	case TypeFrameLayoutSettings:
		msg, err := decode[FrameLayoutSettings](raw)
		if err != nil {
			return nil, err
		}
		if msg.Settings.SlotCount <= 0 {
			return nil, fmt.Errorf("%w: frame-layout-settings needs slotCount", ErrInvalidMessage)
		}
		return msg, nil
	case TypeCountdownTick:
		msg, err := decode[CountdownTick](raw)
		if err != nil {
			return nil, err
		}
		if msg.ShotNumber <= 0 || msg.Count < 0 {
			return nil, fmt.Errorf("%w: countdown-tick shot=%d count=%d", ErrInvalidMessage, msg.ShotNumber, msg.Count)
		}
		return msg, nil
	case TypeCaptureNow:
		msg, err := decode[CaptureNow](raw)
		if err != nil {
			return nil, err
		}
		if msg.ShotNumber <= 0 {
			return nil, fmt.Errorf("%w: capture-now shot=%d", ErrInvalidMessage, msg.ShotNumber)
		}
		return msg, nil
	case TypePhotosMerged:
		return decodeAs[PhotosMerged](raw)
	case TypeVideoFrameRequest:
		return decodeAs[VideoFrameRequest](raw)
	case TypeVideoFrameReady:
		return decodeAs[VideoFrameReady](raw)
	case TypeSessionRestart:
		return decodeAs[SessionRestart](raw)
	case TypeSessionSettings:
		msg, err := decode[SessionSettings](raw)
		if err != nil {
			return nil, err
		}
		if msg.RecordingDurationSec < 0 || msg.CaptureIntervalSec < 0 {
			return nil, fmt.Errorf("%w: negative session timing", ErrInvalidMessage)
		}
		return msg, nil
	case TypePhotoSelectSync:
		return decodeAs[PhotoSelectSync](raw)
	case TypeJoinRejected:
		return decodeAs[JoinRejected](raw)
	case TypeHostLeft:
		return decodeAs[HostLeft](raw)
	case TypeError:
		return decodeAs[Error](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

func decode[T Message](raw []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

func decodeAs[T Message](raw []byte) (Message, error) {
	msg, err := decode[T](raw)
	if err != nil {
		return nil, err
	}
	return msg, nil
}
