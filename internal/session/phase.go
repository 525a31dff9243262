// Package session holds the booth session state machine. Host and Guest run
// the same reducer over the same ordered message stream, so both sides derive
// identical phases without sharing memory.
package session

import (
	"errors"
	"fmt"

	"github.com/ent0n29/pairbooth/internal/protocol"
)

type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseWaitingForGuest Phase = "waiting_for_guest"
	PhaseGuestConnected  Phase = "guest_connected"
	PhaseCapturing       Phase = "capturing"
	PhaseProcessing      Phase = "processing"
	PhaseCompleted       Phase = "completed"
)

var (
	// ErrPrecondition marks commands rejected before they reach the state
	// machine. They are reported to the initiating side only.
	ErrPrecondition = errors.New("precondition failed")
	// ErrInvalidTransition is returned by Reduce for messages the current
	// phase does not accept. The state is left unchanged.
	ErrInvalidTransition = errors.New("invalid transition")
)

// State is everything a side knows about the session, derived only from
// the messages it has applied.
type State struct {
	Phase    Phase                 `json:"phase"`
	GuestID  string                `json:"guestId,omitempty"`
	Settings protocol.HostSettings `json:"settings"`
	// LastShot is the highest shot that received capture-now in the current
	// capture session.
	LastShot int `json:"lastShot"`
	// Countdown is the last count seen for shot LastShot+1, or -1.
	Countdown int    `json:"countdown"`
	Selection []int  `json:"selection,omitempty"`
	VideoURL  string `json:"videoUrl,omitempty"`
	PhotoURL  string `json:"photoUrl,omitempty"`
}

// Initial is the state before the Host creates the session.
func Initial() State {
	return State{Phase: PhaseIdle, Countdown: -1, Settings: protocol.HostSettings{Timing: protocol.DefaultTiming()}}
}

// TotalShots is derived from the broadcast layout.
func (s State) TotalShots() int {
	return s.Settings.Layout.TotalShots()
}

// CaptureActive reports whether a capture sequence may be running.
func (s State) CaptureActive() bool {
	return s.Phase == PhaseCapturing
}

// Reduce applies one message. It is pure: the returned state depends only on
// s and msg. Settings messages are last-value-wins in every phase. A message
// the phase does not accept returns s unchanged with ErrInvalidTransition.
func Reduce(s State, msg protocol.Message) (State, error) {
	switch m := msg.(type) {
	case protocol.WaitingForGuest:
		next := resetCapture(s)
		next.Phase = PhaseWaitingForGuest
		next.GuestID = ""
		return next, nil

	case protocol.GuestJoined:
		if s.Phase != PhaseWaitingForGuest {
			return s, invalid(s, msg)
		}
		next := resetCapture(s)
		next.Phase = PhaseGuestConnected
		next.GuestID = m.GuestID
		next.Settings = m.HostSettings
		return next, nil

	case protocol.GuestLeft:
		switch s.Phase {
		case PhaseGuestConnected, PhaseCapturing, PhaseProcessing:
			next := resetCapture(s)
			next.Phase = PhaseWaitingForGuest
			next.GuestID = ""
			return next, nil
		case PhaseCompleted:
			s.GuestID = ""
			return s, nil
		default:
			return s, nil
		}

	case protocol.CountdownTick:
		switch {
		case s.Phase == PhaseGuestConnected && m.ShotNumber == 1:
			next := resetCapture(s)
			next.Phase = PhaseCapturing
			next.Countdown = m.Count
			return next, nil
		case s.Phase == PhaseCapturing && m.ShotNumber == s.LastShot+1:
			if s.Countdown >= 0 && m.Count >= s.Countdown {
				return s, invalid(s, msg)
			}
			s.Countdown = m.Count
			return s, nil
		default:
			return s, invalid(s, msg)
		}

	case protocol.CaptureNow:
		if s.Phase != PhaseCapturing || m.ShotNumber != s.LastShot+1 || s.Countdown != 0 {
			return s, invalid(s, msg)
		}
		s.LastShot = m.ShotNumber
		s.Countdown = -1
		if total := s.TotalShots(); total > 0 && s.LastShot >= total {
			s.Phase = PhaseProcessing
		}
		return s, nil

	case protocol.PhotosMerged, protocol.VideoFrameRequest:
		if s.Phase != PhaseProcessing {
			return s, invalid(s, msg)
		}
		if req, ok := m.(protocol.VideoFrameRequest); ok {
			s.Selection = append([]int(nil), req.SelectedShotNumbers...)
		}
		return s, nil

	case protocol.VideoFrameReady:
		if s.Phase != PhaseProcessing {
			return s, invalid(s, msg)
		}
		s.Phase = PhaseCompleted
		s.VideoURL = m.VideoURL
		s.PhotoURL = m.PhotoURL
		return s, nil

	case protocol.SessionRestart:
		if s.Phase != PhaseCompleted {
			return s, invalid(s, msg)
		}
		next := resetCapture(s)
		next.Phase = PhaseWaitingForGuest
		next.GuestID = ""
		return next, nil

	case protocol.HostLeft:
		return Initial(), nil

	case protocol.ChromaKeySettings:
		s.Settings.ChromaKey = m.Settings
		return s, nil
	case protocol.HostDisplayOptions:
		s.Settings.HostDisplay = m.Options
		return s, nil
	case protocol.GuestDisplayOptions:
		s.Settings.GuestDisplay = m.Options
		return s, nil
	case protocol.SessionSettings:
		s.Settings.Timing = m.Timing
		return s, nil
	case protocol.FrameLayoutSettings:
		if s.Phase == PhaseCapturing || s.Phase == PhaseProcessing {
			return s, invalid(s, msg)
		}
		s.Settings.Layout = m.Settings
		return s, nil

	case protocol.PhotoSelectSync:
		if s.Phase != PhaseProcessing {
			return s, invalid(s, msg)
		}
		if slots := s.Settings.Layout.SlotCount; slots > 0 && len(m.SelectedIndices) > slots {
			return s, fmt.Errorf("%w: %d selected for %d slots", ErrInvalidTransition, len(m.SelectedIndices), slots)
		}
		total := s.TotalShots()
		seen := make(map[int]bool, len(m.SelectedIndices))
		selection := make([]int, len(m.SelectedIndices))
		for i, idx := range m.SelectedIndices {
			if idx < 0 || (total > 0 && idx >= total) || seen[idx] {
				return s, fmt.Errorf("%w: selected index %d of %d shots", ErrInvalidTransition, idx, total)
			}
			seen[idx] = true
			selection[i] = idx + 1
		}
		s.Selection = selection
		return s, nil

	case protocol.Join, protocol.JoinRejected, protocol.Error:
		// Routing and reporting only; they never move the phase.
		return s, nil

	default:
		return s, fmt.Errorf("%w: unhandled message %T", ErrInvalidTransition, msg)
	}
}

func resetCapture(s State) State {
	s.LastShot = 0
	s.Countdown = -1
	s.Selection = nil
	s.VideoURL = ""
	s.PhotoURL = ""
	return s
}

func invalid(s State, msg protocol.Message) error {
	return fmt.Errorf("%w: %s in phase %s", ErrInvalidTransition, msg.Kind(), s.Phase)
}
