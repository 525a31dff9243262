package capture

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/pairbooth/internal/protocol"
)

var (
	ErrShotOutOfRange = errors.New("shot number out of range")
	ErrDuplicateShot  = errors.New("shot already captured")
	ErrAborted        = errors.New("capture session aborted")
)

// PhotoCapture is one shot. It is complete only when both layers exist.
type PhotoCapture struct {
	Shot       int
	HostLayer  image.Image
	GuestLayer image.Image
	Composite  image.Image
	CapturedAt time.Time
}

func (p PhotoCapture) Complete() bool {
	return p.HostLayer != nil && p.GuestLayer != nil
}

// Session is one capture run bound to a booth session. At most one is in
// flight per booth session.
type Session struct {
	mu sync.Mutex

	id        string
	slotCount int
	timing    protocol.Timing
	photos    map[int]*PhotoCapture
	aborted   bool
	startedAt time.Time
}

func NewSession(slotCount int, timing protocol.Timing) *Session {
	return NewSessionWithID("", slotCount, timing)
}

// NewSessionWithID joins a capture started elsewhere, e.g. the Guest's copy of
// the Host's capture. An empty id gets a fresh one.
func NewSessionWithID(id string, slotCount int, timing protocol.Timing) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		id:        id,
		slotCount: slotCount,
		timing:    timing,
		photos:    make(map[int]*PhotoCapture, slotCount*2),
		startedAt: time.Now().UTC(),
	}
}

func (s *Session) ID() string              { return s.id }
func (s *Session) SlotCount() int          { return s.slotCount }
func (s *Session) TotalShots() int         { return s.slotCount * 2 }
func (s *Session) Timing() protocol.Timing { return s.timing }

// Record stores the layers captured for shot. Layers arriving separately may
// be recorded in several calls; a layer that is already present is an error.
func (s *Session) Record(shot int, host, guest, composite image.Image) error {
	if shot < 1 || shot > s.TotalShots() {
		return fmt.Errorf("%w: %d not in 1..%d", ErrShotOutOfRange, shot, s.TotalShots())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return ErrAborted
	}
	p, ok := s.photos[shot]
	if !ok {
		p = &PhotoCapture{Shot: shot, CapturedAt: time.Now().UTC()}
		s.photos[shot] = p
	}
	if (host != nil && p.HostLayer != nil) || (guest != nil && p.GuestLayer != nil) {
		return fmt.Errorf("%w: %d", ErrDuplicateShot, shot)
	}
	if host != nil {
		p.HostLayer = host
	}
	if guest != nil {
		p.GuestLayer = guest
	}
	if composite != nil {
		p.Composite = composite
	}
	return nil
}

func (s *Session) Photo(shot int) (PhotoCapture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.photos[shot]
	if !ok {
		return PhotoCapture{}, false
	}
	return *p, true
}

// CompleteShots lists shots with both layers, ascending.
func (s *Session) CompleteShots() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.photos))
	for shot, p := range s.photos {
		if p.Complete() {
			out = append(out, shot)
		}
	}
	sort.Ints(out)
	return out
}

// Abort discards every shot and rejects further records.
func (s *Session) Abort() {
	s.mu.Lock()
	s.aborted = true
	s.photos = make(map[int]*PhotoCapture)
	s.mu.Unlock()
}

func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}
