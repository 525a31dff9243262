package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrGuestAlreadyPresent rejects a second concurrent guest.
var ErrGuestAlreadyPresent = fmt.Errorf("%w: another guest is already in the session", ErrPrecondition)

var errNoGuestID = errors.New("guest id is required")

// GuestLifecycle admits one guest at a time and counts completed sessions.
type GuestLifecycle struct {
	mu        sync.Mutex
	current   string
	completed int
}

func NewGuestLifecycle() *GuestLifecycle {
	return &GuestLifecycle{}
}

// Admit accepts id when no other guest is present. Re-admitting the current
// guest is a no-op.
func (g *GuestLifecycle) Admit(id string) error {
	if id == "" {
		return fmt.Errorf("%w: %v", ErrPrecondition, errNoGuestID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != "" && g.current != id {
		return fmt.Errorf("%w (current %s)", ErrGuestAlreadyPresent, g.current)
	}
	g.current = id
	return nil
}

// Leave clears the current guest if it matches id. An empty id clears any
// guest. It reports whether a guest was removed.
func (g *GuestLifecycle) Leave(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == "" || (id != "" && id != g.current) {
		return false
	}
	g.current = ""
	return true
}

// PrepareNext closes out a completed session and returns the new count.
func (g *GuestLifecycle) PrepareNext() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = ""
	g.completed++
	return g.completed
}

func (g *GuestLifecycle) Current() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current, g.current != ""
}

func (g *GuestLifecycle) CompletedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.completed
}
