// Package media defines the frame sources every render surface reads from.
package media

import (
	"image"
	"image/draw"
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one decoded video frame. Image MUST NOT be modified once the frame
// has been published; readers share it by reference.
type Frame struct {
	Image      *image.NRGBA
	Seq        uint64
	CapturedAt time.Time
}

// Source yields the most recent frame without blocking. ok is false until the
// first frame arrives.
type Source interface {
	Latest() (Frame, bool)
}

// Mailbox is a single-slot Source: each Publish overwrites the previous frame.
type Mailbox struct {
	mu    sync.Mutex
	frame Frame
	has   bool
	seq   uint64
	drops atomic.Uint64
	read  bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{}
}

func (m *Mailbox) Publish(img *image.NRGBA) {
	if img == nil {
		return
	}
	m.mu.Lock()
	if m.has && !m.read {
		m.drops.Add(1)
	}
	m.seq++
	m.frame = Frame{Image: img, Seq: m.seq, CapturedAt: time.Now()}
	m.has = true
	m.read = false
	m.mu.Unlock()
}

func (m *Mailbox) Latest() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.has {
		return Frame{}, false
	}
	m.read = true
	return m.frame, true
}

// Reset forgets the current frame, e.g. when a peer's track goes away.
func (m *Mailbox) Reset() {
	m.mu.Lock()
	m.frame = Frame{}
	m.has = false
	m.read = false
	m.mu.Unlock()
}

// Drops counts frames overwritten before anyone read them.
func (m *Mailbox) Drops() uint64 {
	return m.drops.Load()
}

// ToNRGBA converts img into a freshly allocated NRGBA with origin (0,0).
func ToNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Clone copies img into a new NRGBA.
func Clone(img *image.NRGBA) *image.NRGBA {
	if img == nil {
		return nil
	}
	out := &image.NRGBA{
		Pix:    append([]uint8(nil), img.Pix...),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	return out
}
