// Package layout holds frame layouts and resolves their ratio slots into pixel rectangles.
package layout

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrInvalidLayout = errors.New("invalid layout")

// Slot is one region of a layout expressed as ratios of the reference canvas.
type Slot struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	ZIndex int     `json:"zIndex"`
}

// FrameLayout is immutable once loaded.
type FrameLayout struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	SlotCount    int    `json:"slotCount"`
	Slots        []Slot `json:"slots"`
	OverlayURL   string `json:"overlayUrl,omitempty"`
	CanvasWidth  int    `json:"canvasWidth"`
	CanvasHeight int    `json:"canvasHeight"`
}

// Rect is a resolved slot in pixels. Index is the slot's position in the layout,
// which is also the position of the selected shot that fills it.
type Rect struct {
	Index  int `json:"index"`
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
	ZIndex int `json:"zIndex"`
}

// TotalShots is the number of shots captured for a layout: two candidates per slot.
func (l FrameLayout) TotalShots() int {
	return l.SlotCount * 2
}

func (l FrameLayout) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidLayout)
	}
	if l.SlotCount <= 0 || l.SlotCount != len(l.Slots) {
		return fmt.Errorf("%w: %s: slotCount %d does not match %d slots", ErrInvalidLayout, l.ID, l.SlotCount, len(l.Slots))
	}
	if l.CanvasWidth <= 0 || l.CanvasHeight <= 0 {
		return fmt.Errorf("%w: %s: canvas must be positive", ErrInvalidLayout, l.ID)
	}
	for i, s := range l.Slots {
		if !inUnit(s.X) || !inUnit(s.Y) || !inUnit(s.Width) || !inUnit(s.Height) {
			return fmt.Errorf("%w: %s: slot %d ratios outside [0,1]", ErrInvalidLayout, l.ID, i)
		}
		if s.X+s.Width > 1+1e-9 || s.Y+s.Height > 1+1e-9 {
			return fmt.Errorf("%w: %s: slot %d extends past the canvas", ErrInvalidLayout, l.ID, i)
		}
	}
	return nil
}

// Resolve converts the ratio slots into pixel rectangles for a w x h canvas.
// Widths and heights are rounded to the nearest even integer and x/y are
// rounded normally; every rectangle stays inside [0,w]x[0,h]. The result keeps
// layout order; use DrawOrder for painting.
func Resolve(l FrameLayout, w, h int) []Rect {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	out := make([]Rect, len(l.Slots))
	for i, s := range l.Slots {
		x := clampInt(int(math.Round(s.X*float64(w))), 0, w)
		y := clampInt(int(math.Round(s.Y*float64(h))), 0, h)
		rw := roundEven(s.Width * float64(w))
		rh := roundEven(s.Height * float64(h))
		if x+rw > w {
			rw = (w - x) &^ 1
		}
		if y+rh > h {
			rh = (h - y) &^ 1
		}
		out[i] = Rect{Index: i, X: x, Y: y, Width: rw, Height: rh, ZIndex: s.ZIndex}
	}
	return out
}

// DrawOrder returns rects sorted by ascending ZIndex; ties keep layout order.
func DrawOrder(rects []Rect) []Rect {
	out := append([]Rect(nil), rects...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ZIndex < out[j].ZIndex })
	return out
}

// FromPixels builds ratio slots from slots authored in reference-canvas pixels.
func FromPixels(refW, refH int, px []Rect) ([]Slot, error) {
	if refW <= 0 || refH <= 0 {
		return nil, fmt.Errorf("%w: reference canvas must be positive", ErrInvalidLayout)
	}
	slots := make([]Slot, len(px))
	for i, r := range px {
		slots[i] = Slot{
			X:      float64(r.X) / float64(refW),
			Y:      float64(r.Y) / float64(refH),
			Width:  float64(r.Width) / float64(refW),
			Height: float64(r.Height) / float64(refH),
			ZIndex: r.ZIndex,
		}
	}
	return slots, nil
}

func roundEven(v float64) int {
	if v <= 0 {
		return 0
	}
	return int(math.Round(v/2)) * 2
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}
