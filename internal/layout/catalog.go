package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("layout not found")

// Catalog is a read-only set of layouts keyed by id.
type Catalog struct {
	mu      sync.RWMutex
	layouts map[string]FrameLayout
}

// fileLayout accepts either ratio slots or pixel slots against the reference canvas.
type fileLayout struct {
	FrameLayout
	PixelSlots []Rect `json:"pixelSlots,omitempty"`
}

func NewCatalog(layouts ...FrameLayout) (*Catalog, error) {
	c := &Catalog{layouts: make(map[string]FrameLayout, len(layouts))}
	for _, l := range layouts {
		if err := l.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.layouts[l.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidLayout, l.ID)
		}
		l.Slots = append([]Slot(nil), l.Slots...)
		c.layouts[l.ID] = l
	}
	return c, nil
}

// LoadCatalog reads a JSON array of layouts. An empty path yields the built-in defaults.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(Defaults()...)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layouts: %w", err)
	}
	var entries []fileLayout
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse layouts: %w", err)
	}
	layouts := make([]FrameLayout, 0, len(entries))
	for _, e := range entries {
		l := e.FrameLayout
		if len(l.Slots) == 0 && len(e.PixelSlots) > 0 {
			slots, err := FromPixels(l.CanvasWidth, l.CanvasHeight, e.PixelSlots)
			if err != nil {
				return nil, fmt.Errorf("layout %s: %w", l.ID, err)
			}
			l.Slots = slots
		}
		if l.SlotCount == 0 {
			l.SlotCount = len(l.Slots)
		}
		layouts = append(layouts, l)
	}
	return NewCatalog(layouts...)
}

func (c *Catalog) Get(id string) (FrameLayout, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.layouts[id]
	if !ok {
		return FrameLayout{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	l.Slots = append([]Slot(nil), l.Slots...)
	return l, nil
}

func (c *Catalog) List() []FrameLayout {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]FrameLayout, 0, len(c.layouts))
	for _, l := range c.layouts {
		l.Slots = append([]Slot(nil), l.Slots...)
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Defaults are the layouts served when no LAYOUTS_FILE is configured.
func Defaults() []FrameLayout {
	return []FrameLayout{
		{
			ID: "single", Name: "Single", SlotCount: 1,
			CanvasWidth: 1280, CanvasHeight: 720,
			Slots: []Slot{{X: 0.05, Y: 0.05, Width: 0.9, Height: 0.9}},
		},
		{
			ID: "strip-2", Name: "Two-shot strip", SlotCount: 2,
			CanvasWidth: 600, CanvasHeight: 1800,
			Slots: []Slot{
				{X: 0.05, Y: 0.04, Width: 0.9, Height: 0.42},
				{X: 0.05, Y: 0.5, Width: 0.9, Height: 0.42, ZIndex: 1},
			},
		},
		{
			ID: "grid-4", Name: "Four-up grid", SlotCount: 4,
			CanvasWidth: 1200, CanvasHeight: 1800,
			Slots: []Slot{
				{X: 0.04, Y: 0.04, Width: 0.44, Height: 0.4},
				{X: 0.52, Y: 0.04, Width: 0.44, Height: 0.4},
				{X: 0.04, Y: 0.48, Width: 0.44, Height: 0.4},
				{X: 0.52, Y: 0.48, Width: 0.44, Height: 0.4},
			},
		},
	}
}
