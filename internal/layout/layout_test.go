package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEvenDimensionsWithinCanvas(t *testing.T) {
	sizes := [][2]int{{1280, 720}, {1920, 1080}, {641, 479}, {333, 777}, {1, 1}, {0, 0}, {1001, 3}}
	for _, l := range Defaults() {
		for _, sz := range sizes {
			w, h := sz[0], sz[1]
			rects := Resolve(l, w, h)
			require.Len(t, rects, l.SlotCount, "layout %s %dx%d", l.ID, w, h)
			for _, r := range rects {
				assert.Zero(t, r.Width%2, "odd width %+v", r)
				assert.Zero(t, r.Height%2, "odd height %+v", r)
				assert.GreaterOrEqual(t, r.X, 0)
				assert.GreaterOrEqual(t, r.Y, 0)
				assert.LessOrEqual(t, r.X+r.Width, w, "rect %+v exceeds width %d", r, w)
				assert.LessOrEqual(t, r.Y+r.Height, h, "rect %+v exceeds height %d", r, h)
			}
		}
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	l := Defaults()[2]
	a := Resolve(l, 1283, 1917)
	b := Resolve(l, 1283, 1917)
	assert.Equal(t, a, b)
}

func TestResolveRounding(t *testing.T) {
	l := FrameLayout{
		ID: "t", SlotCount: 1, CanvasWidth: 100, CanvasHeight: 100,
		Slots: []Slot{{X: 0.125, Y: 0.25, Width: 0.5, Height: 0.3125}},
	}
	rects := Resolve(l, 100, 100)
	require.Len(t, rects, 1)
	// x 12.5 rounds to 13; height 31.25 goes to the nearest even, 32.
	assert.Equal(t, Rect{Index: 0, X: 13, Y: 25, Width: 50, Height: 32}, rects[0])
}

func TestResolveClampsFullBleedSlots(t *testing.T) {
	l := FrameLayout{
		ID: "full", SlotCount: 1, CanvasWidth: 10, CanvasHeight: 10,
		Slots: []Slot{{X: 0, Y: 0, Width: 1, Height: 1}},
	}
	rects := Resolve(l, 101, 99)
	assert.Equal(t, 100, rects[0].Width)
	assert.Equal(t, 98, rects[0].Height)
}

func TestDrawOrderSortsByZIndexStable(t *testing.T) {
	rects := []Rect{{Index: 0, ZIndex: 2}, {Index: 1, ZIndex: 0}, {Index: 2, ZIndex: 2}, {Index: 3, ZIndex: 1}}
	got := DrawOrder(rects)
	var order []int
	for _, r := range got {
		order = append(order, r.Index)
	}
	assert.Equal(t, []int{1, 3, 0, 2}, order)
	assert.Equal(t, 0, rects[0].Index, "input must not be reordered")
}

func TestValidateRejectsMismatchedSlotCount(t *testing.T) {
	l := FrameLayout{ID: "x", SlotCount: 2, CanvasWidth: 10, CanvasHeight: 10, Slots: []Slot{{Width: 1, Height: 1}}}
	require.ErrorIs(t, l.Validate(), ErrInvalidLayout)
}

func TestValidateRejectsOverflowingSlot(t *testing.T) {
	l := FrameLayout{ID: "x", SlotCount: 1, CanvasWidth: 10, CanvasHeight: 10, Slots: []Slot{{X: 0.5, Width: 0.6, Height: 1}}}
	require.ErrorIs(t, l.Validate(), ErrInvalidLayout)
}

func TestLoadCatalogFromPixelSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layouts.json")
	raw := `[{"id":"px","canvasWidth":200,"canvasHeight":100,
		"pixelSlots":[{"x":0,"y":0,"width":100,"height":100},{"x":100,"y":0,"width":100,"height":100,"zIndex":1}]}]`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	l, err := c.Get("px")
	require.NoError(t, err)
	assert.Equal(t, 2, l.SlotCount)
	assert.Equal(t, 4, l.TotalShots())
	assert.InDelta(t, 0.5, l.Slots[1].X, 1e-9)

	rects := Resolve(l, 400, 200)
	assert.Equal(t, Rect{Index: 1, X: 200, Y: 0, Width: 200, Height: 200, ZIndex: 1}, rects[1])
}

func TestCatalogGetUnknown(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	_, err = c.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, c.List(), len(Defaults()))
}
