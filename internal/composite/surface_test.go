package composite

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/pairbooth/internal/chromakey"
	"github.com/ent0n29/pairbooth/internal/media"
)

var (
	red   = color.NRGBA{R: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
	blue  = color.NRGBA{B: 255, A: 255}
)

func fill(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// leftSubject is green with a blue block covering the left quarter.
func leftSubject(w, h int) *image.NRGBA {
	img := fill(w, h, green)
	for y := 0; y < h; y++ {
		for x := 0; x < w/4; x++ {
			img.SetNRGBA(x, y, blue)
		}
	}
	return img
}

func rgbaAt(img *image.RGBA, x, y int) color.RGBA {
	return img.RGBAAt(x, y)
}

func TestRenderWaitsForBackground(t *testing.T) {
	bg := media.NewMailbox()
	s := New(Preview, 8, 8, bg, nil, nil)
	_, ok := s.Render()
	assert.False(t, ok)

	bg.Publish(fill(16, 16, red))
	out, ok := s.Render()
	require.True(t, ok)
	assert.Equal(t, color.RGBA{R: 255, A: 255}, rgbaAt(out, 4, 4))
}

func TestRenderKeysForegroundOverBackground(t *testing.T) {
	bg, fg := media.NewMailbox(), media.NewMailbox()
	bg.Publish(fill(32, 32, red))
	fg.Publish(leftSubject(32, 32))

	s := New(Record, 32, 32, bg, fg, chromakey.NewProcessor(chromakey.DefaultSettings()))
	out, ok := s.Render()
	require.True(t, ok)

	assert.Equal(t, color.RGBA{B: 255, A: 255}, rgbaAt(out, 2, 16), "subject stays")
	assert.Equal(t, color.RGBA{R: 255, A: 255}, rgbaAt(out, 28, 16), "green screen shows background")
}

func TestRenderMirrorsForegroundIndependently(t *testing.T) {
	bg, fg := media.NewMailbox(), media.NewMailbox()
	bg.Publish(fill(32, 32, red))
	fg.Publish(leftSubject(32, 32))

	s := New(Record, 32, 32, bg, fg, chromakey.NewProcessor(chromakey.DefaultSettings()))
	s.SetOptions(Options{ForegroundMirror: true})
	out, ok := s.Render()
	require.True(t, ok)
	assert.Equal(t, color.RGBA{B: 255, A: 255}, rgbaAt(out, 29, 16))
	assert.Equal(t, color.RGBA{R: 255, A: 255}, rgbaAt(out, 2, 16))
}

func TestRenderHonoursKeySettingsMirror(t *testing.T) {
	bg, fg := media.NewMailbox(), media.NewMailbox()
	bg.Publish(fill(32, 32, red))
	fg.Publish(leftSubject(32, 32))

	ks := chromakey.DefaultSettings()
	ks.Mirror = true
	s := New(Record, 32, 32, bg, fg, chromakey.NewProcessor(ks))
	out, ok := s.Render()
	require.True(t, ok)
	assert.Equal(t, color.RGBA{B: 255, A: 255}, rgbaAt(out, 29, 16))
}

func TestRecordSurfaceIgnoresBlur(t *testing.T) {
	bg, fg := media.NewMailbox(), media.NewMailbox()
	bg.Publish(fill(32, 32, red))
	fg.Publish(leftSubject(32, 32))

	rec := New(Record, 32, 32, bg, fg, chromakey.NewProcessor(chromakey.DefaultSettings()))
	rec.SetOptions(Options{BlurRadius: 9})
	assert.Zero(t, rec.Options().BlurRadius)

	prev := New(Preview, 32, 32, bg, fg, chromakey.NewProcessor(chromakey.DefaultSettings()))
	prev.SetOptions(Options{BlurRadius: 9})

	r, _ := rec.Snapshot()
	p, _ := prev.Snapshot()
	// Right at the subject edge the blurred preview mixes blue into red.
	assert.Equal(t, color.RGBA{R: 255, A: 255}, rgbaAt(r, 8, 16))
	assert.NotEqual(t, rgbaAt(r, 8, 16), rgbaAt(p, 8, 16))
}

func TestOverlayDrawnLast(t *testing.T) {
	bg, fg := media.NewMailbox(), media.NewMailbox()
	bg.Publish(fill(16, 16, red))
	fg.Publish(fill(16, 16, blue))

	overlay := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		overlay.SetNRGBA(x, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		overlay.SetNRGBA(x, 1, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	}
	s := New(Record, 16, 16, bg, fg, chromakey.NewProcessor(chromakey.DefaultSettings()))
	s.SetOverlay(overlay)

	out, ok := s.Render()
	require.True(t, ok)
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, rgbaAt(out, 8, 1))
	assert.Equal(t, color.RGBA{B: 255, A: 255}, rgbaAt(out, 8, 14))
}

func TestSnapshotIsPrivateCopy(t *testing.T) {
	bg := media.NewMailbox()
	bg.Publish(fill(8, 8, red))
	s := New(Record, 8, 8, bg, nil, nil)

	snap, ok := s.Snapshot()
	require.True(t, ok)
	bg.Publish(fill(8, 8, blue))
	_, _ = s.Render()
	assert.Equal(t, color.RGBA{R: 255, A: 255}, rgbaAt(snap, 0, 0))
}

func TestCoverCropKeepsAspect(t *testing.T) {
	wide := image.Rect(0, 0, 1920, 1080)
	crop := CoverCrop(wide, image.Rect(0, 0, 100, 100))
	assert.Equal(t, image.Rect(420, 0, 1500, 1080), crop)

	tall := image.Rect(0, 0, 600, 1800)
	crop = CoverCrop(tall, image.Rect(0, 0, 400, 300))
	assert.Equal(t, image.Rect(0, 675, 600, 1125), crop)

	assert.True(t, CoverCrop(wide, image.Rectangle{}).Empty())
}

func TestMirrorHorizontal(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 1, A: 255})
	img.SetRGBA(2, 0, color.RGBA{B: 3, A: 255})
	MirrorHorizontal(img)
	assert.Equal(t, color.RGBA{B: 3, A: 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 1, A: 255}, img.RGBAAt(2, 0))
}

func BenchmarkRenderPreview720p(b *testing.B) {
	bg, fg := media.NewMailbox(), media.NewMailbox()
	s := New(Preview, 1280, 720, bg, fg, chromakey.NewProcessor(chromakey.DefaultSettings()))
	s.SetOptions(Options{BlurRadius: 6})
	hostGen := media.ColorBars(1280, 720)
	guestGen := media.KeyedSubject(1280, 720, green, blue)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bg.Publish(hostGen(i))
		fg.Publish(guestGen(i))
		s.Render()
	}
}
