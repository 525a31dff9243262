package chromakey

import (
	"encoding/json"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/pairbooth/internal/media"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestApplyExactKeyIsTransparent(t *testing.T) {
	for sim := 1.0; sim <= 100; sim += 7 {
		for smooth := 0.0; smooth <= 100; smooth += 10 {
			img := solid(2, 2, color.NRGBA{G: 255, A: 255})
			Apply(img, Settings{Enabled: true, Color: Green, Similarity: sim, Smoothness: smooth})
			require.Equal(t, uint8(0), img.NRGBAAt(1, 1).A, "similarity=%v smoothness=%v", sim, smooth)
		}
	}
}

func TestApplyFarColorsStayOpaque(t *testing.T) {
	// Black is at distance 255 from pure green; anything at or past the
	// threshold keeps its alpha.
	for sim := 0.0; sim <= 100; sim += 5 {
		for smooth := 0.0; smooth <= 100; smooth += 25 {
			img := solid(2, 2, color.NRGBA{A: 255})
			Apply(img, Settings{Enabled: true, Color: Green, Similarity: sim, Smoothness: smooth})
			require.Equal(t, uint8(255), img.NRGBAAt(0, 0).A)
		}
	}
}

func TestApplyDistanceAtThresholdIsOpaque(t *testing.T) {
	s := Settings{Enabled: true, Color: Green, Similarity: 30, Smoothness: 40}
	// distance exactly 60 == similarity*2
	img := solid(1, 1, color.NRGBA{R: 60, G: 255, A: 255})
	Apply(img, s)
	assert.Equal(t, uint8(255), img.NRGBAAt(0, 0).A)
}

func TestApplyFeatherRamp(t *testing.T) {
	// threshold 100, feather 50: ramp covers distances [50,100).
	s := Settings{Enabled: true, Color: Color{}, Similarity: 50, Smoothness: 100}
	cases := []struct {
		r    uint8
		want uint8
	}{
		{49, 0},
		{50, 0},
		{75, 127},
		{99, 249},
		{100, 255},
	}
	for _, tc := range cases {
		img := solid(1, 1, color.NRGBA{R: tc.r, A: 255})
		Apply(img, s)
		assert.Equal(t, tc.want, img.NRGBAAt(0, 0).A, "distance %d", tc.r)
	}
}

func TestApplyDisabledIsNoop(t *testing.T) {
	img := solid(1, 1, color.NRGBA{G: 255, A: 255})
	Apply(img, Settings{Enabled: false, Color: Green, Similarity: 100})
	assert.Equal(t, uint8(255), img.NRGBAAt(0, 0).A)
}

func TestProcessorReusesOutputWithoutNewFrame(t *testing.T) {
	mb := media.NewMailbox()
	p := NewProcessor(DefaultSettings())

	_, ok := p.Process(mb)
	require.False(t, ok)

	mb.Publish(solid(4, 4, color.NRGBA{G: 255, A: 255}))
	first, ok := p.Process(mb)
	require.True(t, ok)
	assert.Equal(t, uint8(0), first.NRGBAAt(0, 0).A)

	again, ok := p.Process(mb)
	require.True(t, ok)
	assert.Same(t, first, again)
}

func TestProcessorResizesOnResolutionChange(t *testing.T) {
	mb := media.NewMailbox()
	p := NewProcessor(DefaultSettings())

	mb.Publish(solid(4, 4, color.NRGBA{R: 255, A: 255}))
	out, ok := p.Process(mb)
	require.True(t, ok)
	assert.Equal(t, 4, out.Rect.Dx())

	mb.Publish(solid(8, 6, color.NRGBA{R: 255, A: 255}))
	out, ok = p.Process(mb)
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 8, 6), out.Rect)
	assert.Equal(t, uint8(255), out.NRGBAAt(7, 5).A)
}

func TestProcessorDisabledPassesSourceThrough(t *testing.T) {
	mb := media.NewMailbox()
	src := solid(2, 2, color.NRGBA{G: 255, A: 255})
	mb.Publish(src)

	p := NewProcessor(Settings{Enabled: false})
	out, ok := p.Process(mb)
	require.True(t, ok)
	assert.Same(t, src, out)

	p.SetSettings(DefaultSettings())
	out, ok = p.Process(mb)
	require.True(t, ok)
	assert.NotSame(t, src, out, "keying must never write into the shared source frame")
	assert.Equal(t, uint8(255), src.NRGBAAt(0, 0).A)
	assert.Equal(t, uint8(0), out.NRGBAAt(0, 0).A)
}

func TestProcessorResetForgetsDepartedPeer(t *testing.T) {
	mb := media.NewMailbox()
	p := NewProcessor(DefaultSettings())
	mb.Publish(solid(4, 4, color.NRGBA{R: 255, A: 255}))
	_, ok := p.Process(mb)
	require.True(t, ok)

	mb.Reset()
	p.Reset()
	out, ok := p.Process(mb)
	assert.False(t, ok)
	assert.Nil(t, out)

	mb.Publish(solid(4, 4, color.NRGBA{B: 255, A: 255}))
	out, ok = p.Process(mb)
	require.True(t, ok)
	assert.Equal(t, uint8(255), out.NRGBAAt(0, 0).B)
}

func TestSettingsJSONColor(t *testing.T) {
	raw, err := json.Marshal(Settings{Enabled: true, Color: Color{R: 0x12, G: 0xab, B: 0x00}, Similarity: 10})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"color":"#12ab00"`)

	var s Settings
	require.NoError(t, json.Unmarshal([]byte(`{"enabled":true,"color":"#00FF00","similarity":150,"smoothness":-3}`), &s))
	assert.Equal(t, Green, s.Color)
	c := s.Clamped()
	assert.Equal(t, 100.0, c.Similarity)
	assert.Equal(t, 0.0, c.Smoothness)
}

func BenchmarkApply720p(b *testing.B) {
	img := solid(1280, 720, color.NRGBA{R: 20, G: 200, B: 30, A: 255})
	s := DefaultSettings()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Apply(img, s)
	}
}
