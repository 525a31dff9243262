package chromakey

import (
	"image"
	"sync"

	"github.com/ent0n29/pairbooth/internal/media"
)

// Apply keys img in place. Pixels closer than the threshold minus the feather
// band become fully transparent, pixels inside the band get a linear alpha
// ramp, everything else keeps its alpha. The band is capped at the threshold
// so the exact key color is always transparent.
func Apply(img *image.NRGBA, s Settings) {
	if img == nil || !s.Enabled {
		return
	}
	s = s.Clamped()
	threshold := s.Similarity * 2
	feather := s.Smoothness * 0.5
	if feather > threshold {
		feather = threshold
	}
	lo := threshold - feather
	kr, kg, kb := int(s.Color.R), int(s.Color.G), int(s.Color.B)

	b := img.Rect
	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for i := 0; i < len(row); i += 4 {
			d := float64(absInt(int(row[i])-kr) + absInt(int(row[i+1])-kg) + absInt(int(row[i+2])-kb))
			switch {
			case d < lo:
				row[i+3] = 0
			case d < threshold:
				a := 255 * (d - lo) / feather
				if a < 0 {
					a = 0
				} else if a > 255 {
					a = 255
				}
				row[i+3] = uint8(a)
			}
		}
	}
}

// Processor keys frames pulled from a Source. It never blocks: when the source
// has nothing new, the previous output is returned unchanged. The output buffer
// is reused, so a Processor must feed a single renderer.
type Processor struct {
	mu       sync.Mutex
	settings Settings
	dirty    bool
	out      *image.NRGBA
	owned    *image.NRGBA
	lastSeq  uint64
	hasOut   bool
}

func NewProcessor(s Settings) *Processor {
	return &Processor{settings: s.Clamped()}
}

func (p *Processor) SetSettings(s Settings) {
	p.mu.Lock()
	p.settings = s.Clamped()
	p.dirty = true
	p.mu.Unlock()
}

// Reset drops the last output. Until the source publishes again Process
// reports no frame.
func (p *Processor) Reset() {
	p.mu.Lock()
	p.out = nil
	p.hasOut = false
	p.lastSeq = 0
	p.dirty = true
	p.mu.Unlock()
}

func (p *Processor) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// Process returns the keyed version of src's latest frame. The returned image
// is only valid until the next call. When keying is disabled the source frame
// itself is returned.
func (p *Processor) Process(src media.Source) (*image.NRGBA, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := src.Latest()
	if !ok || f.Image == nil {
		return p.out, p.hasOut
	}
	if p.hasOut && f.Seq == p.lastSeq && !p.dirty {
		return p.out, true
	}
	p.dirty = false
	p.lastSeq = f.Seq

	if !p.settings.Enabled {
		p.out = f.Image
		p.hasOut = true
		return p.out, true
	}

	p.ensureBuffer(f.Image.Rect.Dx(), f.Image.Rect.Dy())
	copyPixels(p.out, f.Image)
	Apply(p.out, p.settings)
	p.hasOut = true
	return p.out, true
}

// ensureBuffer points the output at the owned buffer, reallocating it when the
// source resolution changes. The owned buffer never aliases a source frame.
func (p *Processor) ensureBuffer(w, h int) {
	if p.owned == nil || p.owned.Rect.Dx() != w || p.owned.Rect.Dy() != h {
		p.owned = image.NewNRGBA(image.Rect(0, 0, w, h))
	}
	p.out = p.owned
}

func copyPixels(dst, src *image.NRGBA) {
	w := src.Rect.Dx() * 4
	for y := 0; y < src.Rect.Dy(); y++ {
		s := src.Pix[y*src.Stride : y*src.Stride+w]
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+w], s)
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
