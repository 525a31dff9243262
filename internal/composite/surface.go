// Package composite layers a background stream, a chroma-keyed foreground and
// a static overlay into one output frame.
package composite

import (
	"image"
	"sync"

	"golang.org/x/image/draw"

	"github.com/ent0n29/pairbooth/internal/chromakey"
	"github.com/ent0n29/pairbooth/internal/media"
)

// Kind distinguishes the on-screen surface from the one that feeds recordings.
type Kind string

const (
	Preview Kind = "preview"
	Record  Kind = "record"
)

// Options are the per-render knobs. Blur is ignored by Record surfaces.
type Options struct {
	BackgroundMirror bool
	ForegroundMirror bool
	BlurRadius       int
}

// Surface renders one frame per call from its sources. It is safe for
// concurrent use; Render serialises with option changes.
type Surface struct {
	mu sync.Mutex

	kind   Kind
	width  int
	height int

	background media.Source
	foreground media.Source
	keyer      *chromakey.Processor
	opts       Options

	overlay *image.RGBA

	out     *image.RGBA
	fgLayer *image.RGBA
	scratch []uint8
	hasOut  bool
}

// New builds a surface of w x h. foreground and keyer may be nil for a
// background-only surface. The surface reads keyer's output while rendering,
// so keyer must not be shared with another surface.
func New(kind Kind, w, h int, background, foreground media.Source, keyer *chromakey.Processor) *Surface {
	if w <= 0 {
		w = 1280
	}
	if h <= 0 {
		h = 720
	}
	return &Surface{
		kind:       kind,
		width:      w,
		height:     h,
		background: background,
		foreground: foreground,
		keyer:      keyer,
		out:        image.NewRGBA(image.Rect(0, 0, w, h)),
		fgLayer:    image.NewRGBA(image.Rect(0, 0, w, h)),
	}
}

func (s *Surface) Kind() Kind { return s.kind }

func (s *Surface) Bounds() image.Rectangle {
	return image.Rect(0, 0, s.width, s.height)
}

func (s *Surface) SetOptions(o Options) {
	if s.kind == Record {
		o.BlurRadius = 0
	}
	if o.BlurRadius < 0 {
		o.BlurRadius = 0
	}
	s.mu.Lock()
	s.opts = o
	s.mu.Unlock()
}

func (s *Surface) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// SetOverlay replaces the static frame image. It is stretched to the canvas
// once here and drawn last on every render. nil removes it.
func (s *Surface) SetOverlay(img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay = nil
	if img == nil {
		return
	}
	scaled := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)
	s.overlay = scaled
}

// Render composes the latest frames. ok is false until the background source
// has produced a frame. The returned image is reused by the next Render;
// callers that keep it must copy it.
func (s *Surface) Render() (*image.RGBA, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.render()
}

func (s *Surface) render() (*image.RGBA, bool) {
	bg, ok := s.background.Latest()
	if !ok || bg.Image == nil {
		return s.out, s.hasOut
	}

	canvas := s.out.Bounds()
	Cover(s.out, canvas, bg.Image, draw.ApproxBiLinear, draw.Src)
	if s.opts.BackgroundMirror {
		MirrorHorizontal(s.out)
	}

	if s.foreground != nil && s.keyer != nil {
		if keyed, ok := s.keyer.Process(s.foreground); ok && keyed != nil {
			Cover(s.fgLayer, canvas, keyed, draw.ApproxBiLinear, draw.Src)
			if s.opts.ForegroundMirror || s.keyer.Settings().Mirror {
				MirrorHorizontal(s.fgLayer)
			}
			if s.kind == Preview && s.opts.BlurRadius > 0 {
				s.scratch = boxBlur(s.fgLayer, s.opts.BlurRadius, s.scratch)
			}
			draw.Draw(s.out, canvas, s.fgLayer, image.Point{}, draw.Over)
		}
	}

	if s.overlay != nil {
		draw.Draw(s.out, canvas, s.overlay, image.Point{}, draw.Over)
	}
	s.hasOut = true
	return s.out, true
}

// Snapshot renders and returns a private copy of the frame.
func (s *Surface) Snapshot() (*image.RGBA, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.render()
	if !ok {
		return nil, false
	}
	cp := image.NewRGBA(img.Rect)
	copy(cp.Pix, img.Pix)
	return cp, true
}
