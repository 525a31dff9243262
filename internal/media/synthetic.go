package media

import (
	"context"
	"image"
	"image/color"
	"time"
)

// Generator renders frame n of a synthetic stream.
type Generator func(n int) *image.NRGBA

// Pump publishes generated frames into mb at fps until ctx is done.
func Pump(ctx context.Context, mb *Mailbox, fps int, gen Generator) {
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	n := 0
	mb.Publish(gen(n))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			mb.Publish(gen(n))
		}
	}
}

var barColors = []color.NRGBA{
	{R: 192, G: 192, B: 192, A: 255},
	{R: 192, G: 192, B: 0, A: 255},
	{R: 0, G: 192, B: 192, A: 255},
	{R: 0, G: 192, B: 0, A: 255},
	{R: 192, G: 0, B: 192, A: 255},
	{R: 192, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 192, A: 255},
}

// ColorBars is an opaque SMPTE-style test pattern whose bars scroll one
// column per frame.
func ColorBars(w, h int) Generator {
	return func(n int) *image.NRGBA {
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		barW := w / len(barColors)
		if barW == 0 {
			barW = 1
		}
		for y := 0; y < h; y++ {
			row := img.Pix[y*img.Stride:]
			for x := 0; x < w; x++ {
				c := barColors[((x+n)/barW)%len(barColors)]
				i := x * 4
				row[i], row[i+1], row[i+2], row[i+3] = c.R, c.G, c.B, c.A
			}
		}
		return img
	}
}

// KeyedSubject draws a solid subject square bouncing across a key-colored
// backdrop, standing in for a person in front of a green screen.
func KeyedSubject(w, h int, key, subject color.NRGBA) Generator {
	return func(n int) *image.NRGBA {
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		side := h / 3
		span := w - side
		if span <= 0 {
			span = 1
		}
		pos := n * 4 % (2 * span)
		if pos > span {
			pos = 2*span - pos
		}
		top := (h - side) / 2
		for y := 0; y < h; y++ {
			row := img.Pix[y*img.Stride:]
			for x := 0; x < w; x++ {
				c := key
				if x >= pos && x < pos+side && y >= top && y < top+side {
					c = subject
				}
				i := x * 4
				row[i], row[i+1], row[i+2], row[i+3] = c.R, c.G, c.B, 255
			}
		}
		return img
	}
}
