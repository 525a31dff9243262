package composite

import "image"

// boxBlur approximates a Gaussian blur of the given radius with three
// separable box passes. img must hold premultiplied pixels; scratch is resized
// as needed and returned for reuse.
func boxBlur(img *image.RGBA, radius int, scratch []uint8) []uint8 {
	if radius <= 0 {
		return scratch
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w == 0 || h == 0 {
		return scratch
	}
	if cap(scratch) < len(img.Pix) {
		scratch = make([]uint8, len(img.Pix))
	}
	scratch = scratch[:len(img.Pix)]

	r := (radius + 2) / 3
	if r < 1 {
		r = 1
	}
	for pass := 0; pass < 3; pass++ {
		blurLines(img.Pix, scratch, w, h, img.Stride, 4, r)
		blurLines(scratch, img.Pix, h, w, 4, img.Stride, r)
	}
	return scratch
}

// blurLines runs a sliding-window average along n pixels of each of m lines.
// step is the byte distance between neighbours on a line, lineStep between
// lines. Edges clamp to the border pixel.
func blurLines(src, dst []uint8, n, m, step, lineStep, r int) {
	div := 2*r + 1
	for line := 0; line < m; line++ {
		base := line * lineStep
		for c := 0; c < 4; c++ {
			at := func(i int) int {
				if i < 0 {
					i = 0
				} else if i >= n {
					i = n - 1
				}
				return int(src[base+i*step+c])
			}
			sum := 0
			for i := -r; i <= r; i++ {
				sum += at(i)
			}
			for i := 0; i < n; i++ {
				dst[base+i*step+c] = uint8(sum / div)
				sum += at(i+r+1) - at(i-r)
			}
		}
	}
}
