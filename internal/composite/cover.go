package composite

import (
	"image"

	"golang.org/x/image/draw"
)

// CoverCrop returns the centered region of src that has the aspect ratio of
// dst, so scaling that region into dst fills it without distortion.
func CoverCrop(src, dst image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()
	if sw <= 0 || sh <= 0 || dw <= 0 || dh <= 0 {
		return image.Rectangle{}
	}
	// Compare sw/sh with dw/dh without floats.
	if sw*dh > dw*sh {
		cw := dw * sh / dh
		if cw < 1 {
			cw = 1
		}
		x0 := src.Min.X + (sw-cw)/2
		return image.Rect(x0, src.Min.Y, x0+cw, src.Max.Y)
	}
	ch := dh * sw / dw
	if ch < 1 {
		ch = 1
	}
	y0 := src.Min.Y + (sh-ch)/2
	return image.Rect(src.Min.X, y0, src.Max.X, y0+ch)
}

// Cover scales and crops src to fill r in dst.
func Cover(dst draw.Image, r image.Rectangle, src image.Image, scaler draw.Scaler, op draw.Op) {
	crop := CoverCrop(src.Bounds(), r)
	if crop.Empty() {
		return
	}
	scaler.Scale(dst, r, src, crop, op, nil)
}

// MirrorHorizontal flips img left to right in place.
func MirrorHorizontal(img *image.RGBA) {
	w := img.Rect.Dx()
	for y := 0; y < img.Rect.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for l, r := 0, (w-1)*4; l < r; l, r = l+4, r-4 {
			row[l], row[r] = row[r], row[l]
			row[l+1], row[r+1] = row[r+1], row[l+1]
			row[l+2], row[r+2] = row[r+2], row[l+2]
			row[l+3], row[r+3] = row[r+3], row[l+3]
		}
	}
}
