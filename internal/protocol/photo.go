package protocol

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
)

const jpegDataURLPrefix = "data:image/jpeg;base64,"

// EncodePhoto renders img as a JPEG data URL for photos-merged.
func EncodePhoto(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return "", fmt.Errorf("encode photo: %w", err)
	}
	return jpegDataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodePhoto accepts a data URL or bare base64 and decodes any registered
// image format.
func DecodePhoto(s string) (image.Image, error) {
	if i := strings.IndexByte(s, ','); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: photo is not base64: %v", ErrInvalidMessage, err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode photo: %v", ErrInvalidMessage, err)
	}
	return img, nil
}
