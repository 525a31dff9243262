package compose

import (
	"context"
	"fmt"
	"image"
	"sync"

	_ "golang.org/x/image/webp" // merged photos may arrive as WebP data URLs
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/pairbooth/internal/protocol"
)

// DecodePhotos decodes the photos of a photos-merged message in parallel,
// keyed by shot number.
func DecodePhotos(ctx context.Context, photos []protocol.MergedPhoto) (map[int]image.Image, error) {
	out := make(map[int]image.Image, len(photos))
	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, p := range photos {
		g.Go(func() error {
			img, err := protocol.DecodePhoto(p.Image)
			if err != nil {
				return fmt.Errorf("shot %d: %w", p.ShotNumber, err)
			}
			mu.Lock()
			out[p.ShotNumber] = img
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodePhotos is the inverse of DecodePhotos, ordered by shot.
func EncodePhotos(shots []int, photos map[int]image.Image) ([]protocol.MergedPhoto, error) {
	out := make([]protocol.MergedPhoto, 0, len(shots))
	for _, shot := range shots {
		img, ok := photos[shot]
		if !ok || img == nil {
			continue
		}
		s, err := protocol.EncodePhoto(img)
		if err != nil {
			return nil, fmt.Errorf("shot %d: %w", shot, err)
		}
		out = append(out, protocol.MergedPhoto{ShotNumber: shot, Image: s})
	}
	return out, nil
}
