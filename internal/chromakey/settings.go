// Package chromakey classifies frame pixels against a key color.
package chromakey

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Color is an RGB key color. It marshals as "#rrggbb".
type Color struct {
	R, G, B uint8
}

var Green = Color{G: 255}

func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func (c Color) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Color) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.TrimSpace(string(text)), "#")
	if len(s) != 6 {
		return fmt.Errorf("invalid key color %q", string(text))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid key color %q: %w", string(text), err)
	}
	c.R, c.G, c.B = b[0], b[1], b[2]
	return nil
}

// Settings are owned by the Host and rebroadcast in full on every change.
type Settings struct {
	Enabled bool  `json:"enabled"`
	Color   Color `json:"color"`
	// Similarity in [0,100]; the match threshold is Similarity*2 on the
	// Manhattan RGB distance.
	Similarity float64 `json:"similarity"`
	// Smoothness in [0,100]; the feather band is Smoothness*0.5 wide.
	Smoothness float64 `json:"smoothness"`
	// Mirror flips the keyed stream horizontally.
	Mirror bool `json:"mirror,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{Enabled: true, Color: Green, Similarity: 40, Smoothness: 20}
}

// Clamped returns s with Similarity and Smoothness forced into [0,100].
func (s Settings) Clamped() Settings {
	s.Similarity = clamp(s.Similarity, 0, 100)
	s.Smoothness = clamp(s.Smoothness, 0, 100)
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v != v {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
