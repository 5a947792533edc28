package scene

import (
	"fmt"
	"image/color"
	"math"
	"strings"

	"github.com/mazznoer/csscolorparser"
)

// ParseColor accepts any CSS color: hex, names, rgb(), rgba(), hsl() and
// hwb(). The empty string and "none" parse as fully transparent.
func ParseColor(value string) (color.NRGBA, error) {
	normalized := strings.TrimSpace(value)
	if normalized == "" || strings.EqualFold(normalized, "none") {
		return color.NRGBA{}, nil
	}
	parsed, err := csscolorparser.Parse(normalized)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("scene: unsupported color %q: %w", value, err)
	}
	return color.NRGBA{
		R: channel(parsed.R),
		G: channel(parsed.G),
		B: channel(parsed.B),
		A: channel(parsed.A),
	}, nil
}

func channel(value float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, value)) * 255))
}
