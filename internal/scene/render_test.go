package scene

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

func solidImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{B: 0xff, A: 0xff})
		}
	}
	return img
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	return img
}

func rgbAt(img image.Image, x, y int) (uint8, uint8, uint8) {
	r, g, b, _ := img.At(x, y).RGBA()
	return uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)
}

func TestRasterizeUsesPageSizeTimesMultiplier(t *testing.T) {
	s := New(Config{PageWidth: 200, PageHeight: 100})
	data, err := s.Rasterize(2)
	if err != nil {
		t.Fatalf("rasterize: %v", err)
	}
	img := decodePNG(t, data)
	if img.Bounds().Dx() != 400 || img.Bounds().Dy() != 200 {
		t.Fatalf("unexpected size %v", img.Bounds())
	}
	if r, g, b := rgbAt(img, 10, 10); r != 0xff || g != 0xff || b != 0xff {
		t.Fatalf("expected white page, got %d,%d,%d", r, g, b)
	}
}

func TestRasterizeDrawsStretchedBackgroundAndStrokes(t *testing.T) {
	s := New(Config{})
	if err := s.SetBackground("page.png", solidImage(20, 30), 200, 100); err != nil {
		t.Fatalf("set background: %v", err)
	}
	mustAdd(t, s, Object{
		ID: "r", Left: 50, Top: 20, Width: 100, Height: 60,
		Style: Style{Stroke: "#ff0000", StrokeWidth: 4, Dash: DashSolid},
		Body:  Shape{Kind: ShapeRect},
	})

	img := decodePNG(t, mustRasterize(t, s, 2))
	if r, g, b := rgbAt(img, 20, 180); r != 0 || g != 0 || b != 0xff {
		t.Fatalf("expected blue background at corner, got %d,%d,%d", r, g, b)
	}
	// top edge of the rectangle at page y=20 lands on pixel row 40
	if r, g, b := rgbAt(img, 200, 40); r < 200 || g > 60 || b > 60 {
		t.Fatalf("expected red stroke, got %d,%d,%d", r, g, b)
	}
	// interior stays background since the rectangle has no fill
	if r, g, b := rgbAt(img, 200, 100); r != 0 || b != 0xff {
		t.Fatalf("expected unfilled interior, got %d,%d,%d", r, g, b)
	}
}

func TestRasterizeFillsShapes(t *testing.T) {
	s := New(Config{PageWidth: 100, PageHeight: 100})
	mustAdd(t, s, Object{
		ID: "c", Left: 10, Top: 10, Width: 80, Height: 80,
		Style: Style{Fill: "#00ff00"},
		Body:  Shape{Kind: ShapeCircle},
	})
	img := decodePNG(t, mustRasterize(t, s, 1))
	if r, g, b := rgbAt(img, 50, 50); r != 0 || g != 0xff || b != 0 {
		t.Fatalf("expected green fill at center, got %d,%d,%d", r, g, b)
	}
	if r, g, b := rgbAt(img, 12, 12); r != 0xff || g != 0xff || b != 0xff {
		t.Fatalf("expected white outside circle, got %d,%d,%d", r, g, b)
	}
}

func TestRasterizeDrawsText(t *testing.T) {
	s := New(Config{PageWidth: 200, PageHeight: 60})
	mustAdd(t, s, Object{
		ID: "t", Left: 5, Top: 5,
		Style: Style{Fill: "#000000"},
		Body:  Text{Content: "MMMM", FontSize: 32},
	})
	img := decodePNG(t, mustRasterize(t, s, 1))
	dark := 0
	for y := 0; y < 60; y++ {
		for x := 0; x < 200; x++ {
			if r, _, _ := rgbAt(img, x, y); r < 100 {
				dark++
			}
		}
	}
	if dark == 0 {
		t.Fatal("expected text pixels to be drawn")
	}
}

func TestDashSegmentsSplitsLine(t *testing.T) {
	points := []Point{{X: 0, Y: 0}, {X: 28, Y: 0}}
	segments := dashSegments(points, Style{StrokeWidth: 2, Dash: DashDashed})
	// on 8, off 6, on 8, off 6
	if len(segments) != 2 {
		t.Fatalf("expected 2 dashes, got %d: %v", len(segments), segments)
	}
	if math.Abs(segments[1][0].X-14) > 1e-9 || math.Abs(segments[1][1].X-22) > 1e-9 {
		t.Fatalf("unexpected second dash %v", segments[1])
	}
	solid := dashSegments(points, Style{StrokeWidth: 2, Dash: DashSolid})
	if len(solid) != 1 {
		t.Fatalf("expected single solid segment, got %d", len(solid))
	}
}

func TestParseColor(t *testing.T) {
	cases := map[string]color.NRGBA{
		"#f00":                 {R: 0xff, A: 0xff},
		"#00ff00":              {G: 0xff, A: 0xff},
		"#0000ff80":            {B: 0xff, A: 0x80},
		"black":                {A: 0xff},
		"transparent":          {},
		"":                     {},
		"rgb(1, 2, 3)":         {R: 1, G: 2, B: 3, A: 0xff},
		"rgba(255, 0, 0, 0.5)": {R: 0xff, A: 0x80},
		"hsl(120, 100%, 50%)":  {G: 0xff, A: 0xff},
		" RGBA(0, 0, 255, 1) ": {B: 0xff, A: 0xff},
	}
	for input, want := range cases {
		got, err := ParseColor(input)
		if err != nil {
			t.Fatalf("parse %q: %v", input, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %v, got %v", input, want, got)
		}
	}
	if _, err := ParseColor("not-a-color"); err == nil {
		t.Fatal("expected error for unknown color")
	}
}

func TestRasterizeDrawsRGBAStroke(t *testing.T) {
	s := New(Config{PageWidth: 200, PageHeight: 100})
	mustAdd(t, s, Object{
		ID: "r", Left: 50, Top: 20, Width: 100, Height: 60,
		Style: Style{Stroke: "rgba(255, 0, 0, 1)", StrokeWidth: 4, Dash: DashSolid},
		Body:  Shape{Kind: ShapeRect},
	})
	mustAdd(t, s, Object{
		ID: "half", Left: 0, Top: 0, Width: 20, Height: 20,
		Style: Style{Fill: "rgba(0, 0, 0, 0.5)"},
		Body:  Shape{Kind: ShapeRect},
	})

	img := decodePNG(t, mustRasterize(t, s, 1))
	if r, g, b := rgbAt(img, 100, 20); r < 200 || g > 60 || b > 60 {
		t.Fatalf("expected red stroke from rgba color, got %d,%d,%d", r, g, b)
	}
	if r, g, b := rgbAt(img, 10, 10); r < 100 || r > 160 || g != r || b != r {
		t.Fatalf("expected half transparent black over white, got %d,%d,%d", r, g, b)
	}
}

func mustRasterize(t *testing.T, s *Scene, multiplier float64) []byte {
	t.Helper()
	data, err := s.Rasterize(multiplier)
	if err != nil {
		t.Fatalf("rasterize: %v", err)
	}
	return data
}
