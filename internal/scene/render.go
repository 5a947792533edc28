package scene

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

// DefaultMultiplier is the export resolution factor relative to page units.
const DefaultMultiplier = 2.0

const (
	circleSegments  = 72
	arrowHeadAngle  = math.Pi / 6
	minArrowHeadLen = 10.0
	lineSpacing     = 1.2
	maxRenderPixels = 64 << 20
)

var ErrRenderTooLarge = errors.New("scene: rendered image too large")

var (
	regularFontOnce sync.Once
	regularFont     *opentype.Font
)

func loadRegularFont() *opentype.Font {
	regularFontOnce.Do(func() {
		parsed, err := opentype.Parse(goregular.TTF)
		if err == nil {
			regularFont = parsed
		}
	})
	return regularFont
}

// Rasterize flattens the background and all objects into a PNG whose pixel size
// is the page size times multiplier.
func (s *Scene) Rasterize(multiplier float64) ([]byte, error) {
	if multiplier <= 0 || math.IsNaN(multiplier) {
		multiplier = DefaultMultiplier
	}
	width := int(math.Ceil(s.pageWidth * multiplier))
	height := int(math.Ceil(s.pageHeight * multiplier))
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidPage
	}
	if width*height > maxRenderPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrRenderTooLarge, width, height)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, xdraw.Src)
	if s.background != nil && s.background.Image != nil {
		xdraw.BiLinear.Scale(canvas, canvas.Bounds(), s.background.Image, s.background.Image.Bounds(), xdraw.Over, nil)
	}

	r := &renderer{
		canvas: canvas,
		raster: vector.NewRasterizer(width, height),
		scale:  multiplier,
		logger: s.logger,
	}
	for _, obj := range s.objects {
		r.drawObject(obj)
	}

	var buffer bytes.Buffer
	if err := png.Encode(&buffer, canvas); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buffer.Bytes(), nil
}

type renderer struct {
	canvas *image.RGBA
	raster *vector.Rasterizer
	scale  float64
	logger *zap.Logger
}

func (r *renderer) color(value string, objectID string) (color.NRGBA, bool) {
	parsed, err := ParseColor(value)
	if err != nil {
		r.logger.Warn("unsupported color ignored", zap.String("object_id", objectID), zap.String("color", value))
		return color.NRGBA{}, false
	}
	return parsed, parsed.A != 0
}

func (r *renderer) drawObject(obj Object) {
	stroke, hasStroke := r.color(obj.Style.Stroke, obj.ID)
	fill, hasFill := r.color(obj.Style.Fill, obj.ID)
	hasStroke = hasStroke && obj.Style.StrokeWidth > 0

	switch body := obj.Body.(type) {
	case Shape:
		switch body.Kind {
		case ShapeRect:
			corners := []Point{
				{X: obj.Left, Y: obj.Top},
				{X: obj.Left + obj.Width, Y: obj.Top},
				{X: obj.Left + obj.Width, Y: obj.Top + obj.Height},
				{X: obj.Left, Y: obj.Top + obj.Height},
			}
			if hasFill {
				r.fillPolygon(corners, fill)
			}
			if hasStroke {
				r.strokePolyline(corners, true, obj.Style, stroke)
			}
		case ShapeCircle:
			outline := ellipse(obj)
			if hasFill {
				r.fillPolygon(outline, fill)
			}
			if hasStroke {
				r.strokePolyline(outline, true, obj.Style, stroke)
			}
		case ShapeLine:
			if hasStroke {
				r.strokePolyline(lineEnds(obj), false, obj.Style, stroke)
			}
		case ShapeArrow:
			if hasStroke {
				ends := lineEnds(obj)
				r.strokePolyline(ends, false, obj.Style, stroke)
				solid := obj.Style
				solid.Dash = DashSolid
				for _, wing := range arrowHead(ends[0], ends[1], obj.Style.StrokeWidth) {
					r.strokePolyline([]Point{ends[1], wing}, false, solid, stroke)
				}
			}
		}
	case Freehand:
		if !hasStroke {
			return
		}
		points := make([]Point, len(body.Path))
		for i, p := range body.Path {
			points[i] = Point{X: obj.Left + p.X, Y: obj.Top + p.Y}
		}
		if len(points) == 1 {
			points = append(points, Point{X: points[0].X + 0.01, Y: points[0].Y})
		}
		r.strokePolyline(points, false, obj.Style, stroke)
	case Text:
		textColor := fill
		if !hasFill {
			textColor, _ = r.color(obj.Style.Stroke, obj.ID)
		}
		r.drawText(obj, body, textColor)
	}
}

func lineEnds(obj Object) []Point {
	return []Point{
		{X: obj.Left, Y: obj.Top},
		{X: obj.Left + obj.Width, Y: obj.Top + obj.Height},
	}
}

func ellipse(obj Object) []Point {
	cx := obj.Left + obj.Width/2
	cy := obj.Top + obj.Height/2
	rx := math.Abs(obj.Width / 2)
	ry := math.Abs(obj.Height / 2)
	points := make([]Point, circleSegments)
	for i := range points {
		angle := 2 * math.Pi * float64(i) / circleSegments
		points[i] = Point{X: cx + rx*math.Cos(angle), Y: cy + ry*math.Sin(angle)}
	}
	return points
}

// arrowHead returns the two wing tips of an arrow head at tip, pointing away
// from tail.
func arrowHead(tail, tip Point, strokeWidth float64) []Point {
	length := math.Max(minArrowHeadLen, strokeWidth*4)
	angle := math.Atan2(tip.Y-tail.Y, tip.X-tail.X)
	return []Point{
		{X: tip.X - length*math.Cos(angle-arrowHeadAngle), Y: tip.Y - length*math.Sin(angle-arrowHeadAngle)},
		{X: tip.X - length*math.Cos(angle+arrowHeadAngle), Y: tip.Y - length*math.Sin(angle+arrowHeadAngle)},
	}
}

func (r *renderer) fillPolygon(points []Point, c color.NRGBA) {
	if len(points) < 3 {
		return
	}
	r.resetRaster()
	r.raster.MoveTo(r.px(points[0].X), r.px(points[0].Y))
	for _, p := range points[1:] {
		r.raster.LineTo(r.px(p.X), r.px(p.Y))
	}
	r.raster.ClosePath()
	r.raster.Draw(r.canvas, r.canvas.Bounds(), image.NewUniform(c), image.Point{})
}

// strokePolyline draws each visible segment as a quad offset by half the
// stroke width along the segment normal.
func (r *renderer) strokePolyline(points []Point, closed bool, style Style, c color.NRGBA) {
	if len(points) < 2 {
		return
	}
	if closed {
		points = append(append([]Point(nil), points...), points[0])
	}
	halfWidth := style.StrokeWidth / 2
	r.resetRaster()
	for _, segment := range dashSegments(points, style) {
		dx := segment[1].X - segment[0].X
		dy := segment[1].Y - segment[0].Y
		length := math.Hypot(dx, dy)
		if length == 0 {
			continue
		}
		nx := -dy / length * halfWidth
		ny := dx / length * halfWidth
		ex := dx / length * halfWidth
		ey := dy / length * halfWidth
		x0, y0 := segment[0].X-ex, segment[0].Y-ey
		x1, y1 := segment[1].X+ex, segment[1].Y+ey
		if style.Dash != DashSolid {
			x0, y0 = segment[0].X, segment[0].Y
			x1, y1 = segment[1].X, segment[1].Y
		}
		r.raster.MoveTo(r.px(x0+nx), r.px(y0+ny))
		r.raster.LineTo(r.px(x1+nx), r.px(y1+ny))
		r.raster.LineTo(r.px(x1-nx), r.px(y1-ny))
		r.raster.LineTo(r.px(x0-nx), r.px(y0-ny))
		r.raster.ClosePath()
	}
	r.raster.Draw(r.canvas, r.canvas.Bounds(), image.NewUniform(c), image.Point{})
}

func (r *renderer) resetRaster() {
	bounds := r.canvas.Bounds()
	r.raster.Reset(bounds.Dx(), bounds.Dy())
	r.raster.DrawOp = xdraw.Over
}

func (r *renderer) px(value float64) float32 {
	return float32(value * r.scale)
}

// dashPattern returns on/off lengths in page units, or nil for solid lines.
func dashPattern(style Style) []float64 {
	unit := math.Max(style.StrokeWidth/2, 1)
	switch style.Dash {
	case DashDashed:
		return []float64{8 * unit, 6 * unit}
	case DashDotted:
		return []float64{2 * unit, 4 * unit}
	default:
		return nil
	}
}

// dashSegments splits a polyline into the segments that are actually inked.
func dashSegments(points []Point, style Style) [][2]Point {
	pattern := dashPattern(style)
	segments := make([][2]Point, 0, len(points))
	if pattern == nil {
		for i := 1; i < len(points); i++ {
			segments = append(segments, [2]Point{points[i-1], points[i]})
		}
		return segments
	}

	patternIndex := 0
	remaining := pattern[0]
	for i := 1; i < len(points); i++ {
		start, end := points[i-1], points[i]
		length := math.Hypot(end.X-start.X, end.Y-start.Y)
		offset := 0.0
		for offset < length {
			step := math.Min(remaining, length-offset)
			if patternIndex%2 == 0 {
				from := lerp(start, end, offset/length)
				to := lerp(start, end, (offset+step)/length)
				segments = append(segments, [2]Point{from, to})
			}
			offset += step
			remaining -= step
			if remaining <= 0 {
				patternIndex = (patternIndex + 1) % len(pattern)
				remaining = pattern[patternIndex]
			}
		}
	}
	return segments
}

func lerp(a, b Point, t float64) Point {
	return Point{X: a.X + (b.X-a.X)*t, Y: a.Y + (b.Y-a.Y)*t}
}

func (r *renderer) drawText(obj Object, body Text, c color.NRGBA) {
	size := body.FontSize * r.scale
	face := r.fontFace(size)
	defer face.Close()

	ascent := face.Metrics().Ascent
	drawer := &font.Drawer{
		Dst:  r.canvas,
		Src:  image.NewUniform(c),
		Face: face,
	}
	x := fixed.Int26_6(obj.Left * r.scale * 64)
	y := fixed.Int26_6(obj.Top*r.scale*64) + ascent
	advance := fixed.Int26_6(size * lineSpacing * 64)
	for _, line := range strings.Split(body.Content, "\n") {
		drawer.Dot = fixed.Point26_6{X: x, Y: y}
		drawer.DrawString(line)
		y += advance
	}
}

func (r *renderer) fontFace(size float64) font.Face {
	if parsed := loadRegularFont(); parsed != nil && size > 0 {
		face, err := opentype.NewFace(parsed, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
		if err == nil {
			return face
		}
		r.logger.Warn("font face unavailable, using fallback", zap.Error(err))
	}
	return basicfont.Face7x13
}
