package scene

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrMissingObjectID  = errors.New("scene: object id required")
	ErrMissingBody      = errors.New("scene: object body required")
	ErrUnknownType      = errors.New("scene: unknown object type")
	ErrEmptyPath        = errors.New("scene: freehand path requires at least one point")
	ErrInvalidStyle     = errors.New("scene: invalid style")
	ErrPatchUnsupported = errors.New("scene: patch field not applicable to object type")
)

// Object type names as they appear in serialized scenes and persisted projections.
const (
	TypeRect   = "rect"
	TypeCircle = "circle"
	TypeLine   = "line"
	TypeArrow  = "arrow"
	TypePath   = "path"
	TypeText   = "text"
)

type DashStyle string

const (
	DashSolid  DashStyle = "solid"
	DashDashed DashStyle = "dashed"
	DashDotted DashStyle = "dotted"
)

type ShapeKind string

const (
	ShapeRect   ShapeKind = TypeRect
	ShapeCircle ShapeKind = TypeCircle
	ShapeLine   ShapeKind = TypeLine
	ShapeArrow  ShapeKind = TypeArrow
)

// Point is a position in page coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Style holds the presentation attributes shared by every object variant.
type Style struct {
	Stroke      string
	StrokeWidth float64
	Fill        string
	Dash        DashStyle
}

// Body is the variant-specific part of an Object. The set of variants is closed:
// Shape, Freehand and Text.
type Body interface {
	typeName() string
	clone() Body
}

// Shape covers the geometric primitives. For lines and arrows Width and Height
// of the owning object are the signed extent from (Left, Top) to the end point.
type Shape struct {
	Kind ShapeKind
}

func (s Shape) typeName() string { return string(s.Kind) }
func (s Shape) clone() Body       { return s }

// Freehand is a pen stroke. Path points are relative to the owning object's
// Left/Top so that moving the object never rewrites the path.
type Freehand struct {
	Path []Point
}

func (f Freehand) typeName() string { return TypePath }
func (f Freehand) clone() Body {
	return Freehand{Path: append([]Point(nil), f.Path...)}
}

type Text struct {
	Content  string
	FontSize float64
}

func (t Text) typeName() string { return TypeText }
func (t Text) clone() Body       { return t }

// Object is a single drawable element of the scene.
type Object struct {
	ID     string
	Left   float64
	Top    float64
	Width  float64
	Height float64
	Style  Style
	Body   Body
}

// Type returns the serialized type name of the object.
func (o Object) Type() string {
	if o.Body == nil {
		return ""
	}
	return o.Body.typeName()
}

// Clone returns a deep copy of the object.
func (o Object) Clone() Object {
	cloned := o
	if o.Body != nil {
		cloned.Body = o.Body.clone()
	}
	return cloned
}

// Bounds returns the normalized bounding box of the object in page coordinates.
func (o Object) Bounds() (minX, minY, maxX, maxY float64) {
	x0, y0 := o.Left, o.Top
	x1, y1 := o.Left+o.Width, o.Top+o.Height
	return math.Min(x0, x1), math.Min(y0, y1), math.Max(x0, x1), math.Max(y0, y1)
}

// NewFreehand builds a freehand object from absolute stroke points.
func NewFreehand(id string, points []Point, style Style) (Object, error) {
	if len(points) == 0 {
		return Object{}, ErrEmptyPath
	}
	minX, minY := points[0].X, points[0].Y
	maxX, maxY := minX, minY
	for _, p := range points[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	relative := make([]Point, len(points))
	for i, p := range points {
		relative[i] = Point{X: p.X - minX, Y: p.Y - minY}
	}
	obj := Object{
		ID:     id,
		Left:   minX,
		Top:    minY,
		Width:  maxX - minX,
		Height: maxY - minY,
		Style:  style,
		Body:   Freehand{Path: relative},
	}
	return obj, nil
}

func normalizeObject(obj Object) (Object, error) {
	obj.ID = strings.TrimSpace(obj.ID)
	if obj.ID == "" {
		return Object{}, ErrMissingObjectID
	}
	if obj.Body == nil {
		return Object{}, ErrMissingBody
	}
	switch body := obj.Body.(type) {
	case Shape:
		switch body.Kind {
		case ShapeRect, ShapeCircle, ShapeLine, ShapeArrow:
		default:
			return Object{}, fmt.Errorf("%w: %q", ErrUnknownType, body.Kind)
		}
	case Freehand:
		if len(body.Path) == 0 {
			return Object{}, ErrEmptyPath
		}
	case Text:
		if body.FontSize <= 0 {
			body.FontSize = DefaultFontSize
			obj.Body = body
		}
	default:
		return Object{}, fmt.Errorf("%w: %T", ErrUnknownType, obj.Body)
	}
	if obj.Style.StrokeWidth < 0 || math.IsNaN(obj.Style.StrokeWidth) {
		return Object{}, fmt.Errorf("%w: stroke width %v", ErrInvalidStyle, obj.Style.StrokeWidth)
	}
	switch obj.Style.Dash {
	case "":
		obj.Style.Dash = DashSolid
	case DashSolid, DashDashed, DashDotted:
	default:
		return Object{}, fmt.Errorf("%w: dash %q", ErrInvalidStyle, obj.Style.Dash)
	}
	return obj.Clone(), nil
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	Left        *float64
	Top         *float64
	Width       *float64
	Height      *float64
	Stroke      *string
	StrokeWidth *float64
	Fill        *string
	Dash        *DashStyle
	Content     *string
	FontSize    *float64
}

func (p Patch) apply(obj Object) (Object, error) {
	updated := obj.Clone()
	if p.Left != nil {
		updated.Left = *p.Left
	}
	if p.Top != nil {
		updated.Top = *p.Top
	}
	if p.Width != nil || p.Height != nil {
		if _, isFreehand := updated.Body.(Freehand); isFreehand {
			return Object{}, fmt.Errorf("%w: size of %s", ErrPatchUnsupported, TypePath)
		}
		if p.Width != nil {
			updated.Width = *p.Width
		}
		if p.Height != nil {
			updated.Height = *p.Height
		}
	}
	if p.Stroke != nil {
		updated.Style.Stroke = *p.Stroke
	}
	if p.StrokeWidth != nil {
		updated.Style.StrokeWidth = *p.StrokeWidth
	}
	if p.Fill != nil {
		updated.Style.Fill = *p.Fill
	}
	if p.Dash != nil {
		updated.Style.Dash = *p.Dash
	}
	if p.Content != nil || p.FontSize != nil {
		text, isText := updated.Body.(Text)
		if !isText {
			return Object{}, fmt.Errorf("%w: text of %s", ErrPatchUnsupported, updated.Type())
		}
		if p.Content != nil {
			text.Content = *p.Content
		}
		if p.FontSize != nil {
			text.FontSize = *p.FontSize
		}
		updated.Body = text
	}
	return normalizeObject(updated)
}
