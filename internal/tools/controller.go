// Package tools maps pointer and keyboard input onto scene operations.
package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/permissions"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/sanitize"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/scene"
	"go.uber.org/zap"
)

var (
	ErrMissingScene = errors.New("tools: scene required")
	ErrReadOnly     = errors.New("tools: capability does not allow annotating")
	ErrUnknownTool  = errors.New("tools: unknown tool")
	ErrNotEditing   = errors.New("tools: no text object in edit mode")
)

type Tool string

const (
	ToolSelect    Tool = "select"
	ToolPen       Tool = "pen"
	ToolRectangle Tool = "rectangle"
	ToolCircle    Tool = "circle"
	ToolLine      Tool = "line"
	ToolArrow     Tool = "arrow"
	ToolText      Tool = "text"
	ToolEraser    Tool = "eraser"
)

// ParseTool resolves a tool name.
func ParseTool(value string) (Tool, error) {
	switch tool := Tool(strings.ToLower(strings.TrimSpace(value))); tool {
	case ToolSelect, ToolPen, ToolRectangle, ToolCircle, ToolLine, ToolArrow, ToolText, ToolEraser:
		return tool, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, value)
	}
}

const (
	defaultStroke      = "#ff0000"
	defaultStrokeWidth = 2.0
	defaultRectWidth   = 100.0
	defaultRectHeight  = 60.0
	defaultCircleSize  = 80.0
	defaultLineLength  = 100.0
	defaultTextContent = "Text"
	minStrokePoints    = 2
)

// DefaultStyle is applied to objects created by the shape and pen tools.
func DefaultStyle() scene.Style {
	return scene.Style{Stroke: defaultStroke, StrokeWidth: defaultStrokeWidth, Dash: scene.DashSolid}
}

// History is the subset of the history manager driven by keyboard shortcuts.
type History interface {
	Undo() (bool, error)
	Redo() (bool, error)
}

// Config configures a Controller.
type Config struct {
	Scene      *scene.Scene
	History    History
	Capability permissions.Capability
	IDProvider scene.IDProvider
	Style      scene.Style
	Logger     *zap.Logger
}

// PointerEvent carries a pointer position in page coordinates. A nil Point is
// treated as the page origin.
type PointerEvent struct {
	Point *scene.Point
}

func (e PointerEvent) position() scene.Point {
	if e.Point == nil {
		return scene.Point{}
	}
	return *e.Point
}

// PointerResult reports what a pointer event did.
type PointerResult struct {
	Tool     Tool
	ObjectID string
	Created  bool
	Removed  bool
}

// Controller is the drawing tool state machine for one scene.
type Controller struct {
	scene      *scene.Scene
	history    History
	capability permissions.Capability
	ids        scene.IDProvider
	style      scene.Style
	logger     *zap.Logger

	tool     Tool
	stroke   []scene.Point
	drawing  bool
	dragID   string
	dragFrom scene.Point
	dragTo   scene.Point
	dragged  bool
}

// NewController constructs a controller in the select state.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Scene == nil {
		return nil, ErrMissingScene
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = scene.NewUUIDProvider()
	}
	style := cfg.Style
	if style == (scene.Style{}) {
		style = DefaultStyle()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	capability := cfg.Capability
	if capability == "" {
		capability = permissions.CapabilityViewer
	}
	return &Controller{
		scene:      cfg.Scene,
		history:    cfg.History,
		capability: capability,
		ids:        ids,
		style:      style,
		logger:     logger,
		tool:       ToolSelect,
	}, nil
}

// Tool returns the active tool.
func (c *Controller) Tool() Tool {
	return c.tool
}

func (c *Controller) canAnnotate() bool {
	return permissions.Can(c.capability, permissions.ActionAnnotate)
}

// SelectTool switches the active tool. The pen enables freehand capture on the
// scene; every other tool disables it.
func (c *Controller) SelectTool(tool Tool) error {
	if _, err := ParseTool(string(tool)); err != nil {
		return err
	}
	if tool != ToolSelect && !c.canAnnotate() {
		return ErrReadOnly
	}
	c.tool = tool
	c.stroke = nil
	c.drawing = false
	c.dragID = ""
	c.dragged = false
	c.scene.SetDrawingMode(tool == ToolPen)
	return nil
}

// PointerDown applies the active tool at the pointer position.
func (c *Controller) PointerDown(event PointerEvent) (PointerResult, error) {
	point := event.position()
	switch c.tool {
	case ToolRectangle, ToolCircle, ToolLine, ToolArrow:
		if !c.canAnnotate() {
			return PointerResult{}, ErrReadOnly
		}
		obj, err := c.newShape(c.tool, point)
		if err != nil {
			return PointerResult{}, err
		}
		if err := c.scene.Add(obj); err != nil {
			return PointerResult{}, err
		}
		if err := c.scene.Select(obj.ID); err != nil {
			return PointerResult{}, err
		}
		created := c.tool
		c.resetToSelect()
		return PointerResult{Tool: created, ObjectID: obj.ID, Created: true}, nil

	case ToolText:
		if !c.canAnnotate() {
			return PointerResult{}, ErrReadOnly
		}
		id, err := c.ids.NewID()
		if err != nil {
			return PointerResult{}, err
		}
		obj := scene.Object{
			ID:    id,
			Left:  point.X,
			Top:   point.Y,
			Style: scene.Style{Fill: c.style.Stroke, Dash: scene.DashSolid},
			Body:  scene.Text{Content: defaultTextContent, FontSize: scene.DefaultFontSize},
		}
		if err := c.scene.Add(obj); err != nil {
			return PointerResult{}, err
		}
		if err := c.scene.BeginTextEdit(id); err != nil {
			return PointerResult{}, err
		}
		c.resetToSelect()
		return PointerResult{Tool: ToolText, ObjectID: id, Created: true}, nil

	case ToolEraser:
		if !c.canAnnotate() {
			return PointerResult{}, ErrReadOnly
		}
		target := c.scene.HitTest(point)
		if target.Background {
			return PointerResult{Tool: ToolEraser}, nil
		}
		if err := c.scene.Erase(target); err != nil {
			return PointerResult{}, err
		}
		return PointerResult{Tool: ToolEraser, ObjectID: target.ObjectID, Removed: true}, nil

	case ToolPen:
		if !c.canAnnotate() {
			return PointerResult{}, ErrReadOnly
		}
		c.drawing = true
		c.stroke = []scene.Point{point}
		return PointerResult{Tool: ToolPen}, nil

	default:
		target := c.scene.HitTest(point)
		if target.Background {
			c.scene.Deselect()
			return PointerResult{Tool: ToolSelect}, nil
		}
		if err := c.scene.Select(target.ObjectID); err != nil {
			return PointerResult{}, err
		}
		if c.canAnnotate() {
			c.dragID = target.ObjectID
			c.dragFrom = point
			c.dragged = false
		}
		return PointerResult{Tool: ToolSelect, ObjectID: target.ObjectID}, nil
	}
}

// PointerMove extends a pen stroke or drags the selected object.
func (c *Controller) PointerMove(event PointerEvent) (PointerResult, error) {
	point := event.position()
	switch {
	case c.tool == ToolPen && c.drawing:
		c.stroke = append(c.stroke, point)
		return PointerResult{Tool: ToolPen}, nil
	case c.tool == ToolSelect && c.dragID != "":
		c.dragTo = point
		c.dragged = true
		return PointerResult{Tool: ToolSelect, ObjectID: c.dragID}, nil
	default:
		return PointerResult{Tool: c.tool}, nil
	}
}

// PointerUp finishes a pen stroke or a drag. Strokes with fewer than two points
// are discarded.
func (c *Controller) PointerUp(event PointerEvent) (PointerResult, error) {
	if c.tool == ToolSelect {
		return c.finishDrag(event)
	}
	if c.tool != ToolPen || !c.drawing {
		return PointerResult{Tool: c.tool}, nil
	}
	if event.Point != nil {
		c.stroke = append(c.stroke, *event.Point)
	}
	points := c.stroke
	c.stroke = nil
	c.drawing = false
	if len(points) < minStrokePoints {
		return PointerResult{Tool: ToolPen}, nil
	}
	id, err := c.ids.NewID()
	if err != nil {
		return PointerResult{}, err
	}
	obj, err := scene.NewFreehand(id, points, c.style)
	if err != nil {
		return PointerResult{}, err
	}
	if err := c.scene.Add(obj); err != nil {
		return PointerResult{}, err
	}
	return PointerResult{Tool: ToolPen, ObjectID: id, Created: true}, nil
}

// finishDrag moves the dragged object once, so a whole drag is a single
// history entry.
func (c *Controller) finishDrag(event PointerEvent) (PointerResult, error) {
	id := c.dragID
	to := c.dragTo
	if event.Point != nil {
		to = *event.Point
	}
	moved := c.dragged || event.Point != nil
	c.dragID = ""
	c.dragged = false
	if id == "" || !moved {
		return PointerResult{Tool: ToolSelect, ObjectID: id}, nil
	}
	dx := to.X - c.dragFrom.X
	dy := to.Y - c.dragFrom.Y
	if dx == 0 && dy == 0 {
		return PointerResult{Tool: ToolSelect, ObjectID: id}, nil
	}
	obj, ok := c.scene.Object(id)
	if !ok {
		return PointerResult{Tool: ToolSelect}, nil
	}
	left := obj.Left + dx
	top := obj.Top + dy
	if err := c.scene.Modify(id, scene.Patch{Left: &left, Top: &top}); err != nil {
		return PointerResult{}, err
	}
	return PointerResult{Tool: ToolSelect, ObjectID: id}, nil
}

// TypeText replaces the content of the text object in edit mode.
func (c *Controller) TypeText(content string) error {
	if !c.canAnnotate() {
		return ErrReadOnly
	}
	id, editing := c.scene.Editing()
	if !editing {
		return ErrNotEditing
	}
	cleaned := sanitize.Text(content)
	return c.scene.Modify(id, scene.Patch{Content: &cleaned})
}

func (c *Controller) newShape(tool Tool, point scene.Point) (scene.Object, error) {
	id, err := c.ids.NewID()
	if err != nil {
		return scene.Object{}, err
	}
	obj := scene.Object{ID: id, Left: point.X, Top: point.Y, Style: c.style}
	switch tool {
	case ToolRectangle:
		obj.Width, obj.Height = defaultRectWidth, defaultRectHeight
		obj.Body = scene.Shape{Kind: scene.ShapeRect}
	case ToolCircle:
		obj.Width, obj.Height = defaultCircleSize, defaultCircleSize
		obj.Body = scene.Shape{Kind: scene.ShapeCircle}
	case ToolLine:
		obj.Width = defaultLineLength
		obj.Body = scene.Shape{Kind: scene.ShapeLine}
	case ToolArrow:
		obj.Width = defaultLineLength
		obj.Body = scene.Shape{Kind: scene.ShapeArrow}
	}
	return obj, nil
}

func (c *Controller) resetToSelect() {
	c.tool = ToolSelect
	c.scene.SetDrawingMode(false)
}
