package scene

import (
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"
)

const (
	DefaultPageWidth  = 794.0
	DefaultPageHeight = 1123.0
	DefaultFontSize   = 20.0
)

var (
	ErrDuplicateObject  = errors.New("scene: duplicate object id")
	ErrObjectNotFound   = errors.New("scene: object not found")
	ErrBackgroundLocked = errors.New("scene: background cannot be removed")
	ErrNotText          = errors.New("scene: object is not a text object")
	ErrInvalidPage      = errors.New("scene: page size must be positive")
)

// EventKind names a scene lifecycle notification.
type EventKind string

const (
	// EventBeforeChange fires before any object mutation is applied.
	EventBeforeChange   EventKind = "before-change"
	EventObjectAdded    EventKind = "object-added"
	EventObjectModified EventKind = "object-modified"
	EventObjectRemoved  EventKind = "object-removed"
	EventSceneLoaded    EventKind = "scene-loaded"
)

type Event struct {
	Kind     EventKind
	ObjectID string
}

type Listener func(Event)

// Background is the fixed page image stretched under the objects. ScaleX and
// ScaleY are independent so the image always fills the page exactly.
type Background struct {
	Ref        string
	Image      image.Image
	PageWidth  float64
	PageHeight float64
	ScaleX     float64
	ScaleY     float64
}

// Target is the result of a hit test: either an object or the page background.
type Target struct {
	ObjectID   string
	Background bool
}

// Config configures a Scene.
type Config struct {
	PageWidth  float64
	PageHeight float64
	Logger     *zap.Logger
}

type listenerEntry struct {
	id int
	fn Listener
}

// Scene is the in-memory scene graph. Object order is render order. A Scene is
// not safe for concurrent use; callers serialize access.
type Scene struct {
	objects     []Object
	background  *Background
	pageWidth   float64
	pageHeight  float64
	activeID    string
	editingID   string
	drawingMode bool
	listeners   []listenerEntry
	nextID      int
	logger      *zap.Logger
}

// New constructs an empty scene.
func New(cfg Config) *Scene {
	width := cfg.PageWidth
	if width <= 0 {
		width = DefaultPageWidth
	}
	height := cfg.PageHeight
	if height <= 0 {
		height = DefaultPageHeight
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scene{
		pageWidth:  width,
		pageHeight: height,
		logger:     logger,
	}
}

// Observe registers a listener and returns a function detaching it.
func (s *Scene) Observe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: listener})
	return func() {
		for i, entry := range s.listeners {
			if entry.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Scene) emit(kind EventKind, objectID string) {
	listeners := append([]listenerEntry(nil), s.listeners...)
	for _, entry := range listeners {
		entry.fn(Event{Kind: kind, ObjectID: objectID})
	}
}

// PageSize returns the drawing surface size in page units.
func (s *Scene) PageSize() (float64, float64) {
	return s.pageWidth, s.pageHeight
}

// Len returns the number of objects.
func (s *Scene) Len() int {
	return len(s.objects)
}

// Objects returns copies of all objects in render order.
func (s *Scene) Objects() []Object {
	result := make([]Object, len(s.objects))
	for i, obj := range s.objects {
		result[i] = obj.Clone()
	}
	return result
}

// Object returns a copy of the object with the given id.
func (s *Scene) Object(id string) (Object, bool) {
	index := s.indexOf(id)
	if index < 0 {
		return Object{}, false
	}
	return s.objects[index].Clone(), true
}

func (s *Scene) indexOf(id string) int {
	for i, obj := range s.objects {
		if obj.ID == id {
			return i
		}
	}
	return -1
}

// Add appends an object on top of the stack.
func (s *Scene) Add(obj Object) error {
	normalized, err := normalizeObject(obj)
	if err != nil {
		return err
	}
	if s.indexOf(normalized.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateObject, normalized.ID)
	}
	s.emit(EventBeforeChange, normalized.ID)
	s.objects = append(s.objects, normalized)
	s.emit(EventObjectAdded, normalized.ID)
	return nil
}

// Remove deletes an object by id.
func (s *Scene) Remove(id string) error {
	index := s.indexOf(id)
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	s.emit(EventBeforeChange, id)
	s.objects = append(s.objects[:index:index], s.objects[index+1:]...)
	if s.activeID == id {
		s.activeID = ""
	}
	if s.editingID == id {
		s.editingID = ""
	}
	s.emit(EventObjectRemoved, id)
	return nil
}

// Erase removes the hit-test target. The background is never removed.
func (s *Scene) Erase(target Target) error {
	if target.Background || target.ObjectID == "" {
		return ErrBackgroundLocked
	}
	return s.Remove(target.ObjectID)
}

// Modify applies a partial update to an object.
func (s *Scene) Modify(id string, patch Patch) error {
	index := s.indexOf(id)
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	updated, err := patch.apply(s.objects[index])
	if err != nil {
		return err
	}
	s.emit(EventBeforeChange, id)
	s.objects[index] = updated
	s.emit(EventObjectModified, id)
	return nil
}

// BringToFront moves an object to the top of the render order.
func (s *Scene) BringToFront(id string) error {
	index := s.indexOf(id)
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	if index == len(s.objects)-1 {
		return nil
	}
	s.emit(EventBeforeChange, id)
	obj := s.objects[index]
	s.objects = append(s.objects[:index:index], s.objects[index+1:]...)
	s.objects = append(s.objects, obj)
	s.emit(EventObjectModified, id)
	return nil
}

// SendToBack moves an object to the bottom of the render order.
func (s *Scene) SendToBack(id string) error {
	index := s.indexOf(id)
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	if index == 0 {
		return nil
	}
	s.emit(EventBeforeChange, id)
	obj := s.objects[index]
	reordered := make([]Object, 0, len(s.objects))
	reordered = append(reordered, obj)
	reordered = append(reordered, s.objects[:index]...)
	reordered = append(reordered, s.objects[index+1:]...)
	s.objects = reordered
	s.emit(EventObjectModified, id)
	return nil
}

// HitTest returns the topmost object containing the point, or the background.
func (s *Scene) HitTest(p Point) Target {
	for i := len(s.objects) - 1; i >= 0; i-- {
		obj := s.objects[i]
		tolerance := obj.Style.StrokeWidth/2 + hitSlop
		minX, minY, maxX, maxY := obj.Bounds()
		if p.X >= minX-tolerance && p.X <= maxX+tolerance && p.Y >= minY-tolerance && p.Y <= maxY+tolerance {
			return Target{ObjectID: obj.ID}
		}
	}
	return Target{Background: true}
}

const hitSlop = 3.0

// Select marks an object as the active selection.
func (s *Scene) Select(id string) error {
	if s.indexOf(id) < 0 {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	if s.editingID != "" && s.editingID != id {
		s.editingID = ""
	}
	s.activeID = id
	return nil
}

// Deselect clears the active selection and leaves text editing.
func (s *Scene) Deselect() {
	s.activeID = ""
	s.editingID = ""
}

// Active returns the selected object, if any.
func (s *Scene) Active() (Object, bool) {
	if s.activeID == "" {
		return Object{}, false
	}
	return s.Object(s.activeID)
}

// BeginTextEdit selects a text object and enters edit mode on it.
func (s *Scene) BeginTextEdit(id string) error {
	obj, ok := s.Object(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	if _, isText := obj.Body.(Text); !isText {
		return fmt.Errorf("%w: %s", ErrNotText, id)
	}
	s.activeID = id
	s.editingID = id
	return nil
}

func (s *Scene) EndTextEdit() {
	s.editingID = ""
}

// Editing returns the id of the text object in edit mode.
func (s *Scene) Editing() (string, bool) {
	return s.editingID, s.editingID != ""
}

func (s *Scene) SetDrawingMode(enabled bool) {
	s.drawingMode = enabled
}

func (s *Scene) DrawingMode() bool {
	return s.drawingMode
}

// SetBackground installs the page image, stretching it independently on each
// axis to cover a page of the given size.
func (s *Scene) SetBackground(ref string, img image.Image, pageWidth, pageHeight float64) error {
	if pageWidth <= 0 || pageHeight <= 0 {
		return ErrInvalidPage
	}
	background := Background{
		Ref:        ref,
		Image:      img,
		PageWidth:  pageWidth,
		PageHeight: pageHeight,
		ScaleX:     1,
		ScaleY:     1,
	}
	if img != nil {
		bounds := img.Bounds()
		if bounds.Dx() > 0 && bounds.Dy() > 0 {
			background.ScaleX = pageWidth / float64(bounds.Dx())
			background.ScaleY = pageHeight / float64(bounds.Dy())
		}
	}
	s.AttachBackground(background)
	return nil
}

// AttachBackground restores a previously captured background as is.
func (s *Scene) AttachBackground(background Background) {
	bg := background
	s.background = &bg
	if bg.PageWidth > 0 && bg.PageHeight > 0 {
		s.pageWidth = bg.PageWidth
		s.pageHeight = bg.PageHeight
	}
}

// Background returns a copy of the current background.
func (s *Scene) Background() (Background, bool) {
	if s.background == nil {
		return Background{}, false
	}
	return *s.background, true
}

// Clear removes every object without touching the background.
func (s *Scene) Clear() {
	if len(s.objects) == 0 {
		return
	}
	s.emit(EventBeforeChange, "")
	s.objects = nil
	s.activeID = ""
	s.editingID = ""
	s.emit(EventSceneLoaded, "")
}
