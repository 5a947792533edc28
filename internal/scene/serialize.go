package scene

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DescriptionVersion is written into every serialized scene.
const DescriptionVersion = 1

var ErrMalformedDescription = errors.New("scene: malformed description")

// Description is the serialized form of a scene.
type Description struct {
	Version    int                    `json:"version"`
	Background *BackgroundDescription `json:"background,omitempty"`
	Objects    []json.RawMessage      `json:"objects"`
}

// BackgroundDescription carries the background reference and placement. Decoded
// pixels are never serialized.
type BackgroundDescription struct {
	Ref        string  `json:"ref"`
	PageWidth  float64 `json:"pageWidth"`
	PageHeight float64 `json:"pageHeight"`
	ScaleX     float64 `json:"scaleX"`
	ScaleY     float64 `json:"scaleY"`
}

// SkippedObject records an entry dropped during hydration.
type SkippedObject struct {
	Index  int
	ID     string
	Reason string
}

// HydrateReport lists what a hydration loaded and what it dropped.
type HydrateReport struct {
	Loaded  int
	Skipped []SkippedObject
}

type objectWire struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Left        float64   `json:"left"`
	Top         float64   `json:"top"`
	Width       float64   `json:"width,omitempty"`
	Height      float64   `json:"height,omitempty"`
	Stroke      string    `json:"stroke,omitempty"`
	StrokeWidth float64   `json:"strokeWidth"`
	Fill        string    `json:"fill,omitempty"`
	Dash        DashStyle `json:"dash"`
	Path        []Point   `json:"path,omitempty"`
	Text        string    `json:"text,omitempty"`
	FontSize    float64   `json:"fontSize,omitempty"`
}

// MarshalJSON encodes the object in its flat wire form.
func (o Object) MarshalJSON() ([]byte, error) {
	wire := objectWire{
		ID:          o.ID,
		Type:        o.Type(),
		Left:        o.Left,
		Top:         o.Top,
		Width:       o.Width,
		Height:      o.Height,
		Stroke:      o.Style.Stroke,
		StrokeWidth: o.Style.StrokeWidth,
		Fill:        o.Style.Fill,
		Dash:        o.Style.Dash,
	}
	switch body := o.Body.(type) {
	case Freehand:
		wire.Path = body.Path
	case Text:
		wire.Text = body.Content
		wire.FontSize = body.FontSize
	case Shape:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, o.Body)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes and validates an object in its flat wire form.
func (o *Object) UnmarshalJSON(data []byte) error {
	var wire objectWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	obj := Object{
		ID:     wire.ID,
		Left:   wire.Left,
		Top:    wire.Top,
		Width:  wire.Width,
		Height: wire.Height,
		Style: Style{
			Stroke:      wire.Stroke,
			StrokeWidth: wire.StrokeWidth,
			Fill:        wire.Fill,
			Dash:        wire.Dash,
		},
	}
	switch wire.Type {
	case TypeRect, TypeCircle, TypeLine, TypeArrow:
		obj.Body = Shape{Kind: ShapeKind(wire.Type)}
	case TypePath:
		obj.Body = Freehand{Path: wire.Path}
	case TypeText:
		obj.Body = Text{Content: wire.Text, FontSize: wire.FontSize}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, wire.Type)
	}
	normalized, err := normalizeObject(obj)
	if err != nil {
		return err
	}
	*o = normalized
	return nil
}

// Describe returns the scene description.
func (s *Scene) Describe() (Description, error) {
	description := Description{
		Version: DescriptionVersion,
		Objects: make([]json.RawMessage, 0, len(s.objects)),
	}
	if s.background != nil {
		description.Background = &BackgroundDescription{
			Ref:        s.background.Ref,
			PageWidth:  s.background.PageWidth,
			PageHeight: s.background.PageHeight,
			ScaleX:     s.background.ScaleX,
			ScaleY:     s.background.ScaleY,
		}
	}
	for _, obj := range s.objects {
		encoded, err := json.Marshal(obj)
		if err != nil {
			return Description{}, fmt.Errorf("encode object %s: %w", obj.ID, err)
		}
		description.Objects = append(description.Objects, encoded)
	}
	return description, nil
}

// Serialize encodes the scene description as JSON.
func (s *Scene) Serialize() ([]byte, error) {
	description, err := s.Describe()
	if err != nil {
		return nil, err
	}
	return json.Marshal(description)
}

// Hydrate replaces the scene contents with the serialized description. Objects
// that fail to decode are skipped, logged and listed in the report. The
// background placement is restored from the description; its pixels are kept
// only when the reference matches the current background.
func (s *Scene) Hydrate(data []byte) (HydrateReport, error) {
	var description Description
	if err := json.Unmarshal(data, &description); err != nil {
		return HydrateReport{}, fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}

	report := HydrateReport{}
	objects := make([]Object, 0, len(description.Objects))
	seen := make(map[string]struct{}, len(description.Objects))
	for index, raw := range description.Objects {
		var obj Object
		if err := json.Unmarshal(raw, &obj); err != nil {
			report.Skipped = append(report.Skipped, SkippedObject{Index: index, ID: peekID(raw), Reason: err.Error()})
			continue
		}
		if _, duplicate := seen[obj.ID]; duplicate {
			report.Skipped = append(report.Skipped, SkippedObject{Index: index, ID: obj.ID, Reason: ErrDuplicateObject.Error()})
			continue
		}
		seen[obj.ID] = struct{}{}
		objects = append(objects, obj)
	}
	report.Loaded = len(objects)

	for _, skipped := range report.Skipped {
		s.logger.Warn("scene object skipped during hydration",
			zap.Int("index", skipped.Index),
			zap.String("object_id", skipped.ID),
			zap.String("reason", skipped.Reason))
	}

	s.emit(EventBeforeChange, "")
	s.objects = objects
	s.activeID = ""
	s.editingID = ""
	s.background = s.hydratedBackground(description.Background)
	s.emit(EventSceneLoaded, "")
	return report, nil
}

func (s *Scene) hydratedBackground(described *BackgroundDescription) *Background {
	if described == nil {
		return nil
	}
	background := Background{
		Ref:        described.Ref,
		PageWidth:  described.PageWidth,
		PageHeight: described.PageHeight,
		ScaleX:     described.ScaleX,
		ScaleY:     described.ScaleY,
	}
	if s.background != nil && s.background.Ref == described.Ref {
		background.Image = s.background.Image
	}
	if background.PageWidth > 0 && background.PageHeight > 0 {
		s.pageWidth = background.PageWidth
		s.pageHeight = background.PageHeight
	}
	return &background
}

func peekID(raw json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID
}
