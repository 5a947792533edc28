// Package persistence saves a scene as a rendered overlay plus an annotation
// record.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/scene"
)

const (
	StageRender = "render"
	StageUpload = "upload"
	StageRecord = "record"

	// SaveFailedMessage is shown to the reviewer when a save fails.
	SaveFailedMessage = "Could not save your annotations. Please try again."

	overlayContentType = "image/png"
)

var (
	ErrSaveInProgress = errors.New("persistence: save already in progress")
	ErrMissingBlobs   = errors.New("persistence: blob store is required")
	ErrMissingRecords = errors.New("persistence: record store is required")
	ErrInvalidKey     = errors.New("persistence: owner and document identifiers are required")
)

// SaveError reports the stage a save failed at. The scene is unchanged.
type SaveError struct {
	Stage string
	Err   error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save failed at %s: %v", e.Stage, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// UserMessage is the reviewer-facing text for the failure.
func (e *SaveError) UserMessage() string {
	return SaveFailedMessage
}

// RecordStore persists annotation records.
type RecordStore interface {
	CreateRecord(ctx context.Context, input annotations.NewRecord) (annotations.Record, error)
}

// Publisher announces stored records to live subscribers.
type Publisher interface {
	PublishAnnotation(record annotations.Record)
}

// Author identifies who saved the annotations. An empty DisplayName is stored
// as the guest author.
type Author struct {
	UserID      string
	DisplayName string
}

type Config struct {
	Blobs      blobstore.Store
	Records    RecordStore
	Publisher  Publisher
	Multiplier float64
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Saver renders, uploads and records a scene. One Saver allows a single save
// in flight.
type Saver struct {
	blobs      blobstore.Store
	records    RecordStore
	publisher  Publisher
	multiplier float64
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Metrics
	busy       atomic.Bool
}

func NewSaver(cfg Config) (*Saver, error) {
	if cfg.Blobs == nil {
		return nil, ErrMissingBlobs
	}
	if cfg.Records == nil {
		return nil, ErrMissingRecords
	}
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = scene.DefaultMultiplier
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saver{
		blobs:      cfg.Blobs,
		records:    cfg.Records,
		publisher:  cfg.Publisher,
		multiplier: multiplier,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Busy reports whether a save is in flight.
func (s *Saver) Busy() bool {
	return s.busy.Load()
}

// Save stores the current scene of a document. The caller must not mutate the
// scene until Save returns.
func (s *Saver) Save(ctx context.Context, current *scene.Scene, key annotations.DocumentKey, author Author) (annotations.Record, error) {
	if !key.Valid() {
		return annotations.Record{}, ErrInvalidKey
	}
	if !s.busy.CompareAndSwap(false, true) {
		return annotations.Record{}, ErrSaveInProgress
	}
	defer s.busy.Store(false)

	started := time.Now()
	record, err := s.save(ctx, current, key, author)
	status := "ok"
	if err != nil {
		status = "error"
		var saveErr *SaveError
		if errors.As(err, &saveErr) {
			status = saveErr.Stage
		}
		s.logger.Error("annotation save failed",
			zap.String("document", key.String()),
			zap.String("status", status),
			zap.Error(err))
	}
	s.metrics.ObserveSave(status, time.Since(started))
	return record, err
}

func (s *Saver) save(ctx context.Context, current *scene.Scene, key annotations.DocumentKey, author Author) (annotations.Record, error) {
	png, err := current.Rasterize(s.multiplier)
	if err != nil {
		return annotations.Record{}, &SaveError{Stage: StageRender, Err: err}
	}
	projections, err := Project(current.Objects())
	if err != nil {
		return annotations.Record{}, &SaveError{Stage: StageRender, Err: err}
	}

	blobKey := OverlayKey(key, s.clock())
	imageURL, err := s.blobs.Put(ctx, blobKey, overlayContentType, png)
	if err != nil {
		return annotations.Record{}, &SaveError{Stage: StageUpload, Err: err}
	}

	record, err := s.records.CreateRecord(ctx, annotations.NewRecord{
		Key:      key,
		ImageURL: imageURL,
		Author:   author.DisplayName,
		AuthorID: author.UserID,
		Objects:  projections,
	})
	if err != nil {
		return annotations.Record{}, &SaveError{Stage: StageRecord, Err: err}
	}
	if s.publisher != nil {
		s.publisher.PublishAnnotation(record)
	}
	return record, nil
}

// OverlayKey is the blob key of an overlay rendered at the given time.
func OverlayKey(key annotations.DocumentKey, at time.Time) string {
	return fmt.Sprintf("annotations/%s/%s/%d.png", key.OwnerID, key.DocumentID, at.UnixMilli())
}

// Project flattens scene objects into record projections in render order.
func Project(objects []scene.Object) ([]annotations.ObjectProjection, error) {
	projections := make([]annotations.ObjectProjection, 0, len(objects))
	for position, obj := range objects {
		payload, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("encode object %s: %w", obj.ID, err)
		}
		projection := annotations.ObjectProjection{
			Position: position,
			ObjectID: obj.ID,
			Type:     obj.Type(),
			Left:     obj.Left,
			Top:      obj.Top,
			Payload:  string(payload),
		}
		if obj.Width != 0 {
			width := obj.Width
			projection.Width = &width
		}
		if obj.Height != 0 {
			height := obj.Height
			projection.Height = &height
		}
		if obj.Style.Fill != "" {
			fill := obj.Style.Fill
			projection.Fill = &fill
		}
		if obj.Style.Stroke != "" {
			stroke := obj.Style.Stroke
			projection.Stroke = &stroke
		}
		projections = append(projections, projection)
	}
	return projections, nil
}

// Restore rebuilds scene objects from record projections in position order.
// Entries whose payload does not decode are returned as skipped ids.
func Restore(projections []annotations.ObjectProjection) ([]json.RawMessage, []string) {
	ordered := append([]annotations.ObjectProjection(nil), projections...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})
	raws := make([]json.RawMessage, 0, len(ordered))
	var skipped []string
	for _, projection := range ordered {
		if !json.Valid([]byte(projection.Payload)) {
			skipped = append(skipped, projection.ObjectID)
			continue
		}
		raws = append(raws, json.RawMessage(projection.Payload))
	}
	return raws, skipped
}
