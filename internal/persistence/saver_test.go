package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/scene"
)

var testKey = annotations.DocumentKey{OwnerID: "owner-1", DocumentID: "resume"}

type recordingStore struct {
	mu      sync.Mutex
	inputs  []annotations.NewRecord
	err     error
	release chan struct{}
}

func (s *recordingStore) CreateRecord(_ context.Context, input annotations.NewRecord) (annotations.Record, error) {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return annotations.Record{}, s.err
	}
	s.inputs = append(s.inputs, input)
	author := input.Author
	if author == "" {
		author = annotations.GuestAuthor
	}
	return annotations.Record{
		ID:              "rec-1",
		OwnerID:         input.Key.OwnerID,
		DocumentID:      input.Key.DocumentID,
		ImageURL:        input.ImageURL,
		Author:          author,
		AuthorID:        input.AuthorID,
		CreatedAtMillis: 1,
		Objects:         input.Objects,
	}, nil
}

type recordingPublisher struct {
	records []annotations.Record
}

func (p *recordingPublisher) PublishAnnotation(record annotations.Record) {
	p.records = append(p.records, record)
}

type failingBlobs struct{}

func (failingBlobs) Put(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket unavailable")
}

func (failingBlobs) Get(context.Context, string) (blobstore.Object, error) {
	return blobstore.Object{}, blobstore.ErrNotFound
}

func sampleScene(t *testing.T) *scene.Scene {
	t.Helper()
	current := scene.New(scene.Config{})
	rect := scene.Object{
		ID:     "rect-1",
		Left:   50,
		Top:    50,
		Width:  100,
		Height: 60,
		Style:  scene.Style{Stroke: "#ff0000", StrokeWidth: 2},
		Body:   scene.Shape{Kind: scene.ShapeRect},
	}
	if err := current.Add(rect); err != nil {
		t.Fatalf("add rect: %v", err)
	}
	label := scene.Object{
		ID:    "text-1",
		Left:  10,
		Top:   200,
		Style: scene.Style{Fill: "#000000", StrokeWidth: 1},
		Body:  scene.Text{Content: "Fix dates", FontSize: 20},
	}
	if err := current.Add(label); err != nil {
		t.Fatalf("add text: %v", err)
	}
	return current
}

func fixedClock() time.Time {
	return time.UnixMilli(1700000000000)
}

func TestSaveUploadsOverlayAndStoresRecord(t *testing.T) {
	blobs := blobstore.NewMemoryStore("https://blobs.example")
	records := &recordingStore{}
	publisher := &recordingPublisher{}
	saver, err := NewSaver(Config{Blobs: blobs, Records: records, Publisher: publisher, Clock: fixedClock})
	if err != nil {
		t.Fatalf("new saver: %v", err)
	}

	record, err := saver.Save(context.Background(), sampleScene(t), testKey, Author{UserID: "alice", DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	expectedURL := "https://blobs.example/annotations/owner-1/resume/1700000000000.png"
	if record.ImageURL != expectedURL {
		t.Fatalf("unexpected image url %q", record.ImageURL)
	}
	object, err := blobs.Get(context.Background(), "annotations/owner-1/resume/1700000000000.png")
	if err != nil {
		t.Fatalf("overlay not uploaded: %v", err)
	}
	if object.ContentType != "image/png" || len(object.Data) == 0 {
		t.Fatalf("unexpected overlay %+v", object.ContentType)
	}

	if len(records.inputs) != 1 {
		t.Fatalf("expected one record, got %d", len(records.inputs))
	}
	input := records.inputs[0]
	if input.Author != "Alice" || input.AuthorID != "alice" {
		t.Fatalf("unexpected author %q/%q", input.Author, input.AuthorID)
	}
	if len(input.Objects) != 2 || input.Objects[0].Type != "rect" || input.Objects[1].Type != "text" {
		t.Fatalf("unexpected projections %+v", input.Objects)
	}
	if len(publisher.records) != 1 || publisher.records[0].ID != "rec-1" {
		t.Fatalf("expected record to be published, got %+v", publisher.records)
	}
}

func TestSaveUploadFailureLeavesSceneUntouched(t *testing.T) {
	records := &recordingStore{}
	saver, err := NewSaver(Config{Blobs: failingBlobs{}, Records: records})
	if err != nil {
		t.Fatalf("new saver: %v", err)
	}
	current := sampleScene(t)
	before, err := current.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	_, err = saver.Save(context.Background(), current, testKey, Author{})
	var saveErr *SaveError
	if !errors.As(err, &saveErr) {
		t.Fatalf("expected SaveError, got %v", err)
	}
	if saveErr.Stage != StageUpload {
		t.Fatalf("expected upload stage, got %s", saveErr.Stage)
	}
	if saveErr.UserMessage() != SaveFailedMessage {
		t.Fatalf("unexpected user message %q", saveErr.UserMessage())
	}
	if len(records.inputs) != 0 {
		t.Fatal("record must not be written after upload failure")
	}
	after, _ := current.Serialize()
	if string(before) != string(after) {
		t.Fatal("scene changed after failed save")
	}
	if saver.Busy() {
		t.Fatal("saver must not stay busy after failure")
	}
}

func TestSaveRecordFailureReportsStage(t *testing.T) {
	saver, err := NewSaver(Config{Blobs: blobstore.NewMemoryStore(""), Records: &recordingStore{err: errors.New("db down")}})
	if err != nil {
		t.Fatalf("new saver: %v", err)
	}
	_, err = saver.Save(context.Background(), sampleScene(t), testKey, Author{})
	var saveErr *SaveError
	if !errors.As(err, &saveErr) || saveErr.Stage != StageRecord {
		t.Fatalf("expected record stage error, got %v", err)
	}
}

func TestSaveRejectsConcurrentSave(t *testing.T) {
	records := &recordingStore{release: make(chan struct{})}
	saver, err := NewSaver(Config{Blobs: blobstore.NewMemoryStore(""), Records: records})
	if err != nil {
		t.Fatalf("new saver: %v", err)
	}
	current := sampleScene(t)
	done := make(chan error, 1)
	go func() {
		_, saveErr := saver.Save(context.Background(), current, testKey, Author{})
		done <- saveErr
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !saver.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("first save never started")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := saver.Save(context.Background(), scene.New(scene.Config{}), testKey, Author{}); !errors.Is(err, ErrSaveInProgress) {
		t.Fatalf("expected save in progress, got %v", err)
	}
	close(records.release)
	if err := <-done; err != nil {
		t.Fatalf("first save: %v", err)
	}
}

func TestProjectAndRestore(t *testing.T) {
	current := sampleScene(t)
	projections, err := Project(current.Objects())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	rect := projections[0]
	if rect.ObjectID != "rect-1" || rect.Left != 50 || rect.Top != 50 {
		t.Fatalf("unexpected rect projection %+v", rect)
	}
	if rect.Width == nil || *rect.Width != 100 || rect.Stroke == nil || *rect.Stroke != "#ff0000" {
		t.Fatalf("expected width and stroke on rect projection")
	}
	if rect.Fill != nil {
		t.Fatal("did not expect fill on unfilled rect")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(rect.Payload), &payload); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if payload["type"] != "rect" {
		t.Fatalf("unexpected payload type %v", payload["type"])
	}

	projections[0], projections[1] = projections[1], projections[0]
	projections = append(projections, annotations.ObjectProjection{Position: 5, ObjectID: "broken", Payload: "{not json"})
	raws, skipped := Restore(projections)
	if len(raws) != 2 || !strings.Contains(string(raws[0]), "rect-1") {
		t.Fatalf("expected position order restored, got %d entries", len(raws))
	}
	if len(skipped) != 1 || skipped[0] != "broken" {
		t.Fatalf("unexpected skipped %v", skipped)
	}
}

func TestNewSaverValidatesDependencies(t *testing.T) {
	if _, err := NewSaver(Config{Records: &recordingStore{}}); !errors.Is(err, ErrMissingBlobs) {
		t.Fatalf("expected missing blobs, got %v", err)
	}
	if _, err := NewSaver(Config{Blobs: blobstore.NewMemoryStore("")}); !errors.Is(err, ErrMissingRecords) {
		t.Fatalf("expected missing records, got %v", err)
	}
}
