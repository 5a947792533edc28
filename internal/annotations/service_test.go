package annotations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("id-%03d", s.next), nil
}

type steppingClock struct {
	current time.Time
	step    time.Duration
}

func (c *steppingClock) Now() time.Time {
	now := c.current
	c.current = c.current.Add(c.step)
	return now
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   openTestDatabase(t),
		Clock:      clock,
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func floatPtr(value float64) *float64 {
	return &value
}

func stringPtr(value string) *string {
	return &value
}

var testKey = DocumentKey{OwnerID: "owner-1", DocumentID: "resume"}

func TestNewServiceValidatesDependencies(testContext *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		testContext.Fatal("expected missing database error")
	}
	_, err := NewService(ServiceConfig{Database: openTestDatabase(testContext)})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "annotations.service.new.missing_id_provider" {
		testContext.Fatalf("expected missing id provider error, got %v", err)
	}
}

func TestCreateRecordStoresProjectionAndLatestWins(testContext *testing.T) {
	clock := &steppingClock{current: time.UnixMilli(1_700_000_000_000), step: time.Second}
	service := newTestService(testContext, clock.Now)
	ctx := context.Background()

	first, err := service.CreateRecord(ctx, NewRecord{
		Key:      testKey,
		ImageURL: "https://blobs.example/first.png",
		Author:   "Ada Reviewer",
		AuthorID: "user-ada",
		Objects: []ObjectProjection{{
			ObjectID: "rect-1", Type: "rect", Left: 50, Top: 50,
			Width: floatPtr(100), Height: floatPtr(60), Stroke: stringPtr("#ff0000"),
			Payload: `{"id":"rect-1","type":"rect"}`,
		}},
	})
	if err != nil {
		testContext.Fatalf("create first record: %v", err)
	}
	second, err := service.CreateRecord(ctx, NewRecord{
		Key:      testKey,
		ImageURL: "https://blobs.example/second.png",
		Objects: []ObjectProjection{
			{ObjectID: "path-1", Type: "path", Left: 1, Top: 2, Payload: `{"id":"path-1"}`},
			{ObjectID: "text-1", Type: "text", Left: 3, Top: 4, Fill: stringPtr("#000"), Payload: `{"id":"text-1"}`},
		},
	})
	if err != nil {
		testContext.Fatalf("create second record: %v", err)
	}
	if second.Author != GuestAuthor {
		testContext.Fatalf("expected guest author fallback, got %q", second.Author)
	}

	latest, found, err := service.LatestRecord(ctx, testKey)
	if err != nil || !found {
		testContext.Fatalf("latest record: found=%v err=%v", found, err)
	}
	if latest.ID != second.ID || latest.ImageURL != second.ImageURL {
		testContext.Fatalf("expected newest record %s, got %s", second.ID, latest.ID)
	}
	if len(latest.Objects) != 2 || latest.Objects[0].ObjectID != "path-1" || latest.Objects[1].ObjectID != "text-1" {
		testContext.Fatalf("unexpected projections %+v", latest.Objects)
	}
	if latest.Objects[0].Width != nil || latest.Objects[1].Fill == nil || *latest.Objects[1].Fill != "#000" {
		testContext.Fatalf("optional projection fields not preserved: %+v", latest.Objects)
	}
	if !latest.NewerThan(first) {
		testContext.Fatal("expected latest record to supersede the first")
	}

	records, err := service.ListRecords(ctx, testKey, 10)
	if err != nil {
		testContext.Fatalf("list records: %v", err)
	}
	if len(records) != 2 || records[0].ID != second.ID {
		testContext.Fatalf("expected history newest first, got %+v", records)
	}
}

func TestLatestRecordMissing(testContext *testing.T) {
	service := newTestService(testContext, nil)
	_, found, err := service.LatestRecord(context.Background(), DocumentKey{OwnerID: "nobody", DocumentID: "none"})
	if err != nil || found {
		testContext.Fatalf("expected no record, found=%v err=%v", found, err)
	}
}

func TestCommentsListNewestFirst(testContext *testing.T) {
	clock := &steppingClock{current: time.UnixMilli(1_700_000_000_000), step: time.Millisecond}
	service := newTestService(testContext, clock.Now)
	ctx := context.Background()

	for i, author := range []string{"Ada", "", "Grace"} {
		_, err := service.CreateComment(ctx, NewComment{
			Key:    testKey,
			Text:   fmt.Sprintf("comment %d", i),
			Author: author,
			UserID: author,
		})
		if err != nil {
			testContext.Fatalf("create comment %d: %v", i, err)
		}
	}

	comments, err := service.ListComments(ctx, testKey)
	if err != nil {
		testContext.Fatalf("list comments: %v", err)
	}
	if len(comments) != 3 {
		testContext.Fatalf("expected 3 comments, got %d", len(comments))
	}
	if comments[0].Author != "Grace" || comments[1].Author != GuestAuthor || comments[2].Author != "Ada" {
		testContext.Fatalf("unexpected order %v, %v, %v", comments[0].Author, comments[1].Author, comments[2].Author)
	}
	if comments[1].UserID != nil {
		testContext.Fatal("expected guest comment without user id")
	}
	if !comments[0].AuthoredBy("Grace") || comments[0].AuthoredBy("Ada") {
		testContext.Fatal("unexpected authorship check")
	}
}

func TestCreateCommentRejectsEmptyText(testContext *testing.T) {
	service := newTestService(testContext, nil)
	_, err := service.CreateComment(context.Background(), NewComment{Key: testKey, Text: "   "})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "annotations.create_comment.empty_text" {
		testContext.Fatalf("expected empty text error, got %v", err)
	}
}

func TestSortCommentsNewestFirstBreaksTiesByID(testContext *testing.T) {
	comments := []Comment{
		{ID: "a", CreatedAtMillis: 10},
		{ID: "c", CreatedAtMillis: 20},
		{ID: "b", CreatedAtMillis: 20},
	}
	SortCommentsNewestFirst(comments)
	if comments[0].ID != "c" || comments[1].ID != "b" || comments[2].ID != "a" {
		testContext.Fatalf("unexpected order %+v", comments)
	}
}
