package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/receipts"
)

var testKey = Key{OwnerID: "owner-1", DocumentID: "resume"}

type memorySource struct {
	mu            sync.Mutex
	comments      []annotations.Comment
	record        *annotations.Record
	nextID        int
	clock         int64
	listFailures  int
	listCallCount int
}

func (s *memorySource) ListComments(_ context.Context, key annotations.DocumentKey) ([]annotations.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCallCount++
	if s.listFailures > 0 {
		s.listFailures--
		return nil, errors.New("store unavailable")
	}
	var out []annotations.Comment
	for _, comment := range s.comments {
		if comment.Key() == key {
			out = append(out, comment)
		}
	}
	return out, nil
}

func (s *memorySource) LatestRecord(_ context.Context, key annotations.DocumentKey) (annotations.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil || s.record.Key() != key {
		return annotations.Record{}, false, nil
	}
	return *s.record, true, nil
}

func (s *memorySource) CreateComment(_ context.Context, input annotations.NewComment) (annotations.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.clock += 1000
	author := input.Author
	if author == "" {
		author = annotations.GuestAuthor
	}
	comment := annotations.Comment{
		ID:              fmt.Sprintf("comment-%02d", s.nextID),
		OwnerID:         input.Key.OwnerID,
		DocumentID:      input.Key.DocumentID,
		Text:            input.Text,
		Author:          author,
		CreatedAtMillis: s.clock,
	}
	if input.UserID != "" {
		userID := input.UserID
		comment.UserID = &userID
	}
	s.comments = append(s.comments, comment)
	return comment, nil
}

func newTestService(t *testing.T, source Source, settle time.Duration) (*Service, *receipts.MemoryStore) {
	t.Helper()
	store := receipts.NewMemoryStore()
	service, err := NewService(Config{
		Source:       source,
		Receipts:     store,
		SettleWindow: settle,
		RetryBackoff: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, store
}

func receiveComment(t *testing.T, stream <-chan CommentEvent) CommentEvent {
	t.Helper()
	select {
	case event, ok := <-stream:
		if !ok {
			t.Fatal("comment stream closed")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("expected comment event within deadline")
	}
	return CommentEvent{}
}

func receiveAnnotation(t *testing.T, stream <-chan AnnotationEvent) AnnotationEvent {
	t.Helper()
	select {
	case event, ok := <-stream:
		if !ok {
			t.Fatal("annotation stream closed")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("expected annotation event within deadline")
	}
	return AnnotationEvent{}
}

func TestNewServiceRequiresSource(t *testing.T) {
	if _, err := NewService(Config{}); !errors.Is(err, ErrMissingSource) {
		t.Fatalf("expected missing source error, got %v", err)
	}
}

func TestCommentsFromTwoReviewersReachThirdSubscriberNewestFirst(t *testing.T) {
	source := &memorySource{}
	service, _ := newTestService(t, source, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, stop := service.SubscribeComments(ctx, testKey)
	defer stop()

	replay := receiveComment(t, stream)
	if !replay.Replay || len(replay.Comments) != 0 {
		t.Fatalf("expected empty replay, got %+v", replay)
	}

	if _, err := service.AddComment(ctx, testKey, Viewer{UserID: "alice", DisplayName: "Alice"}, "Tighten the summary"); err != nil {
		t.Fatalf("alice comment: %v", err)
	}
	first := receiveComment(t, stream)
	if first.Added == nil || first.Added.Author != "Alice" {
		t.Fatalf("expected alice comment, got %+v", first)
	}

	if _, err := service.AddComment(ctx, testKey, Viewer{UserID: "bob", DisplayName: "Bob"}, "Nice <b>layout</b>"); err != nil {
		t.Fatalf("bob comment: %v", err)
	}
	second := receiveComment(t, stream)
	if len(second.Comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(second.Comments))
	}
	if second.Comments[0].Author != "Bob" || second.Comments[1].Author != "Alice" {
		t.Fatalf("expected newest first, got %s then %s", second.Comments[0].Author, second.Comments[1].Author)
	}
	if second.Comments[0].Text != "Nice layout" {
		t.Fatalf("expected sanitized text, got %q", second.Comments[0].Text)
	}
}

func TestSubscribeCommentsReplaysStoredComments(t *testing.T) {
	source := &memorySource{}
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if _, err := source.CreateComment(ctx, annotations.NewComment{Key: testKey, Text: text}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	service, _ := newTestService(t, source, 0)
	stream, stop := service.SubscribeComments(ctx, testKey)
	defer stop()

	replay := receiveComment(t, stream)
	if !replay.Replay || replay.Added != nil {
		t.Fatalf("expected replay event, got %+v", replay)
	}
	texts := make([]string, 0, len(replay.Comments))
	for _, comment := range replay.Comments {
		texts = append(texts, comment.Text)
	}
	if strings.Join(texts, ",") != "three,two,one" {
		t.Fatalf("unexpected replay order %v", texts)
	}
	if replay.Comments[0].Author != annotations.GuestAuthor {
		t.Fatalf("expected guest author, got %q", replay.Comments[0].Author)
	}
}

func TestSubscribeCommentsIgnoresDuplicates(t *testing.T) {
	source := &memorySource{}
	service, _ := newTestService(t, source, 0)
	ctx := context.Background()
	stored, err := source.CreateComment(ctx, annotations.NewComment{Key: testKey, Text: "kept"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	stream, stop := service.SubscribeComments(ctx, testKey)
	defer stop()
	receiveComment(t, stream)

	service.PublishComment(stored)
	select {
	case event := <-stream:
		t.Fatalf("did not expect duplicate event, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeCommentsRetriesReplay(t *testing.T) {
	source := &memorySource{listFailures: 2}
	service, _ := newTestService(t, source, 0)
	stream, stop := service.SubscribeComments(context.Background(), testKey)
	defer stop()

	replay := receiveComment(t, stream)
	if !replay.Replay {
		t.Fatalf("expected replay after retries, got %+v", replay)
	}
	source.mu.Lock()
	calls := source.listCallCount
	source.mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 list attempts, got %d", calls)
	}
}

func TestSubscribeAnnotationsLatestWins(t *testing.T) {
	source := &memorySource{record: &annotations.Record{ID: "rec-1", OwnerID: testKey.OwnerID, DocumentID: testKey.DocumentID, CreatedAtMillis: 2000, Author: "Alice"}}
	service, _ := newTestService(t, source, 0)
	stream, stop := service.SubscribeAnnotations(context.Background(), testKey)
	defer stop()

	replay := receiveAnnotation(t, stream)
	if !replay.Replay || replay.Record == nil || replay.Record.ID != "rec-1" {
		t.Fatalf("unexpected replay %+v", replay)
	}

	service.PublishAnnotation(annotations.Record{ID: "rec-0", OwnerID: testKey.OwnerID, DocumentID: testKey.DocumentID, CreatedAtMillis: 1000})
	service.PublishAnnotation(annotations.Record{ID: "rec-2", OwnerID: testKey.OwnerID, DocumentID: testKey.DocumentID, CreatedAtMillis: 3000, Author: "Bob"})

	event := receiveAnnotation(t, stream)
	if event.Record == nil || event.Record.ID != "rec-2" {
		t.Fatalf("expected rec-2 to win, got %+v", event.Record)
	}
	select {
	case extra := <-stream:
		t.Fatalf("did not expect another event, got %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeAnnotationsReplayWithoutRecord(t *testing.T) {
	service, _ := newTestService(t, &memorySource{}, 0)
	stream, stop := service.SubscribeAnnotations(context.Background(), testKey)
	defer stop()
	replay := receiveAnnotation(t, stream)
	if !replay.Replay || replay.Record != nil {
		t.Fatalf("expected empty replay, got %+v", replay)
	}
}

func TestFeedsAreIsolatedByDocument(t *testing.T) {
	service, _ := newTestService(t, &memorySource{}, 0)
	ctx := context.Background()
	stream, stop := service.SubscribeComments(ctx, testKey)
	defer stop()
	receiveComment(t, stream)

	other := Key{OwnerID: "owner-1", DocumentID: "cover-letter"}
	if _, err := service.AddComment(ctx, other, Viewer{DisplayName: "Eve"}, "elsewhere"); err != nil {
		t.Fatalf("add comment: %v", err)
	}
	select {
	case event := <-stream:
		t.Fatalf("did not expect event from another document, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelReleasesSubscription(t *testing.T) {
	service, _ := newTestService(t, &memorySource{}, 0)
	stream, stop := service.SubscribeComments(context.Background(), testKey)
	receiveComment(t, stream)
	if service.SubscriberCount(testKey) != 1 {
		t.Fatalf("expected one subscriber, got %d", service.SubscriberCount(testKey))
	}
	stop()
	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected stream to close")
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not close after cancel")
	}
	deadline := time.Now().Add(time.Second)
	for service.SubscriberCount(testKey) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAddCommentValidation(t *testing.T) {
	service, _ := newTestService(t, &memorySource{}, 0)
	ctx := context.Background()
	if _, err := service.AddComment(ctx, testKey, Viewer{}, "  <br>  "); !errors.Is(err, ErrEmptyComment) {
		t.Fatalf("expected empty comment error, got %v", err)
	}
	if _, err := service.AddComment(ctx, testKey, Viewer{}, strings.Repeat("a", MaxCommentRunes+1)); !errors.Is(err, ErrCommentTooLong) {
		t.Fatalf("expected too long error, got %v", err)
	}
	if _, err := service.AddComment(ctx, Key{}, Viewer{}, "text"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key error, got %v", err)
	}
	comment, err := service.AddComment(ctx, testKey, Viewer{}, "guest note")
	if err != nil {
		t.Fatalf("guest comment: %v", err)
	}
	if comment.Author != annotations.GuestAuthor || comment.UserID != nil {
		t.Fatalf("expected guest comment, got %+v", comment)
	}
}

func TestWatchNotifiesOtherAuthorsAndInvalidatesReceipt(t *testing.T) {
	source := &memorySource{}
	service, store := newTestService(t, source, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := service.MarkViewed(ctx, testKey, "owner-1"); err != nil {
		t.Fatalf("mark viewed: %v", err)
	}
	notifications, stop := service.Watch(ctx, testKey, Viewer{UserID: "owner-1", DisplayName: "Owner"})
	defer stop()
	time.Sleep(80 * time.Millisecond)

	if _, err := service.AddComment(ctx, testKey, Viewer{UserID: "owner-1", DisplayName: "Owner"}, "my own note"); err != nil {
		t.Fatalf("own comment: %v", err)
	}
	if _, err := service.AddComment(ctx, testKey, Viewer{UserID: "alice", DisplayName: "Alice"}, "Please fix the dates"); err != nil {
		t.Fatalf("alice comment: %v", err)
	}

	select {
	case notification := <-notifications:
		if notification.Feed != FeedComments || notification.Author != "Alice" {
			t.Fatalf("unexpected notification %+v", notification)
		}
		if notification.Preview != "Please fix the dates" || notification.Sound != SoundComment {
			t.Fatalf("unexpected preview or sound %+v", notification)
		}
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}

	receipt, err := store.Get(ctx, "owner-1", testKey.String())
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if receipt.Viewed {
		t.Fatal("expected receipt to be invalidated")
	}

	service.PublishAnnotation(annotations.Record{ID: "rec-1", OwnerID: testKey.OwnerID, DocumentID: testKey.DocumentID, Author: "Bob", AuthorID: "bob", CreatedAtMillis: 5000})
	select {
	case notification := <-notifications:
		if notification.Feed != FeedAnnotations || notification.Author != "Bob" || notification.Sound != SoundAnnotation {
			t.Fatalf("unexpected annotation notification %+v", notification)
		}
	case <-time.After(time.Second):
		t.Fatal("expected annotation notification")
	}

	viewed, err := service.MarkViewed(ctx, testKey, "owner-1")
	if err != nil || !viewed.Viewed {
		t.Fatalf("expected viewed receipt, got %+v (%v)", viewed, err)
	}
}

func TestWatchSuppressesItemsInsideSettleWindow(t *testing.T) {
	service, _ := newTestService(t, &memorySource{}, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifications, stop := service.Watch(ctx, testKey, Viewer{UserID: "owner-1"})
	defer stop()

	if _, err := service.AddComment(ctx, testKey, Viewer{UserID: "alice", DisplayName: "Alice"}, "early"); err != nil {
		t.Fatalf("add comment: %v", err)
	}
	select {
	case notification := <-notifications:
		t.Fatalf("did not expect notification during settle window, got %+v", notification)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReceiptsRequireSignedInUser(t *testing.T) {
	service, _ := newTestService(t, &memorySource{}, 0)
	ctx := context.Background()
	if _, err := service.MarkViewed(ctx, testKey, ""); !errors.Is(err, ErrAnonymous) {
		t.Fatalf("expected anonymous error, got %v", err)
	}
	receipt, err := service.Receipt(ctx, testKey, "owner-1")
	if err != nil || receipt.Viewed {
		t.Fatalf("expected unread receipt, got %+v (%v)", receipt, err)
	}
}
