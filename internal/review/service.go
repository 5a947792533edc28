// Package review pushes annotation and comment feeds to reviewers and keeps
// their read receipts.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/receipts"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/sanitize"
)

// Key identifies a reviewed document.
type Key = annotations.DocumentKey

const (
	FeedComments    = "comments"
	FeedAnnotations = "annotations"

	SoundComment    = "comment-chime"
	SoundAnnotation = "annotation-chime"

	MaxCommentRunes = 2000

	DefaultSettleWindow = 1500 * time.Millisecond
	defaultRetryBackoff = 250 * time.Millisecond
	maxRetryBackoff     = 5 * time.Second
	previewRunes        = 80
)

var (
	ErrMissingSource  = errors.New("review: source is required")
	ErrEmptyComment   = errors.New("review: comment text is required")
	ErrCommentTooLong = errors.New("review: comment is too long")
	ErrInvalidKey     = errors.New("review: owner and document identifiers are required")
	ErrAnonymous      = errors.New("review: read receipts require a signed-in user")
)

// Source is the persisted state the feeds replay from.
type Source interface {
	ListComments(ctx context.Context, key annotations.DocumentKey) ([]annotations.Comment, error)
	LatestRecord(ctx context.Context, key annotations.DocumentKey) (annotations.Record, bool, error)
	CreateComment(ctx context.Context, input annotations.NewComment) (annotations.Comment, error)
}

// Viewer is the identity a feed is consumed as.
type Viewer struct {
	UserID      string
	DisplayName string
}

// CommentEvent carries the full comment list, newest first. Added is nil on
// the replay event.
type CommentEvent struct {
	Comments []annotations.Comment `json:"comments"`
	Added    *annotations.Comment  `json:"added,omitempty"`
	Replay   bool                  `json:"replay"`
}

// AnnotationEvent carries the active annotation record, nil when the document
// has none.
type AnnotationEvent struct {
	Record *annotations.Record `json:"record"`
	Replay bool                `json:"replay"`
}

// Notification announces live activity by someone other than the viewer.
type Notification struct {
	Feed    string    `json:"feed"`
	Author  string    `json:"author"`
	Preview string    `json:"preview"`
	Sound   string    `json:"sound"`
	At      time.Time `json:"at"`
}

type Config struct {
	Source       Source
	Receipts     receipts.Store
	Clock        func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	SettleWindow time.Duration
	RetryBackoff time.Duration
}

type Service struct {
	source       Source
	receipts     receipts.Store
	clock        func() time.Time
	logger       *zap.Logger
	metrics      *metrics.Metrics
	settleWindow time.Duration
	retryBackoff time.Duration
	dispatcher   *dispatcher
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Source == nil {
		return nil, ErrMissingSource
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := cfg.Receipts
	if store == nil {
		store = receipts.NewMemoryStore()
	}
	settle := cfg.SettleWindow
	if settle < 0 {
		settle = 0
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Service{
		source:       cfg.Source,
		receipts:     store,
		clock:        clock,
		logger:       logger,
		metrics:      cfg.Metrics,
		settleWindow: settle,
		retryBackoff: backoff,
		dispatcher:   newDispatcher(defaultDispatcherBuffer),
	}, nil
}

// PublishComment fans a stored comment out to the document's subscribers.
func (s *Service) PublishComment(comment annotations.Comment) {
	copied := comment
	s.dispatcher.publish(comment.Key(), feedMessage{comment: &copied})
	s.metrics.FeedEvent(FeedComments)
}

// PublishAnnotation fans a stored record out to the document's subscribers.
func (s *Service) PublishAnnotation(record annotations.Record) {
	copied := record
	s.dispatcher.publish(record.Key(), feedMessage{record: &copied})
	s.metrics.FeedEvent(FeedAnnotations)
}

// AddComment sanitizes, stores and publishes a comment.
func (s *Service) AddComment(ctx context.Context, key Key, author Viewer, text string) (annotations.Comment, error) {
	if !key.Valid() {
		return annotations.Comment{}, ErrInvalidKey
	}
	clean := sanitize.Text(text)
	if clean == "" {
		return annotations.Comment{}, ErrEmptyComment
	}
	if utf8.RuneCountInString(clean) > MaxCommentRunes {
		return annotations.Comment{}, ErrCommentTooLong
	}
	comment, err := s.source.CreateComment(ctx, annotations.NewComment{
		Key:    key,
		Text:   clean,
		Author: author.DisplayName,
		UserID: author.UserID,
	})
	if err != nil {
		return annotations.Comment{}, err
	}
	s.metrics.Comment()
	s.PublishComment(comment)
	return comment, nil
}

// SubscribeComments streams the comment feed of a document. The first event
// is the replay of every stored comment.
func (s *Service) SubscribeComments(ctx context.Context, key Key) (<-chan CommentEvent, func()) {
	out := make(chan CommentEvent, 1)
	if !key.Valid() {
		close(out)
		return out, func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	live, release := s.dispatcher.subscribe(ctx, key)
	s.metrics.FeedSubscribed(FeedComments, 1)

	go func() {
		defer close(out)
		defer s.metrics.FeedSubscribed(FeedComments, -1)
		defer release()

		var comments []annotations.Comment
		ok := s.retry(ctx, FeedComments, key, func() error {
			loaded, err := s.source.ListComments(ctx, key)
			if err != nil {
				return err
			}
			comments = loaded
			return nil
		})
		if !ok {
			return
		}
		annotations.SortCommentsNewestFirst(comments)
		seen := make(map[string]struct{}, len(comments))
		for _, comment := range comments {
			seen[comment.ID] = struct{}{}
		}
		if !sendComment(ctx, out, CommentEvent{Comments: cloneComments(comments), Replay: true}) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case message, open := <-live:
				if !open {
					return
				}
				if message.comment == nil {
					continue
				}
				if _, dup := seen[message.comment.ID]; dup {
					continue
				}
				seen[message.comment.ID] = struct{}{}
				comments = insertComment(comments, *message.comment)
				added := *message.comment
				if !sendComment(ctx, out, CommentEvent{Comments: cloneComments(comments), Added: &added}) {
					return
				}
			}
		}
	}()
	return out, cancel
}

// SubscribeAnnotations streams the active annotation record of a document.
// A record older than the current one is ignored.
func (s *Service) SubscribeAnnotations(ctx context.Context, key Key) (<-chan AnnotationEvent, func()) {
	out := make(chan AnnotationEvent, 1)
	if !key.Valid() {
		close(out)
		return out, func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	live, release := s.dispatcher.subscribe(ctx, key)
	s.metrics.FeedSubscribed(FeedAnnotations, 1)

	go func() {
		defer close(out)
		defer s.metrics.FeedSubscribed(FeedAnnotations, -1)
		defer release()

		var current *annotations.Record
		ok := s.retry(ctx, FeedAnnotations, key, func() error {
			record, found, err := s.source.LatestRecord(ctx, key)
			if err != nil {
				return err
			}
			if found {
				current = &record
			}
			return nil
		})
		if !ok {
			return
		}
		if !sendAnnotation(ctx, out, AnnotationEvent{Record: cloneRecord(current), Replay: true}) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case message, open := <-live:
				if !open {
					return
				}
				if message.record == nil {
					continue
				}
				if current != nil && !message.record.NewerThan(*current) {
					continue
				}
				current = message.record
				if !sendAnnotation(ctx, out, AnnotationEvent{Record: cloneRecord(current)}) {
					return
				}
			}
		}
	}()
	return out, cancel
}

// Watch turns live feed items into notifications for the viewer. Items that
// arrive within the settle window after subscribing, and items authored by
// the viewer, are not announced. Each announced item marks the viewer's read
// receipt as unread.
func (s *Service) Watch(ctx context.Context, key Key, viewer Viewer) (<-chan Notification, func()) {
	out := make(chan Notification, 1)
	if !key.Valid() {
		close(out)
		return out, func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	comments, cancelComments := s.SubscribeComments(ctx, key)
	records, cancelRecords := s.SubscribeAnnotations(ctx, key)

	go func() {
		defer close(out)
		defer cancelComments()
		defer cancelRecords()

		settled := s.settleWindow == 0
		settle := time.NewTimer(s.settleWindow)
		defer settle.Stop()

		for comments != nil || records != nil {
			var notification *Notification
			select {
			case <-ctx.Done():
				return
			case <-settle.C:
				settled = true
			case event, open := <-comments:
				if !open {
					comments = nil
					continue
				}
				if event.Replay || event.Added == nil || !settled {
					continue
				}
				if event.Added.AuthoredBy(viewer.UserID) {
					continue
				}
				notification = &Notification{
					Feed:    FeedComments,
					Author:  event.Added.Author,
					Preview: sanitize.Preview(event.Added.Text, previewRunes),
					Sound:   SoundComment,
					At:      s.clock().UTC(),
				}
			case event, open := <-records:
				if !open {
					records = nil
					continue
				}
				if event.Replay || event.Record == nil || !settled {
					continue
				}
				if viewer.UserID != "" && event.Record.AuthorID == viewer.UserID {
					continue
				}
				notification = &Notification{
					Feed:    FeedAnnotations,
					Author:  event.Record.Author,
					Preview: fmt.Sprintf("%s added annotations", event.Record.Author),
					Sound:   SoundAnnotation,
					At:      s.clock().UTC(),
				}
			}
			if notification == nil {
				continue
			}
			s.invalidateReceipt(ctx, key, viewer, notification.At)
			s.metrics.Notification()
			select {
			case out <- *notification:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel
}

// MarkViewed records that the user has opened the review panel.
func (s *Service) MarkViewed(ctx context.Context, key Key, userID string) (receipts.Receipt, error) {
	if !key.Valid() {
		return receipts.Receipt{}, ErrInvalidKey
	}
	if strings.TrimSpace(userID) == "" {
		return receipts.Receipt{}, ErrAnonymous
	}
	receipt := receipts.Receipt{Viewed: true, Timestamp: s.clock().UTC()}
	if err := s.receipts.Put(ctx, userID, key.String(), receipt); err != nil {
		s.logError("review.mark_viewed", err, zap.String("document", key.String()))
		return receipts.Receipt{}, err
	}
	return receipt, nil
}

// Receipt returns the user's read receipt for the document.
func (s *Service) Receipt(ctx context.Context, key Key, userID string) (receipts.Receipt, error) {
	if !key.Valid() {
		return receipts.Receipt{}, ErrInvalidKey
	}
	if strings.TrimSpace(userID) == "" {
		return receipts.Receipt{}, ErrAnonymous
	}
	return s.receipts.Get(ctx, userID, key.String())
}

// SubscriberCount reports the live feed subscriptions on a document.
func (s *Service) SubscriberCount(key Key) int {
	return s.dispatcher.subscriberCount(key)
}

func (s *Service) invalidateReceipt(ctx context.Context, key Key, viewer Viewer, at time.Time) {
	if strings.TrimSpace(viewer.UserID) == "" {
		return
	}
	if err := s.receipts.Put(ctx, viewer.UserID, key.String(), receipts.Receipt{Viewed: false, Timestamp: at}); err != nil {
		s.logError("review.invalidate_receipt", err, zap.String("document", key.String()), zap.String("user_id", viewer.UserID))
	}
}

// retry runs load until it succeeds or ctx ends, doubling the wait between
// attempts.
func (s *Service) retry(ctx context.Context, feed string, key Key, load func() error) bool {
	backoff := s.retryBackoff
	for attempt := 1; ; attempt++ {
		err := load()
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		s.logger.Warn("feed replay failed",
			zap.String("feed", feed),
			zap.String("document", key.String()),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", backoff),
			zap.Error(err),
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
}

func (s *Service) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation), zap.Error(err)}
	attrs = append(attrs, fields...)
	s.logger.Error("review service error", attrs...)
}

func insertComment(comments []annotations.Comment, comment annotations.Comment) []annotations.Comment {
	index := len(comments)
	for i, existing := range comments {
		if comment.NewerThan(existing) {
			index = i
			break
		}
	}
	comments = append(comments, annotations.Comment{})
	copy(comments[index+1:], comments[index:])
	comments[index] = comment
	return comments
}

func cloneComments(comments []annotations.Comment) []annotations.Comment {
	return append([]annotations.Comment(nil), comments...)
}

func cloneRecord(record *annotations.Record) *annotations.Record {
	if record == nil {
		return nil
	}
	copied := *record
	copied.Objects = append([]annotations.ObjectProjection(nil), record.Objects...)
	return &copied
}

func sendComment(ctx context.Context, out chan<- CommentEvent, event CommentEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func sendAnnotation(ctx context.Context, out chan<- AnnotationEvent, event AnnotationEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
