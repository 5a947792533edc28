// Package annotations stores annotation records and review comments.
package annotations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errInvalidKey        = errors.New("owner and document identifiers are required")
	errMissingImageURL   = errors.New("image url is required")
	errEmptyComment      = errors.New("comment text is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "annotations.service.new"
	opCreateRecord   = "annotations.create_record"
	opLatestRecord   = "annotations.latest_record"
	opListRecords    = "annotations.list_records"
	opCreateComment  = "annotations.create_comment"
	opListComments   = "annotations.list_comments"
	defaultListLimit = 50
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers, which
// sort by creation time.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// NewRecord is the input for CreateRecord. The creation time is assigned by the
// service.
type NewRecord struct {
	Key      DocumentKey
	ImageURL string
	Author   string
	AuthorID string
	Objects  []ObjectProjection
}

// CreateRecord stores an annotation record and its object projections in one
// transaction.
func (s *Service) CreateRecord(ctx context.Context, input NewRecord) (Record, error) {
	if !input.Key.Valid() {
		return Record{}, newServiceError(opCreateRecord, "invalid_key", errInvalidKey)
	}
	if strings.TrimSpace(input.ImageURL) == "" {
		return Record{}, newServiceError(opCreateRecord, "missing_image_url", errMissingImageURL)
	}
	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateRecord, "id_generation_failed", err)
		return Record{}, newServiceError(opCreateRecord, "id_generation_failed", err)
	}

	record := Record{
		ID:              recordID,
		OwnerID:         input.Key.OwnerID,
		DocumentID:      input.Key.DocumentID,
		ImageURL:        input.ImageURL,
		Author:          authorOrGuest(input.Author),
		AuthorID:        strings.TrimSpace(input.AuthorID),
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	objects := make([]ObjectProjection, len(input.Objects))
	for i, projection := range input.Objects {
		projection.RecordID = recordID
		projection.Position = i
		objects[i] = projection
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Objects").Create(&record).Error; err != nil {
			s.logError(opCreateRecord, "record_insert_failed", err,
				zap.String("owner_id", record.OwnerID),
				zap.String("document_id", record.DocumentID))
			return newServiceError(opCreateRecord, "record_insert_failed", err)
		}
		if len(objects) == 0 {
			return nil
		}
		if err := tx.Create(&objects).Error; err != nil {
			s.logError(opCreateRecord, "objects_insert_failed", err,
				zap.String("record_id", record.ID))
			return newServiceError(opCreateRecord, "objects_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Record{}, txErr
	}

	record.Objects = objects
	return record, nil
}

// LatestRecord returns the active overlay of a document. The boolean is false
// when the document has no records.
func (s *Service) LatestRecord(ctx context.Context, key DocumentKey) (Record, bool, error) {
	if !key.Valid() {
		return Record{}, false, newServiceError(opLatestRecord, "invalid_key", errInvalidKey)
	}
	var record Record
	err := s.db.WithContext(ctx).
		Preload("Objects", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("owner_id = ? AND document_id = ?", key.OwnerID, key.DocumentID).
		Order("created_at_ms DESC").
		Order("id DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		s.logError(opLatestRecord, "query_failed", err, zap.String("document", key.String()))
		return Record{}, false, newServiceError(opLatestRecord, "query_failed", err)
	}
	return record, true, nil
}

// ListRecords returns earlier saves newest first, without object projections.
func (s *Service) ListRecords(ctx context.Context, key DocumentKey, limit int) ([]Record, error) {
	if !key.Valid() {
		return nil, newServiceError(opListRecords, "invalid_key", errInvalidKey)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	var records []Record
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND document_id = ?", key.OwnerID, key.DocumentID).
		Order("created_at_ms DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opListRecords, "query_failed", err, zap.String("document", key.String()))
		return nil, newServiceError(opListRecords, "query_failed", err)
	}
	return records, nil
}

// NewComment is the input for CreateComment.
type NewComment struct {
	Key    DocumentKey
	Text   string
	Author string
	UserID string
}

// CreateComment appends a comment. Text is stored as given; callers sanitize.
func (s *Service) CreateComment(ctx context.Context, input NewComment) (Comment, error) {
	if !input.Key.Valid() {
		return Comment{}, newServiceError(opCreateComment, "invalid_key", errInvalidKey)
	}
	if strings.TrimSpace(input.Text) == "" {
		return Comment{}, newServiceError(opCreateComment, "empty_text", errEmptyComment)
	}
	commentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateComment, "id_generation_failed", err)
		return Comment{}, newServiceError(opCreateComment, "id_generation_failed", err)
	}
	comment := Comment{
		ID:              commentID,
		OwnerID:         input.Key.OwnerID,
		DocumentID:      input.Key.DocumentID,
		Text:            input.Text,
		Author:          authorOrGuest(input.Author),
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	if userID := strings.TrimSpace(input.UserID); userID != "" {
		comment.UserID = &userID
	}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		s.logError(opCreateComment, "insert_failed", err, zap.String("document", input.Key.String()))
		return Comment{}, newServiceError(opCreateComment, "insert_failed", err)
	}
	return comment, nil
}

// ListComments returns every comment of a document, newest first.
func (s *Service) ListComments(ctx context.Context, key DocumentKey) ([]Comment, error) {
	if !key.Valid() {
		return nil, newServiceError(opListComments, "invalid_key", errInvalidKey)
	}
	var comments []Comment
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND document_id = ?", key.OwnerID, key.DocumentID).
		Order("created_at_ms DESC").
		Order("id DESC").
		Find(&comments).Error; err != nil {
		s.logError(opListComments, "query_failed", err, zap.String("document", key.String()))
		return nil, newServiceError(opListComments, "query_failed", err)
	}
	return comments, nil
}

// SortCommentsNewestFirst orders comments in place.
func SortCommentsNewestFirst(comments []Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].NewerThan(comments[j])
	})
}

func authorOrGuest(author string) string {
	if trimmed := strings.TrimSpace(author); trimmed != "" {
		return trimmed
	}
	return GuestAuthor
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("annotations service error", attrs...)
}
