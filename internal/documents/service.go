// Package documents stores shared documents: the page image under review and
// the owner's sharing settings.
package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/permissions"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrDocumentNotFound       = errors.New("documents: document not found")
	ErrInvalidSharePermission = errors.New("documents: share permission must be viewer or commenter")
	errMissingDatabase        = errors.New("database handle is required")
	errInvalidKey             = errors.New("owner and document identifiers are required")
	noOpLogger                = zap.NewNop()
)

const (
	opServiceNew     = "documents.service.new"
	opGet            = "documents.get"
	opUpdateSettings = "documents.update_settings"
	opSetBackground  = "documents.set_background"
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

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Document is a page owned by one user and optionally shared with reviewers.
type Document struct {
	OwnerID         string `gorm:"column:owner_id;primaryKey;size:190;not null" json:"owner_id"`
	DocumentID      string `gorm:"column:document_id;primaryKey;size:190;not null" json:"document_id"`
	Title           string `gorm:"column:title;size:320" json:"title"`
	BackgroundKey   string `gorm:"column:background_key;size:1024" json:"-"`
	BackgroundURL   string `gorm:"column:background_url;size:1024" json:"background_url,omitempty"`
	ImageWidth      int    `gorm:"column:image_width;not null;default:0" json:"image_width,omitempty"`
	ImageHeight     int    `gorm:"column:image_height;not null;default:0" json:"image_height,omitempty"`
	ShareEnabled    bool   `gorm:"column:share_enabled;not null;default:false" json:"share_enabled"`
	SharePermission string `gorm:"column:share_permission;size:16;not null;default:viewer" json:"share_permission"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null" json:"created_at_ms"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null" json:"updated_at_ms"`
}

// TableName exposes the table backing documents.
func (Document) TableName() string {
	return "documents"
}

func (d Document) Key() annotations.DocumentKey {
	return annotations.DocumentKey{OwnerID: d.OwnerID, DocumentID: d.DocumentID}
}

func (d Document) Share() permissions.ShareConfig {
	return permissions.ShareConfig{Enabled: d.ShareEnabled, Permission: d.SharePermission}
}

// CapabilityFor derives the capability of a caller on this document.
func (d Document) CapabilityFor(userID string) permissions.Capability {
	isOwner := userID != "" && userID == d.OwnerID
	return permissions.DeriveCapability(isOwner, d.Share())
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get loads a document.
func (s *Service) Get(ctx context.Context, key annotations.DocumentKey) (Document, error) {
	if !key.Valid() {
		return Document{}, newServiceError(opGet, "invalid_key", errInvalidKey)
	}
	var document Document
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND document_id = ?", key.OwnerID, key.DocumentID).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("document", key.String()))
		return Document{}, newServiceError(opGet, "query_failed", err)
	}
	return document, nil
}

// Settings is a partial update of the owner-controlled document fields.
type Settings struct {
	Title           *string
	ShareEnabled    *bool
	SharePermission *string
}

// UpdateSettings applies owner settings, creating the document on first use.
func (s *Service) UpdateSettings(ctx context.Context, key annotations.DocumentKey, settings Settings) (Document, error) {
	if !key.Valid() {
		return Document{}, newServiceError(opUpdateSettings, "invalid_key", errInvalidKey)
	}
	if settings.SharePermission != nil && !permissions.ValidSharePermission(*settings.SharePermission) {
		return Document{}, ErrInvalidSharePermission
	}
	var result Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		document, err := s.loadOrInit(tx, key)
		if err != nil {
			return err
		}
		if settings.Title != nil {
			document.Title = strings.TrimSpace(*settings.Title)
		}
		if settings.ShareEnabled != nil {
			document.ShareEnabled = *settings.ShareEnabled
		}
		if settings.SharePermission != nil {
			document.SharePermission = string(permissions.NormalizeCapability(*settings.SharePermission))
		}
		document.UpdatedAtMillis = s.clock().UTC().UnixMilli()
		if err := tx.Save(&document).Error; err != nil {
			return err
		}
		result = document
		return nil
	})
	if err != nil {
		s.logError(opUpdateSettings, "save_failed", err, zap.String("document", key.String()))
		return Document{}, newServiceError(opUpdateSettings, "save_failed", err)
	}
	return result, nil
}

// Background describes an uploaded page image. The pixel size is kept as
// metadata; the editor stretches the image over its fixed page surface.
type Background struct {
	Key         string
	URL         string
	ImageWidth  int
	ImageHeight int
}

// SetBackground replaces the page image, creating the document on first use.
func (s *Service) SetBackground(ctx context.Context, key annotations.DocumentKey, background Background) (Document, error) {
	if !key.Valid() {
		return Document{}, newServiceError(opSetBackground, "invalid_key", errInvalidKey)
	}
	var result Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		document, err := s.loadOrInit(tx, key)
		if err != nil {
			return err
		}
		document.BackgroundKey = background.Key
		document.BackgroundURL = background.URL
		document.ImageWidth = background.ImageWidth
		document.ImageHeight = background.ImageHeight
		document.UpdatedAtMillis = s.clock().UTC().UnixMilli()
		if err := tx.Save(&document).Error; err != nil {
			return err
		}
		result = document
		return nil
	})
	if err != nil {
		s.logError(opSetBackground, "save_failed", err, zap.String("document", key.String()))
		return Document{}, newServiceError(opSetBackground, "save_failed", err)
	}
	return result, nil
}

func (s *Service) loadOrInit(tx *gorm.DB, key annotations.DocumentKey) (Document, error) {
	var document Document
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ? AND document_id = ?", key.OwnerID, key.DocumentID).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		now := s.clock().UTC().UnixMilli()
		return Document{
			OwnerID:         key.OwnerID,
			DocumentID:      key.DocumentID,
			SharePermission: string(permissions.CapabilityViewer),
			CreatedAtMillis: now,
			UpdatedAtMillis: now,
		}, nil
	}
	return document, err
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
	s.logger.Error("documents service error", attrs...)
}
