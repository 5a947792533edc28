package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/permissions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillGuestAuthors      = "2026-09-14_backfill_guest_authors"
	migrationNormalizeSharePermissions = "2026-09-21_normalize_share_permissions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillGuestAuthors, apply: backfillGuestAuthors},
		{name: migrationNormalizeSharePermissions, apply: normalizeSharePermissions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillGuestAuthors gives anonymous rows written without an author name the
// guest display name.
func backfillGuestAuthors(db *gorm.DB) error {
	if err := db.Model(&annotations.Comment{}).
		Where("TRIM(author) = ''").
		Update("author", annotations.GuestAuthor).Error; err != nil {
		return err
	}
	return db.Model(&annotations.Record{}).
		Where("TRIM(author) = ''").
		Update("author", annotations.GuestAuthor).Error
}

// normalizeSharePermissions downgrades share permissions that are not
// grantable to viewer.
func normalizeSharePermissions(db *gorm.DB) error {
	return db.Model(&documents.Document{}).
		Where("share_permission NOT IN ?", []string{string(permissions.CapabilityViewer), string(permissions.CapabilityCommenter)}).
		Update("share_permission", string(permissions.CapabilityViewer)).Error
}
