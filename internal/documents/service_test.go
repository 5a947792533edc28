package documents

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/permissions"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Document{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.UnixMilli(1_700_000_000_000)
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

var testKey = annotations.DocumentKey{OwnerID: "owner-1", DocumentID: "resume"}

func TestGetMissingDocument(t *testing.T) {
	service := newTestService(t)
	if _, err := service.Get(context.Background(), testKey); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateSettingsCreatesAndShares(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	title := "Resume v3"
	enabled := true
	permission := "commenter"

	document, err := service.UpdateSettings(ctx, testKey, Settings{Title: &title, ShareEnabled: &enabled, SharePermission: &permission})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if document.Title != title || !document.ShareEnabled || document.SharePermission != "commenter" {
		t.Fatalf("unexpected document %+v", document)
	}

	loaded, err := service.Get(ctx, testKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.CapabilityFor("owner-1") != permissions.CapabilityEditor {
		t.Fatal("owner must be editor")
	}
	if loaded.CapabilityFor("reviewer") != permissions.CapabilityCommenter {
		t.Fatal("reviewer must be commenter on a commenter share")
	}
	if loaded.CapabilityFor("") != permissions.CapabilityCommenter {
		t.Fatal("guest must be commenter on a commenter share")
	}
}

func TestUpdateSettingsRejectsEditorShare(t *testing.T) {
	service := newTestService(t)
	permission := "editor"
	_, err := service.UpdateSettings(context.Background(), testKey, Settings{SharePermission: &permission})
	if !errors.Is(err, ErrInvalidSharePermission) {
		t.Fatalf("expected invalid share permission, got %v", err)
	}
}

func TestSetBackgroundKeepsSettings(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	enabled := true
	if _, err := service.UpdateSettings(ctx, testKey, Settings{ShareEnabled: &enabled}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	document, err := service.SetBackground(ctx, testKey, Background{
		Key:        "backgrounds/owner-1/resume/page.png",
		URL:        "https://blobs.example/page.png",
		ImageWidth:  1588,
		ImageHeight: 2246,
	})
	if err != nil {
		t.Fatalf("set background: %v", err)
	}
	if !document.ShareEnabled || document.BackgroundKey == "" || document.ImageWidth != 1588 {
		t.Fatalf("unexpected document %+v", document)
	}
	if document.CapabilityFor("someone") != permissions.CapabilityViewer {
		t.Fatal("default share permission must be viewer")
	}
}
