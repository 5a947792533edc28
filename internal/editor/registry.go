// Package editor hosts the editing sessions of open annotation overlays.
package editor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/history"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/permissions"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/scene"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/tools"
)

const (
	DefaultIdleTTL      = 30 * time.Minute
	DefaultHistoryDepth = 100
)

var (
	ErrSessionNotFound  = errors.New("editor: session not found")
	ErrForbidden        = errors.New("editor: session belongs to another reviewer")
	ErrMissingDocuments = errors.New("editor: document store is required")
	ErrMissingRecords   = errors.New("editor: record source is required")
)

// DocumentStore loads documents.
type DocumentStore interface {
	Get(ctx context.Context, key annotations.DocumentKey) (documents.Document, error)
}

// RecordSource loads the active annotation record of a document.
type RecordSource interface {
	LatestRecord(ctx context.Context, key annotations.DocumentKey) (annotations.Record, bool, error)
}

type Config struct {
	Documents    DocumentStore
	Records      RecordSource
	Blobs        blobstore.Store
	Saver        persistence.Config
	IDProvider   scene.IDProvider
	ObjectIDs    scene.IDProvider
	HistoryDepth int
	IdleTTL      time.Duration
	PageWidth    float64
	PageHeight   float64
	Clock        func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Registry owns the open editing sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	documents    DocumentStore
	records      RecordSource
	blobs        blobstore.Store
	saverConfig  persistence.Config
	sessionIDs   scene.IDProvider
	objectIDs    scene.IDProvider
	historyDepth int
	idleTTL      time.Duration
	pageWidth    float64
	pageHeight   float64
	clock        func() time.Time
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Documents == nil {
		return nil, ErrMissingDocuments
	}
	if cfg.Records == nil {
		return nil, ErrMissingRecords
	}
	if cfg.Blobs == nil {
		return nil, persistence.ErrMissingBlobs
	}
	saverConfig := cfg.Saver
	if saverConfig.Blobs == nil {
		saverConfig.Blobs = cfg.Blobs
	}
	if saverConfig.Records == nil {
		return nil, persistence.ErrMissingRecords
	}
	sessionIDs := cfg.IDProvider
	if sessionIDs == nil {
		sessionIDs = scene.NewUUIDProvider()
	}
	objectIDs := cfg.ObjectIDs
	if objectIDs == nil {
		objectIDs = scene.NewUUIDProvider()
	}
	depth := cfg.HistoryDepth
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	pageWidth, pageHeight := cfg.PageWidth, cfg.PageHeight
	if pageWidth <= 0 || pageHeight <= 0 {
		pageWidth, pageHeight = scene.DefaultPageWidth, scene.DefaultPageHeight
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if saverConfig.Logger == nil {
		saverConfig.Logger = logger
	}
	if saverConfig.Metrics == nil {
		saverConfig.Metrics = cfg.Metrics
	}
	return &Registry{
		sessions:     make(map[string]*Session),
		documents:    cfg.Documents,
		records:      cfg.Records,
		blobs:        cfg.Blobs,
		saverConfig:  saverConfig,
		sessionIDs:   sessionIDs,
		objectIDs:    objectIDs,
		historyDepth: depth,
		idleTTL:      idleTTL,
		pageWidth:    pageWidth,
		pageHeight:   pageHeight,
		clock:        clock,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Open starts an editing session on a document. The scene is loaded with the
// page background and the active annotation record. Callers without the
// annotate capability get tools.ErrReadOnly.
func (r *Registry) Open(ctx context.Context, key annotations.DocumentKey, identity Identity) (*Session, error) {
	if !key.Valid() {
		return nil, persistence.ErrInvalidKey
	}
	identity.UserID = strings.TrimSpace(identity.UserID)
	document, err := r.documents.Get(ctx, key)
	if errors.Is(err, documents.ErrDocumentNotFound) && identity.UserID != "" && identity.UserID == key.OwnerID {
		document = documents.Document{OwnerID: key.OwnerID, DocumentID: key.DocumentID}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	capability := document.CapabilityFor(identity.UserID)
	if !permissions.Can(capability, permissions.ActionAnnotate) {
		return nil, tools.ErrReadOnly
	}

	current := scene.New(scene.Config{
		PageWidth:  r.pageWidth,
		PageHeight: r.pageHeight,
		Logger:     r.logger,
	})
	r.attachBackground(ctx, current, document)
	if err := r.loadLatest(ctx, current, key); err != nil {
		return nil, err
	}

	manager, err := history.NewManager(history.Config{Scene: current, MaxDepth: r.historyDepth, Logger: r.logger})
	if err != nil {
		return nil, err
	}
	controller, err := tools.NewController(tools.Config{
		Scene:      current,
		History:    manager,
		Capability: capability,
		IDProvider: r.objectIDs,
		Logger:     r.logger,
	})
	if err != nil {
		manager.Close()
		return nil, err
	}
	saver, err := persistence.NewSaver(r.saverConfig)
	if err != nil {
		manager.Close()
		return nil, err
	}
	sessionID, err := r.sessionIDs.NewID()
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	session := &Session{
		id:         sessionID,
		key:        key,
		identity:   identity,
		capability: capability,
		scene:      current,
		history:    manager,
		controller: controller,
		saver:      saver,
		clock:      r.clock,
	}
	session.touch()

	r.mu.Lock()
	r.sessions[sessionID] = session
	r.mu.Unlock()
	r.metrics.SessionOpened()
	r.logger.Info("editing session opened",
		zap.String("session_id", sessionID),
		zap.String("document", key.String()),
		zap.String("capability", string(capability)))
	return session, nil
}

func (r *Registry) attachBackground(ctx context.Context, current *scene.Scene, document documents.Document) {
	if document.BackgroundKey == "" {
		return
	}
	width, height := current.PageSize()
	object, err := r.blobs.Get(ctx, document.BackgroundKey)
	if err != nil {
		r.logger.Warn("page background unavailable",
			zap.String("document", document.Key().String()),
			zap.Error(err))
		return
	}
	img, _, err := image.Decode(bytes.NewReader(object.Data))
	if err != nil {
		r.logger.Warn("page background could not be decoded",
			zap.String("document", document.Key().String()),
			zap.Error(err))
		return
	}
	if err := current.SetBackground(document.BackgroundKey, img, width, height); err != nil {
		r.logger.Warn("page background rejected",
			zap.String("document", document.Key().String()),
			zap.Error(err))
	}
}

func (r *Registry) loadLatest(ctx context.Context, current *scene.Scene, key annotations.DocumentKey) error {
	record, found, err := r.records.LatestRecord(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	raws, skipped := persistence.Restore(record.Objects)
	for _, objectID := range skipped {
		r.logger.Warn("annotation payload skipped",
			zap.String("record_id", record.ID),
			zap.String("object_id", objectID))
	}
	description, err := current.Describe()
	if err != nil {
		return err
	}
	description.Objects = raws
	data, err := json.Marshal(description)
	if err != nil {
		return err
	}
	if _, err := current.Hydrate(data); err != nil {
		return err
	}
	return nil
}

// Get returns the session if it belongs to userID.
func (r *Registry) Get(sessionID, userID string) (*Session, error) {
	r.mu.RLock()
	session, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !session.OwnedBy(userID) {
		return nil, ErrForbidden
	}
	return session, nil
}

// Close disposes a session.
func (r *Registry) Close(sessionID, userID string) error {
	session, err := r.Get(sessionID, userID)
	if err != nil {
		return err
	}
	r.remove(session, "closed")
	return nil
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictIdle closes sessions unused for longer than the idle TTL.
func (r *Registry) EvictIdle() int {
	cutoff := r.clock().Add(-r.idleTTL)
	r.mu.RLock()
	var idle []*Session
	for _, session := range r.sessions {
		if session.idleSince().Before(cutoff) {
			idle = append(idle, session)
		}
	}
	r.mu.RUnlock()
	for _, session := range idle {
		r.remove(session, "idle")
	}
	return len(idle)
}

// Run evicts idle sessions until ctx ends, then closes every session.
func (r *Registry) Run(ctx context.Context) {
	interval := r.idleTTL / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.CloseAll()
			return
		case <-ticker.C:
			if evicted := r.EvictIdle(); evicted > 0 {
				r.logger.Info("idle editing sessions evicted", zap.Int("count", evicted))
			}
		}
	}
}

// CloseAll disposes every session.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		all = append(all, session)
	}
	r.mu.RUnlock()
	for _, session := range all {
		r.remove(session, "shutdown")
	}
}

func (r *Registry) remove(session *Session, reason string) {
	r.mu.Lock()
	if r.sessions[session.id] == session {
		delete(r.sessions, session.id)
	}
	r.mu.Unlock()
	if session.close() {
		r.metrics.SessionClosed()
		r.logger.Info("editing session closed",
			zap.String("session_id", session.id),
			zap.String("reason", reason))
	}
}
