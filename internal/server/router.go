// Package server exposes the review engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/review"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/users"
)

const callerContextKey = "markup_caller"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingDocuments        = errors.New("documents dependency required")
	errMissingAnnotations      = errors.New("annotations dependency required")
	errMissingReview           = errors.New("review service dependency required")
	errMissingEditor           = errors.New("editor registry dependency required")
	errMissingBlobs            = errors.New("blob store dependency required")
)

// SessionValidator authenticates a request from its session cookie or bearer
// token.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.ReviewerClaims, error)
}

// ProfileResolver maps session claims onto the stored reviewer profile.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, claims auth.ReviewerClaims) (users.Profile, error)
}

type DocumentService interface {
	Get(ctx context.Context, key annotations.DocumentKey) (documents.Document, error)
	UpdateSettings(ctx context.Context, key annotations.DocumentKey, settings documents.Settings) (documents.Document, error)
	SetBackground(ctx context.Context, key annotations.DocumentKey, background documents.Background) (documents.Document, error)
}

type AnnotationReader interface {
	LatestRecord(ctx context.Context, key annotations.DocumentKey) (annotations.Record, bool, error)
	ListComments(ctx context.Context, key annotations.DocumentKey) ([]annotations.Comment, error)
}

type Dependencies struct {
	Sessions       SessionValidator
	Profiles       ProfileResolver
	Documents      DocumentService
	Annotations    AnnotationReader
	Review         *review.Service
	Editor         *editor.Registry
	Blobs          blobstore.Store
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Clock          func() time.Time
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}
	if deps.Annotations == nil {
		return nil, errMissingAnnotations
	}
	if deps.Review == nil {
		return nil, errMissingReview
	}
	if deps.Editor == nil {
		return nil, errMissingEditor
	}
	if deps.Blobs == nil {
		return nil, errMissingBlobs
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	handler := &httpHandler{
		sessions:    deps.Sessions,
		profiles:    deps.Profiles,
		documents:   deps.Documents,
		annotations: deps.Annotations,
		review:      deps.Review,
		editor:      deps.Editor,
		blobs:       deps.Blobs,
		metrics:     deps.Metrics,
		clock:       clock,
		logger:      logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.observeRequests)
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	api.Use(handler.identifyCaller)

	document := api.Group("/documents/:owner/:doc")
	document.GET("", handler.handleGetDocument)
	document.PUT("", handler.handleUpdateDocument)
	document.PUT("/background", handler.handleUploadBackground)
	document.GET("/annotations/latest", handler.handleLatestAnnotation)
	document.GET("/comments", handler.handleListComments)
	document.POST("/comments", handler.handleAddComment)
	document.GET("/stream", handler.handleStream)
	document.GET("/receipt", handler.handleGetReceipt)
	document.POST("/receipt/viewed", handler.handleMarkViewed)
	document.POST("/sessions", handler.handleOpenSession)

	session := api.Group("/sessions/:id")
	session.GET("", handler.handleSessionState)
	session.POST("/tool", handler.handleSelectTool)
	session.POST("/pointer", handler.handlePointer)
	session.POST("/keys", handler.handleKey)
	session.POST("/text", handler.handleText)
	session.POST("/undo", handler.handleUndo)
	session.POST("/redo", handler.handleRedo)
	session.POST("/save", handler.handleSave)
	session.DELETE("", handler.handleCloseSession)

	return router, nil
}

type httpHandler struct {
	sessions    SessionValidator
	profiles    ProfileResolver
	documents   DocumentService
	annotations AnnotationReader
	review      *review.Service
	editor      *editor.Registry
	blobs       blobstore.Store
	metrics     *metrics.Metrics
	clock       func() time.Time
	logger      *zap.Logger
}

// caller is the reviewer behind a request. An empty UserID is a guest.
type caller struct {
	UserID      string
	DisplayName string
}

func (c caller) signedIn() bool {
	return c.UserID != ""
}

func (c caller) viewer() review.Viewer {
	return review.Viewer{UserID: c.UserID, DisplayName: c.DisplayName}
}

func (c caller) identity() editor.Identity {
	return editor.Identity{UserID: c.UserID, DisplayName: c.DisplayName}
}

func callerFrom(c *gin.Context) caller {
	value, ok := c.Get(callerContextKey)
	if !ok {
		return caller{}
	}
	resolved, _ := value.(caller)
	return resolved
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	wildcard := false
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		switch trimmed {
		case "":
		case "*":
			wildcard = true
		default:
			origins = append(origins, trimmed)
		}
	}
	if wildcard || len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func (h *httpHandler) observeRequests(c *gin.Context) {
	started := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	h.metrics.ObserveHTTP(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(started))
}

// identifyCaller resolves the reviewer from the session token. Requests
// without a usable token continue as guests.
func (h *httpHandler) identifyCaller(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrNoToken):
		case errors.Is(err, auth.ErrTokenExpired):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.Set(callerContextKey, caller{})
		c.Next()
		return
	}

	resolved := caller{UserID: claims.UserID, DisplayName: claims.DisplayName()}
	if h.profiles != nil {
		profile, err := h.profiles.ResolveProfile(c.Request.Context(), claims)
		if err != nil {
			h.logger.Warn("profile resolution failed", zap.String("user_id", claims.UserID), zap.Error(err))
		} else {
			resolved = caller{UserID: profile.UserID, DisplayName: profile.DisplayName}
		}
	}
	if resolved.DisplayName == "" {
		resolved.DisplayName = resolved.UserID
	}
	c.Set(callerContextKey, resolved)
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "editing_sessions": h.editor.Len()})
}
