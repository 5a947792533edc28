package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/review"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/tools"
)

type codedError interface {
	Code() string
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{target: persistence.ErrSaveInProgress, status: http.StatusConflict, code: "save_in_progress"},
	{target: tools.ErrReadOnly, status: http.StatusForbidden, code: "forbidden"},
	{target: editor.ErrForbidden, status: http.StatusForbidden, code: "forbidden"},
	{target: editor.ErrSessionNotFound, status: http.StatusNotFound, code: "session_not_found"},
	{target: editor.ErrSessionClosed, status: http.StatusNotFound, code: "session_not_found"},
	{target: documents.ErrDocumentNotFound, status: http.StatusNotFound, code: "document_not_found"},
	{target: review.ErrAnonymous, status: http.StatusUnauthorized, code: "unauthorized"},
	{target: review.ErrEmptyComment, status: http.StatusBadRequest, code: "empty_comment"},
	{target: review.ErrCommentTooLong, status: http.StatusBadRequest, code: "comment_too_long"},
	{target: review.ErrInvalidKey, status: http.StatusBadRequest, code: "invalid_document"},
	{target: persistence.ErrInvalidKey, status: http.StatusBadRequest, code: "invalid_document"},
	{target: documents.ErrInvalidSharePermission, status: http.StatusBadRequest, code: "invalid_share_permission"},
	{target: tools.ErrUnknownTool, status: http.StatusBadRequest, code: "unknown_tool"},
	{target: editor.ErrUnknownPhase, status: http.StatusBadRequest, code: "unknown_phase"},
	{target: tools.ErrNotEditing, status: http.StatusConflict, code: "not_editing"},
}

// writeError maps a service error onto an HTTP status and a JSON error code.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	var saveErr *persistence.SaveError
	if errors.As(err, &saveErr) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "save_failed",
			"stage":   saveErr.Stage,
			"message": saveErr.UserMessage(),
		})
		return
	}
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			c.JSON(mapping.status, gin.H{"error": mapping.code})
			return
		}
	}

	h.logger.Error("request failed",
		zap.String("operation", operation),
		zap.String("route", c.FullPath()),
		zap.Error(err))
	response := gin.H{"error": "internal_error"}
	var coded codedError
	if errors.As(err, &coded) {
		response["code"] = coded.Code()
	}
	c.JSON(http.StatusInternalServerError, response)
}
