package server

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/permissions"
)

const maxBackgroundBytes = 20 << 20

type documentResponse struct {
	Document   documents.Document     `json:"document"`
	Capability permissions.Capability `json:"capability"`
}

type updateDocumentRequest struct {
	Title           *string `json:"title"`
	ShareEnabled    *bool   `json:"share_enabled"`
	SharePermission *string `json:"share_permission"`
}

func documentKey(c *gin.Context) annotations.DocumentKey {
	return annotations.DocumentKey{
		OwnerID:    strings.TrimSpace(c.Param("owner")),
		DocumentID: strings.TrimSpace(c.Param("doc")),
	}
}

// authorize loads the addressed document and checks that the caller may
// perform action on it. The owner may address a document before it exists.
// On failure the response is written and ok is false.
func (h *httpHandler) authorize(c *gin.Context, action permissions.Action) (documents.Document, permissions.Capability, bool) {
	key := documentKey(c)
	if !key.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document"})
		return documents.Document{}, "", false
	}
	current := callerFrom(c)
	document, err := h.documents.Get(c.Request.Context(), key)
	if errors.Is(err, documents.ErrDocumentNotFound) && current.signedIn() && current.UserID == key.OwnerID {
		document = documents.Document{
			OwnerID:         key.OwnerID,
			DocumentID:      key.DocumentID,
			SharePermission: string(permissions.CapabilityViewer),
		}
		err = nil
	}
	if err != nil {
		h.writeError(c, "documents.get", err)
		return documents.Document{}, "", false
	}
	capability := document.CapabilityFor(current.UserID)
	if !permissions.Can(capability, action) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return documents.Document{}, "", false
	}
	return document, capability, true
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	document, capability, ok := h.authorize(c, permissions.ActionRead)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, documentResponse{Document: document, Capability: capability})
}

func (h *httpHandler) handleUpdateDocument(c *gin.Context) {
	document, capability, ok := h.authorize(c, permissions.ActionEditDocument)
	if !ok {
		return
	}
	var request updateDocumentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.documents.UpdateSettings(c.Request.Context(), document.Key(), documents.Settings{
		Title:           request.Title,
		ShareEnabled:    request.ShareEnabled,
		SharePermission: request.SharePermission,
	})
	if err != nil {
		h.writeError(c, "documents.update_settings", err)
		return
	}
	c.JSON(http.StatusOK, documentResponse{Document: updated, Capability: capability})
}

// handleUploadBackground stores the request body as the page image. The image
// size is recorded but the page surface stays fixed.
func (h *httpHandler) handleUploadBackground(c *gin.Context) {
	document, capability, ok := h.authorize(c, permissions.ActionEditDocument)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBackgroundBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "background_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || config.Width <= 0 || config.Height <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_image"})
		return
	}

	key := document.Key()
	blobKey := fmt.Sprintf("backgrounds/%s/%s/%d.%s", key.OwnerID, key.DocumentID, h.clock().UTC().UnixMilli(), format)
	url, err := h.blobs.Put(c.Request.Context(), blobKey, "image/"+format, data)
	if err != nil {
		h.logger.Error("background upload failed",
			zap.String("document", key.String()),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload_failed"})
		return
	}
	updated, err := h.documents.SetBackground(c.Request.Context(), key, documents.Background{
		Key:         blobKey,
		URL:         url,
		ImageWidth:  config.Width,
		ImageHeight: config.Height,
	})
	if err != nil {
		h.writeError(c, "documents.set_background", err)
		return
	}
	c.JSON(http.StatusOK, documentResponse{Document: updated, Capability: capability})
}

func (h *httpHandler) handleLatestAnnotation(c *gin.Context) {
	document, _, ok := h.authorize(c, permissions.ActionRead)
	if !ok {
		return
	}
	record, found, err := h.annotations.LatestRecord(c.Request.Context(), document.Key())
	if err != nil {
		h.writeError(c, "annotations.latest_record", err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"record": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": record})
}
