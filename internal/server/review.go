package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/permissions"
)

const (
	streamEventComments     = "comments"
	streamEventAnnotation   = "annotation"
	streamEventNotification = "notification"
	streamEventHeartbeat    = "heartbeat"

	streamHeartbeatInterval = 25 * time.Second
)

type addCommentRequest struct {
	Text string `json:"text"`
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	document, _, ok := h.authorize(c, permissions.ActionRead)
	if !ok {
		return
	}
	comments, err := h.annotations.ListComments(c.Request.Context(), document.Key())
	if err != nil {
		h.writeError(c, "annotations.list_comments", err)
		return
	}
	if comments == nil {
		comments = []annotations.Comment{}
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	document, _, ok := h.authorize(c, permissions.ActionComment)
	if !ok {
		return
	}
	var request addCommentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	comment, err := h.review.AddComment(c.Request.Context(), document.Key(), callerFrom(c).viewer(), request.Text)
	if err != nil {
		h.writeError(c, "review.add_comment", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"comment": comment})
}

// handleStream pushes the comment feed, the annotation feed and the caller's
// notifications as server-sent events until the client disconnects.
func (h *httpHandler) handleStream(c *gin.Context) {
	document, _, ok := h.authorize(c, permissions.ActionRead)
	if !ok {
		return
	}
	key := document.Key()
	ctx := c.Request.Context()

	comments, cancelComments := h.review.SubscribeComments(ctx, key)
	defer cancelComments()
	records, cancelRecords := h.review.SubscribeAnnotations(ctx, key)
	defer cancelRecords()
	notifications, cancelWatch := h.review.Watch(ctx, key, callerFrom(c).viewer())
	defer cancelWatch()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-comments:
			if !open {
				return false
			}
			c.SSEvent(streamEventComments, event)
		case event, open := <-records:
			if !open {
				return false
			}
			c.SSEvent(streamEventAnnotation, event)
		case notification, open := <-notifications:
			if !open {
				return false
			}
			c.SSEvent(streamEventNotification, notification)
		case <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"at": h.clock().UTC()})
		}
		return true
	})
}

func (h *httpHandler) handleGetReceipt(c *gin.Context) {
	document, _, ok := h.authorize(c, permissions.ActionRead)
	if !ok {
		return
	}
	receipt, err := h.review.Receipt(c.Request.Context(), document.Key(), callerFrom(c).UserID)
	if err != nil {
		h.writeError(c, "review.receipt", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func (h *httpHandler) handleMarkViewed(c *gin.Context) {
	document, _, ok := h.authorize(c, permissions.ActionRead)
	if !ok {
		return
	}
	receipt, err := h.review.MarkViewed(c.Request.Context(), document.Key(), callerFrom(c).UserID)
	if err != nil {
		h.writeError(c, "review.mark_viewed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}
