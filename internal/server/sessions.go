package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/scene"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/tools"
)

type selectToolRequest struct {
	Tool string `json:"tool"`
}

type pointerRequest struct {
	Phase string       `json:"phase"`
	Point *scene.Point `json:"point"`
}

type pointerResponse struct {
	Tool     tools.Tool   `json:"tool"`
	ObjectID string       `json:"object_id,omitempty"`
	Created  bool         `json:"created"`
	Removed  bool         `json:"removed"`
	State    editor.State `json:"state"`
}

type keyRequest struct {
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrl"`
	Meta  bool   `json:"meta"`
	Shift bool   `json:"shift"`
}

type keyResponse struct {
	Action      tools.KeyAction     `json:"action"`
	Handled     bool                `json:"handled"`
	PassThrough bool                `json:"pass_through"`
	Changed     bool                `json:"changed"`
	Record      *annotations.Record `json:"record,omitempty"`
	State       editor.State        `json:"state"`
}

type textRequest struct {
	Content string `json:"content"`
}

type historyResponse struct {
	Applied bool         `json:"applied"`
	State   editor.State `json:"state"`
}

func (h *httpHandler) handleOpenSession(c *gin.Context) {
	key := documentKey(c)
	if !key.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document"})
		return
	}
	session, err := h.editor.Open(c.Request.Context(), key, callerFrom(c).identity())
	if err != nil {
		h.writeError(c, "editor.open", err)
		return
	}
	state, err := session.State()
	if err != nil {
		h.writeError(c, "editor.state", err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

// session returns the addressed editing session of the caller. On failure the
// response is written and ok is false.
func (h *httpHandler) session(c *gin.Context) (*editor.Session, bool) {
	session, err := h.editor.Get(strings.TrimSpace(c.Param("id")), callerFrom(c).UserID)
	if err != nil {
		h.writeError(c, "editor.get", err)
		return nil, false
	}
	return session, true
}

func (h *httpHandler) writeState(c *gin.Context, session *editor.Session) {
	state, err := session.State()
	if err != nil {
		h.writeError(c, "editor.state", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleSessionState(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	h.writeState(c, session)
}

func (h *httpHandler) handleSelectTool(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var request selectToolRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	state, err := session.SelectTool(request.Tool)
	if err != nil {
		h.writeError(c, "editor.select_tool", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handlePointer(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var request pointerRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := session.Pointer(request.Phase, request.Point)
	if err != nil {
		h.writeError(c, "editor.pointer", err)
		return
	}
	state, err := session.State()
	if err != nil {
		h.writeError(c, "editor.state", err)
		return
	}
	c.JSON(http.StatusOK, pointerResponse{
		Tool:     result.Tool,
		ObjectID: result.ObjectID,
		Created:  result.Created,
		Removed:  result.Removed,
		State:    state,
	})
}

func (h *httpHandler) handleKey(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var request keyRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Key) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outcome, err := session.Key(c.Request.Context(), tools.KeyEvent{
		Key:   request.Key,
		Ctrl:  request.Ctrl,
		Meta:  request.Meta,
		Shift: request.Shift,
	})
	if err != nil {
		h.writeError(c, "editor.key", err)
		return
	}
	state, err := session.State()
	if err != nil {
		h.writeError(c, "editor.state", err)
		return
	}
	c.JSON(http.StatusOK, keyResponse{
		Action:      outcome.Result.Action,
		Handled:     outcome.Result.Handled,
		PassThrough: outcome.Result.PassThrough,
		Changed:     outcome.Result.Changed,
		Record:      outcome.Record,
		State:       state,
	})
}

func (h *httpHandler) handleText(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var request textRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := session.TypeText(request.Content); err != nil {
		h.writeError(c, "editor.type_text", err)
		return
	}
	h.writeState(c, session)
}

func (h *httpHandler) handleUndo(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	applied, err := session.Undo()
	if err != nil {
		h.writeError(c, "editor.undo", err)
		return
	}
	h.writeHistory(c, session, applied)
}

func (h *httpHandler) handleRedo(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	applied, err := session.Redo()
	if err != nil {
		h.writeError(c, "editor.redo", err)
		return
	}
	h.writeHistory(c, session, applied)
}

func (h *httpHandler) writeHistory(c *gin.Context, session *editor.Session, applied bool) {
	state, err := session.State()
	if err != nil {
		h.writeError(c, "editor.state", err)
		return
	}
	c.JSON(http.StatusOK, historyResponse{Applied: applied, State: state})
}

func (h *httpHandler) handleSave(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	record, err := session.Save(c.Request.Context())
	if err != nil {
		h.writeError(c, "editor.save", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": record})
}

func (h *httpHandler) handleCloseSession(c *gin.Context) {
	if err := h.editor.Close(strings.TrimSpace(c.Param("id")), callerFrom(c).UserID); err != nil {
		h.writeError(c, "editor.close", err)
		return
	}
	c.Status(http.StatusNoContent)
}
