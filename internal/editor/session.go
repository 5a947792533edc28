package editor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/history"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/permissions"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/scene"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/tools"
)

const (
	PhaseDown = "down"
	PhaseMove = "move"
	PhaseUp   = "up"
)

var (
	ErrUnknownPhase  = errors.New("editor: pointer phase must be down, move or up")
	ErrSessionClosed = errors.New("editor: session closed")
)

// Identity is the reviewer an editing session belongs to.
type Identity struct {
	UserID      string
	DisplayName string
}

// State is the externally visible state of a session.
type State struct {
	ID         string                  `json:"id"`
	Document   annotations.DocumentKey `json:"document"`
	Capability permissions.Capability  `json:"capability"`
	Tool       tools.Tool              `json:"tool"`
	ActiveID   string                  `json:"active_id,omitempty"`
	EditingID  string                  `json:"editing_id,omitempty"`
	CanUndo    bool                    `json:"can_undo"`
	CanRedo    bool                    `json:"can_redo"`
	UndoDepth  int                     `json:"undo_depth"`
	RedoDepth  int                     `json:"redo_depth"`
	Saving     bool                    `json:"saving"`
	Scene      scene.Description       `json:"scene"`
}

// KeyOutcome is the result of a key press. Record is set when the key saved
// the scene.
type KeyOutcome struct {
	Result tools.KeyResult     `json:"result"`
	Record *annotations.Record `json:"record,omitempty"`
}

// Session is one reviewer's open annotation overlay. Its methods serialize
// access to the scene.
type Session struct {
	mu         sync.Mutex
	id         string
	key        annotations.DocumentKey
	identity   Identity
	capability permissions.Capability
	scene      *scene.Scene
	history    *history.Manager
	controller *tools.Controller
	saver      *persistence.Saver
	clock      func() time.Time
	lastUsed   atomic.Int64
	saving     atomic.Bool
	closed     bool
}

func (s *Session) ID() string {
	return s.id
}

// Document is the key of the document being annotated.
func (s *Session) Document() annotations.DocumentKey {
	return s.key
}

func (s *Session) Identity() Identity {
	return s.identity
}

// OwnedBy reports whether the session was opened by the given user. Guest
// sessions belong to guests.
func (s *Session) OwnedBy(userID string) bool {
	return strings.TrimSpace(userID) == s.identity.UserID
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

func (s *Session) touch() {
	s.lastUsed.Store(s.clock().UnixNano())
}

// lock acquires the session and refreshes its idle clock.
func (s *Session) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.touch()
	return nil
}

// State describes the session.
func (s *Session) State() (State, error) {
	if err := s.lock(); err != nil {
		return State{}, err
	}
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() (State, error) {
	description, err := s.scene.Describe()
	if err != nil {
		return State{}, err
	}
	undoDepth, redoDepth := s.history.Depths()
	state := State{
		ID:         s.id,
		Document:   s.key,
		Capability: s.capability,
		Tool:       s.controller.Tool(),
		CanUndo:    undoDepth > 0,
		CanRedo:    redoDepth > 0,
		UndoDepth:  undoDepth,
		RedoDepth:  redoDepth,
		Saving:     s.saving.Load(),
		Scene:      description,
	}
	if active, ok := s.scene.Active(); ok {
		state.ActiveID = active.ID
	}
	if editing, ok := s.scene.Editing(); ok {
		state.EditingID = editing
	}
	return state, nil
}

// SelectTool switches the active drawing tool.
func (s *Session) SelectTool(name string) (State, error) {
	tool, err := tools.ParseTool(name)
	if err != nil {
		return State{}, err
	}
	if err := s.lock(); err != nil {
		return State{}, err
	}
	defer s.mu.Unlock()
	if err := s.controller.SelectTool(tool); err != nil {
		return State{}, err
	}
	return s.stateLocked()
}

// Pointer forwards a pointer event to the tool controller.
func (s *Session) Pointer(phase string, point *scene.Point) (tools.PointerResult, error) {
	if err := s.lock(); err != nil {
		return tools.PointerResult{}, err
	}
	defer s.mu.Unlock()
	event := tools.PointerEvent{Point: point}
	switch strings.ToLower(strings.TrimSpace(phase)) {
	case PhaseDown:
		return s.controller.PointerDown(event)
	case PhaseMove:
		return s.controller.PointerMove(event)
	case PhaseUp:
		return s.controller.PointerUp(event)
	default:
		return tools.PointerResult{}, fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
	}
}

// TypeText replaces the content of the text object being edited.
func (s *Session) TypeText(content string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.controller.TypeText(content)
}

// Key applies a keyboard shortcut. The save shortcut saves the scene.
func (s *Session) Key(ctx context.Context, event tools.KeyEvent) (KeyOutcome, error) {
	if tools.ResolveKey(event) == tools.KeyActionSave {
		if !s.saving.CompareAndSwap(false, true) {
			return KeyOutcome{Result: tools.KeyResult{Action: tools.KeyActionSave}}, persistence.ErrSaveInProgress
		}
		defer s.saving.Store(false)
	}
	if err := s.lock(); err != nil {
		return KeyOutcome{}, err
	}
	defer s.mu.Unlock()
	result, err := s.controller.HandleKey(event)
	if err != nil || result.Action != tools.KeyActionSave || !result.Handled {
		return KeyOutcome{Result: result}, err
	}
	record, err := s.saveLocked(ctx)
	if err != nil {
		return KeyOutcome{Result: result}, err
	}
	return KeyOutcome{Result: result, Record: &record}, nil
}

// Undo restores the previous scene state.
func (s *Session) Undo() (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	return s.history.Undo()
}

// Redo reapplies the last undone change.
func (s *Session) Redo() (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	return s.history.Redo()
}

// Save renders and records the scene. A save already in flight, or queued
// behind other input, is reported as persistence.ErrSaveInProgress.
func (s *Session) Save(ctx context.Context) (annotations.Record, error) {
	if !s.saving.CompareAndSwap(false, true) {
		return annotations.Record{}, persistence.ErrSaveInProgress
	}
	defer s.saving.Store(false)
	if err := s.lock(); err != nil {
		return annotations.Record{}, err
	}
	defer s.mu.Unlock()
	if !permissions.Can(s.capability, permissions.ActionAnnotate) {
		return annotations.Record{}, tools.ErrReadOnly
	}
	return s.saveLocked(ctx)
}

func (s *Session) saveLocked(ctx context.Context) (annotations.Record, error) {
	return s.saver.Save(ctx, s.scene, s.key, persistence.Author{
		UserID:      s.identity.UserID,
		DisplayName: s.identity.DisplayName,
	})
}

// close detaches the history listener. Later calls fail with ErrSessionClosed.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.history.Close()
	return true
}
