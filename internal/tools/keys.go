package tools

import (
	"strings"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/scene"
	"go.uber.org/zap"
)

// KeyEvent is a keyboard press with its modifiers. Meta is the Cmd key.
type KeyEvent struct {
	Key   string
	Ctrl  bool
	Meta  bool
	Shift bool
}

type KeyAction string

const (
	KeyActionNone     KeyAction = "none"
	KeyActionUndo     KeyAction = "undo"
	KeyActionRedo     KeyAction = "redo"
	KeyActionSave     KeyAction = "save"
	KeyActionDelete   KeyAction = "delete"
	KeyActionDeselect KeyAction = "deselect"
)

// KeyResult reports how a key press was handled. PassThrough means the key
// belongs to native text editing and nothing was changed. Changed reports
// whether the scene was mutated. Save is left to the caller, which owns the
// persistence context.
type KeyResult struct {
	Action      KeyAction
	Handled     bool
	PassThrough bool
	Changed     bool
}

// ResolveKey maps a key press to a shortcut action without side effects.
func ResolveKey(event KeyEvent) KeyAction {
	key := strings.ToLower(strings.TrimSpace(event.Key))
	command := event.Ctrl || event.Meta
	switch {
	case command && key == "z" && event.Shift:
		return KeyActionRedo
	case command && key == "z":
		return KeyActionUndo
	case event.Ctrl && key == "y":
		return KeyActionRedo
	case command && key == "s":
		return KeyActionSave
	case !command && (key == "delete" || key == "backspace"):
		return KeyActionDelete
	case key == "escape" || key == "esc":
		return KeyActionDeselect
	default:
		return KeyActionNone
	}
}

// HandleKey applies a keyboard shortcut.
func (c *Controller) HandleKey(event KeyEvent) (KeyResult, error) {
	action := ResolveKey(event)
	switch action {
	case KeyActionUndo, KeyActionRedo:
		if !c.canAnnotate() {
			return KeyResult{Action: action}, ErrReadOnly
		}
		if c.history == nil {
			return KeyResult{Action: action}, nil
		}
		step := c.history.Undo
		if action == KeyActionRedo {
			step = c.history.Redo
		}
		changed, err := step()
		if err != nil {
			c.logger.Error("history step failed", zap.String("action", string(action)), zap.Error(err))
			return KeyResult{Action: action, Handled: true}, err
		}
		return KeyResult{Action: action, Handled: true, Changed: changed}, nil

	case KeyActionSave:
		if !c.canAnnotate() {
			return KeyResult{Action: action}, ErrReadOnly
		}
		return KeyResult{Action: action, Handled: true}, nil

	case KeyActionDelete:
		if c.editingActiveText() {
			return KeyResult{Action: action, PassThrough: true}, nil
		}
		active, ok := c.scene.Active()
		if !ok {
			return KeyResult{Action: action}, nil
		}
		if !c.canAnnotate() {
			return KeyResult{Action: action}, ErrReadOnly
		}
		if err := c.scene.Remove(active.ID); err != nil {
			return KeyResult{Action: action}, err
		}
		return KeyResult{Action: action, Handled: true, Changed: true}, nil

	case KeyActionDeselect:
		c.scene.EndTextEdit()
		c.scene.Deselect()
		c.stroke = nil
		c.drawing = false
		c.dragID = ""
		c.dragged = false
		c.resetToSelect()
		return KeyResult{Action: action, Handled: true}, nil

	default:
		return KeyResult{Action: KeyActionNone}, nil
	}
}

func (c *Controller) editingActiveText() bool {
	editingID, editing := c.scene.Editing()
	if !editing {
		return false
	}
	active, ok := c.scene.Active()
	if !ok || active.ID != editingID {
		return false
	}
	_, isText := active.Body.(scene.Text)
	return isText
}
