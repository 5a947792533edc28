// Package history keeps undo/redo stacks of immutable scene snapshots.
package history

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/scene"
	"go.uber.org/zap"
)

var ErrMissingScene = errors.New("history: scene required")

// Snapshot is an immutable serialized scene.
type Snapshot struct {
	data []byte
}

func newSnapshot(data []byte) Snapshot {
	return Snapshot{data: append([]byte(nil), data...)}
}

// Bytes returns a copy of the serialized scene.
func (s Snapshot) Bytes() []byte {
	return append([]byte(nil), s.data...)
}

// Config configures a Manager.
type Config struct {
	Scene    *scene.Scene
	MaxDepth int
	Logger   *zap.Logger
}

// Manager records the scene state before every mutation. Loading a snapshot
// suspends capture so undo and redo never record themselves.
type Manager struct {
	mu        sync.Mutex
	scene     *scene.Scene
	undo      []Snapshot
	redo      []Snapshot
	suspended int
	maxDepth  int
	detach    func()
	logger    *zap.Logger
}

// NewManager attaches a history manager to the scene.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Scene == nil {
		return nil, ErrMissingScene
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		scene:    cfg.Scene,
		maxDepth: cfg.MaxDepth,
		logger:   logger,
	}
	m.detach = cfg.Scene.Observe(m.handleEvent)
	return m, nil
}

// Close detaches the manager from the scene.
func (m *Manager) Close() {
	m.mu.Lock()
	detach := m.detach
	m.detach = nil
	m.mu.Unlock()
	if detach != nil {
		detach()
	}
}

func (m *Manager) handleEvent(event scene.Event) {
	if event.Kind != scene.EventBeforeChange {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspended > 0 {
		return
	}
	data, err := m.scene.Serialize()
	if err != nil {
		m.logger.Error("history capture failed", zap.String("object_id", event.ObjectID), zap.Error(err))
		return
	}
	m.undo = append(m.undo, newSnapshot(data))
	if m.maxDepth > 0 && len(m.undo) > m.maxDepth {
		m.undo = append([]Snapshot(nil), m.undo[len(m.undo)-m.maxDepth:]...)
	}
	m.redo = nil
}

// SuspendCapture stops recording until the matching ResumeCapture. Calls nest.
func (m *Manager) SuspendCapture() {
	m.mu.Lock()
	m.suspended++
	m.mu.Unlock()
}

func (m *Manager) ResumeCapture() {
	m.mu.Lock()
	if m.suspended > 0 {
		m.suspended--
	}
	m.mu.Unlock()
}

// Capturing reports whether mutations are currently recorded.
func (m *Manager) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended == 0
}

// Undo restores the state before the most recent mutation. It reports false
// when there is nothing to undo.
func (m *Manager) Undo() (bool, error) {
	return m.step(&m.undo, &m.redo, "undo")
}

// Redo re-applies the most recently undone state. It reports false when there
// is nothing to redo.
func (m *Manager) Redo() (bool, error) {
	return m.step(&m.redo, &m.undo, "redo")
}

func (m *Manager) step(from, to *[]Snapshot, operation string) (bool, error) {
	m.mu.Lock()
	if len(*from) == 0 {
		m.mu.Unlock()
		return false, nil
	}
	current, err := m.scene.Serialize()
	if err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("history %s: capture current: %w", operation, err)
	}
	target := (*from)[len(*from)-1]
	*from = (*from)[:len(*from)-1]
	m.suspended++
	m.mu.Unlock()

	background, hadBackground := m.scene.Background()
	_, loadErr := m.scene.Hydrate(target.data)
	if loadErr == nil && hadBackground && background.Image != nil {
		if restored, ok := m.scene.Background(); !ok || restored.Image == nil {
			m.scene.AttachBackground(background)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended--
	if loadErr != nil {
		*from = append(*from, target)
		return false, fmt.Errorf("history %s: %w", operation, loadErr)
	}
	*to = append(*to, newSnapshot(current))
	return true, nil
}

func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// Depths returns the sizes of the undo and redo stacks.
func (m *Manager) Depths() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo), len(m.redo)
}

// Reset drops both stacks.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = nil
	m.redo = nil
}
