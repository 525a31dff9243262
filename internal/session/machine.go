package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/pairbooth/internal/protocol"
)

// Machine owns one side's State. Apply is called only from that side's event
// loop; the lock exists so presentation code can take snapshots.
type Machine struct {
	mu     sync.RWMutex
	state  State
	logger *zap.Logger
	onMove func(from, to Phase, msg protocol.Message)
}

func NewMachine(logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{state: Initial(), logger: logger}
}

// OnTransition registers a hook called after every phase change.
func (m *Machine) OnTransition(hook func(from, to Phase, msg protocol.Message)) {
	m.mu.Lock()
	m.onMove = hook
	m.mu.Unlock()
}

// Apply reduces msg into the current state.
func (m *Machine) Apply(msg protocol.Message) (State, error) {
	m.mu.Lock()
	prev := m.state
	next, err := Reduce(prev, msg)
	m.state = next
	hook := m.onMove
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("message rejected by state machine",
			zap.String("type", string(msg.Kind())),
			zap.String("phase", string(prev.Phase)),
			zap.Error(err),
		)
		return next, err
	}
	if prev.Phase != next.Phase {
		m.logger.Info("phase transition",
			zap.String("room_id", msg.Room()),
			zap.String("from", string(prev.Phase)),
			zap.String("phase", string(next.Phase)),
			zap.String("type", string(msg.Kind())),
		)
		if hook != nil {
			hook(prev.Phase, next.Phase, msg)
		}
	}
	return next, nil
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.state
	s.Selection = append([]int(nil), s.Selection...)
	return s
}

func (m *Machine) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Phase
}

// Replay folds msgs over the initial state, skipping rejected messages.
func Replay(msgs ...protocol.Message) State {
	s := Initial()
	for _, msg := range msgs {
		s, _ = Reduce(s, msg)
	}
	return s
}
