package domain

import (
	"context"
	"sync/atomic"
)

// Handle is the send capability of one transport session. Each transport
// (local WebSocket, centrifuge client, managed gateway) provides its own.
type Handle interface {
	// Send delivers one frame and reports the outcome. It may block until the
	// transport accepted the frame or ctx is done.
	Send(ctx context.Context, frame []byte) error
	// IsOpen reports whether the session is still eligible for sends.
	IsOpen() bool
}

// Connection pairs an id with its handle.
type Connection struct {
	ID     string
	Handle Handle
}

// ConnectionStore holds the currently open connections of one process.
type ConnectionStore interface {
	// Add inserts or overwrites the entry for id (last write wins).
	Add(id string, h Handle)
	// Remove deletes id and reports whether it was present. Removing an
	// absent id is a no-op.
	Remove(id string) bool
	Get(id string) (Handle, bool)
	// All returns a snapshot that stays valid while the store mutates.
	All() []Connection
	Len() int
}

// ConnState is the lifecycle state of a transport session.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateMachine tracks a ConnState with forward-only transitions. It is safe
// for concurrent use; adapters embed it to implement IsOpen.
type StateMachine struct {
	state atomic.Int32
}

func (m *StateMachine) State() ConnState { return ConnState(m.state.Load()) }

func (m *StateMachine) IsOpen() bool { return m.State() == StateOpen }

// Open moves CONNECTING to OPEN.
func (m *StateMachine) Open() bool {
	return m.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// Closing moves CONNECTING or OPEN to CLOSING. It reports false if the
// session was already closing or closed.
func (m *StateMachine) Closing() bool {
	for {
		cur := m.state.Load()
		if cur >= int32(StateClosing) {
			return false
		}
		if m.state.CompareAndSwap(cur, int32(StateClosing)) {
			return true
		}
	}
}

// Closed moves any state to CLOSED and reports true exactly once, so the
// caller can run store removal a single time however many close events
// arrive.
func (m *StateMachine) Closed() bool {
	return m.state.Swap(int32(StateClosed)) != int32(StateClosed)
}
