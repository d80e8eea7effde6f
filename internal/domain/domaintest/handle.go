// Package domaintest provides in-memory domain doubles. Test use only.
package domaintest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pscheid92/relay/internal/domain"
)

// Handle records every frame sent to it.
type Handle struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool

	// Err, when set, is returned by every Send and nothing is recorded.
	Err error
	// Gate, when set, blocks Send until it is closed or ctx is done.
	Gate chan struct{}
}

var _ domain.Handle = (*Handle)(nil)

func NewHandle() *Handle { return &Handle{} }

// Failing returns a handle whose sends fail with err.
func Failing(err error) *Handle { return &Handle{Err: err} }

func (h *Handle) Send(ctx context.Context, frame []byte) error {
	if h.Gate != nil {
		select {
		case <-h.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if h.Err != nil {
		return h.Err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.ErrConnectionClosed
	}
	h.frames = append(h.frames, append([]byte(nil), frame...))
	return nil
}

func (h *Handle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

// Close marks the handle as no longer open.
func (h *Handle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *Handle) Frames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.frames))
	copy(out, h.frames)
	return out
}

// Decoded returns every recorded frame unmarshalled into a generic map.
func (h *Handle) Decoded() []map[string]any {
	var out []map[string]any
	for _, f := range h.Frames() {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			m = map[string]any{"_raw": string(f)}
		}
		out = append(out, m)
	}
	return out
}

func (h *Handle) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}
