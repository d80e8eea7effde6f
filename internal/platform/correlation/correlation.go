// Package correlation tags each inbound event (connect, message, disconnect,
// webhook call) with a short id, and optionally the connection it concerns.
// The log handler attaches both to every record logged with that context.
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

const (
	idKey         = "correlation_id"
	connectionKey = "connection_id"

	// maxIDLength bounds ids accepted from callers
	maxIDLength = 64
)

type (
	idContextKey         struct{}
	connectionContextKey struct{}
)

// NewID generates an 8-character hex id.
func NewID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Valid reports whether a caller-supplied id may be reused: non-empty, at
// most 64 bytes of letters, digits, '-', '_' or '.'.
func Valid(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idContextKey{}, id)
}

func ID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(idContextKey{}).(string)
	return id, ok && id != ""
}

// Ensure returns ctx unchanged if it already carries an id, otherwise a
// child context with a fresh one.
func Ensure(ctx context.Context) context.Context {
	if _, ok := ID(ctx); ok {
		return ctx
	}
	return WithID(ctx, NewID())
}

// WithConnection scopes ctx to one connection.
func WithConnection(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, connectionContextKey{}, connectionID)
}

func ConnectionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connectionContextKey{}).(string)
	return id, ok && id != ""
}

// Handler adds correlation_id and connection_id to records whose context
// carries them. A record that already names its connection keeps its own.
type Handler struct {
	inner slog.Handler
}

func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ID(ctx); ok {
		r.AddAttrs(slog.String(idKey, id))
	}
	if conn, ok := ConnectionID(ctx); ok && !hasAttr(r, connectionKey) {
		r.AddAttrs(slog.String(connectionKey, conn))
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}

func hasAttr(r slog.Record, key string) bool {
	found := false
	r.Attrs(func(a slog.Attr) bool {
		found = a.Key == key
		return !found
	})
	return found
}
