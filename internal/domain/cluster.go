package domain

import (
	"context"
	"encoding/json"
)

// Presence is the cluster-wide directory of which instance holds which
// connection. Rows are added and removed individually.
type Presence interface {
	Register(ctx context.Context, connectionID string) error
	Unregister(ctx context.Context, connectionID string) error
	// Locate returns the instance holding connectionID, or false if no
	// active instance does.
	Locate(ctx context.Context, connectionID string) (string, bool, error)
	// Count returns the number of connections across active instances.
	Count(ctx context.Context) (int64, error)
}

// Envelope kinds.
const (
	EnvelopeBroadcast = "broadcast"
	EnvelopeDirect    = "direct"
)

// Envelope carries an encoded frame between instances.
type Envelope struct {
	Kind        string          `json:"kind"`
	Origin      string          `json:"origin"`
	Target      string          `json:"target,omitempty"`
	ExcludeID   string          `json:"excludeId,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	Frame       json.RawMessage `json:"frame"`
}

// Bus moves envelopes between relay instances.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Run delivers incoming envelopes to fn until ctx is done.
	Run(ctx context.Context, fn func(ctx context.Context, env Envelope)) error
	Close() error
}
