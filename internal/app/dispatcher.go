package app

import (
	"context"

	"github.com/pscheid92/relay/internal/broadcast"
	"github.com/pscheid92/relay/internal/domain"
)

// Dispatcher delivers encoded frames on behalf of the router and lifecycle.
type Dispatcher interface {
	// Reply sends to a connection held by this instance.
	Reply(ctx context.Context, id string, frame []byte, frameType string) error
	// Broadcast sends to every connection except excludeID.
	Broadcast(ctx context.Context, frame []byte, excludeID string)
	// Direct sends a direct frame to one connection wherever it is held. It
	// returns domain.ErrConnectionNotFound if no instance holds it.
	Direct(ctx context.Context, recipientID string, frame []byte) error
}

// LocalDispatcher delivers only to connections of this process.
type LocalDispatcher struct {
	broadcaster *broadcast.Broadcaster
}

var _ Dispatcher = (*LocalDispatcher)(nil)

func NewLocalDispatcher(b *broadcast.Broadcaster) *LocalDispatcher {
	return &LocalDispatcher{broadcaster: b}
}

func (d *LocalDispatcher) Reply(ctx context.Context, id string, frame []byte, frameType string) error {
	return d.broadcaster.SendTo(ctx, id, frame, frameType)
}

func (d *LocalDispatcher) Broadcast(ctx context.Context, frame []byte, excludeID string) {
	d.broadcaster.Broadcast(ctx, frame, domain.FrameBroadcast, excludeID)
}

func (d *LocalDispatcher) Direct(ctx context.Context, recipientID string, frame []byte) error {
	return d.broadcaster.SendTo(ctx, recipientID, frame, domain.FrameDirect)
}
