package gateway

import (
	"context"
	"errors"

	"github.com/pscheid92/relay/internal/domain"
)

const transportName = "gateway"

// Poster sends one frame to a gateway connection.
type Poster interface {
	PostToConnection(ctx context.Context, connectionID string, frame []byte) error
}

// Handle is the domain.Handle of a connection held by the gateway.
type Handle struct {
	domain.StateMachine
	id     string
	poster Poster
}

var _ domain.Handle = (*Handle)(nil)

func NewHandle(id string, poster Poster) *Handle {
	h := &Handle{id: id, poster: poster}
	h.Open()
	return h
}

func (h *Handle) Transport() string { return transportName }

// Send posts frame. Once the gateway reports the connection gone the
// handle stops accepting frames; the store entry goes away with the
// gateway's $disconnect event.
func (h *Handle) Send(ctx context.Context, frame []byte) error {
	if !h.IsOpen() {
		return domain.ErrConnectionClosed
	}
	err := h.poster.PostToConnection(ctx, h.id, frame)
	if errors.Is(err, domain.ErrConnectionGone) {
		h.Closing()
	}
	return err
}
