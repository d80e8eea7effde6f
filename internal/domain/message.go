package domain

import "context"

// InboundMessage is one client payload as received by a transport.
type InboundMessage struct {
	SenderID string
	Payload  []byte
}

// MessageHandler consumes inbound messages. The router implements it;
// transports call it in arrival order per connection.
type MessageHandler interface {
	Route(ctx context.Context, msg InboundMessage)
}

// LifecycleHandler consumes transport connect and disconnect events.
type LifecycleHandler interface {
	// Connect registers h under id (generating one when id is empty), sends
	// the welcome frame and returns the assigned id. On error nothing stays
	// registered.
	Connect(ctx context.Context, id string, h Handle) (string, error)
	// Disconnect removes id. Safe to call any number of times.
	Disconnect(ctx context.Context, id string)
	// Fail treats a transport error as an implicit disconnect.
	Fail(ctx context.Context, id string, err error)
}
