package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/centrifugal/centrifuge"
	"github.com/pscheid92/relay/internal/domain"
	"github.com/pscheid92/relay/internal/platform/correlation"
)

const centrifugeTransport = "centrifuge"

// NewNode creates a centrifuge node whose clients are registered through
// lifecycle and whose async messages go to router. Clients connect
// anonymously; the centrifuge client id becomes the connection id.
func NewNode(lifecycle domain.LifecycleHandler, router domain.MessageHandler, logLevel string) (*centrifuge.Node, error) {
	conf := centrifuge.Config{LogLevel: parseCentrifugeLogLevel(logLevel), LogHandler: slogHandler}
	node, err := centrifuge.New(conf)
	if err != nil {
		return nil, fmt.Errorf("create centrifuge node: %w", err)
	}

	node.OnConnecting(onConnecting)
	node.OnConnect(onConnect(lifecycle, router))

	return node, nil
}

// NewNodeHandler exposes node over a WebSocket endpoint.
func NewNodeHandler(node *centrifuge.Node, checkOrigin func(r *http.Request) bool) http.Handler {
	return centrifuge.NewWebsocketHandler(node, centrifuge.WebsocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	})
}

func onConnecting(ctx context.Context, e centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
	if cred, ok := centrifuge.GetCredentials(ctx); ok {
		return centrifuge.ConnectReply{Credentials: cred}, nil
	}
	return centrifuge.ConnectReply{Credentials: &centrifuge.Credentials{}}, nil
}

func onConnect(lifecycle domain.LifecycleHandler, router domain.MessageHandler) func(client *centrifuge.Client) {
	return func(client *centrifuge.Client) {
		ctx := correlation.Ensure(client.Context())
		h := newClientHandle(client)

		id, err := lifecycle.Connect(ctx, client.ID(), h)
		if err != nil {
			slog.WarnContext(ctx, "Centrifuge client setup failed", "client_id", client.ID(), "error", err)
			client.Disconnect(centrifuge.DisconnectServerError)
			return
		}
		ctx = correlation.WithConnection(ctx, id)

		client.OnMessage(func(e centrifuge.MessageEvent) {
			router.Route(ctx, domain.InboundMessage{SenderID: id, Payload: e.Data})
		})

		client.OnDisconnect(func(e centrifuge.DisconnectEvent) {
			h.Closing()
			if !h.Closed() {
				return
			}
			slog.DebugContext(ctx, "Centrifuge client disconnected", "client_id", id, "reason", e.Reason)
			lifecycle.Disconnect(ctx, id)
		})
	}
}

// clientHandle adapts a centrifuge client to domain.Handle.
type clientHandle struct {
	domain.StateMachine
	client *centrifuge.Client
}

func newClientHandle(client *centrifuge.Client) *clientHandle {
	h := &clientHandle{client: client}
	h.Open()
	return h
}

func (h *clientHandle) Transport() string { return centrifugeTransport }

func (h *clientHandle) Send(ctx context.Context, frame []byte) error {
	if !h.IsOpen() {
		return domain.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.client.Send(frame); err != nil {
		return fmt.Errorf("centrifuge send: %w", err)
	}
	return nil
}

func slogHandler(entry centrifuge.LogEntry) {
	attrs := make([]any, 0, len(entry.Fields)*2)
	for k, v := range entry.Fields {
		attrs = append(attrs, k, v)
	}
	switch entry.Level {
	case centrifuge.LogLevelDebug, centrifuge.LogLevelTrace:
		slog.Debug(entry.Message, attrs...)
	case centrifuge.LogLevelInfo:
		slog.Info(entry.Message, attrs...)
	case centrifuge.LogLevelWarn:
		slog.Warn(entry.Message, attrs...)
	case centrifuge.LogLevelError:
		slog.Error(entry.Message, attrs...)
	case centrifuge.LogLevelNone:
		// EMPTY
	}
}

func parseCentrifugeLogLevel(level string) centrifuge.LogLevel {
	switch level {
	case "debug":
		return centrifuge.LogLevelDebug
	case "warn":
		return centrifuge.LogLevelWarn
	case "error":
		return centrifuge.LogLevelError
	default:
		return centrifuge.LogLevelInfo
	}
}
