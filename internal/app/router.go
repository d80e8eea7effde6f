package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/relay/internal/adapter/metrics"
	"github.com/pscheid92/relay/internal/domain"
)

// Routing decisions recorded in metrics.
const (
	kindEcho      = "echo"
	kindBroadcast = "broadcast"
	kindDirect    = "direct"
	kindMalformed = "malformed"
)

// Router classifies inbound messages and dispatches the resulting frames.
//
// A payload must be valid JSON. An object whose "broadcast" member is true
// is fanned out to everyone but the sender; an object with a string "to"
// member is sent to that connection only; anything else is echoed back.
// For broadcast and direct sends the "data" member is forwarded when
// present, otherwise the whole payload.
type Router struct {
	dispatch Dispatcher
	clock    clockwork.Clock
	metrics  *metrics.RelayMetrics
}

var _ domain.MessageHandler = (*Router)(nil)

func NewRouter(dispatch Dispatcher, clock clockwork.Clock, relayMetrics *metrics.RelayMetrics) *Router {
	return &Router{dispatch: dispatch, clock: clock, metrics: relayMetrics}
}

type command struct {
	Broadcast json.RawMessage `json:"broadcast"`
	To        json.RawMessage `json:"to"`
	Data      json.RawMessage `json:"data"`
}

var jsonTrue = []byte("true")

func (r *Router) Route(ctx context.Context, msg domain.InboundMessage) {
	payload := bytes.TrimSpace(msg.Payload)
	if !json.Valid(payload) {
		r.metrics.Routed(kindMalformed)
		slog.DebugContext(ctx, "Malformed message", "connection_id", msg.SenderID, "bytes", len(msg.Payload))
		r.reply(ctx, msg.SenderID, domain.Encode(domain.NewError(domain.MsgInvalidFormat)), domain.FrameError)
		return
	}

	var cmd command
	if payload[0] == '{' {
		// valid JSON object, so this cannot fail
		_ = json.Unmarshal(payload, &cmd)
	}

	data := payload
	if len(cmd.Data) > 0 {
		data = cmd.Data
	}
	now := r.clock.Now()

	if bytes.Equal(cmd.Broadcast, jsonTrue) {
		r.metrics.Routed(kindBroadcast)
		r.dispatch.Broadcast(ctx, domain.Encode(domain.NewBroadcast(msg.SenderID, data, now)), msg.SenderID)
		return
	}

	if to := recipient(cmd.To); to != "" {
		r.metrics.Routed(kindDirect)
		err := r.dispatch.Direct(ctx, to, domain.Encode(domain.NewDirect(msg.SenderID, data, now)))
		// a recipient that is closing is as unreachable as an unknown one
		if errors.Is(err, domain.ErrConnectionNotFound) || errors.Is(err, domain.ErrConnectionClosed) {
			r.reply(ctx, msg.SenderID, domain.Encode(domain.NewError(domain.MsgRecipientNotFound)), domain.FrameError)
		}
		return
	}

	r.metrics.Routed(kindEcho)
	r.reply(ctx, msg.SenderID, domain.Encode(domain.NewEcho(payload, now)), domain.FrameEcho)
}

// reply sends to the sender, dropping the frame if the sender has already
// disconnected.
func (r *Router) reply(ctx context.Context, id string, frame []byte, frameType string) {
	err := r.dispatch.Reply(ctx, id, frame, frameType)
	if errors.Is(err, domain.ErrConnectionNotFound) || errors.Is(err, domain.ErrConnectionClosed) {
		slog.DebugContext(ctx, "Reply dropped, sender gone", "connection_id", id, "frame_type", frameType)
	}
}

func recipient(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
