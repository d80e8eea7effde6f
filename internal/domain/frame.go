package domain

import (
	"encoding/json"
	"time"
)

// Frame types on the wire.
const (
	FrameWelcome   = "welcome"
	FrameEcho      = "echo"
	FrameBroadcast = "broadcast"
	FrameDirect    = "direct"
	FrameError     = "error"
)

// Error frame messages.
const (
	MsgInvalidFormat     = "invalid message format"
	MsgRecipientNotFound = "recipient not found"
	MsgRateLimited       = "rate limit exceeded"
)

// WelcomeText is the human-readable greeting in the welcome frame.
const WelcomeText = "Connected to relay"

// TimestampFormat is ISO 8601 in UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Timestamp formats t for a frame.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

type WelcomeFrame struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	ConnectionID string `json:"connectionId"`
	Timestamp    string `json:"timestamp"`
}

type EchoFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// BroadcastFrame is used for both broadcast and direct delivery; Type tells
// them apart.
type BroadcastFrame struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewWelcome(id string, now time.Time) WelcomeFrame {
	return WelcomeFrame{Type: FrameWelcome, Message: WelcomeText, ConnectionID: id, Timestamp: Timestamp(now)}
}

func NewEcho(data json.RawMessage, now time.Time) EchoFrame {
	return EchoFrame{Type: FrameEcho, Data: data, Timestamp: Timestamp(now)}
}

func NewBroadcast(from string, data json.RawMessage, now time.Time) BroadcastFrame {
	return BroadcastFrame{Type: FrameBroadcast, From: from, Data: data, Timestamp: Timestamp(now)}
}

func NewDirect(from string, data json.RawMessage, now time.Time) BroadcastFrame {
	return BroadcastFrame{Type: FrameDirect, From: from, Data: data, Timestamp: Timestamp(now)}
}

func NewError(message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Message: message}
}

// Encode marshals a frame. Frames only hold strings and already-valid JSON,
// so a failure here is a programming error.
func Encode(frame any) []byte {
	b, err := json.Marshal(frame)
	if err != nil {
		panic("domain: encode frame: " + err.Error())
	}
	return b
}
