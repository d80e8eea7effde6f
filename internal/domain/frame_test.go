package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var frameTime = time.Date(2024, 3, 9, 14, 5, 7, 123456789, time.FixedZone("CET", 3600))

func TestTimestamp(t *testing.T) {
	assert.Equal(t, "2024-03-09T13:05:07.123Z", Timestamp(frameTime))
}

func TestFrameWireShapes(t *testing.T) {
	tests := []struct {
		name  string
		frame any
		want  string
	}{
		{
			"welcome",
			NewWelcome("c1", frameTime),
			`{"type":"welcome","message":"Connected to relay","connectionId":"c1","timestamp":"2024-03-09T13:05:07.123Z"}`,
		},
		{
			"echo",
			NewEcho(json.RawMessage(`{"text":"hello"}`), frameTime),
			`{"type":"echo","data":{"text":"hello"},"timestamp":"2024-03-09T13:05:07.123Z"}`,
		},
		{
			"broadcast",
			NewBroadcast("a", json.RawMessage(`{"text":"hi"}`), frameTime),
			`{"type":"broadcast","from":"a","data":{"text":"hi"},"timestamp":"2024-03-09T13:05:07.123Z"}`,
		},
		{
			"direct",
			NewDirect("a", json.RawMessage(`"psst"`), frameTime),
			`{"type":"direct","from":"a","data":"psst","timestamp":"2024-03-09T13:05:07.123Z"}`,
		},
		{
			"error",
			NewError(MsgInvalidFormat),
			`{"type":"error","message":"invalid message format"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(Encode(tt.frame)))
		})
	}
}

func TestEncode_PanicsOnInvalidRawJSON(t *testing.T) {
	assert.Panics(t, func() {
		Encode(NewEcho(json.RawMessage(`{broken`), frameTime))
	})
}
