package ws

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Format is the wire encoding a client asked for.
type Format int

const (
	// FormatJSON sends {"channel":..., "data":...} text frames.
	FormatJSON Format = iota
	// FormatProto sends the same envelope as a binary google.protobuf.Struct.
	FormatProto

	formatCount
)

// ParseFormat maps the ?format= query value to a Format. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "protobuf":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("ws: unknown format %q", s)
	}
}

func (f Format) String() string {
	if f == FormatProto {
		return "proto"
	}
	return "json"
}

func (f Format) messageType() int {
	if f == FormatProto {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// envelope is the JSON frame layout.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// encodeFrame wraps a JSON payload published on channel in the client's
// format.
func encodeFrame(f Format, channel string, payload []byte) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("ws: payload on %s is not JSON", channel)
	}
	if f == FormatJSON {
		return json.Marshal(envelope{Channel: channel, Data: payload})
	}

	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("ws: decode payload on %s: %w", channel, err)
	}
	st, err := structpb.NewStruct(map[string]any{
		"channel": channel,
		"data":    data,
	})
	if err != nil {
		return nil, fmt.Errorf("ws: build struct for %s: %w", channel, err)
	}
	return proto.Marshal(st)
}

// DecodeProtoFrame parses a binary frame produced for FormatProto.
func DecodeProtoFrame(b []byte) (channel string, data map[string]any, err error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return "", nil, fmt.Errorf("ws: decode proto frame: %w", err)
	}
	m := st.AsMap()
	channel, _ = m["channel"].(string)
	data, _ = m["data"].(map[string]any)
	return channel, data, nil
}
