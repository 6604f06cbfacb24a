package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RelayMessageType discriminates messages on the relay channel.
type RelayMessageType string

// TypeMouseMove carries one absolute pointer position.
const TypeMouseMove RelayMessageType = "mouse_move"

// ErrUnknownMessage is returned for relay messages with an unrecognised type.
var ErrUnknownMessage = errors.New("protocol: unknown relay message")

// RelayMessage is the JSON payload of one relay frame.
type RelayMessage struct {
	Type RelayMessageType `json:"type"`
	X    int              `json:"x"`
	Y    int              `json:"y"`
}

// MouseMove builds the relay frame for a pointer position.
func MouseMove(x, y int) RelayMessage {
	return RelayMessage{Type: TypeMouseMove, X: x, Y: y}
}

// EncodeRelay marshals a relay frame.
func EncodeRelay(m RelayMessage) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeRelay parses a relay frame. Coordinates must be present integers.
func DecodeRelay(data []byte) (RelayMessage, error) {
	var raw struct {
		Type RelayMessageType `json:"type"`
		X    *int             `json:"x"`
		Y    *int             `json:"y"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return RelayMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Type != TypeMouseMove {
		return RelayMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessage, raw.Type)
	}
	if raw.X == nil || raw.Y == nil {
		return RelayMessage{}, fmt.Errorf("%w: mouse_move without coordinates", ErrMalformed)
	}
	return RelayMessage{Type: raw.Type, X: *raw.X, Y: *raw.Y}, nil
}
