// Package protocol defines the discovery and handoff datagrams and the
// relay channel messages exchanged between peers.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the wire version stamped on every discovery datagram.
const Version = 1

// MessageType discriminates datagrams on the discovery socket.
type MessageType string

const (
	// TypeBeacon is the periodic presence announcement.
	TypeBeacon MessageType = "beacon"

	// TypeControlRequest asks a peer to accept pointer control.
	TypeControlRequest MessageType = "control_request"

	// TypeControlResponse answers a control request.
	TypeControlResponse MessageType = "control_response"
)

var (
	ErrMalformed   = errors.New("protocol: malformed datagram")
	ErrVersion     = errors.New("protocol: unsupported version")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Beacon advertises a peer's presence and relay endpoint.
type Beacon struct {
	PeerID        string `json:"peer_id"`
	Name          string `json:"name"`
	Address       string `json:"address"`
	ControlPort   int    `json:"control_port"`
	DiscoveryPort int    `json:"disc_port,omitempty"`
}

// ControlRequest is sent by the peer that wants to drive another's pointer.
// An empty TargetID addresses every peer on the segment.
type ControlRequest struct {
	RequesterID   string  `json:"requester_id"`
	TargetID      string  `json:"target_id,omitempty"`
	Name          string  `json:"name"`
	Address       string  `json:"address"`
	ControlPort   int     `json:"control_port"`
	DiscoveryPort int     `json:"disc_port,omitempty"`
	Nonce         uint64  `json:"nonce"`
	Options       Options `json:"options"`
}

// ControlResponse carries the responder's decision, echoing the nonce.
type ControlResponse struct {
	ResponderID string `json:"responder_id"`
	Accepted    bool   `json:"accepted"`
	Nonce       uint64 `json:"nonce"`
	Reason      string `json:"reason,omitempty"`
	ControlPort int    `json:"control_port,omitempty"`
}

type envelope struct {
	Type    MessageType     `json:"type"`
	Version int             `json:"v"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a Beacon, ControlRequest or ControlResponse in a versioned
// envelope.
func Encode(msg any) ([]byte, error) {
	var t MessageType
	switch msg.(type) {
	case Beacon, *Beacon:
		t = TypeBeacon
	case ControlRequest, *ControlRequest:
		t = TypeControlRequest
	case ControlResponse, *ControlResponse:
		t = TypeControlResponse
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: t, Version: Version, Payload: payload})
}

// Decode parses a datagram and returns one of Beacon, ControlRequest or
// ControlResponse by value.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, env.Version)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	switch env.Type {
	case TypeBeacon:
		var b Beacon
		if err := json.Unmarshal(env.Payload, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if b.PeerID == "" {
			return nil, fmt.Errorf("%w: beacon without peer_id", ErrMalformed)
		}
		return b, nil
	case TypeControlRequest:
		// A request without options asks for the defaults.
		r := ControlRequest{Options: DefaultOptions()}
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if r.RequesterID == "" {
			return nil, fmt.Errorf("%w: request without requester_id", ErrMalformed)
		}
		return r, nil
	case TypeControlResponse:
		var r ControlResponse
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if r.ResponderID == "" {
			return nil, fmt.Errorf("%w: response without responder_id", ErrMalformed)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
