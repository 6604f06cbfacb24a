// Package events is the in-process bus that connects discovery, handoff,
// capture and session management to the front end.
package events

import (
	"time"

	"pointerlink/internal/peer"
	"pointerlink/internal/protocol"
)

// Kind identifies an event for logging and the front-end stream.
type Kind string

const (
	KindDevicesChanged   Kind = "devices_changed"
	KindRequestReceived  Kind = "request_received"
	KindResponseAccepted Kind = "response_accepted"
	KindResponseDeclined Kind = "response_declined"
	KindRequestAbandoned Kind = "request_abandoned"
	KindCaptureToggled   Kind = "capture_toggled"
	KindSessionOpened    Kind = "session_opened"
	KindSessionClosed    Kind = "session_closed"
)

// Event is implemented by every message published on the bus.
type Event interface {
	Kind() Kind
}

// DevicesChanged carries a full registry snapshot. Consecutive snapshots
// may be skipped by slow subscribers.
type DevicesChanged struct {
	Peers []peer.Record `json:"peers"`
}

// RequestReceived is raised when another peer asks to drive this pointer.
type RequestReceived struct {
	Nonce         uint64           `json:"nonce"`
	RequesterID   peer.ID          `json:"requester_id"`
	RequesterName string           `json:"requester_name"`
	Address       string           `json:"address"`
	ControlPort   int              `json:"control_port"`
	Options       protocol.Options `json:"options"`
	ReceivedAt    time.Time        `json:"received_at"`
}

// ResponseAccepted tells the initiator where to open the relay channel.
type ResponseAccepted struct {
	Nonce       uint64  `json:"nonce"`
	ResponderID peer.ID `json:"responder_id"`
	Host        string  `json:"host"`
	Port        int     `json:"port"`
}

// ResponseDeclined reports a refusal, with the responder's reason if any.
type ResponseDeclined struct {
	Nonce       uint64  `json:"nonce"`
	ResponderID peer.ID `json:"responder_id"`
	Reason      string  `json:"reason,omitempty"`
}

// RequestAbandoned reports an outstanding request that timed out.
type RequestAbandoned struct {
	Nonce    uint64  `json:"nonce"`
	TargetID peer.ID `json:"target_id,omitempty"`
}

// CaptureToggled reports the new capture state.
type CaptureToggled struct {
	Active bool `json:"active"`
}

// SessionOpened reports a relay channel that is ready for pointer events.
type SessionOpened struct {
	SessionID string  `json:"session_id"`
	PeerID    peer.ID `json:"peer_id,omitempty"`
	Remote    string  `json:"remote"`
}

// SessionClosed reports the end of a relay channel.
type SessionClosed struct {
	SessionID string `json:"session_id"`
	Remote    string `json:"remote"`
	Err       string `json:"error,omitempty"`
}

func (DevicesChanged) Kind() Kind   { return KindDevicesChanged }
func (RequestReceived) Kind() Kind  { return KindRequestReceived }
func (ResponseAccepted) Kind() Kind { return KindResponseAccepted }
func (ResponseDeclined) Kind() Kind { return KindResponseDeclined }
func (RequestAbandoned) Kind() Kind { return KindRequestAbandoned }
func (CaptureToggled) Kind() Kind   { return KindCaptureToggled }
func (SessionOpened) Kind() Kind    { return KindSessionOpened }
func (SessionClosed) Kind() Kind    { return KindSessionClosed }

// Coalescible events may be dropped for a subscriber that is behind.
func Coalescible(e Event) bool {
	_, ok := e.(DevicesChanged)
	return ok
}
