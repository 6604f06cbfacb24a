// Package peer defines the identity and registry record of a LAN participant.
package peer

import (
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ID is an opaque peer identifier, unique per running process.
type ID string

// NewID generates a fresh random identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string { return string(id) }

// Short returns the first eight characters, for logs and menus.
func (id ID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// Record is the last known advertisement of a remote peer.
type Record struct {
	ID            ID        `json:"id"`
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	ControlPort   int       `json:"control_port"`
	DiscoveryPort int       `json:"discovery_port,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
}

// ControlAddr returns host:port of the peer's relay endpoint.
func (r Record) ControlAddr() string {
	return net.JoinHostPort(r.Address, strconv.Itoa(r.ControlPort))
}

// Self describes the local peer as it advertises itself.
type Self struct {
	ID            ID     `json:"id"`
	Name          string `json:"name"`
	Address       string `json:"address"`
	ControlPort   int    `json:"control_port"`
	DiscoveryPort int    `json:"discovery_port"`
}
