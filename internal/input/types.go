// Package input defines the platform collaborators that observe local
// input and move the local pointer.
package input

import (
	"errors"
	"time"
)

// ErrUnsupported is returned on platforms without an implementation.
var ErrUnsupported = errors.New("input: not supported on this platform")

// Kind classifies a raw input event.
type Kind int

const (
	PointerMove Kind = iota
	PointerButton
	Scroll
	KeyDown
	KeyUp
)

func (k Kind) String() string {
	switch k {
	case PointerMove:
		return "pointer_move"
	case PointerButton:
		return "pointer_button"
	case Scroll:
		return "scroll"
	case KeyDown:
		return "key_down"
	case KeyUp:
		return "key_up"
	default:
		return "unknown"
	}
}

// Event is one observation from the OS input hook.
type Event struct {
	Kind    Kind
	X, Y    int    // pointer position for PointerMove, PointerButton and Scroll
	Button  int    // 1=left, 2=middle, 3=right, 4/5=extra
	Pressed bool   // PointerButton
	Delta   int    // Scroll
	Key     string // normalised key name for KeyDown and KeyUp
	Time    time.Time
}

// Verdict tells the hook whether the OS should still deliver the event.
type Verdict int

const (
	Pass Verdict = iota
	Suppress
)

// Handler decides the fate of each event. It runs on the hook thread and
// must return quickly without blocking.
type Handler func(Event) Verdict

// Interceptor installs a system-wide input hook.
type Interceptor interface {
	Start(h Handler) error
	Stop() error
}

// Injector moves the local pointer on behalf of a remote controller.
type Injector interface {
	MovePointer(x, y int) error
}
