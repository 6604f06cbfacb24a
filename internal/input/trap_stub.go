//go:build !windows

package input

// Trap is the input hook. Only Windows has one; elsewhere Start reports
// ErrUnsupported and the process can still act as a relay target.
type Trap struct{}

// NewTrap creates the platform input hook.
func NewTrap() *Trap {
	return &Trap{}
}

func (t *Trap) Start(Handler) error {
	return ErrUnsupported
}

func (t *Trap) Stop() error {
	return nil
}
