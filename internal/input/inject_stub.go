//go:build !darwin && !windows

package input

// PlatformInjector has no backend on this platform.
type PlatformInjector struct{}

// NewInjector creates the platform injector.
func NewInjector() *PlatformInjector {
	return &PlatformInjector{}
}

func (i *PlatformInjector) MovePointer(x, y int) error {
	return ErrUnsupported
}
