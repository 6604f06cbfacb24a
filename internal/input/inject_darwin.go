//go:build darwin

package input

/*
#cgo LDFLAGS: -framework CoreGraphics -framework ApplicationServices

#include <stdbool.h>
#include <CoreGraphics/CoreGraphics.h>
#include <ApplicationServices/ApplicationServices.h>

static bool hasAccessibilityPermissions() {
    return AXIsProcessTrusted();
}

static int movePointer(double x, double y) {
    CGPoint p = CGPointMake(x, y);
    CGEventRef ev = CGEventCreateMouseEvent(NULL, kCGEventMouseMoved, p, kCGMouseButtonLeft);
    if (ev == NULL) {
        return -1;
    }
    CGEventPost(kCGHIDEventTap, ev);
    CFRelease(ev);
    return 0;
}
*/
import "C"

import "errors"

var errNoAccessibility = errors.New("input: accessibility permission required to move the pointer")

// PlatformInjector posts synthetic mouse-moved events through CoreGraphics.
type PlatformInjector struct{}

// NewInjector creates the macOS injector.
func NewInjector() *PlatformInjector {
	return &PlatformInjector{}
}

func (i *PlatformInjector) MovePointer(x, y int) error {
	if !bool(C.hasAccessibilityPermissions()) {
		return errNoAccessibility
	}
	if C.movePointer(C.double(x), C.double(y)) != 0 {
		return errors.New("input: CGEventCreateMouseEvent failed")
	}
	return nil
}
