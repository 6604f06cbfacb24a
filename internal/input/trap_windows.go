//go:build windows

package input

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"pointerlink/internal/hotkey"
)

var (
	user32                 = windows.NewLazySystemDLL("user32.dll")
	kernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procSetWindowsHookEx   = user32.NewProc("SetWindowsHookExW")
	procCallNextHookEx     = user32.NewProc("CallNextHookEx")
	procUnhookWindowsHook  = user32.NewProc("UnhookWindowsHookEx")
	procGetMessage         = user32.NewProc("GetMessageW")
	procTranslateMessage   = user32.NewProc("TranslateMessage")
	procDispatchMessage    = user32.NewProc("DispatchMessageW")
	procPostThreadMessage  = user32.NewProc("PostThreadMessageW")
	procSetCursorPos       = user32.NewProc("SetCursorPos")
	procGetModuleHandle    = kernel32.NewProc("GetModuleHandleW")
	procGetCurrentThreadID = kernel32.NewProc("GetCurrentThreadId")
)

const (
	whKeyboardLL = 13
	whMouseLL    = 14

	wmQuit        = 0x0012
	wmKeyDown     = 0x0100
	wmKeyUp       = 0x0101
	wmSysKeyDown  = 0x0104
	wmSysKeyUp    = 0x0105
	wmMouseMove   = 0x0200
	wmLButtonDown = 0x0201
	wmLButtonUp   = 0x0202
	wmRButtonDown = 0x0204
	wmRButtonUp   = 0x0205
	wmMButtonDown = 0x0207
	wmMButtonUp   = 0x0208
	wmMouseWheel  = 0x020A
	wmXButtonDown = 0x020B
	wmXButtonUp   = 0x020C

	llmhfInjected = 0x00000001
)

type point struct{ X, Y int32 }

type msllHookStruct struct {
	Pt          point
	MouseData   uint32
	Flags       uint32
	Time        uint32
	DwExtraInfo uintptr
}

type kbdllHookStruct struct {
	VkCode      uint32
	ScanCode    uint32
	Flags       uint32
	Time        uint32
	DwExtraInfo uintptr
}

type msg struct {
	Hwnd    syscall.Handle
	Message uint32
	Wparam  uintptr
	Lparam  uintptr
	Time    uint32
	Pt      point
}

// Only one low-level hook set may be active per process; the OS callbacks
// carry no user pointer.
var (
	activeMu   sync.Mutex
	activeTrap *Trap
)

// Trap installs WH_MOUSE_LL and WH_KEYBOARD_LL hooks on a dedicated,
// locked OS thread and asks the handler whether to swallow each event.
type Trap struct {
	mu        sync.Mutex
	handler   Handler
	threadID  uintptr
	mouseHook uintptr
	keyHook   uintptr
	done      chan struct{}
}

// NewTrap creates the Windows input hook.
func NewTrap() *Trap {
	return &Trap{}
}

// Start installs the hooks. It returns once they are active or failed.
func (t *Trap) Start(h Handler) error {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activeTrap != nil {
		return errors.New("input: hook already running")
	}

	t.mu.Lock()
	t.handler = h
	t.done = make(chan struct{})
	t.mu.Unlock()

	ready := make(chan error, 1)
	go t.hookThread(ready)
	if err := <-ready; err != nil {
		return err
	}
	activeTrap = t
	return nil
}

// Stop removes the hooks and ends the hook thread.
func (t *Trap) Stop() error {
	activeMu.Lock()
	if activeTrap != t {
		activeMu.Unlock()
		return nil
	}
	activeTrap = nil
	activeMu.Unlock()

	procPostThreadMessage.Call(t.threadID, wmQuit, 0, 0)
	<-t.done
	return nil
}

func (t *Trap) hookThread(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	t.threadID, _, _ = procGetCurrentThreadID.Call()
	hMod, _, _ := procGetModuleHandle.Call(0)

	var err error
	t.mouseHook, _, err = procSetWindowsHookEx.Call(whMouseLL, syscall.NewCallback(mouseHookProc), hMod, 0)
	if t.mouseHook == 0 {
		ready <- fmt.Errorf("input: mouse hook: %w", err)
		return
	}
	t.keyHook, _, err = procSetWindowsHookEx.Call(whKeyboardLL, syscall.NewCallback(keyboardHookProc), hMod, 0)
	if t.keyHook == 0 {
		procUnhookWindowsHook.Call(t.mouseHook)
		ready <- fmt.Errorf("input: keyboard hook: %w", err)
		return
	}
	ready <- nil

	var m msg
	for {
		ret, _, _ := procGetMessage.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		if int32(ret) <= 0 {
			break
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&m)))
		procDispatchMessage.Call(uintptr(unsafe.Pointer(&m)))
	}

	procUnhookWindowsHook.Call(t.keyHook)
	procUnhookWindowsHook.Call(t.mouseHook)
}

func current() (*Trap, Handler) {
	activeMu.Lock()
	t := activeTrap
	activeMu.Unlock()
	if t == nil {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t, t.handler
}

func mouseHookProc(nCode int, wParam uintptr, lParam uintptr) uintptr {
	t, h := current()
	if nCode == 0 && h != nil {
		ms := (*msllHookStruct)(unsafe.Pointer(lParam))
		// Our own SetCursorPos calls come back flagged as injected.
		if ms.Flags&llmhfInjected == 0 {
			ev := Event{X: int(ms.Pt.X), Y: int(ms.Pt.Y), Time: time.Now()}
			known := true
			switch wParam {
			case wmMouseMove:
				ev.Kind = PointerMove
			case wmLButtonDown, wmLButtonUp:
				ev.Kind, ev.Button, ev.Pressed = PointerButton, 1, wParam == wmLButtonDown
			case wmMButtonDown, wmMButtonUp:
				ev.Kind, ev.Button, ev.Pressed = PointerButton, 2, wParam == wmMButtonDown
			case wmRButtonDown, wmRButtonUp:
				ev.Kind, ev.Button, ev.Pressed = PointerButton, 3, wParam == wmRButtonDown
			case wmXButtonDown, wmXButtonUp:
				ev.Kind, ev.Pressed = PointerButton, wParam == wmXButtonDown
				ev.Button = 5
				if ms.MouseData>>16 == 1 {
					ev.Button = 4
				}
			case wmMouseWheel:
				ev.Kind, ev.Delta = Scroll, int(int16(ms.MouseData>>16))
			default:
				known = false
			}
			if known && h(ev) == Suppress {
				return 1
			}
		}
	}
	var hook uintptr
	if t != nil {
		hook = t.mouseHook
	}
	ret, _, _ := procCallNextHookEx.Call(hook, uintptr(nCode), wParam, lParam)
	return ret
}

func keyboardHookProc(nCode int, wParam uintptr, lParam uintptr) uintptr {
	t, h := current()
	if nCode == 0 && h != nil {
		kbd := (*kbdllHookStruct)(unsafe.Pointer(lParam))
		if name := vkCodeToName(kbd.VkCode); name != "" {
			ev := Event{Key: name, Time: time.Now()}
			switch wParam {
			case wmKeyDown, wmSysKeyDown:
				ev.Kind = KeyDown
			case wmKeyUp, wmSysKeyUp:
				ev.Kind = KeyUp
			}
			if h(ev) == Suppress {
				return 1
			}
		}
	}
	var hook uintptr
	if t != nil {
		hook = t.keyHook
	}
	ret, _, _ := procCallNextHookEx.Call(hook, uintptr(nCode), wParam, lParam)
	return ret
}

func vkCodeToName(vk uint32) string {
	switch vk {
	case 0x11, 0xA2, 0xA3:
		return "CTRL"
	case 0x12, 0xA4, 0xA5:
		return "ALT"
	case 0x10, 0xA0, 0xA1:
		return "SHIFT"
	case 0x5B, 0x5C:
		return "CMD"
	case 0x20:
		return "SPACE"
	case 0x0D:
		return "ENTER"
	case 0x1B:
		return "ESC"
	case 0x08:
		return "BACKSPACE"
	case 0x09:
		return "TAB"
	case 0x25:
		return "LEFT"
	case 0x26:
		return "UP"
	case 0x27:
		return "RIGHT"
	case 0x28:
		return "DOWN"
	case 0x2E:
		return "DELETE"
	}
	if vk >= 0x41 && vk <= 0x5A || vk >= 0x30 && vk <= 0x39 {
		return string(rune(vk))
	}
	if vk >= 0x70 && vk <= 0x87 {
		return fmt.Sprintf("F%d", vk-0x6F)
	}
	return hotkey.Normalize(fmt.Sprintf("VK%02X", vk))
}

// PlatformInjector positions the cursor with SetCursorPos.
type PlatformInjector struct{}

// NewInjector creates the Windows injector.
func NewInjector() *PlatformInjector {
	return &PlatformInjector{}
}

func (i *PlatformInjector) MovePointer(x, y int) error {
	ret, _, err := procSetCursorPos.Call(uintptr(int32(x)), uintptr(int32(y)))
	if ret == 0 {
		return fmt.Errorf("input: SetCursorPos: %w", err)
	}
	return nil
}
