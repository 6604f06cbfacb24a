// Package tray provides the system tray front end using getlantern/systray.
package tray

import (
	"fmt"
	"sync"

	"github.com/getlantern/systray"
	"go.uber.org/zap"

	"pointerlink/internal/events"
	"pointerlink/internal/peer"
)

// maxPeerSlots is how many peers the request submenu can show.
const maxPeerSlots = 10

// Controller is what the tray drives.
type Controller interface {
	RequestControl(id peer.ID) error
	CaptureActive() bool
	SetCapture(on bool)
	OpenPanel() error
	Quit()
}

// Tray manages the system tray icon and menu
type Tray struct {
	title  string
	ctl    Controller
	bus    *events.Bus
	logger *zap.SugaredLogger

	mu      sync.Mutex
	sub     *events.Subscription
	slots   []*systray.MenuItem
	slotIDs []peer.ID
	capture *systray.MenuItem
	quitCh  chan struct{}
}

// New creates a tray fed by bus events. The bus is only subscribed once
// the menu exists, so publishers never wait on a tray that is not drawn.
func New(title string, ctl Controller, bus *events.Bus, logger *zap.SugaredLogger) *Tray {
	return &Tray{
		title:   title,
		ctl:     ctl,
		bus:     bus,
		logger:  logger,
		slotIDs: make([]peer.ID, maxPeerSlots),
		quitCh:  make(chan struct{}),
	}
}

// Run starts the tray event loop. It blocks and must run on the main
// goroutine on macOS.
func (t *Tray) Run() {
	systray.Run(t.setupMenu, t.onExit)
}

// Stop stops the tray
func (t *Tray) Stop() {
	systray.Quit()
}

func (t *Tray) onExit() {
	t.unsubscribe()
	close(t.quitCh)
}

func (t *Tray) subscribe() *events.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		t.sub = t.bus.Subscribe(16)
	}
	return t.sub
}

func (t *Tray) unsubscribe() {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// setupMenu is called when systray is ready
func (t *Tray) setupMenu() {
	systray.SetTitle(t.title)
	systray.SetTooltip(t.title)
	systray.SetIcon(getIcon())

	t.capture = systray.AddMenuItemCheckbox("Capture pointer", "Send pointer movement to connected peers", t.ctl.CaptureActive())
	request := systray.AddMenuItem("Request control", "Ask a peer to accept this pointer")
	for i := 0; i < maxPeerSlots; i++ {
		item := request.AddSubMenuItem("", "")
		item.Hide()
		t.slots = append(t.slots, item)
		go t.onClick(item, func() { t.requestSlot(i) })
	}
	systray.AddSeparator()
	panel := systray.AddMenuItem("Open panel", "Open the device panel in a browser")
	quit := systray.AddMenuItem("Quit", "Stop pointerlink")

	go t.onClick(t.capture, func() { t.ctl.SetCapture(!t.ctl.CaptureActive()) })
	go t.onClick(panel, func() {
		if err := t.ctl.OpenPanel(); err != nil {
			t.logger.Warnw("Could not open panel", "error", err)
		}
	})
	go t.onClick(quit, t.ctl.Quit)
	go t.follow(t.subscribe())
}

func (t *Tray) onClick(item *systray.MenuItem, fn func()) {
	for {
		select {
		case <-item.ClickedCh:
			fn()
		case <-t.quitCh:
			return
		}
	}
}

func (t *Tray) requestSlot(i int) {
	t.mu.Lock()
	id := t.slotIDs[i]
	t.mu.Unlock()
	if id == "" {
		return
	}
	if err := t.ctl.RequestControl(id); err != nil {
		t.logger.Warnw("Control request failed", "peer", id, "error", err)
	}
}

// follow mirrors bus events into the menu.
func (t *Tray) follow(sub *events.Subscription) {
	for ev := range sub.C() {
		switch e := ev.(type) {
		case events.DevicesChanged:
			t.showPeers(e.Peers)
		case events.CaptureToggled:
			if e.Active {
				t.capture.Check()
			} else {
				t.capture.Uncheck()
			}
		case events.RequestReceived:
			systray.SetTooltip(fmt.Sprintf("%s: %s wants control", t.title, e.RequesterName))
		case events.SessionOpened:
			systray.SetTooltip(fmt.Sprintf("%s: connected to %s", t.title, e.Remote))
		case events.SessionClosed:
			systray.SetTooltip(t.title)
		}
	}
}

func (t *Tray) showPeers(peers []peer.Record) {
	labels, ids := slotLabels(peers, maxPeerSlots)
	t.mu.Lock()
	copy(t.slotIDs, ids)
	t.mu.Unlock()
	for i, item := range t.slots {
		if labels[i] == "" {
			item.Hide()
			continue
		}
		item.SetTitle(labels[i])
		item.Show()
	}
}

// slotLabels lays peers out over n menu slots; unused slots are empty.
func slotLabels(peers []peer.Record, n int) ([]string, []peer.ID) {
	labels := make([]string, n)
	ids := make([]peer.ID, n)
	for i, p := range peers {
		if i == n {
			break
		}
		labels[i] = fmt.Sprintf("%s (%s)", p.Name, p.Address)
		ids[i] = p.ID
	}
	return labels, ids
}

// getIcon returns a placeholder icon (valid 16x16 ICO)
func getIcon() []byte {
	// A valid 16x16 32-bit ICO file with correct size and DIB header
	icon := make([]byte, 1118)
	// ICO Header
	copy(icon[0:6], []byte{0x00, 0x00, 0x01, 0x00, 0x01, 0x00})
	// Icon Directory
	copy(icon[6:22], []byte{
		0x10, 0x10, 0x00, 0x00, 0x01, 0x00, 0x20, 0x00,
		0x48, 0x04, 0x00, 0x00, // Size: 1024 (pixels) + 40 (header) + 32 (mask) = 1096 bytes
		0x16, 0x00, 0x00, 0x00, // Offset
	})
	// DIB Header
	copy(icon[22:62], []byte{
		0x28, 0x00, 0x00, 0x00, // Size
		0x10, 0x00, 0x00, 0x00, // Width
		0x20, 0x00, 0x00, 0x00, // Height (16 * 2 for icon)
		0x01, 0x00, // Planes
		0x20, 0x00, // BPP
		0x00, 0x00, 0x00, 0x00, // Compression
		0x00, 0x04, 0x00, 0x00, // Image Size
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	})
	// The rest (pixels and mask) can stay 0 for transparency
	return icon
}
