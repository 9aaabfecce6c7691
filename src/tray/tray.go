package tray

import (
	"log"
	"sync"

	"github.com/getlantern/systray"
)

const (
	Title          = "Exam OCR LLM"
	busyTooltip    = "Exam OCR: processing..."
	captureLabel   = "Capture Screen"
	captureTooltip = "Capture the screen and analyze it"
)

// Tray is the menu bar / notification area entry of the resident app.
type Tray struct {
	mu             sync.Mutex
	capture        *systray.MenuItem
	quit           *systray.MenuItem
	defaultTooltip string
	busy           bool
}

// Run blocks on the systray main loop and calls onReady once the menu exists.
func Run(defaultTooltip string, onReady func(t *Tray), onExit func()) {
	systray.Run(func() {
		t := &Tray{defaultTooltip: defaultTooltip}
		systray.SetIcon(iconBytes(false))
		systray.SetTitle(Title)
		systray.SetTooltip(defaultTooltip)
		t.capture = systray.AddMenuItem(captureLabel, captureTooltip)
		systray.AddSeparator()
		t.quit = systray.AddMenuItem("Quit", "Quit the application")
		log.Printf("Tray ready")
		onReady(t)
	}, onExit)
}

func Quit() { systray.Quit() }

// CaptureClicked delivers a value each time the capture item is clicked.
func (t *Tray) CaptureClicked() <-chan struct{} { return t.capture.ClickedCh }

func (t *Tray) QuitClicked() <-chan struct{} { return t.quit.ClickedCh }

// SetBusy disables the capture item while a request is in flight.
func (t *Tray) SetBusy(busy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.busy = busy
	systray.SetIcon(iconBytes(busy))
	if busy {
		t.capture.Disable()
		systray.SetTooltip(busyTooltip)
		return
	}
	t.capture.Enable()
	systray.SetTooltip(t.defaultTooltip)
}

// Notify shows a short status message in the tooltip until the next state change.
func (t *Tray) Notify(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy {
		return
	}
	systray.SetTooltip(Title + ": " + message)
}
