//go:build windows

package main

import (
	"log"
	"syscall"
)

// enableDPIAwareness makes capture coordinates physical pixels on scaled displays.
func enableDPIAwareness() {
	const processPerMonitorDPIAware = 2
	setAwareness := syscall.NewLazyDLL("Shcore.dll").NewProc("SetProcessDpiAwareness")
	if setAwareness.Find() == nil {
		if ret, _, _ := setAwareness.Call(uintptr(processPerMonitorDPIAware)); ret != 0 {
			log.Printf("DPI: SetProcessDpiAwareness returned %d", ret)
		}
		return
	}
	setAware := syscall.NewLazyDLL("user32.dll").NewProc("SetProcessDPIAware")
	if setAware.Find() != nil {
		log.Printf("DPI: no awareness API available, captures may be scaled")
		return
	}
	_, _, _ = setAware.Call()
}
