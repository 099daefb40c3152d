//go:build linux

package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// uinput ioctls (from <linux/uinput.h>).
const (
	uiDevCreate  = 0x5501
	uiDevDestroy = 0x5502
	uiSetEvBit   = 0x40045564
	uiSetKeyBit  = 0x40045565
	uiSetRelBit  = 0x40045566

	busUSB        = 0x03
	uinputMaxName = 80
	absCount      = 64

	// Relative distance used to pin the pointer to the top-left corner
	// before an absolute move.
	homeDistance = -32768
)

// inputEvent mirrors struct input_event on 64-bit Linux.
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// uinputUserDev mirrors the legacy struct uinput_user_dev.
type uinputUserDev struct {
	Name         [uinputMaxName]byte
	Bustype      uint16
	Vendor       uint16
	Product      uint16
	Version      uint16
	FFEffectsMax uint32
	Absmax       [absCount]int32
	Absmin       [absCount]int32
	Absfuzz      [absCount]int32
	Absflat      [absCount]int32
}

// uinputInjector is a virtual keyboard+mouse backed by /dev/uinput.
type uinputInjector struct {
	mu     sync.Mutex
	f      *os.File
	logger *slog.Logger
}

func newUinputInjector(name string, logger *slog.Logger) (InputInjector, error) {
	f, err := os.OpenFile("/dev/uinput", os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/uinput: %w", err)
	}

	if err := setupUinputDevice(f, name); err != nil {
		f.Close()
		return nil, err
	}

	// Give udev a moment to pick the device up before the first event.
	time.Sleep(100 * time.Millisecond)

	logger.Info("virtual input device created", "name", name)
	return &uinputInjector{f: f, logger: logger}, nil
}

func setupUinputDevice(f *os.File, name string) error {
	fd := int(f.Fd())

	for _, ev := range []int{EV_KEY, EV_REL} {
		if err := unix.IoctlSetInt(fd, uiSetEvBit, ev); err != nil {
			return fmt.Errorf("UI_SET_EVBIT %d: %w", ev, err)
		}
	}
	for code := 1; code <= maxRegisteredKey; code++ {
		if err := unix.IoctlSetInt(fd, uiSetKeyBit, code); err != nil {
			return fmt.Errorf("UI_SET_KEYBIT %d: %w", code, err)
		}
	}
	for _, code := range mouseButtonCodes {
		if err := unix.IoctlSetInt(fd, uiSetKeyBit, int(code)); err != nil {
			return fmt.Errorf("UI_SET_KEYBIT %d: %w", code, err)
		}
	}
	for _, rel := range []int{REL_X, REL_Y, REL_WHEEL, REL_HWHEEL} {
		if err := unix.IoctlSetInt(fd, uiSetRelBit, rel); err != nil {
			return fmt.Errorf("UI_SET_RELBIT %d: %w", rel, err)
		}
	}

	var dev uinputUserDev
	copy(dev.Name[:uinputMaxName-1], name)
	dev.Bustype = busUSB
	dev.Vendor = 0x1209
	dev.Product = 0x0001
	dev.Version = 1
	if err := binary.Write(f, binary.NativeEndian, &dev); err != nil {
		return fmt.Errorf("write uinput_user_dev: %w", err)
	}

	if err := unix.IoctlSetInt(fd, uiDevCreate, 0); err != nil {
		return fmt.Errorf("UI_DEV_CREATE: %w", err)
	}
	return nil
}

// emit writes the events followed by a SYN_REPORT.
func (u *uinputInjector) emit(events ...inputEvent) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.f == nil {
		return fmt.Errorf("uinput device closed")
	}
	events = append(events, inputEvent{Type: EV_SYN, Code: SYN_REPORT})
	for _, ev := range events {
		if err := binary.Write(u.f, binary.NativeEndian, &ev); err != nil {
			return fmt.Errorf("write input event: %w", err)
		}
	}
	return nil
}

func keyEvent(code uint16, value int32) inputEvent {
	return inputEvent{Type: EV_KEY, Code: code, Value: value}
}

func relEvent(code uint16, value int32) inputEvent {
	return inputEvent{Type: EV_REL, Code: code, Value: value}
}

func (u *uinputInjector) KeyDown(k Key) error {
	ks, ok := resolveKey(k)
	if !ok {
		return fmt.Errorf("no key code for %s", k)
	}
	if ks.Shift {
		return u.emit(keyEvent(KEY_LEFTSHIFT, evValuePress), keyEvent(ks.Code, evValuePress))
	}
	return u.emit(keyEvent(ks.Code, evValuePress))
}

func (u *uinputInjector) KeyUp(k Key) error {
	ks, ok := resolveKey(k)
	if !ok {
		return fmt.Errorf("no key code for %s", k)
	}
	if ks.Shift {
		return u.emit(keyEvent(ks.Code, evValueRelease), keyEvent(KEY_LEFTSHIFT, evValueRelease))
	}
	return u.emit(keyEvent(ks.Code, evValueRelease))
}

// MouseMoveAbs pins the pointer to the origin and moves relatively from
// there. Pointer acceleration can make the final position inexact.
func (u *uinputInjector) MouseMoveAbs(x, y int32) error {
	if err := u.emit(relEvent(REL_X, homeDistance), relEvent(REL_Y, homeDistance)); err != nil {
		return err
	}
	return u.emit(relEvent(REL_X, x), relEvent(REL_Y, y))
}

func (u *uinputInjector) MouseMoveRel(dx, dy int32) error {
	return u.emit(relEvent(REL_X, dx), relEvent(REL_Y, dy))
}

func (u *uinputInjector) MouseDown(b MouseButton) error {
	code, ok := mouseButtonCodes[b]
	if !ok {
		return fmt.Errorf("no button code for %s", b)
	}
	return u.emit(keyEvent(code, evValuePress))
}

func (u *uinputInjector) MouseUp(b MouseButton) error {
	code, ok := mouseButtonCodes[b]
	if !ok {
		return fmt.Errorf("no button code for %s", b)
	}
	return u.emit(keyEvent(code, evValueRelease))
}

// ScrollV scrolls n notches; positive scrolls down (REL_WHEEL is positive up).
func (u *uinputInjector) ScrollV(n int32) error {
	return u.emit(relEvent(REL_WHEEL, -n))
}

// ScrollH scrolls n notches; positive scrolls right.
func (u *uinputInjector) ScrollH(n int32) error {
	return u.emit(relEvent(REL_HWHEEL, n))
}

func (u *uinputInjector) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.f == nil {
		return nil
	}
	if err := unix.IoctlSetInt(int(u.f.Fd()), uiDevDestroy, 0); err != nil {
		u.logger.Warn("UI_DEV_DESTROY failed", "error", err)
	}
	err := u.f.Close()
	u.f = nil
	return err
}
