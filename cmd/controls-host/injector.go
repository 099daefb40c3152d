package main

import (
	"errors"
	"fmt"
	"log/slog"
)

// InputInjector synthesizes keyboard and mouse input on the local machine.
type InputInjector interface {
	KeyDown(k Key) error
	KeyUp(k Key) error
	MouseMoveAbs(x, y int32) error
	MouseMoveRel(dx, dy int32) error
	MouseDown(b MouseButton) error
	MouseUp(b MouseButton) error
	ScrollV(n int32) error
	ScrollH(n int32) error
	Close() error
}

// ErrInjectorUnsupported is returned when the injector backend is not
// available on this platform.
var ErrInjectorUnsupported = errors.New("input injector not supported on this platform")

// Injector backends.
const (
	InputBackendUinput = "uinput"
	InputBackendLog    = "log"
)

func openInjector(cfg InputConfig, logger *slog.Logger) (InputInjector, error) {
	switch cfg.Backend {
	case InputBackendUinput:
		inj, err := newUinputInjector(cfg.DeviceName, logger)
		if err != nil {
			return nil, fmt.Errorf("open uinput injector: %w", err)
		}
		return inj, nil
	case InputBackendLog:
		return logInjector{logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown input backend %q", cfg.Backend)
	}
}

// logInjector logs every call instead of injecting it.
type logInjector struct {
	logger *slog.Logger
}

func (l logInjector) KeyDown(k Key) error {
	l.logger.Debug("inject key down", "key", k.String())
	return nil
}

func (l logInjector) KeyUp(k Key) error {
	l.logger.Debug("inject key up", "key", k.String())
	return nil
}

func (l logInjector) MouseMoveAbs(x, y int32) error {
	l.logger.Debug("inject mouse move", "origin", "abs", "x", x, "y", y)
	return nil
}

func (l logInjector) MouseMoveRel(dx, dy int32) error {
	l.logger.Debug("inject mouse move", "origin", "rel", "x", dx, "y", dy)
	return nil
}

func (l logInjector) MouseDown(b MouseButton) error {
	l.logger.Debug("inject mouse down", "button", string(b))
	return nil
}

func (l logInjector) MouseUp(b MouseButton) error {
	l.logger.Debug("inject mouse up", "button", string(b))
	return nil
}

func (l logInjector) ScrollV(n int32) error {
	l.logger.Debug("inject scroll", "dir", "ver", "len", n)
	return nil
}

func (l logInjector) ScrollH(n int32) error {
	l.logger.Debug("inject scroll", "dir", "hor", "len", n)
	return nil
}

func (logInjector) Close() error { return nil }
