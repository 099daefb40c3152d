package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Media keys that the fixed-frame commands map onto.
var (
	keyMediaNext = NamedKey("MediaNext")
	keyMediaPrev = NamedKey("MediaPrev")
	keyMediaPlay = NamedKey("MediaPlay")
)

// Dispatcher applies decoded commands to the local machine.
//
// Dispatch is serialized so the session and the IPC server can both feed it.
// Failures come back as *InjectorError or *DeviceError; the caller decides
// whether to continue.
type Dispatcher struct {
	mu       sync.Mutex
	injector InputInjector
	endpoint VolumeEndpoint
	rng      VolumeRange
	logger   *slog.Logger
	metrics  *Metrics
	feed     *StateFeed

	// sleep holds a Click down; replaced in tests.
	sleep func(time.Duration)
}

func NewDispatcher(inj InputInjector, ep VolumeEndpoint, rng VolumeRange, logger *slog.Logger, m *Metrics) *Dispatcher {
	return &Dispatcher{
		injector: inj,
		endpoint: ep,
		rng:      rng,
		logger:   logger,
		metrics:  m,
		sleep:    time.Sleep,
	}
}

// Range returns the volume range the dispatcher converts against.
func (d *Dispatcher) Range() VolumeRange {
	return d.rng
}

// Dispatch applies one command.
func (d *Dispatcher) Dispatch(cmd Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch c := cmd.(type) {
	case CmdNext:
		return d.pressKey(PressAction{Kind: PressClick}, keyMediaNext)
	case CmdPrev:
		return d.pressKey(PressAction{Kind: PressClick}, keyMediaPrev)
	case CmdPause:
		return d.pressKey(PressAction{Kind: PressClick}, keyMediaPlay)
	case CmdVolume:
		return d.setVolume(VolumeFrac(c.Value))
	case CmdInput:
		return d.applyEvent(c.Event)
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
}

func (d *Dispatcher) applyEvent(ev InputEvent) error {
	switch e := ev.(type) {
	case KeyboardEvent:
		return d.pressKey(e.Action, e.Key)
	case MouseButtonEvent:
		return d.pressButton(e.Action, e.Button)
	case MouseMoveEvent:
		if e.Origin == OriginAbs {
			return injectorErr("mouse move abs", d.injector.MouseMoveAbs(e.X, e.Y))
		}
		return injectorErr("mouse move rel", d.injector.MouseMoveRel(e.X, e.Y))
	case MouseScrollEvent:
		if e.Dir == ScrollHorizontal {
			return injectorErr("scroll horizontal", d.injector.ScrollH(e.Len))
		}
		return injectorErr("scroll vertical", d.injector.ScrollV(e.Len))
	case VolumeEvent:
		return d.setVolume(e.Level)
	default:
		return fmt.Errorf("unsupported input event %T", ev)
	}
}

func (d *Dispatcher) pressKey(action PressAction, k Key) error {
	return d.press(action,
		func() error { return injectorErr("key down", d.injector.KeyDown(k)) },
		func() error { return injectorErr("key up", d.injector.KeyUp(k)) },
	)
}

func (d *Dispatcher) pressButton(action PressAction, b MouseButton) error {
	// Wheel "buttons" scroll one notch on press and do nothing on release.
	if axis, n, ok := scrollButton(b); ok {
		if action.Kind == PressUp {
			return nil
		}
		if axis == ScrollHorizontal {
			return injectorErr("scroll horizontal", d.injector.ScrollH(n))
		}
		return injectorErr("scroll vertical", d.injector.ScrollV(n))
	}

	return d.press(action,
		func() error { return injectorErr("mouse down", d.injector.MouseDown(b)) },
		func() error { return injectorErr("mouse up", d.injector.MouseUp(b)) },
	)
}

// press runs down, up, or down-hold-up for a Click.
func (d *Dispatcher) press(action PressAction, down, up func() error) error {
	switch action.Kind {
	case PressDown:
		return down()
	case PressUp:
		return up()
	case PressClick:
		if err := down(); err != nil {
			return err
		}
		if action.Hold > 0 {
			d.sleep(action.Hold)
		}
		return up()
	default:
		return fmt.Errorf("unsupported press action %s", action)
	}
}

func scrollButton(b MouseButton) (ScrollDir, int32, bool) {
	switch b {
	case ButtonScrollUp:
		return ScrollVertical, -1, true
	case ButtonScrollDown:
		return ScrollVertical, 1, true
	case ButtonScrollLeft:
		return ScrollHorizontal, -1, true
	case ButtonScrollRight:
		return ScrollHorizontal, 1, true
	}
	return "", 0, false
}

func (d *Dispatcher) setVolume(level VolumeLevel) error {
	db := ToDecibel(level, d.rng)
	if err := d.endpoint.SetLevel(db); err != nil {
		return &DeviceError{Op: "set level", Err: err}
	}
	d.metrics.SetVolume(db)
	d.feed.Publish(BroadcastVolumeChanged{DB: db, At: time.Now()})
	d.logger.Debug("volume set", "level", level.String(), "db", db)
	return nil
}

// SetFeed publishes volume changes to f. Call before the first Dispatch.
func (d *Dispatcher) SetFeed(f *StateFeed) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.feed = f
}

// Volume reads the current endpoint level.
func (d *Dispatcher) Volume() (VolumeStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	db, err := d.endpoint.GetLevel()
	if err != nil {
		return VolumeStatus{}, &DeviceError{Op: "get level", Err: err}
	}
	return VolumeStatus{
		DB:       db,
		Fraction: ToFraction(VolumeLog(db), d.rng),
		Range:    d.rng,
	}, nil
}

// VolumeStatus is the current level in dB and as a fraction of the range.
type VolumeStatus struct {
	DB       float64     `json:"db"`
	Fraction float64     `json:"fraction"`
	Range    VolumeRange `json:"range"`
}

func injectorErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InjectorError{Op: op, Err: err}
}
