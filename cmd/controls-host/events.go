package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// ============================================================================
// Input Events - JSON frame payloads
// ============================================================================
// The command server serializes events as externally tagged unions:
//
//   {"Keyboard":{"action":"Up","key":"Alt"}}
//   {"Keyboard":{"action":{"Click":{"secs":0,"nanos":100000000}},"key":{"Layout":"a"}}}
//   {"Mouse":{"Move":{"origin":"Rel","x":10,"y":15}}}
//   {"Volume":{"Frac":0.5}}
//
// Unit variants are bare strings, data variants are single-key objects.
// ============================================================================

// maxClickHold bounds how long a Click may hold a key or button down.
// The session is blocked for the duration of the hold.
const maxClickHold = 10 * time.Second

// InputEvent is a marker interface for all decoded input events.
type InputEvent interface {
	inputEventMarker()
	String() string
}

// PressKind distinguishes Down, Up and Click.
type PressKind int

const (
	pressUnset PressKind = iota
	PressDown
	PressUp
	PressClick
)

// PressAction is the action part of keyboard and mouse button events.
// Hold is only meaningful for PressClick.
type PressAction struct {
	Kind PressKind
	Hold time.Duration
}

func (a PressAction) String() string {
	switch a.Kind {
	case PressDown:
		return "Down"
	case PressUp:
		return "Up"
	case PressClick:
		return fmt.Sprintf("Click(%s)", a.Hold)
	default:
		return "Unset"
	}
}

// wireDuration is the {"secs":..,"nanos":..} duration encoding.
type wireDuration struct {
	Secs  uint64 `json:"secs"`
	Nanos uint32 `json:"nanos"`
}

func (a PressAction) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case PressDown:
		return json.Marshal("Down")
	case PressUp:
		return json.Marshal("Up")
	default:
		d := wireDuration{
			Secs:  uint64(a.Hold / time.Second),
			Nanos: uint32(a.Hold % time.Second),
		}
		return json.Marshal(map[string]wireDuration{"Click": d})
	}
}

func (a *PressAction) UnmarshalJSON(data []byte) error {
	tag, body, err := decodeTagged(data)
	if err != nil {
		return fmt.Errorf("action: %w", err)
	}
	switch tag {
	case "Down":
		*a = PressAction{Kind: PressDown}
	case "Up":
		*a = PressAction{Kind: PressUp}
	case "Click":
		var d wireDuration
		if err := json.Unmarshal(body, &d); err != nil {
			return fmt.Errorf("action Click: %w", err)
		}
		if d.Nanos >= uint32(time.Second) {
			return fmt.Errorf("action Click: nanos %d out of range", d.Nanos)
		}
		if d.Secs > uint64(maxClickHold/time.Second) {
			return fmt.Errorf("action Click: hold of %ds exceeds %s", d.Secs, maxClickHold)
		}
		hold := time.Duration(d.Secs)*time.Second + time.Duration(d.Nanos)
		if hold > maxClickHold {
			return fmt.Errorf("action Click: hold %s exceeds %s", hold, maxClickHold)
		}
		*a = PressAction{Kind: PressClick, Hold: hold}
	default:
		return fmt.Errorf("action: unknown variant %q", tag)
	}
	return nil
}

// MouseButton names a mouse button as it appears on the wire.
type MouseButton string

const (
	ButtonLeft        MouseButton = "Left"
	ButtonMiddle      MouseButton = "Middle"
	ButtonRight       MouseButton = "Right"
	ButtonScrollUp    MouseButton = "ScrollUp"
	ButtonScrollDown  MouseButton = "ScrollDown"
	ButtonScrollLeft  MouseButton = "ScrollLeft"
	ButtonScrollRight MouseButton = "ScrollRight"
)

func (b *MouseButton) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("mouse button: %w", err)
	}
	switch MouseButton(s) {
	case ButtonLeft, ButtonMiddle, ButtonRight,
		ButtonScrollUp, ButtonScrollDown, ButtonScrollLeft, ButtonScrollRight:
		*b = MouseButton(s)
		return nil
	}
	return fmt.Errorf("mouse button: unknown %q", s)
}

// MoveOrigin selects relative or absolute pointer motion.
type MoveOrigin string

const (
	OriginRel MoveOrigin = "Rel"
	OriginAbs MoveOrigin = "Abs"
)

func (o *MoveOrigin) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("move origin: %w", err)
	}
	if s != string(OriginRel) && s != string(OriginAbs) {
		return fmt.Errorf("move origin: unknown %q", s)
	}
	*o = MoveOrigin(s)
	return nil
}

// ScrollDir selects the scroll axis.
type ScrollDir string

const (
	ScrollVertical   ScrollDir = "Ver"
	ScrollHorizontal ScrollDir = "Hor"
)

func (d *ScrollDir) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("scroll dir: %w", err)
	}
	if s != string(ScrollVertical) && s != string(ScrollHorizontal) {
		return fmt.Errorf("scroll dir: unknown %q", s)
	}
	*d = ScrollDir(s)
	return nil
}

// KeyboardEvent presses, releases or clicks a key.
type KeyboardEvent struct {
	Action PressAction `json:"action"`
	Key    Key         `json:"key"`
}

// MouseButtonEvent presses, releases or clicks a mouse button.
type MouseButtonEvent struct {
	Action PressAction `json:"action"`
	Button MouseButton `json:"button"`
}

// MouseMoveEvent moves the pointer.
type MouseMoveEvent struct {
	Origin MoveOrigin `json:"origin"`
	X      int32      `json:"x"`
	Y      int32      `json:"y"`
}

// MouseScrollEvent scrolls by Len notches; negative values scroll up/left.
type MouseScrollEvent struct {
	Dir ScrollDir `json:"dir"`
	Len int32     `json:"len"`
}

// VolumeEvent sets the output volume.
type VolumeEvent struct {
	Level VolumeLevel
}

func (e KeyboardEvent) validate() error {
	if e.Action.Kind == pressUnset {
		return errors.New("missing action")
	}
	if e.Key.Kind == KeyNone {
		return errors.New("missing key")
	}
	return nil
}

func (e MouseButtonEvent) validate() error {
	if e.Action.Kind == pressUnset {
		return errors.New("missing action")
	}
	if e.Button == "" {
		return errors.New("missing button")
	}
	return nil
}

func (e MouseMoveEvent) validate() error {
	if e.Origin == "" {
		return errors.New("missing origin")
	}
	return nil
}

func (e MouseScrollEvent) validate() error {
	if e.Dir == "" {
		return errors.New("missing dir")
	}
	return nil
}

func (KeyboardEvent) inputEventMarker()    {}
func (MouseButtonEvent) inputEventMarker() {}
func (MouseMoveEvent) inputEventMarker()   {}
func (MouseScrollEvent) inputEventMarker() {}
func (VolumeEvent) inputEventMarker()      {}

func (e KeyboardEvent) String() string {
	return fmt.Sprintf("Keyboard(%s %s)", e.Action, e.Key)
}

func (e MouseButtonEvent) String() string {
	return fmt.Sprintf("MouseButton(%s %s)", e.Action, e.Button)
}

func (e MouseMoveEvent) String() string {
	return fmt.Sprintf("MouseMove(%s x=%d y=%d)", e.Origin, e.X, e.Y)
}

func (e MouseScrollEvent) String() string {
	return fmt.Sprintf("MouseScroll(%s len=%d)", e.Dir, e.Len)
}

func (e VolumeEvent) String() string {
	return fmt.Sprintf("Volume(%s)", e.Level)
}

// UnmarshalInputEvent decodes one InputEvent from its JSON encoding.
func UnmarshalInputEvent(data []byte) (InputEvent, error) {
	if !utf8.Valid(data) {
		return nil, errors.New("input event: payload is not valid UTF-8")
	}
	tag, body, err := decodeTagged(data)
	if err != nil {
		return nil, fmt.Errorf("input event: %w", err)
	}

	switch tag {
	case "Keyboard":
		var ev KeyboardEvent
		if err := decodeStrict(body, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal Keyboard: %w", err)
		}
		if err := ev.validate(); err != nil {
			return nil, fmt.Errorf("unmarshal Keyboard: %w", err)
		}
		return ev, nil

	case "Volume":
		var lvl VolumeLevel
		if err := json.Unmarshal(body, &lvl); err != nil {
			return nil, fmt.Errorf("unmarshal Volume: %w", err)
		}
		return VolumeEvent{Level: lvl}, nil

	case "Mouse":
		return unmarshalMouseEvent(body)

	default:
		return nil, fmt.Errorf("input event: unknown variant %q", tag)
	}
}

func unmarshalMouseEvent(data []byte) (InputEvent, error) {
	tag, body, err := decodeTagged(data)
	if err != nil {
		return nil, fmt.Errorf("mouse event: %w", err)
	}

	switch tag {
	case "Button":
		var ev MouseButtonEvent
		if err := decodeStrict(body, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal Mouse.Button: %w", err)
		}
		if err := ev.validate(); err != nil {
			return nil, fmt.Errorf("unmarshal Mouse.Button: %w", err)
		}
		return ev, nil

	case "Move":
		var ev MouseMoveEvent
		if err := decodeStrict(body, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal Mouse.Move: %w", err)
		}
		if err := ev.validate(); err != nil {
			return nil, fmt.Errorf("unmarshal Mouse.Move: %w", err)
		}
		return ev, nil

	case "Scroll":
		var ev MouseScrollEvent
		if err := decodeStrict(body, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal Mouse.Scroll: %w", err)
		}
		if err := ev.validate(); err != nil {
			return nil, fmt.Errorf("unmarshal Mouse.Scroll: %w", err)
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("mouse event: unknown variant %q", tag)
	}
}

// MarshalInputEvent encodes an InputEvent in the externally tagged form.
func MarshalInputEvent(ev InputEvent) ([]byte, error) {
	var outer map[string]any

	switch e := ev.(type) {
	case KeyboardEvent:
		outer = map[string]any{"Keyboard": e}
	case MouseButtonEvent:
		outer = map[string]any{"Mouse": map[string]any{"Button": e}}
	case MouseMoveEvent:
		outer = map[string]any{"Mouse": map[string]any{"Move": e}}
	case MouseScrollEvent:
		outer = map[string]any{"Mouse": map[string]any{"Scroll": e}}
	case VolumeEvent:
		outer = map[string]any{"Volume": e.Level}
	default:
		return nil, fmt.Errorf("unknown input event type: %T", ev)
	}

	return json.Marshal(outer)
}

// decodeTagged splits an externally tagged value into its variant name and body.
// A bare JSON string is a unit variant and has a nil body.
func decodeTagged(data []byte) (string, json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", nil, errors.New("empty value")
	}

	if data[0] == '"' {
		var tag string
		if err := json.Unmarshal(data, &tag); err != nil {
			return "", nil, err
		}
		return tag, nil, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", nil, err
	}
	if len(obj) != 1 {
		return "", nil, fmt.Errorf("expected exactly one variant, got %d", len(obj))
	}
	for tag, body := range obj {
		return tag, body, nil
	}
	return "", nil, nil
}

// decodeStrict decodes a struct body and rejects unknown fields.
func decodeStrict(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("missing body")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
