package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ============================================================================
// Command Codec
// ============================================================================
// Two frame kinds share one request/response exchange. The first response
// byte is always read on its own:
//
//   0x00  no command available, poll again
//   0xFF  server requests termination
//   else  fixed kind: discriminant, 15 more bytes complete a 16-byte frame
//         json kind:  payload length, that many bytes of UTF-8 JSON follow
//
// Fixed frame layout:
//
//   [0]     discriminant (1=Next 2=Prev 3=Pause 4=Vol)
//   [1:8]   reserved, must be zero
//   [8:16]  little-endian float64 volume (Vol only)
// ============================================================================

// FrameKind selects the response framing used by the server.
type FrameKind string

const (
	FrameFixed FrameKind = "fixed"
	FrameJSON  FrameKind = "json"
)

// Wire bytes.
const (
	byteHost       byte = 0x01 // handshake role marker: this client is the controlled host
	byteAccepted   byte = 0x01 // handshake ack
	byteRequest    byte = 0x01 // request next command
	byteTerminate  byte = 0x02 // client-side orderly shutdown
	frameEmpty     byte = 0x00
	frameTerminate byte = 0xFF

	fixedFrameLen = 16
	maxJSONLen    = 254
)

// Fixed-frame discriminants.
const (
	discNext  byte = 1
	discPrev  byte = 2
	discPause byte = 3
	discVol   byte = 4
)

// Command is one decoded server command.
type Command interface {
	commandMarker()
	String() string
}

// CmdNext skips to the next track.
type CmdNext struct{}

// CmdPrev goes back to the previous track.
type CmdPrev struct{}

// CmdPause toggles play/pause.
type CmdPause struct{}

// CmdVolume sets the volume; the value is a fraction of the device range.
type CmdVolume struct {
	Value float64
}

// CmdInput carries a JSON-framed input event.
type CmdInput struct {
	Event InputEvent
}

func (CmdNext) commandMarker()   {}
func (CmdPrev) commandMarker()   {}
func (CmdPause) commandMarker()  {}
func (CmdVolume) commandMarker() {}
func (CmdInput) commandMarker()  {}

func (CmdNext) String() string { return "Next" }
func (CmdPrev) String() string { return "Prev" }
func (CmdPause) String() string { return "Pause" }
func (c CmdVolume) String() string { return fmt.Sprintf("Vol(%g)", c.Value) }
func (c CmdInput) String() string { return c.Event.String() }

// commandKind is a short label for metrics.
func commandKind(cmd Command) string {
	switch c := cmd.(type) {
	case CmdNext:
		return "next"
	case CmdPrev:
		return "prev"
	case CmdPause:
		return "pause"
	case CmdVolume:
		return "volume"
	case CmdInput:
		switch c.Event.(type) {
		case KeyboardEvent:
			return "keyboard"
		case MouseButtonEvent:
			return "mouse_button"
		case MouseMoveEvent:
			return "mouse_move"
		case MouseScrollEvent:
			return "mouse_scroll"
		case VolumeEvent:
			return "volume"
		}
	}
	return "unknown"
}

// ResponseStatus is the outcome of reading one response.
type ResponseStatus int

const (
	ResponseCommand ResponseStatus = iota
	ResponseEmpty
	ResponseTerminate
)

// Response is one server reply to a request.
type Response struct {
	Status  ResponseStatus
	Command Command
}

// Codec reads and writes frames of one kind.
type Codec struct {
	kind FrameKind
}

// NewCodec returns a codec for the given frame kind.
func NewCodec(kind FrameKind) (Codec, error) {
	switch kind {
	case FrameFixed, FrameJSON:
		return Codec{kind: kind}, nil
	default:
		return Codec{}, fmt.Errorf("unknown frame kind %q (must be %q or %q)", kind, FrameFixed, FrameJSON)
	}
}

// Kind returns the codec's frame kind.
func (c Codec) Kind() FrameKind { return c.kind }

// ReadResponse reads one complete response from r.
//
// A *DecodeError means the frame was read in full but its contents are
// malformed; the stream is still aligned. Any other error comes from r and
// leaves the stream in an unknown state.
func (c Codec) ReadResponse(r io.Reader) (Response, error) {
	var head [1]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Response{}, err
	}

	switch head[0] {
	case frameEmpty:
		return Response{Status: ResponseEmpty}, nil
	case frameTerminate:
		return Response{Status: ResponseTerminate}, nil
	}

	if c.kind == FrameFixed {
		var buf [fixedFrameLen]byte
		buf[0] = head[0]
		if _, err := io.ReadFull(r, buf[1:]); err != nil {
			return Response{}, err
		}
		cmd, err := DecodeFixed(buf)
		if err != nil {
			return Response{}, err
		}
		return Response{Status: ResponseCommand, Command: cmd}, nil
	}

	payload := make([]byte, int(head[0]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return Response{}, err
	}
	cmd, err := DecodeJSON(payload)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: ResponseCommand, Command: cmd}, nil
}

// DecodeFixed decodes a 16-byte fixed frame.
func DecodeFixed(buf [fixedFrameLen]byte) (Command, error) {
	for i := 1; i < 8; i++ {
		if buf[i] != 0 {
			return nil, &DecodeError{Kind: ReservedNonZero, Err: fmt.Errorf("byte %d is 0x%02x", i, buf[i])}
		}
	}

	switch buf[0] {
	case discNext:
		return CmdNext{}, nil
	case discPrev:
		return CmdPrev{}, nil
	case discPause:
		return CmdPause{}, nil
	case discVol:
		v := math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16]))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &DecodeError{Kind: InvalidVolume, Err: fmt.Errorf("volume %v", v)}
		}
		return CmdVolume{Value: v}, nil
	default:
		return nil, &DecodeError{Kind: InvalidDiscriminant, Err: fmt.Errorf("discriminant %d", buf[0])}
	}
}

// DecodeJSON decodes a JSON frame payload (without its length byte).
func DecodeJSON(payload []byte) (Command, error) {
	ev, err := UnmarshalInputEvent(payload)
	if err != nil {
		return nil, &DecodeError{Kind: InvalidPayload, Err: err}
	}
	return CmdInput{Event: ev}, nil
}

// EncodeFixed encodes a fixed-frame command.
func EncodeFixed(cmd Command) ([fixedFrameLen]byte, error) {
	var buf [fixedFrameLen]byte
	switch c := cmd.(type) {
	case CmdNext:
		buf[0] = discNext
	case CmdPrev:
		buf[0] = discPrev
	case CmdPause:
		buf[0] = discPause
	case CmdVolume:
		buf[0] = discVol
		binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(c.Value))
	default:
		return buf, fmt.Errorf("command %s has no fixed-frame encoding", cmd)
	}
	return buf, nil
}

// EncodeJSON encodes an input event as a length-prefixed JSON frame.
func EncodeJSON(ev InputEvent) ([]byte, error) {
	payload, err := MarshalInputEvent(ev)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 || len(payload) > maxJSONLen {
		return nil, fmt.Errorf("encoded event is %d bytes (must be 1..%d)", len(payload), maxJSONLen)
	}
	return append([]byte{byte(len(payload))}, payload...), nil
}

// errIdentityTooLong is returned when the identity does not fit the prefix.
var errIdentityTooLong = errors.New("identity too long for single-byte length prefix")

// EncodeIdentity returns the handshake identity with its length prefix.
// JSON-kind servers expect an 8-byte little-endian length; fixed-kind servers
// a single length byte.
func (c Codec) EncodeIdentity(identity string) ([]byte, error) {
	if c.kind == FrameFixed {
		if len(identity) > math.MaxUint8 {
			return nil, errIdentityTooLong
		}
		return append([]byte{byte(len(identity))}, identity...), nil
	}
	buf := make([]byte, 8, 8+len(identity))
	binary.LittleEndian.PutUint64(buf, uint64(len(identity)))
	return append(buf, identity...), nil
}
