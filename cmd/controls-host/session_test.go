package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingSink collects dispatched commands.
type recordingSink struct {
	mu         sync.Mutex
	cmds       []Command
	err        error
	onDispatch func(Command)
}

func (s *recordingSink) Dispatch(cmd Command) error {
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
	if s.onDispatch != nil {
		s.onDispatch(cmd)
	}
	return s.err
}

func (s *recordingSink) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.cmds...)
}

// fakeServer is the server end of a net.Pipe.
type fakeServer struct {
	t    *testing.T
	conn net.Conn
}

func (f *fakeServer) expect(want ...byte) bool {
	f.t.Helper()
	got := make([]byte, len(want))
	if _, err := io.ReadFull(f.conn, got); err != nil {
		f.t.Errorf("server read: %v", err)
		return false
	}
	if !bytes.Equal(got, want) {
		f.t.Errorf("server read %v, want %v", got, want)
		return false
	}
	return true
}

func (f *fakeServer) send(b ...byte) bool {
	f.t.Helper()
	if _, err := f.conn.Write(b); err != nil {
		f.t.Errorf("server write: %v", err)
		return false
	}
	return true
}

// expectJSONHandshake reads 0x01 + u64 LE length + identity.
func (f *fakeServer) expectJSONHandshake(identity string) bool {
	f.t.Helper()
	want := []byte{byteHost}
	want = binary.LittleEndian.AppendUint64(want, uint64(len(identity)))
	want = append(want, identity...)
	return f.expect(want...)
}

// newPipeSession wires a session to one end of a pipe and runs script on the
// other end in a goroutine. The returned channel closes when script returns.
func newPipeSession(t *testing.T, kind FrameKind, cancel *Canceller, sink commandSink, script func(*fakeServer)) (*Session, *StatusTracker, <-chan struct{}) {
	t.Helper()

	client, server := net.Pipe()
	tracker := NewStatusTracker()

	cfg := SessionConfig{Address: "pipe", Identity: "desk", FrameKind: kind}
	sess, err := NewSession(cfg, cancel, sink, tracker, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sess.dial = func(string, string, time.Duration) (net.Conn, error) {
		return client, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		script(&fakeServer{t: t, conn: server})
	}()

	return sess, tracker, done
}

func jsonFrame(t *testing.T, ev InputEvent) []byte {
	t.Helper()
	frame, err := EncodeJSON(ev)
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}
	return frame
}

func TestSession_JSONHappyPath(t *testing.T) {
	ev := KeyboardEvent{Action: PressAction{Kind: PressDown}, Key: NamedKey("Alt")}
	frame := jsonFrame(t, ev)
	sink := &recordingSink{}

	sess, tracker, done := newPipeSession(t, FrameJSON, NewCanceller(), sink, func(f *fakeServer) {
		if !f.expectJSONHandshake("desk") || !f.send(byteAccepted) {
			return
		}
		// empty poll
		if !f.expect(byteRequest) || !f.send(frameEmpty) {
			return
		}
		// one event
		if !f.expect(byteRequest) || !f.send(frame...) {
			return
		}
		// malformed payload, fully framed
		bad := []byte(`{"Nope":1}`)
		if !f.expect(byteRequest) || !f.send(append([]byte{byte(len(bad))}, bad...)...) {
			return
		}
		// terminate
		if !f.expect(byteRequest) || !f.send(frameTerminate) {
			return
		}
		f.expect(byteTerminate)
	})

	if err := sess.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	if !sess.Activated() {
		t.Error("session should report activation")
	}
	cmds := sink.Commands()
	if len(cmds) != 1 || cmds[0] != (CmdInput{Event: ev}) {
		t.Fatalf("dispatched %v", cmds)
	}

	st := tracker.Snapshot()
	if st.State != StateClosed {
		t.Errorf("state = %s, want closed", st.State)
	}
	if st.Commands != 1 || st.DecodeErrors != 1 || st.Sessions != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSession_FixedFrames(t *testing.T) {
	sink := &recordingSink{}

	sess, _, done := newPipeSession(t, FrameFixed, NewCanceller(), sink, func(f *fakeServer) {
		if !f.expect(byteHost, 4, 'd', 'e', 's', 'k') || !f.send(byteAccepted) {
			return
		}
		vol, _ := EncodeFixed(CmdVolume{Value: 0.5})
		next, _ := EncodeFixed(CmdNext{})
		if !f.expect(byteRequest) || !f.send(vol[:]...) {
			return
		}
		if !f.expect(byteRequest) || !f.send(next[:]...) {
			return
		}
		if !f.expect(byteRequest) || !f.send(frameTerminate) {
			return
		}
		f.expect(byteTerminate)
	})

	if err := sess.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	cmds := sink.Commands()
	if len(cmds) != 2 || cmds[0] != (CmdVolume{Value: 0.5}) || cmds[1] != (CmdNext{}) {
		t.Fatalf("dispatched %v", cmds)
	}
}

// A fixed frame with an unknown discriminant is logged and skipped; the
// next frame on the same connection still dispatches.
func TestSession_FixedBadDiscriminantContinues(t *testing.T) {
	sink := &recordingSink{}
	var logs bytes.Buffer

	sess, tracker, done := newPipeSession(t, FrameFixed, NewCanceller(), sink, func(f *fakeServer) {
		if !f.expect(byteHost, 4, 'd', 'e', 's', 'k') || !f.send(byteAccepted) {
			return
		}
		bad := make([]byte, fixedFrameLen)
		bad[0] = 5
		next, _ := EncodeFixed(CmdNext{})
		if !f.expect(byteRequest) || !f.send(bad...) {
			return
		}
		if !f.expect(byteRequest) || !f.send(next[:]...) {
			return
		}
		if !f.expect(byteRequest) || !f.send(frameTerminate) {
			return
		}
		f.expect(byteTerminate)
	})
	sess.logger = slog.New(slog.NewTextHandler(&logs, nil))

	if err := sess.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	if cmds := sink.Commands(); len(cmds) != 1 || cmds[0] != (CmdNext{}) {
		t.Fatalf("dispatched %v", cmds)
	}
	if st := tracker.Snapshot(); st.DecodeErrors != 1 || st.Commands != 1 {
		t.Errorf("stats = %+v", st)
	}
	out := logs.String()
	if !strings.Contains(out, "dropping malformed frame") || !strings.Contains(out, string(InvalidDiscriminant)) {
		t.Errorf("decode failure not logged:\n%s", out)
	}
}

// The first active broadcast already carries the server address.
func TestSession_ActiveBroadcastHasAddress(t *testing.T) {
	feed := NewStateFeed(16, testLogger())

	sess, tracker, done := newPipeSession(t, FrameJSON, NewCanceller(), &recordingSink{}, func(f *fakeServer) {
		if !f.expectJSONHandshake("desk") || !f.send(byteAccepted) {
			return
		}
		if !f.expect(byteRequest) || !f.send(frameTerminate) {
			return
		}
		f.expect(byteTerminate)
	})
	tracker.SetFeed(feed)

	if err := sess.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	for {
		select {
		case b := <-feed.C():
			st, ok := b.(BroadcastSessionState)
			if !ok || st.State != StateActive {
				continue
			}
			if st.Address != "pipe" {
				t.Errorf("active broadcast address = %q, want pipe", st.Address)
			}
			return
		default:
			t.Fatal("no active broadcast published")
		}
	}
}

func TestSession_IdentityConflict(t *testing.T) {
	sess, _, done := newPipeSession(t, FrameJSON, NewCanceller(), &recordingSink{}, func(f *fakeServer) {
		if f.expectJSONHandshake("desk") {
			f.send(0x00)
		}
	})

	err := sess.Run()
	<-done
	if !errors.Is(err, ErrIdentityConflict) {
		t.Fatalf("expected ErrIdentityConflict, got %v", err)
	}
	if sess.Activated() {
		t.Error("rejected session must not report activation")
	}
}

// Cancellation set before the first request: no request is sent, only 0x02.
func TestSession_CancelledBeforeFirstRequest(t *testing.T) {
	cancel := NewCanceller()
	cancel.Cancel()

	sess, _, done := newPipeSession(t, FrameJSON, cancel, &recordingSink{}, func(f *fakeServer) {
		if !f.expectJSONHandshake("desk") || !f.send(byteAccepted) {
			return
		}
		f.expect(byteTerminate)
	})

	if err := sess.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done
}

// Cancellation raised while a command is dispatched is observed at the next
// checkpoint, before another request goes out.
func TestSession_CancelledDuringDispatch(t *testing.T) {
	cancel := NewCanceller()
	sink := &recordingSink{onDispatch: func(Command) { cancel.Cancel() }}
	frame := jsonFrame(t, VolumeEvent{Level: VolumeFrac(0.2)})

	sess, _, done := newPipeSession(t, FrameJSON, cancel, sink, func(f *fakeServer) {
		if !f.expectJSONHandshake("desk") || !f.send(byteAccepted) {
			return
		}
		if !f.expect(byteRequest) || !f.send(frame...) {
			return
		}
		f.expect(byteTerminate)
	})

	if err := sess.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	if n := len(sink.Commands()); n != 1 {
		t.Fatalf("dispatched %d commands, want 1", n)
	}
}

// Dispatch failures are counted and the session keeps going.
func TestSession_DispatchErrorIsNonFatal(t *testing.T) {
	sink := &recordingSink{err: &DeviceError{Op: "set level", Err: errors.New("offline")}}
	vol, _ := EncodeFixed(CmdVolume{Value: 0.1})

	sess, tracker, done := newPipeSession(t, FrameFixed, NewCanceller(), sink, func(f *fakeServer) {
		if !f.expect(byteHost, 4, 'd', 'e', 's', 'k') || !f.send(byteAccepted) {
			return
		}
		for i := 0; i < 2; i++ {
			if !f.expect(byteRequest) || !f.send(vol[:]...) {
				return
			}
		}
		if !f.expect(byteRequest) || !f.send(frameTerminate) {
			return
		}
		f.expect(byteTerminate)
	})

	if err := sess.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	if st := tracker.Snapshot(); st.DispatchErrors != 2 || st.Commands != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSession_ConnectionLostMidFrame(t *testing.T) {
	sess, tracker, done := newPipeSession(t, FrameJSON, NewCanceller(), &recordingSink{}, func(f *fakeServer) {
		if !f.expectJSONHandshake("desk") || !f.send(byteAccepted) {
			return
		}
		if !f.expect(byteRequest) {
			return
		}
		f.send(10, '{', '"')
		// script returns and closes the pipe
	})

	err := sess.Run()
	<-done

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if connErr.Op != "read frame" {
		t.Errorf("Op = %q", connErr.Op)
	}
	if st := tracker.Snapshot(); st.State != StateClosed {
		t.Errorf("state = %s, want closed", st.State)
	}
}

func TestSession_DialFailure(t *testing.T) {
	cfg := SessionConfig{Address: "127.0.0.1:1", Identity: "desk", FrameKind: FrameJSON}
	sess, err := NewSession(cfg, NewCanceller(), &recordingSink{}, nil, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sess.dial = func(string, string, time.Duration) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	err = sess.Run()
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Op != "dial" {
		t.Fatalf("expected dial ConnectionError, got %v", err)
	}
	if sess.Activated() {
		t.Error("failed dial must not report activation")
	}
}

func TestNewSession_RejectsUnknownFrameKind(t *testing.T) {
	cfg := SessionConfig{Address: "x", Identity: "y", FrameKind: "xml"}
	if _, err := NewSession(cfg, NewCanceller(), &recordingSink{}, nil, testLogger(), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestSessionState_String(t *testing.T) {
	want := map[SessionState]string{
		StateConnecting:  "connecting",
		StateHandshaking: "handshaking",
		StateActive:      "active",
		StateDraining:    "draining",
		StateClosed:      "closed",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), name)
		}
	}
}
