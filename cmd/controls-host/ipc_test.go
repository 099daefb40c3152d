package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestIPCServer(t *testing.T) (*IPCServer, *recordingInjector, *memoryEndpoint, *StatusTracker) {
	t.Helper()
	d, inj, ep, _ := newTestDispatcher()
	tracker := NewStatusTracker()
	return NewIPCServer("desk", d, tracker, testLogger(), NewMetrics()), inj, ep, tracker
}

func TestIPCServer_Status(t *testing.T) {
	s, _, _, tracker := newTestIPCServer(t)
	tracker.SetState(StateActive)
	tracker.Connected("10.0.0.1:7000")

	resp := s.handle([]byte(`{"type":"status"}`))
	if resp.Status != "ok" {
		t.Fatalf("status = %+v", resp)
	}
	st, ok := resp.Data.(IPCStatus)
	if !ok {
		t.Fatalf("data = %T", resp.Data)
	}
	if st.Identity != "desk" || st.Session.State != StateActive || st.Session.Sessions != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestIPCServer_GetVolume(t *testing.T) {
	s, _, ep, _ := newTestIPCServer(t)

	if resp := s.handle([]byte(`{"type":"get_volume"}`)); resp.Status != "error" {
		t.Errorf("unknown level should be an error, got %+v", resp)
	}

	if err := ep.SetLevel(-30); err != nil {
		t.Fatal(err)
	}
	resp := s.handle([]byte(`{"type":"get_volume"}`))
	vol, ok := resp.Data.(VolumeStatus)
	if resp.Status != "ok" || !ok {
		t.Fatalf("resp = %+v", resp)
	}
	if vol.DB != -30 || !approxEqual(vol.Fraction, ToFraction(VolumeLog(-30), testRange), 1e-12) {
		t.Errorf("volume = %+v", vol)
	}
}

func TestIPCServer_Event(t *testing.T) {
	s, inj, ep, _ := newTestIPCServer(t)

	resp := s.handle([]byte(`{"type":"event","data":{"Mouse":{"Scroll":{"dir":"Ver","len":2}}}}`))
	if resp.Status != "ok" {
		t.Fatalf("resp = %+v", resp)
	}
	if got := inj.Calls(); len(got) != 1 || got[0] != "scrollv 2" {
		t.Errorf("calls = %v", got)
	}

	resp = s.handle([]byte(`{"type":"event","data":{"Volume":{"Log":-6}}}`))
	if resp.Status != "ok" || len(ep.sets) != 1 || ep.sets[0] != -6 {
		t.Errorf("resp = %+v, sets = %v", resp, ep.sets)
	}
}

func TestIPCServer_Errors(t *testing.T) {
	s, inj, _, _ := newTestIPCServer(t)
	inj.failOn = "down Alt"

	tests := []struct {
		name    string
		line    string
		wantMsg string
	}{
		{"not json", `status`, "parse request"},
		{"unknown type", `{"type":"reboot"}`, "unknown request type"},
		{"event without data", `{"type":"event"}`, "without data"},
		{"bad event", `{"type":"event","data":{"Gamepad":{}}}`, "parse event"},
		{"injector failure", `{"type":"event","data":{"Keyboard":{"action":"Down","key":"Alt"}}}`, "injection failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.handle([]byte(tt.line))
			if resp.Status != "error" {
				t.Fatalf("resp = %+v", resp)
			}
			if !strings.Contains(resp.Error, tt.wantMsg) {
				t.Errorf("error %q does not mention %q", resp.Error, tt.wantMsg)
			}
		})
	}
}

func TestIPCServer_HandleConnection(t *testing.T) {
	s, _, _, _ := newTestIPCServer(t)

	client, server := net.Pipe()
	defer client.Close()
	go s.handleConnection(server)

	if err := client.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}

	reader := bufio.NewReader(client)
	// One write: the pipe is unbuffered and the server answers each line
	// before reading the next.
	lines := "\n" + `{"type":"status"}` + "\n" + `{"type":"nope"}` + "\n"
	if _, err := client.Write([]byte(lines)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var first, second struct {
		Status string          `json:"status"`
		Error  string          `json:"error"`
		Data   json.RawMessage `json:"data"`
	}
	for _, dst := range []any{&first, &second} {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if err := json.Unmarshal(line, dst); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
	}

	if first.Status != "ok" || !strings.Contains(string(first.Data), `"identity":"desk"`) {
		t.Errorf("first = %+v", first)
	}
	if !strings.Contains(string(first.Data), `"state":"closed"`) {
		t.Errorf("state not rendered by name: %s", first.Data)
	}
	if second.Status != "error" {
		t.Errorf("second = %+v", second)
	}
}

func TestIPCServer_Serve(t *testing.T) {
	dir, err := os.MkdirTemp("", "ctlh")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "s.sock")

	s, _, _, _ := newTestIPCServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, sock) }()

	var conn net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err = net.Dial("unix", sock)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := conn.Write([]byte(`{"type":"status"}` + "\n")); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || !strings.Contains(line, `"status":"ok"`) {
		t.Fatalf("reply %q, %v", line, err)
	}
	conn.Close()

	info, err := os.Stat(sock)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o660 {
		t.Errorf("socket mode = %o, want 660", perm)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Errorf("socket not removed: %v", err)
	}
}

// A misconfigured socket path pointing at a directory is left alone.
func TestIPCServer_ServeKeepsDirectory(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.txt")
	if err := os.WriteFile(keep, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, _, _, _ := newTestIPCServer(t)
	if err := s.Serve(context.Background(), dir); err == nil {
		t.Fatal("expected error for a directory socket path")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("directory contents removed: %v", err)
	}
}
