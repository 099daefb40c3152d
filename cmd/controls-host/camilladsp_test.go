package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeCamilla answers SetVolume and GetVolume like the CamillaDSP websocket API.
type fakeCamilla struct {
	mu     sync.Mutex
	volume float64

	conns atomic.Int32
	// dropFirst closes the first connection after reading one message.
	dropFirst bool
}

func (f *fakeCamilla) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	n := f.conns.Add(1)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if f.dropFirst && n == 1 {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, f.reply(msg)); err != nil {
			return
		}
	}
}

func (f *fakeCamilla) reply(msg []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if string(msg) == `"GetVolume"` {
		out, _ := json.Marshal(map[string]any{"GetVolume": map[string]any{"result": "Ok", "value": f.volume}})
		return out
	}

	var set struct {
		SetVolume *float64 `json:"SetVolume"`
	}
	if err := json.Unmarshal(msg, &set); err != nil || set.SetVolume == nil {
		return []byte(`{"Invalid":{"error":"unknown command"}}`)
	}
	f.volume = *set.SetVolume
	return []byte(`{"SetVolume":{"result":"Ok"}}`)
}

func (f *fakeCamilla) Volume() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume
}

func newCamillaTestEndpoint(t *testing.T, fake *fakeCamilla) *CamillaDSPEndpoint {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ep, err := NewCamillaDSPEndpoint(wsURL, testRange, testLogger(), 500)
	if err != nil {
		t.Fatalf("NewCamillaDSPEndpoint: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestCamillaDSPEndpoint_SetAndGet(t *testing.T) {
	fake := &fakeCamilla{}
	ep := newCamillaTestEndpoint(t, fake)

	rng, err := ep.GetRange()
	if err != nil || rng != testRange {
		t.Fatalf("GetRange = %+v, %v", rng, err)
	}

	if err := ep.SetLevel(-23.5); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if fake.Volume() != -23.5 {
		t.Errorf("server volume = %v", fake.Volume())
	}

	got, err := ep.GetLevel()
	if err != nil {
		t.Fatalf("GetLevel: %v", err)
	}
	if got != -23.5 {
		t.Errorf("GetLevel = %v", got)
	}
}

func TestCamillaDSPEndpoint_ReconnectsAfterDrop(t *testing.T) {
	fake := &fakeCamilla{dropFirst: true}
	ep := newCamillaTestEndpoint(t, fake)

	if err := ep.SetLevel(-10); err == nil {
		t.Fatal("expected error when the server drops the connection")
	}
	if err := ep.SetLevel(-12); err != nil {
		t.Fatalf("SetLevel after reconnect: %v", err)
	}
	if fake.Volume() != -12 {
		t.Errorf("server volume = %v", fake.Volume())
	}
	if n := fake.conns.Load(); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}
}

func TestNewCamillaDSPEndpoint_InvalidURL(t *testing.T) {
	if _, err := NewCamillaDSPEndpoint("ws://[::1", testRange, testLogger(), 100); err == nil {
		t.Fatal("expected error for malformed URL")
	}
}
