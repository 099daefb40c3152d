package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPHandler_Healthz(t *testing.T) {
	tracker := NewStatusTracker()
	h := newHTTPHandler(NewMetrics(), tracker, "desk", nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no session: code = %d, want 503", rec.Code)
	}

	tracker.SetState(StateActive)
	tracker.Connected("server:7000")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("active session: code = %d", rec.Code)
	}

	var body struct {
		Identity string `json:"identity"`
		Session  struct {
			State   string `json:"state"`
			Address string `json:"address"`
		} `json:"session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Identity != "desk" || body.Session.State != "active" || body.Session.Address != "server:7000" {
		t.Errorf("body = %+v", body)
	}
}

func TestHTTPHandler_Metrics(t *testing.T) {
	m := NewMetrics()
	m.CommandDispatched(CmdNext{}, "server")
	m.SetVolume(-20)

	srv := httptest.NewServer(newHTTPHandler(m, NewStatusTracker(), "desk", nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`controls_host_commands_total{kind="next",source="server"} 1`,
		`controls_host_volume_db -20`,
		`go_goroutines`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHTTPHandler_NilMetrics(t *testing.T) {
	h := newHTTPHandler(nil, NewStatusTracker(), "desk", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404 without metrics", rec.Code)
	}
}
