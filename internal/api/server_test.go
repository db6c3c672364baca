package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/camstreamer/internal/capture"
	"github.com/bryanchriswhite/camstreamer/internal/config"
	"github.com/bryanchriswhite/camstreamer/internal/device"
	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/logger"
	"github.com/bryanchriswhite/camstreamer/internal/native/sim"
	"github.com/bryanchriswhite/camstreamer/internal/output"
	"github.com/bryanchriswhite/camstreamer/internal/overlay"
)

func TestMain(m *testing.M) {
	logger.InitWithWriter("disabled", io.Discard)
	os.Exit(m.Run())
}

type fixture struct {
	tr  *sim.Transport
	srv *Server
	ts  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	cfg := mgr.Get()
	cfg.Simulator.Cameras = []config.SimCamera{{ID: "cam0", Width: 32, Height: 24, PixelFormat: "Mono8"}}
	cfg.Camera.ID = "cam0"
	if err := mgr.Update(cfg); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	tr := sim.New(cfg.SimSpecs()...)
	sys := device.NewSystem(tr)
	if err := sys.Open(); err != nil {
		t.Fatalf("System open failed: %v", err)
	}
	preview := output.NewMJPEGOutput(output.Config{Quality: 60}, overlay.NewDefaultManager())
	preview.Start()

	srv := NewServer(sys, mgr, preview)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
		preview.Stop()
		sys.Close()
	})
	return &fixture{tr: tr, srv: srv, ts: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, f.ts.URL+path, rd)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Decoding %s %s failed: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]string
	if code := f.do(t, "GET", "/api/health", nil, &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("Unexpected body %v", body)
	}
}

func TestStreamLifecycle(t *testing.T) {
	f := newFixture(t)

	var cams []CameraStatus
	f.do(t, "GET", "/api/cameras", nil, &cams)
	if len(cams) != 1 || cams[0].ID != "cam0" || cams[0].Open {
		t.Fatalf("Unexpected camera list %+v", cams)
	}

	var stats capture.Stats
	if code := f.do(t, "POST", "/api/cameras/cam0/stream", map[string]int{"buffer_count": 3}, &stats); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if stats.State != "Streaming" || stats.BufferCount != 3 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if code := f.do(t, "POST", "/api/cameras/cam0/stream", nil, nil); code != http.StatusConflict {
		t.Errorf("Second start: expected 409, got %d", code)
	}

	if n := f.tr.FireN("cam0", 5); n != 5 {
		t.Fatalf("Expected 5 completions, got %d", n)
	}
	f.do(t, "GET", "/api/cameras/cam0/stream/stats", nil, &stats)
	if stats.Completions != 5 {
		t.Errorf("Expected 5 completions, got %d", stats.Completions)
	}

	if code := f.do(t, "DELETE", "/api/cameras/cam0/stream", nil, &stats); code != http.StatusOK {
		t.Fatalf("Stop: expected 200, got %d", code)
	}
	if stats.State != "Closed" || stats.Delivered+stats.Dropped != 5 {
		t.Errorf("Unexpected final stats %+v", stats)
	}
	if code := f.do(t, "DELETE", "/api/cameras/cam0/stream", nil, nil); code != http.StatusConflict {
		t.Errorf("Second stop: expected 409, got %d", code)
	}
}

func TestFeatures(t *testing.T) {
	f := newFixture(t)

	var list []FeatureView
	if code := f.do(t, "GET", "/api/cameras/cam0/features", nil, &list); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(list) == 0 {
		t.Fatalf("Empty feature list")
	}

	var width struct {
		Name     string  `json:"name"`
		Type     string  `json:"type"`
		Value    float64 `json:"value"`
		Writable bool    `json:"writable"`
	}
	f.do(t, "GET", "/api/cameras/cam0/features/Width", nil, &width)
	if width.Value != 32 || width.Type != "int" || !width.Writable {
		t.Errorf("Unexpected Width view %+v", width)
	}

	testCases := []struct {
		name  string
		path  string
		value interface{}
		code  int
	}{
		{"set width", "/api/cameras/cam0/features/Width", 64, http.StatusOK},
		{"set gain", "/api/cameras/cam0/features/Gain", 3.5, http.StatusOK},
		{"bad value", "/api/cameras/cam0/features/Width", "wide", http.StatusBadRequest},
		{"read-only", "/api/cameras/cam0/features/PayloadSize", 1, http.StatusNotFound},
		{"missing feature", "/api/cameras/cam0/features/Nope", 1, http.StatusNotFound},
		{"unknown camera", "/api/cameras/nope/features/Width", 1, http.StatusNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if code := f.do(t, "PUT", tc.path, map[string]interface{}{"value": tc.value}, nil); code != tc.code {
				t.Errorf("Expected %d, got %d", tc.code, code)
			}
		})
	}

	f.do(t, "POST", "/api/cameras/cam0/stream", nil, nil)
	if code := f.do(t, "PUT", "/api/cameras/cam0/features/Width", map[string]interface{}{"value": 16}, nil); code != http.StatusConflict {
		t.Errorf("Locked feature while streaming: expected 409, got %d", code)
	}
}

func TestConfigEndpoints(t *testing.T) {
	f := newFixture(t)

	var cfg config.Config
	if code := f.do(t, "GET", "/api/config", nil, &cfg); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if cfg.Camera.ID != "cam0" {
		t.Errorf("Unexpected config %+v", cfg)
	}

	if code := f.do(t, "PUT", "/api/config", map[string]interface{}{"server_port": 70000}, nil); code != http.StatusBadRequest {
		t.Errorf("Invalid port: expected 400, got %d", code)
	}
	if code := f.do(t, "PUT", "/api/config", map[string]interface{}{"log_level": "debug"}, nil); code != http.StatusOK {
		t.Errorf("Valid update: expected 200, got %d", code)
	}
	f.do(t, "GET", "/api/config", nil, &cfg)
	if cfg.LogLevel != "debug" || cfg.Camera.ID != "cam0" {
		t.Errorf("Partial update not merged: %+v", cfg)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(Message) bool) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON failed: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestEventsWebSocket(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	f.do(t, "POST", "/api/cameras/cam0/stream", nil, nil)
	msg := readUntil(t, conn, func(m Message) bool { return m.Source == "stream" && m.Type == "started" })
	if msg.CameraID != "cam0" || msg.Session == "" {
		t.Errorf("Unexpected started event %+v", msg)
	}

	if code := f.do(t, "PUT", "/api/cameras/cam0/features/Gain", map[string]interface{}{"value": 4}, nil); code != http.StatusOK {
		t.Fatalf("Set Gain: expected 200, got %d", code)
	}
	msg = readUntil(t, conn, func(m Message) bool { return m.Source == "feature" })
	if msg.Type != "changed" || msg.Feature != "Gain" || msg.CameraID != "cam0" {
		t.Errorf("Unexpected feature event %+v", msg)
	}

	f.tr.Disconnect("cam0")
	readUntil(t, conn, func(m Message) bool { return m.Source == "device" && m.Type == "missing" })
	readUntil(t, conn, func(m Message) bool { return m.Source == "stream" && m.Type == "disconnected" })
}

func TestStatusFor(t *testing.T) {
	testCases := []struct {
		err  error
		want int
	}{
		{fault.New(fault.KindInvalidState, "op", "x"), http.StatusConflict},
		{fault.New(fault.KindInvalidArgument, "op", "x"), http.StatusBadRequest},
		{fault.New(fault.KindNotSupported, "op", "x"), http.StatusNotFound},
		{fault.New(fault.KindTimeout, "op", "x"), http.StatusGatewayTimeout},
		{fault.New(fault.KindDisconnected, "op", "x"), http.StatusGone},
		{fault.New(fault.KindDeviceError, "op", "x"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
