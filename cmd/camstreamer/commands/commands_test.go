package commands

import (
	"bytes"
	"encoding/json"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bryanchriswhite/camstreamer/internal/config"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestConfigSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := run(t, "--config", path, "config", "set", "acquisition.buffer_count", "6"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	if err := run(t, "--config", path, "config", "set", "acquisition.buffer_count", "0"); err == nil {
		t.Errorf("Expected invalid buffer count to be rejected")
	}
	if err := run(t, "--config", path, "config", "set", "no.such.key", "1"); err == nil {
		t.Errorf("Expected unknown key to be rejected")
	}

	m, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if got := m.Get().Acquisition.BufferCount; got != 6 {
		t.Errorf("Expected buffer_count 6, got %d", got)
	}
}

func runOutput(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	defer rootCmd.SetOut(nil)
	if err := run(t, args...); err != nil {
		t.Fatalf("%s failed: %v", strings.Join(args, " "), err)
	}
	return buf.String()
}

func TestConfigInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := run(t, "--config", path, "config", "set", "acquisition.delivery", "pull"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}

	if got := strings.TrimSpace(runOutput(t, "--config", path, "config", "get", "acquisition.delivery")); got != "pull" {
		t.Errorf("Expected pull, got %q", got)
	}

	keys := runOutput(t, "--config", path, "config", "keys")
	for _, want := range []string{"acquisition.buffer_count = ", "acquisition.delivery = pull", "camera.id = "} {
		if !strings.Contains(keys, want) {
			t.Errorf("keys output missing %q:\n%s", want, keys)
		}
	}

	var shown config.Config
	if err := json.Unmarshal([]byte(runOutput(t, "--config", path, "config", "show", "--format", "json")), &shown); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if shown.Acquisition.Delivery != "pull" {
		t.Errorf("Expected pull delivery, got %q", shown.Acquisition.Delivery)
	}

	if err := run(t, "--config", path, "config", "show", "--format", "toml"); err == nil {
		t.Errorf("Expected unknown format to be rejected")
	}
	if err := run(t, "--config", path, "config", "get", "no.such.key"); err == nil {
		t.Errorf("Expected unknown key to be rejected")
	}
}

func TestGrab(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	out := filepath.Join(dir, "frame.png")

	if err := run(t, "--config", cfgPath, "--log-level", "error", "grab", out); err != nil {
		t.Fatalf("grab failed: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("png.Decode failed: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 640 || b.Dy() != 480 {
		t.Errorf("Expected 640x480, got %v", b)
	}
}
