package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andewx/vkasync"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	v, err := cfg.APIVersion()
	if err != nil {
		t.Fatalf("APIVersion() error = %v", err)
	}
	if v != vkasync.MinAPIVersion {
		t.Errorf("APIVersion() = %s, want %s", vkasync.VersionString(v), vkasync.VersionString(vkasync.MinAPIVersion))
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vkasync.yaml")
	content := `
app:
  api_version: "1.3"
vulkan:
  validation_layers: [VK_LAYER_KHRONOS_validation]
  loader: glfw
device:
  preferred_name: "AMD Radeon RX 7900"
  prefer_discrete: false
transfer:
  max_inflight_staging: 1048576
  wait_slice: 5ms
  poll_mode: scheduler
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Vulkan.ValidationLayers; len(got) != 1 || got[0] != "VK_LAYER_KHRONOS_validation" {
		t.Errorf("ValidationLayers = %v", got)
	}
	if cfg.Vulkan.Loader != LoaderGLFW {
		t.Errorf("Loader = %q, want %q", cfg.Vulkan.Loader, LoaderGLFW)
	}
	if cfg.Transfer.WaitSlice != 5*time.Millisecond {
		t.Errorf("WaitSlice = %v, want 5ms", cfg.Transfer.WaitSlice)
	}
	if cfg.Transfer.MaxInflightStaging != 1<<20 {
		t.Errorf("MaxInflightStaging = %d, want %d", cfg.Transfer.MaxInflightStaging, 1<<20)
	}
	// Unset keys keep their defaults.
	if cfg.App.Name != "vkasync" || cfg.Logging.Format != "text" {
		t.Errorf("defaults lost: name=%q format=%q", cfg.App.Name, cfg.Logging.Format)
	}

	p := cfg.SelectionPolicy()
	if p.MinAPIVersion != vkasync.MakeVersion(1, 3, 0) {
		t.Errorf("MinAPIVersion = %s, want 1.3.0", vkasync.VersionString(p.MinAPIVersion))
	}
	if p.PreferredName != "AMD Radeon RX 7900" || !p.IgnoreDiscrete {
		t.Errorf("SelectionPolicy() = %+v", p)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level() = %v, want debug", cfg.Level())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("VKASYNC_LOGGING_LEVEL", "warn")
	t.Setenv("VKASYNC_TRANSFER_POLL_MODE", "scheduler")

	path := filepath.Join(t.TempDir(), "vkasync.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Transfer.PollMode != PollScheduler {
		t.Errorf("PollMode = %q, want %q", cfg.Transfer.PollMode, PollScheduler)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad loader", "vulkan:\n  loader: sdl\n", "vulkan.loader"},
		{"bad level", "logging:\n  level: trace\n", "logging.level"},
		{"bad poll mode", "transfer:\n  poll_mode: spin\n", "transfer.poll_mode"},
		{"negative staging", "transfer:\n  max_inflight_staging: -1\n", "max_inflight_staging"},
		{"bad version", "app:\n  api_version: \"one\"\n", "api_version"},
		{"metrics without address", "metrics:\n  enabled: true\n  listen_address: \"\"\n", "listen_address"},
		{"malformed yaml", "app: [\n", "reading config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vkasync.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of an explicit missing file error = nil")
	}
}

func TestDump(t *testing.T) {
	cfg := Default()
	cfg.Device.PreferredName = "gpu0"

	var buf bytes.Buffer
	if err := cfg.Dump(&buf); err != nil {
		t.Fatalf("Dump() error = %v", err)
	}
	if !strings.Contains(buf.String(), "wait_slice: 1ms") {
		t.Errorf("Dump() missing wait_slice:\n%s", buf.String())
	}

	var back Config
	if err := yaml.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	if back.Device.PreferredName != "gpu0" || back.Transfer.WaitSlice != time.Millisecond {
		t.Errorf("decoded %+v", back)
	}
}

func TestOptions(t *testing.T) {
	cfg := Default()
	if got := len(cfg.Options(nil)); got != 3 {
		t.Errorf("len(Options(nil)) = %d, want 3", got)
	}

	var buf bytes.Buffer
	cfg.Logging.Format = "json"
	cfg.NewLogger(&buf).Info("hello", "k", 1)
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json logger wrote %q", buf.String())
	}
}
