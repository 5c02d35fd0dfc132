package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.IntervalMS != 250 {
		t.Fatalf("expected 250ms sampling interval, got %d", cfg.Capture.IntervalMS)
	}
	if cfg.Capture.MaxEdge != 320 {
		t.Fatalf("expected 320px long edge, got %d", cfg.Capture.MaxEdge)
	}
	if cfg.Speech.Preferences[0] != "fil-PH" {
		t.Fatalf("expected fil-PH first, got %v", cfg.Speech.Preferences)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-sign.yaml")
	data := []byte(`
recognizer:
  mode: http
  endpoint: http://recognizer:5000/api/predict
capture:
  interval_ms: 500
dictation:
  mode: mock
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Recognizer.Mode != "http" || cfg.Recognizer.Endpoint != "http://recognizer:5000/api/predict" {
		t.Fatalf("unexpected recognizer config %+v", cfg.Recognizer)
	}
	if cfg.Capture.IntervalMS != 500 {
		t.Fatalf("expected interval 500, got %d", cfg.Capture.IntervalMS)
	}
	if cfg.Capture.MaxEdge != 320 {
		t.Fatalf("expected default max edge to survive partial file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_CAPTURE_INTERVAL_MS", "1000")
	t.Setenv("LOQA_CAPTURE_CODEC", "jpeg")
	t.Setenv("LOQA_RECOGNIZER_MODE", "http")
	t.Setenv("LOQA_RECOGNIZER_ENDPOINT", "http://example:5000/api/predict")
	t.Setenv("LOQA_SPEECH_PREFERENCES", "en-US, en-GB")
	t.Setenv("LOQA_SPEECH_RATE", "0.8")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.Capture.IntervalMS != 1000 {
		t.Fatalf("expected capture interval override")
	}
	if cfg.Capture.Codec != "jpeg" {
		t.Fatalf("expected codec override")
	}
	if cfg.Recognizer.Endpoint != "http://example:5000/api/predict" {
		t.Fatalf("expected recognizer endpoint override")
	}
	if len(cfg.Speech.Preferences) != 2 || cfg.Speech.Preferences[1] != "en-GB" {
		t.Fatalf("expected speech preferences override, got %v", cfg.Speech.Preferences)
	}
	if cfg.Speech.Rate != 0.8 {
		t.Fatalf("expected speech rate override")
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("LOQA_CAPTURE_DEVICE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec device without command")
	}
}

func TestValidateDictationBusNeedsBus(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "false")
	t.Setenv("LOQA_DICTATION_MODE", "bus")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for bus dictation without bus")
	}
}

func TestValidateTraceSampleRatio(t *testing.T) {
	t.Setenv("LOQA_TELEMETRY_TRACE_SAMPLE_RATIO", "1.5")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for sample ratio above 1")
	}
}
