package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-sign/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSelectVoicePrefersFilipino(t *testing.T) {
	us := Voice{Name: "Samantha", Lang: "en-US"}
	ph := Voice{Name: "Rosa", Lang: "fil-PH"}
	for _, catalog := range [][]Voice{{us, ph}, {ph, us}} {
		got, ok := SelectVoice(catalog, DefaultPreferences, DefaultLooseMatch)
		if !ok || got != ph {
			t.Fatalf("SelectVoice(%v) = %v, %v; want %v", catalog, got, ok, ph)
		}
	}
}

func TestSelectVoiceFallbacks(t *testing.T) {
	tests := []struct {
		name    string
		catalog []Voice
		want    Voice
		ok      bool
	}{
		{"empty", nil, Voice{}, false},
		{"preference order", []Voice{{Name: "b", Lang: "en-GB"}, {Name: "a", Lang: "en-US"}}, Voice{Name: "a", Lang: "en-US"}, true},
		{"case and underscore", []Voice{{Name: "x", Lang: "de-DE"}, {Name: "p", Lang: "EN_ph"}}, Voice{Name: "p", Lang: "EN_ph"}, true},
		{"loose by name", []Voice{{Name: "x", Lang: "de-DE"}, {Name: "Tagalog Female", Lang: "und"}}, Voice{Name: "Tagalog Female", Lang: "und"}, true},
		{"first entry", []Voice{{Name: "x", Lang: "de-DE"}, {Name: "y", Lang: "fr-FR"}}, Voice{Name: "x", Lang: "de-DE"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectVoice(tt.catalog, DefaultPreferences, DefaultLooseMatch)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("got %v, %v; want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

type failingEngine struct{ *MockEngine }

func (failingEngine) Voices(context.Context) ([]Voice, error) {
	return nil, errors.New("voices not ready")
}

func TestCatalogRefreshKeepsSnapshotOnFailure(t *testing.T) {
	initial := []Voice{{Name: "a", Lang: "en-US"}}
	c := NewCatalog(initial)
	if err := c.Refresh(context.Background(), failingEngine{NewMockEngine(0)}); err == nil {
		t.Fatal("expected refresh error")
	}
	if got := c.Snapshot(); len(got) != 1 || got[0] != initial[0] {
		t.Fatalf("snapshot changed after failed refresh: %v", got)
	}

	engine := NewMockEngine(0, Voice{Name: "r", Lang: "fil-PH"}, Voice{Name: "s", Lang: "en-US"})
	if err := c.Refresh(context.Background(), engine); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := c.Snapshot(); len(got) != 2 {
		t.Fatalf("expected refreshed snapshot, got %v", got)
	}
}

func speechConfig() config.SpeechConfig {
	return config.SpeechConfig{Enabled: true, Mode: "mock", Rate: 0.9, Pitch: 1.0}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSpeakPreemptsCurrentUtterance(t *testing.T) {
	engine := NewMockEngine(time.Hour, Voice{Name: "Rosa", Lang: "fil-PH"})
	catalog := NewCatalog(nil)
	if err := catalog.Refresh(context.Background(), engine); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	sp := NewSpeaker(speechConfig(), engine, catalog, newLogger())
	defer sp.Close()

	if !sp.Speak("A") {
		t.Fatal("expected A to start")
	}
	waitFor(t, func() bool { return len(engine.Started()) == 1 })

	engine.SetDuration(10 * time.Millisecond)
	if !sp.Speak("B") {
		t.Fatal("expected B to start")
	}
	waitFor(t, func() bool { return len(engine.Finished()) == 1 })

	cancelled := engine.Cancelled()
	if len(cancelled) != 1 || cancelled[0].Text != "A" {
		t.Fatalf("expected A cancelled, got %v", cancelled)
	}
	finished := engine.Finished()
	if finished[0].Text != "B" {
		t.Fatalf("expected only B to finish, got %v", finished)
	}
	if finished[0].Rate != 0.9 || finished[0].Pitch != 1.0 || finished[0].Voice.Lang != "fil-PH" {
		t.Fatalf("unexpected utterance parameters: %+v", finished[0])
	}
}

func TestSpeakIgnoresBlankText(t *testing.T) {
	engine := NewMockEngine(0)
	sp := NewSpeaker(speechConfig(), engine, NewCatalog(nil), newLogger())
	defer sp.Close()
	for _, text := range []string{"", "   ", "\n\t"} {
		if sp.Speak(text) {
			t.Fatalf("expected %q to be ignored", text)
		}
	}
	if n := len(engine.Started()); n != 0 {
		t.Fatalf("expected no utterances, got %d", n)
	}
}

func TestWritePCMToWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pcm := []byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x00, 0x00}
	if err := writePCMToWav(file, pcm, 16000, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	file.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("expected a valid wav file")
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected header: rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}

	if err := writePCMToWav(file, []byte{0x01}, 16000, 1); err == nil {
		t.Fatal("expected error for odd-length pcm")
	}
}

func TestNewExecEngineRejectsEmptyCommand(t *testing.T) {
	cfg := speechConfig()
	cfg.Mode = "exec"
	cfg.PlayerCommand = "aplay -q"
	if _, err := NewExecEngine(cfg); err == nil {
		t.Fatal("expected error for empty synth command")
	}
	cfg.SynthCommand = "piper --json"
	cfg.Voices = []config.VoiceConfig{{Name: "Rosa", Lang: "fil-PH"}}
	engine, err := NewExecEngine(cfg)
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	voices, _ := engine.Voices(context.Background())
	if len(voices) != 1 || voices[0].Lang != "fil-PH" {
		t.Fatalf("unexpected voices: %v", voices)
	}
}
