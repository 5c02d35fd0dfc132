package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-sign/internal/capture"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/dictation"
	"github.com/loqalabs/loqa-sign/internal/pipeline"
	"github.com/loqalabs/loqa-sign/internal/recognition"
	"github.com/loqalabs/loqa-sign/internal/speech"
)

func (r *Runtime) buildPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	device, err := buildDevice(r.cfg.Capture, r.logger)
	if err != nil {
		return nil, err
	}
	engine, err := buildEngine(r.cfg.Speech)
	if err != nil {
		return nil, err
	}
	opts := pipeline.Options{
		Config:     r.cfg,
		Device:     device,
		Client:     buildRecognizer(r.cfg.Recognizer, r.logger),
		Engine:     engine,
		Capability: r.buildCapability(),
		Recorder:   r.store,
		Logger:     r.logger,
	}
	if r.bus != nil {
		opts.Publisher = r.bus
		opts.Persister = r.bus
	}
	return pipeline.New(ctx, opts)
}

func buildDevice(cfg config.CaptureConfig, logger *slog.Logger) (capture.Device, error) {
	switch cfg.Device {
	case "exec":
		device, err := capture.NewExecDevice(cfg.Command, time.Duration(cfg.IntervalMS)*time.Millisecond, logger)
		if err != nil {
			return nil, fmt.Errorf("capture device: %w", err)
		}
		return device, nil
	default:
		return capture.NewMockDevice(cfg.MockWidth, cfg.MockHeight, time.Duration(cfg.MockWarmupMS)*time.Millisecond), nil
	}
}

func buildRecognizer(cfg config.RecognizerConfig, logger *slog.Logger) recognition.Client {
	if cfg.Mode == "http" {
		return recognition.NewHTTPClient(cfg.Endpoint, time.Duration(cfg.TimeoutMS)*time.Millisecond, logger)
	}
	return recognition.NewMockClient(0, recognition.ParseScript(cfg.Script)...)
}

func buildEngine(cfg config.SpeechConfig) (speech.Engine, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Mode == "exec" {
		engine, err := speech.NewExecEngine(cfg)
		if err != nil {
			return nil, fmt.Errorf("speech engine: %w", err)
		}
		return engine, nil
	}
	voices := make([]speech.Voice, 0, len(cfg.Voices))
	for _, v := range cfg.Voices {
		voices = append(voices, speech.Voice{Name: v.Name, Lang: v.Lang, Default: v.Default})
	}
	return speech.NewMockEngine(500*time.Millisecond, voices...), nil
}

// buildCapability returns nil when dictation is unsupported.
func (r *Runtime) buildCapability() dictation.Capability {
	switch r.cfg.Dictation.Mode {
	case "mock":
		return dictation.NewScriptedCapability(r.cfg.Dictation.Script, 750*time.Millisecond)
	case "bus":
		if r.bus == nil {
			return nil
		}
		lang := ""
		if len(r.cfg.Speech.Preferences) > 0 {
			lang = r.cfg.Speech.Preferences[0]
		}
		return dictation.NewBusCapability(r.bus, lang, r.cfg.Dictation.SessionID, r.logger)
	default:
		return nil
	}
}
