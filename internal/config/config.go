package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	// TraceSampleRatio keeps a fraction of root spans; sampling ticks
	// four times a second.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Speech      SpeechConfig     `yaml:"speech"`
	Dictation   DictationConfig  `yaml:"dictation"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Device       string `yaml:"device"` // mock, exec
	Command      string `yaml:"command"`
	FacingMode   string `yaml:"facing_mode"`
	IntervalMS   int    `yaml:"interval_ms"`
	MaxEdge      int    `yaml:"max_edge"`
	Codec        string `yaml:"codec"` // webp, jpeg
	Quality      int    `yaml:"quality"`
	MockWidth    int    `yaml:"mock_width"`
	MockHeight   int    `yaml:"mock_height"`
	MockWarmupMS int    `yaml:"mock_warmup_ms"`
}

type RecognizerConfig struct {
	Mode      string   `yaml:"mode"` // mock, http
	Endpoint  string   `yaml:"endpoint"`
	TimeoutMS int      `yaml:"timeout_ms"`
	Script    []string `yaml:"script"`
}

type SpeechConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Mode              string        `yaml:"mode"` // mock, exec
	SynthCommand      string        `yaml:"synth_command"`
	PlayerCommand     string        `yaml:"player_command"`
	SampleRate        int           `yaml:"sample_rate"`
	Channels          int           `yaml:"channels"`
	Rate              float64       `yaml:"rate"`
	Pitch             float64       `yaml:"pitch"`
	Preferences       []string      `yaml:"preferences"`
	LooseMatch        string        `yaml:"loose_match"`
	RefreshIntervalMS int           `yaml:"refresh_interval_ms"`
	Voices            []VoiceConfig `yaml:"voices"`
}

type VoiceConfig struct {
	Name    string `yaml:"name"`
	Lang    string `yaml:"lang"`
	Default bool   `yaml:"default"`
}

type DictationConfig struct {
	Mode      string   `yaml:"mode"` // none, mock, bus
	SessionID string   `yaml:"session_id"`
	Script    []string `yaml:"script"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-sign",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			TraceSampleRatio: 0.1,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-sign.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Device:     "mock",
			FacingMode: "user",
			IntervalMS: 250,
			MaxEdge:    320,
			Codec:      "webp",
			Quality:    70,
			MockWidth:  640,
			MockHeight: 480,
		},
		Recognizer: RecognizerConfig{
			Mode:      "mock",
			Endpoint:  "http://127.0.0.1:5000/api/predict",
			TimeoutMS: 5000,
		},
		Speech: SpeechConfig{
			Enabled:           true,
			Mode:              "mock",
			SampleRate:        22050,
			Channels:          1,
			Rate:              0.9,
			Pitch:             1.0,
			Preferences:       []string{"fil-PH", "tl-PH", "en-PH", "en-US", "en-GB"},
			LooseMatch:        `(?i)(fil|tl|tagalog|filipino|en[-_]?ph)`,
			RefreshIntervalMS: 30000,
			Voices: []VoiceConfig{
				{Name: "default", Lang: "en-US", Default: true},
			},
		},
		Dictation: DictationConfig{
			Mode: "none",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.FacingMode, "LOQA_CAPTURE_FACING_MODE")
	overrideInt(&cfg.Capture.IntervalMS, "LOQA_CAPTURE_INTERVAL_MS")
	overrideInt(&cfg.Capture.MaxEdge, "LOQA_CAPTURE_MAX_EDGE")
	overrideString(&cfg.Capture.Codec, "LOQA_CAPTURE_CODEC")
	overrideInt(&cfg.Capture.Quality, "LOQA_CAPTURE_QUALITY")
	overrideString(&cfg.Recognizer.Mode, "LOQA_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Endpoint, "LOQA_RECOGNIZER_ENDPOINT")
	overrideInt(&cfg.Recognizer.TimeoutMS, "LOQA_RECOGNIZER_TIMEOUT_MS")
	overrideBool(&cfg.Speech.Enabled, "LOQA_SPEECH_ENABLED")
	overrideString(&cfg.Speech.Mode, "LOQA_SPEECH_MODE")
	overrideString(&cfg.Speech.SynthCommand, "LOQA_SPEECH_SYNTH_COMMAND")
	overrideString(&cfg.Speech.PlayerCommand, "LOQA_SPEECH_PLAYER_COMMAND")
	overrideFloat(&cfg.Speech.Rate, "LOQA_SPEECH_RATE")
	overrideFloat(&cfg.Speech.Pitch, "LOQA_SPEECH_PITCH")
	overrideStringSlice(&cfg.Speech.Preferences, "LOQA_SPEECH_PREFERENCES")
	overrideString(&cfg.Dictation.Mode, "LOQA_DICTATION_MODE")
	overrideString(&cfg.Dictation.SessionID, "LOQA_DICTATION_SESSION_ID")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Capture.Device {
	case "mock":
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when device=exec")
		}
	default:
		return errors.New("capture.device must be one of mock|exec")
	}
	if cfg.Capture.IntervalMS <= 0 {
		return errors.New("capture.interval_ms must be positive")
	}
	if cfg.Capture.MaxEdge <= 0 {
		return errors.New("capture.max_edge must be positive")
	}
	switch cfg.Capture.Codec {
	case "webp", "jpeg":
	default:
		return errors.New("capture.codec must be one of webp|jpeg")
	}
	if cfg.Capture.Quality < 1 || cfg.Capture.Quality > 100 {
		return errors.New("capture.quality must be between 1 and 100")
	}
	switch cfg.Recognizer.Mode {
	case "mock":
	case "http":
		if cfg.Recognizer.Endpoint == "" {
			return errors.New("recognizer.endpoint must be set when mode=http")
		}
	default:
		return errors.New("recognizer.mode must be one of mock|http")
	}
	if cfg.Recognizer.TimeoutMS <= 0 {
		return errors.New("recognizer.timeout_ms must be positive")
	}
	if cfg.Speech.Enabled {
		switch cfg.Speech.Mode {
		case "mock", "exec":
		default:
			return errors.New("speech.mode must be one of mock|exec")
		}
		if cfg.Speech.Mode == "exec" && (cfg.Speech.SynthCommand == "" || cfg.Speech.PlayerCommand == "") {
			return errors.New("speech.synth_command and speech.player_command must be set when mode=exec")
		}
		if cfg.Speech.SampleRate <= 0 {
			return errors.New("speech.sample_rate must be positive")
		}
		if cfg.Speech.Channels <= 0 {
			return errors.New("speech.channels must be positive")
		}
		if cfg.Speech.Rate <= 0 {
			return errors.New("speech.rate must be positive")
		}
	}
	switch cfg.Dictation.Mode {
	case "none", "mock":
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("dictation.mode=bus requires bus.enabled")
		}
	default:
		return errors.New("dictation.mode must be one of none|mock|bus")
	}
	return nil
}
