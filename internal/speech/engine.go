package speech

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/mattn/go-shellwords"
)

// MockEngine records utterances instead of producing audio. Each utterance
// "plays" for the configured duration unless cancelled first.
type MockEngine struct {
	mu        sync.Mutex
	duration  time.Duration
	voices    []Voice
	started   []Utterance
	finished  []Utterance
	cancelled []Utterance
	cancels   map[int]context.CancelFunc
	next      int
}

func NewMockEngine(duration time.Duration, voices ...Voice) *MockEngine {
	return &MockEngine{duration: duration, voices: voices, cancels: make(map[int]context.CancelFunc)}
}

func (m *MockEngine) Voices(context.Context) ([]Voice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Voice(nil), m.voices...), nil
}

func (m *MockEngine) SetVoices(voices ...Voice) {
	m.mu.Lock()
	m.voices = voices
	m.mu.Unlock()
}

func (m *MockEngine) SetDuration(d time.Duration) {
	m.mu.Lock()
	m.duration = d
	m.mu.Unlock()
}

func (m *MockEngine) Speak(ctx context.Context, u Utterance) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	id := m.next
	m.next++
	m.cancels[id] = cancel
	m.started = append(m.started, u)
	duration := m.duration
	m.mu.Unlock()

	timer := time.NewTimer(duration)
	defer timer.Stop()
	var err error
	select {
	case <-timer.C:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.mu.Lock()
	delete(m.cancels, id)
	if err != nil {
		m.cancelled = append(m.cancelled, u)
	} else {
		m.finished = append(m.finished, u)
	}
	m.mu.Unlock()
	return err
}

func (m *MockEngine) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.cancels {
		cancel()
	}
}

func (m *MockEngine) Started() []Utterance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Utterance(nil), m.started...)
}

func (m *MockEngine) Finished() []Utterance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Utterance(nil), m.finished...)
}

func (m *MockEngine) Cancelled() []Utterance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Utterance(nil), m.cancelled...)
}

// ExecEngine synthesizes with an external command and plays the result with
// a second one.
//
// The synth command receives one JSON request on stdin and writes JSON lines
// of base64 16-bit little-endian PCM until a line with "final": true. The
// player command is invoked with the path of a WAV file appended.
type ExecEngine struct {
	synth      []string
	player     []string
	sampleRate int
	channels   int
	voices     []Voice

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	next    int
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Lang       string  `json:"lang,omitempty"`
	Rate       float64 `json:"rate"`
	Pitch      float64 `json:"pitch"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecEngine(cfg config.SpeechConfig) (*ExecEngine, error) {
	synth, err := parseCommand("synth", cfg.SynthCommand)
	if err != nil {
		return nil, err
	}
	player, err := parseCommand("player", cfg.PlayerCommand)
	if err != nil {
		return nil, err
	}
	voices := make([]Voice, 0, len(cfg.Voices))
	for _, v := range cfg.Voices {
		voices = append(voices, Voice{Name: v.Name, Lang: v.Lang, Default: v.Default})
	}
	return &ExecEngine{
		synth:      synth,
		player:     player,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		voices:     voices,
		cancels:    make(map[int]context.CancelFunc),
	}, nil
}

func parseCommand(kind, command string) ([]string, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", kind, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command empty", kind)
	}
	return args, nil
}

func (e *ExecEngine) Voices(context.Context) ([]Voice, error) {
	return append([]Voice(nil), e.voices...), nil
}

func (e *ExecEngine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.cancels {
		cancel()
	}
}

func (e *ExecEngine) Speak(ctx context.Context, u Utterance) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	id := e.next
	e.next++
	e.cancels[id] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, id)
		e.mu.Unlock()
	}()

	pcm, err := e.synthesize(ctx, u)
	if err != nil {
		return err
	}
	file, err := os.CreateTemp("", "loqa_sign_tts_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if err := writePCMToWav(file, pcm, e.sampleRate, e.channels); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close wav: %w", err)
	}

	args := append(append([]string{}, e.player[1:]...), file.Name())
	cmd := exec.CommandContext(ctx, e.player[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("player command failed: %w: %s", err, stderr.String())
	}
	return nil
}

func (e *ExecEngine) synthesize(ctx context.Context, u Utterance) ([]byte, error) {
	payload, err := json.Marshal(execRequest{
		Text:       u.Text,
		Voice:      u.Voice.Name,
		Lang:       u.Voice.Lang,
		Rate:       u.Rate,
		Pitch:      u.Pitch,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, e.synth[0], e.synth[1:]...)
	cmd.Stdin = bytes.NewReader(append(payload, '\n'))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start synth command: %w", err)
	}

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return nil, fmt.Errorf("decode synth response: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			_ = cmd.Wait()
			return nil, fmt.Errorf("decode synth pcm: %w", err)
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("synth command failed: %w: %s", err, stderr.String())
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return pcm, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
