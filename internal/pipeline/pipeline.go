// Package pipeline composes camera sampling, recognition, the transcript,
// speech output and dictation into one owned-state object. All state is
// mutated on a single event loop; public methods may be called from any
// goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-sign/internal/capture"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/dictation"
	"github.com/loqalabs/loqa-sign/internal/eventloop"
	"github.com/loqalabs/loqa-sign/internal/eventstore"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/loqalabs/loqa-sign/internal/recognition"
	"github.com/loqalabs/loqa-sign/internal/speech"
	"github.com/loqalabs/loqa-sign/internal/transcript"
)

// Status board labels.
const (
	CameraActive = "CAMERA ACTIVE"
	CameraOff    = "CAMERA OFF"

	DetectionIdle     = "idle"
	DetectionScanning = "scanning..."
	DetectionDetected = "detected"

	DictationIdle      = "idle"
	DictationListening = "listening"

	placeholder = "-"
)

// SubjectTranscriptSaved carries saved transcripts into the SIGN_SAVES stream.
const SubjectTranscriptSaved = "sign.transcript.saved"

var ErrNothingToSave = errors.New("transcript is empty")

// Publisher broadcasts status and transcript changes.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Persister stores messages durably on the bus.
type Persister interface {
	PersistJSON(ctx context.Context, subject string, v any) error
}

// Recorder is the persistent timeline.
type Recorder interface {
	AppendSession(ctx context.Context, sessionID, device string) error
	RecordSave(ctx context.Context, sessionID, text string) error
	RecordSymbol(ctx context.Context, sessionID, symbol string, confidence *float64) error
	ListSessionEvents(ctx context.Context, sessionID, eventType string, limit int) ([]eventstore.Event, error)
}

// Options carries the collaborators. Nil Engine disables speech output; nil
// Capability means dictation is unsupported; nil Publisher, Persister and
// Recorder disable those outputs.
type Options struct {
	Config     config.Config
	Device     capture.Device
	Client     recognition.Client
	Engine     speech.Engine
	Capability dictation.Capability
	Publisher  Publisher
	Persister  Persister
	Recorder   Recorder
	Logger     *slog.Logger
}

// Snapshot is a consistent view of the transcript and status board.
type Snapshot struct {
	SessionID string          `json:"session_id"`
	Text      string          `json:"text"`
	Caret     int             `json:"caret"`
	Status    protocol.Status `json:"status"`
}

// Update is pushed to watchers after every status or transcript change.
// Exactly one of Status and Transcript is set.
type Update struct {
	Status     *protocol.Status           `json:"status,omitempty"`
	Transcript *protocol.TranscriptUpdate `json:"transcript,omitempty"`
}

type Pipeline struct {
	cfg       config.Config
	token     string
	loop      *eventloop.Loop
	sampler   *capture.Sampler
	speaker   *speech.Speaker
	dictation *dictation.Dictation
	publisher Publisher
	persister Persister
	recorder  Recorder
	device    string
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// loop-owned state
	surface  *transcript.Surface
	acc      *transcript.Accumulator
	editor   transcript.Editor
	status   protocol.Status
	watchers map[int]chan Update
	nextID   int
}

// New builds an idle pipeline with a fresh session token.
func New(parent context.Context, opts Options) (*Pipeline, error) {
	if opts.Device == nil || opts.Client == nil {
		return nil, errors.New("pipeline needs a capture device and a recognition client")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	logger := opts.Logger.With(slog.String("component", "pipeline"), slog.String("session_id", id.String()))
	ctx, cancel := context.WithCancel(parent)

	surface := transcript.NewSurface("")
	p := &Pipeline{
		cfg:       opts.Config,
		token:     id.String(),
		loop:      eventloop.New(256, opts.Logger),
		publisher: opts.Publisher,
		persister: opts.Persister,
		recorder:  opts.Recorder,
		device:    opts.Device.Name(),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		surface:   surface,
		acc:       transcript.NewAccumulator(surface),
		watchers:  make(map[int]chan Update),
		status: protocol.Status{
			SessionID:  id.String(),
			Camera:     CameraOff,
			Detection:  DetectionIdle,
			Symbol:     placeholder,
			Confidence: placeholder,
			Dictation:  DictationIdle,
		},
	}

	encoder := capture.EncoderFor(opts.Config.Capture.Codec, opts.Config.Capture.Quality)
	p.sampler = capture.NewSampler(ctx, opts.Config.Capture, p.loop, opts.Device, encoder, opts.Client, p.token, p, opts.Logger)
	if opts.Engine != nil {
		catalog := speech.NewCatalog(configuredVoices(opts.Config.Speech))
		p.speaker = speech.NewSpeaker(opts.Config.Speech, opts.Engine, catalog, opts.Logger)
	}
	p.dictation = dictation.New(ctx, p.loop, opts.Capability, p.token, p, opts.Logger)
	return p, nil
}

func configuredVoices(cfg config.SpeechConfig) []speech.Voice {
	voices := make([]speech.Voice, 0, len(cfg.Voices))
	for _, v := range cfg.Voices {
		voices = append(voices, speech.Voice{Name: v.Name, Lang: v.Lang, Default: v.Default})
	}
	return voices
}

// SessionID is the token sent with every recognition request.
func (p *Pipeline) SessionID() string { return p.token }

// Start runs the event loop and background refreshers.
func (p *Pipeline) Start() error {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop.Run(p.ctx)
	}()
	if p.recorder != nil {
		if err := p.recorder.AppendSession(p.ctx, p.token, p.device); err != nil {
			p.logger.Warn("failed to record session", slogError(err))
		}
	}
	if p.speaker != nil {
		interval := time.Duration(p.cfg.Speech.RefreshIntervalMS) * time.Millisecond
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.speaker.RunCatalogRefresh(p.ctx, interval)
		}()
	}
	p.logger.Info("pipeline started")
	return nil
}

// Close stops capture and dictation, silences speech and waits for
// background work.
func (p *Pipeline) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.loop.Do(shutdownCtx, func() {
		p.sampler.Close()
		p.dictation.Stop()
		for id, ch := range p.watchers {
			close(ch)
			delete(p.watchers, id)
		}
	}); err != nil {
		p.logger.Debug("loop unavailable during close", slogError(err))
	}
	if p.speaker != nil {
		p.speaker.Close()
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info("pipeline stopped")
}

// Healthy reports whether the event loop is still running.
func (p *Pipeline) Healthy() bool {
	select {
	case <-p.loop.Done():
		return false
	default:
		return p.ctx.Err() == nil
	}
}

func (p *Pipeline) do(ctx context.Context, fn func()) error {
	return p.loop.Do(ctx, fn)
}

// ToggleCamera starts sampling when the camera is off and stops it
// otherwise. It returns whether the camera is active afterwards.
func (p *Pipeline) ToggleCamera(ctx context.Context) (bool, error) {
	var active bool
	if err := p.do(ctx, func() {
		active = p.sampler.Active()
		if active {
			p.sampler.Stop()
		}
	}); err != nil {
		return false, err
	}
	if active {
		return false, nil
	}
	if err := p.sampler.Start(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Speak reads the current transcript aloud. It reports false when there is
// nothing to say or speech output is disabled.
func (p *Pipeline) Speak(ctx context.Context) (bool, error) {
	var text string
	if err := p.do(ctx, func() { text = p.surface.Text() }); err != nil {
		return false, err
	}
	if p.speaker == nil {
		return false, nil
	}
	return p.speaker.Speak(text), nil
}

// Save records the current transcript.
func (p *Pipeline) Save(ctx context.Context) (string, error) {
	var text string
	if err := p.do(ctx, func() { text = p.surface.Text() }); err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrNothingToSave
	}
	if p.recorder != nil {
		if err := p.recorder.RecordSave(ctx, p.token, text); err != nil {
			return "", fmt.Errorf("record save: %w", err)
		}
	}
	if p.persister != nil {
		msg := protocol.TranscriptUpdate{SessionID: p.token, Text: text, Caret: -1, Source: "save", Timestamp: time.Now().UTC()}
		if err := p.persister.PersistJSON(ctx, SubjectTranscriptSaved, msg); err != nil {
			p.logger.Warn("failed to persist saved transcript", slogError(err))
		}
	}
	p.logger.Info("transcript saved", slog.Int("chars", len([]rune(text))))
	return text, nil
}

func (p *Pipeline) edit(ctx context.Context, source string, fn func() bool) (Snapshot, error) {
	var snap Snapshot
	err := p.do(ctx, func() {
		if fn() {
			p.publishTranscript(source)
		}
		snap = p.snapshot()
	})
	return snap, err
}

func (p *Pipeline) Clear(ctx context.Context) (Snapshot, error) {
	return p.edit(ctx, "clear", func() bool { return p.editor.Clear(p.surface) })
}

func (p *Pipeline) DeleteAtCaret(ctx context.Context) (Snapshot, error) {
	return p.edit(ctx, "backspace", func() bool { return p.editor.DeleteAtCaret(p.surface) })
}

func (p *Pipeline) InsertAtCaret(ctx context.Context, text string) (Snapshot, error) {
	return p.edit(ctx, "insert", func() bool { return p.editor.InsertAtCaret(p.surface, text) })
}

// SetCaret moves the caret; a non-empty range selects [start, end).
func (p *Pipeline) SetCaret(ctx context.Context, start, end int) (Snapshot, error) {
	return p.edit(ctx, "caret", func() bool {
		if end > start {
			p.editor.SelectRange(p.surface, start, end)
		} else {
			p.editor.SetOffset(p.surface, start)
		}
		return false
	})
}

// ToggleDictation starts or stops listening.
func (p *Pipeline) ToggleDictation(ctx context.Context) (bool, error) {
	var (
		listening bool
		toggleErr error
	)
	if err := p.do(ctx, func() {
		toggleErr = p.dictation.Toggle()
		listening = p.dictation.State() == dictation.Listening
	}); err != nil {
		return false, err
	}
	return listening, toggleErr
}

func (p *Pipeline) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := p.do(ctx, func() { snap = p.snapshot() })
	return snap, err
}

func (p *Pipeline) snapshot() Snapshot {
	return Snapshot{
		SessionID: p.token,
		Text:      p.surface.Text(),
		Caret:     p.editor.Offset(p.surface),
		Status:    p.status,
	}
}

// History lists this session's saves and recognitions, oldest first.
func (p *Pipeline) History(ctx context.Context, limit int) ([]eventstore.Event, error) {
	if p.recorder == nil {
		return nil, nil
	}
	return p.recorder.ListSessionEvents(ctx, p.token, "", limit)
}

// Watch registers for updates. The channel is closed when cancel is called
// or the pipeline closes. Updates are dropped for watchers that fall behind.
func (p *Pipeline) Watch(ctx context.Context) (<-chan Update, func(), error) {
	ch := make(chan Update, 32)
	var id int
	if err := p.do(ctx, func() {
		id = p.nextID
		p.nextID++
		p.watchers[id] = ch
	}); err != nil {
		return nil, nil, err
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.loop.Post(func() {
				if w, ok := p.watchers[id]; ok {
					close(w)
					delete(p.watchers, id)
				}
			})
		})
	}
	return ch, cancel, nil
}

func (p *Pipeline) notify(u Update) {
	for _, ch := range p.watchers {
		select {
		case ch <- u:
		default:
		}
	}
}

// CameraChanged implements capture.Sink.
func (p *Pipeline) CameraChanged(active bool) {
	if active {
		p.status.Camera = CameraActive
		p.status.Detection = DetectionScanning
	} else {
		p.status.Camera = CameraOff
		p.status.Detection = DetectionIdle
	}
	p.publishStatus()
}

// Recognized implements capture.Sink.
func (p *Pipeline) Recognized(out recognition.Outcome) {
	switch out.Kind {
	case recognition.KindSymbol:
		p.status.Detection = DetectionDetected
		p.status.Symbol = out.Symbol
		p.status.Confidence = out.ConfidenceLabel()
		if p.acc.Apply(out) {
			p.publishTranscript("recognition")
			p.recordSymbol(out)
		}
	case recognition.KindError:
		p.status.Detection = "error: " + out.Message
		p.status.Confidence = placeholder
	default:
		p.status.Detection = DetectionScanning
		p.status.Confidence = placeholder
	}
	p.publishStatus()
}

// Alert implements capture.Sink and dictation.Sink.
func (p *Pipeline) Alert(message string) {
	p.logger.Warn("alert", slog.String("message", message))
	p.status.Alert = message
	p.publishStatus()
}

// DictationChanged implements dictation.Sink.
func (p *Pipeline) DictationChanged(listening bool, interim string) {
	switch {
	case !listening:
		p.status.Dictation = DictationIdle
	case interim != "":
		p.status.Dictation = DictationListening + ": " + interim
	default:
		p.status.Dictation = DictationListening
	}
	p.publishStatus()
}

// Dictated implements dictation.Sink.
func (p *Pipeline) Dictated(phrase string) {
	if transcript.AppendPhrase(p.surface, phrase) {
		p.publishTranscript("dictation")
	}
}

func (p *Pipeline) recordSymbol(out recognition.Outcome) {
	if p.recorder == nil {
		return
	}
	var confidence *float64
	if out.HasConfidence {
		c := out.Confidence
		confidence = &c
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.recorder.RecordSymbol(p.ctx, p.token, out.Symbol, confidence); err != nil {
			p.logger.Debug("failed to record symbol", slogError(err))
		}
	}()
}

func (p *Pipeline) publishStatus() {
	p.status.Timestamp = time.Now().UTC()
	status := p.status
	p.notify(Update{Status: &status})
	p.publish(protocol.SubjectSignStatus, status)
}

func (p *Pipeline) publishTranscript(source string) {
	msg := protocol.TranscriptUpdate{
		SessionID: p.token,
		Text:      p.surface.Text(),
		Caret:     p.editor.Offset(p.surface),
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
	p.notify(Update{Transcript: &msg})
	p.publish(protocol.SubjectSignTranscript, msg)
}

func (p *Pipeline) publish(subject string, v any) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishJSON(subject, v); err != nil {
		p.logger.Debug("publish failed", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
