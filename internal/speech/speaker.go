package speech

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sign/internal/config"
)

// Utterance is one request to speak text.
type Utterance struct {
	Text  string
	Voice Voice
	Rate  float64
	Pitch float64
}

// Engine is the platform speech synthesizer.
type Engine interface {
	Voices(ctx context.Context) ([]Voice, error)
	// Speak blocks until the utterance finishes or ctx is cancelled.
	Speak(ctx context.Context, u Utterance) error
	CancelAll()
}

// Speaker plays at most one utterance at a time; a new Speak preempts the
// current one instead of queueing behind it.
type Speaker struct {
	cfg     config.SpeechConfig
	engine  Engine
	catalog *Catalog
	prefs   []string
	loose   *regexp.Regexp
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	current uint64
	wg      sync.WaitGroup
}

func NewSpeaker(cfg config.SpeechConfig, engine Engine, catalog *Catalog, logger *slog.Logger) *Speaker {
	prefs := cfg.Preferences
	if len(prefs) == 0 {
		prefs = DefaultPreferences
	}
	loose := DefaultLooseMatch
	if cfg.LooseMatch != "" {
		if re, err := regexp.Compile(cfg.LooseMatch); err == nil {
			loose = re
		} else {
			logger.Warn("invalid loose voice pattern, using default", slog.String("error", err.Error()))
		}
	}
	return &Speaker{
		cfg:     cfg,
		engine:  engine,
		catalog: catalog,
		prefs:   prefs,
		loose:   loose,
		logger:  logger.With(slog.String("component", "speech-output")),
	}
}

func (s *Speaker) rate() float64 {
	if s.cfg.Rate <= 0 {
		return 0.9
	}
	return s.cfg.Rate
}

func (s *Speaker) pitch() float64 {
	if s.cfg.Pitch <= 0 {
		return 1.0
	}
	return s.cfg.Pitch
}

// Voice returns the voice that would be used right now.
func (s *Speaker) Voice() (Voice, bool) {
	return SelectVoice(s.catalog.Snapshot(), s.prefs, s.loose)
}

// Speak starts speaking text and returns immediately. Blank text is
// ignored. It reports whether an utterance was started.
func (s *Speaker) Speak(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	voice, _ := s.Voice()
	u := Utterance{Text: text, Voice: voice, Rate: s.rate(), Pitch: s.pitch()}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.engine.CancelAll()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.current++
	id := s.current
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		start := time.Now()
		err := s.engine.Speak(ctx, u)
		s.mu.Lock()
		if s.current == id {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
		switch {
		case err != nil && ctx.Err() != nil:
			s.logger.Debug("utterance preempted", slog.Int("chars", len(text)))
		case err != nil:
			s.logger.Warn("utterance failed", slog.String("error", err.Error()))
		default:
			s.logger.Debug("utterance finished", slog.String("voice", voice.Name), slog.Duration("elapsed", time.Since(start)))
		}
	}()
	return true
}

// Cancel stops any utterance in progress.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.engine.CancelAll()
}

// RunCatalogRefresh refreshes the voice catalog immediately and then every
// interval until ctx is done.
func (s *Speaker) RunCatalogRefresh(ctx context.Context, interval time.Duration) {
	s.refresh(ctx)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Speaker) refresh(ctx context.Context) {
	if err := s.catalog.Refresh(ctx, s.engine); err != nil {
		s.logger.Warn("voice catalog refresh failed", slog.String("error", err.Error()))
	}
}

// Close cancels playback and waits for engine calls to return.
func (s *Speaker) Close() {
	s.Cancel()
	s.wg.Wait()
}
