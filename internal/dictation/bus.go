package dictation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sign/internal/bus"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusCapability drives an audio edge over NATS. Starting a session asks
// the edge to stream microphone audio into the speech-to-text service, and
// transcripts for the session come back on the stt subjects.
type BusCapability struct {
	client   *bus.Client
	language string
	// session replaces the caller's session id when the edge is configured
	// with a fixed one.
	session string
	logger  *slog.Logger
}

func NewBusCapability(client *bus.Client, language, session string, logger *slog.Logger) *BusCapability {
	return &BusCapability{client: client, language: language, session: session, logger: logger.With(slog.String("component", "dictation-bus"))}
}

func (c *BusCapability) Start(ctx context.Context, sessionID string, emit func(Event)) (Session, error) {
	if c.session != "" {
		sessionID = c.session
	}
	if !c.client.Healthy() {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, bus.ErrDisconnected)
	}
	s := &busSession{
		capability: c,
		sessionID:  sessionID,
		emit:       emit,
		statusCh:   c.client.Conn().StatusChanged(nats.DISCONNECTED, nats.CLOSED),
		stop:       make(chan struct{}),
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectTranscriptFinal:   s.handleTranscript,
		protocol.SubjectTranscriptPartial: s.handleTranscript,
		protocol.SubjectSTTError:          s.handleError,
		protocol.SubjectDictationControl:  s.handleControl,
	}
	for subject, handler := range handlers {
		sub, err := c.client.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return nil, fmt.Errorf("%w: subscribe %s: %w", ErrNetwork, subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := c.publishControl(sessionID, protocol.DictationStart); err != nil {
		s.unsubscribe()
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	go s.watch(ctx)
	return s, nil
}

func (c *BusCapability) publishControl(sessionID, action string) error {
	return c.client.PublishJSON(protocol.SubjectDictationControl, protocol.DictationControl{
		SessionID: sessionID,
		Action:    action,
		Language:  c.language,
		Timestamp: time.Now().UTC(),
	})
}

type busSession struct {
	capability *BusCapability
	sessionID  string
	emit       func(Event)
	subs       []*nats.Subscription
	statusCh   chan nats.Status
	stop       chan struct{}
	once       sync.Once
}

func (s *busSession) handleTranscript(msg *nats.Msg) {
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		s.capability.logger.Warn("failed to decode transcript", slog.String("error", err.Error()))
		return
	}
	if tr.SessionID != s.sessionID {
		return
	}
	final := msg.Subject == protocol.SubjectTranscriptFinal && !tr.Partial
	s.emit(Event{Kind: EventResult, Text: tr.Text, Final: final})
}

func (s *busSession) handleError(msg *nats.Msg) {
	var e protocol.STTError
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		s.capability.logger.Warn("failed to decode stt error", slog.String("error", err.Error()))
		return
	}
	if e.SessionID != s.sessionID {
		return
	}
	s.emit(Event{Kind: EventError, ErrorKind: e.Kind, Message: e.Message})
}

func (s *busSession) handleControl(msg *nats.Msg) {
	var ctl protocol.DictationControl
	if err := json.Unmarshal(msg.Data, &ctl); err != nil {
		return
	}
	if ctl.SessionID == s.sessionID && ctl.Action == protocol.DictationEnded {
		s.emit(Event{Kind: EventEnd})
	}
}

func (s *busSession) watch(ctx context.Context) {
	select {
	case <-s.stop:
	case <-ctx.Done():
	case status, ok := <-s.statusCh:
		if !ok {
			return
		}
		s.emit(Event{Kind: EventError, ErrorKind: KindNetwork, Message: "bus " + status.String()})
	}
}

func (s *busSession) Stop() {
	s.once.Do(func() {
		close(s.stop)
		s.unsubscribe()
		if err := s.capability.publishControl(s.sessionID, protocol.DictationStop); err != nil && !errors.Is(err, bus.ErrDisconnected) {
			s.capability.logger.Warn("failed to publish dictation stop", slog.String("error", err.Error()))
		}
	})
}

func (s *busSession) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	if s.statusCh != nil {
		s.capability.client.Conn().RemoveStatusListener(s.statusCh)
	}
}
