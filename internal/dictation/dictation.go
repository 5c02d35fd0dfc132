// Package dictation turns a speech recognition session into transcript
// phrases. Only the final result of each utterance reaches the transcript.
package dictation

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-sign/internal/eventloop"
)

// State of the dictation state machine.
type State int

const (
	Idle State = iota
	Listening
)

func (s State) String() string {
	if s == Listening {
		return "listening"
	}
	return "idle"
}

type EventKind int

const (
	EventStarted EventKind = iota
	EventResult
	EventError
	EventEnd
)

// Error kinds reported by recognition sessions.
const (
	KindNotAllowed        = "not-allowed"
	KindServiceNotAllowed = "service-not-allowed"
	KindNetwork           = "network"
)

// Event is one callback from a recognition session.
type Event struct {
	Kind      EventKind
	Text      string
	Final     bool
	ErrorKind string
	Message   string
}

// Session is a running recognition session.
type Session interface {
	// Stop ends the session. It must be safe to call more than once.
	Stop()
}

// Capability starts recognition sessions. emit may be called from any
// goroutine until the session is stopped.
type Capability interface {
	Start(ctx context.Context, sessionID string, emit func(Event)) (Session, error)
}

var (
	ErrUnsupported = errors.New("speech recognition not supported")
	ErrNotAllowed  = errors.New("speech recognition not allowed")
	ErrNetwork     = errors.New("speech recognition network failure")
)

// Sink receives dictation output. Methods run on the event loop.
type Sink interface {
	DictationChanged(listening bool, interim string)
	Dictated(phrase string)
	Alert(message string)
}

const (
	MessageUnsupported = "Speech recognition is not supported on this device."
	MessageNotAllowed  = "Microphone access was denied. Allow microphone access to use dictation."
	MessageNetwork     = "Speech recognition needs a network connection. Check your connection and try again."
	MessageGeneric     = "Speech recognition stopped because of an error."
)

// MessageFor maps a session error kind to the text shown to the user.
func MessageFor(kind string) string {
	switch kind {
	case KindNotAllowed, KindServiceNotAllowed:
		return MessageNotAllowed
	case KindNetwork:
		return MessageNetwork
	default:
		return MessageGeneric
	}
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, ErrNotAllowed):
		return KindNotAllowed
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	default:
		return "start-failed"
	}
}

// Dictation owns the dictation state. All methods must run on the event
// loop.
type Dictation struct {
	ctx        context.Context
	loop       eventloop.Dispatcher
	capability Capability
	sessionID  string
	sink       Sink
	logger     *slog.Logger

	state   State
	gen     uint64
	session Session
}

// New returns an idle Dictation. A nil capability means the platform has no
// speech recognition.
func New(ctx context.Context, loop eventloop.Dispatcher, capability Capability, sessionID string, sink Sink, logger *slog.Logger) *Dictation {
	return &Dictation{
		ctx:        ctx,
		loop:       loop,
		capability: capability,
		sessionID:  sessionID,
		sink:       sink,
		logger:     logger.With(slog.String("component", "dictation")),
	}
}

func (d *Dictation) State() State { return d.state }

func (d *Dictation) Supported() bool { return d.capability != nil }

// Toggle stops a listening session or starts a new one.
func (d *Dictation) Toggle() error {
	if d.state == Listening {
		d.Stop()
		return nil
	}
	return d.start()
}

func (d *Dictation) start() error {
	if d.capability == nil {
		d.sink.Alert(MessageUnsupported)
		return ErrUnsupported
	}
	d.gen++
	gen := d.gen
	emit := func(ev Event) {
		d.loop.Post(func() { d.handle(gen, ev) })
	}
	session, err := d.capability.Start(d.ctx, d.sessionID, emit)
	if err != nil {
		kind := kindOf(err)
		d.logger.Warn("dictation start failed", slog.String("kind", kind), slog.String("error", err.Error()))
		d.sink.Alert(MessageFor(kind))
		d.sink.DictationChanged(false, "")
		return err
	}
	d.session = session
	d.state = Listening
	d.logger.Info("dictation started")
	d.sink.DictationChanged(true, "")
	return nil
}

// Stop ends the current session. Events it emits afterwards are ignored.
func (d *Dictation) Stop() {
	if d.state != Listening {
		return
	}
	d.finish()
	d.logger.Info("dictation stopped")
}

func (d *Dictation) finish() {
	d.gen++
	if d.session != nil {
		d.session.Stop()
		d.session = nil
	}
	d.state = Idle
	d.sink.DictationChanged(false, "")
}

func (d *Dictation) handle(gen uint64, ev Event) {
	if gen != d.gen || d.state != Listening {
		return
	}
	switch ev.Kind {
	case EventStarted:
		d.sink.DictationChanged(true, "")
	case EventResult:
		if !ev.Final {
			d.sink.DictationChanged(true, strings.TrimSpace(ev.Text))
			return
		}
		if phrase := strings.TrimSpace(ev.Text); phrase != "" {
			d.sink.Dictated(phrase)
		}
		d.sink.DictationChanged(true, "")
	case EventError:
		d.logger.Warn("dictation error", slog.String("kind", ev.ErrorKind), slog.String("message", ev.Message))
		d.finish()
		d.sink.Alert(MessageFor(ev.ErrorKind))
	case EventEnd:
		d.logger.Debug("dictation session ended")
		d.finish()
	}
}
