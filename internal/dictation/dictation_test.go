package dictation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sign/internal/bus"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/eventloop"
	"github.com/loqalabs/loqa-sign/internal/natsserver"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/loqalabs/loqa-sign/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop := eventloop.New(128, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

type recordingSink struct {
	mu        sync.Mutex
	surface   *transcript.Surface
	listening []bool
	interim   []string
	alerts    []string
}

func newRecordingSink(text string) *recordingSink {
	return &recordingSink{surface: transcript.NewSurface(text)}
}

func (r *recordingSink) DictationChanged(listening bool, interim string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listening = append(r.listening, listening)
	if interim != "" {
		r.interim = append(r.interim, interim)
	}
}

func (r *recordingSink) Dictated(phrase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transcript.AppendPhrase(r.surface, phrase)
}

func (r *recordingSink) Alert(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, message)
}

func (r *recordingSink) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.surface.Text()
}

func (r *recordingSink) alertList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.alerts...)
}

// manualCapability hands the emit callback to the test.
type manualCapability struct {
	mu      sync.Mutex
	emit    func(Event)
	stopped int
	err     error
}

func (m *manualCapability) Start(_ context.Context, _ string, emit func(Event)) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.emit = emit
	return m, nil
}

func (m *manualCapability) Stop() {
	m.mu.Lock()
	m.stopped++
	m.mu.Unlock()
}

func (m *manualCapability) send(ev Event) {
	m.mu.Lock()
	emit := m.emit
	m.mu.Unlock()
	emit(ev)
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

func state(t *testing.T, loop *eventloop.Loop, d *Dictation) State {
	t.Helper()
	var s State
	if err := loop.Do(context.Background(), func() { s = d.State() }); err != nil {
		t.Fatalf("loop: %v", err)
	}
	return s
}

func toggle(t *testing.T, loop *eventloop.Loop, d *Dictation) error {
	t.Helper()
	var err error
	if doErr := loop.Do(context.Background(), func() { err = d.Toggle() }); doErr != nil {
		t.Fatalf("loop: %v", doErr)
	}
	return err
}

// flush waits until every task posted so far has run.
func flush(t *testing.T, loop *eventloop.Loop) {
	t.Helper()
	_ = loop.Do(context.Background(), func() {})
}

func TestUnsupportedAlertsOnce(t *testing.T) {
	loop := startLoop(t)
	sink := newRecordingSink("")
	d := New(context.Background(), loop, nil, "s1", sink, newLogger())

	if err := toggle(t, loop, d); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if got := sink.alertList(); len(got) != 1 || got[0] != MessageUnsupported {
		t.Fatalf("expected one unsupported alert, got %v", got)
	}
	if state(t, loop, d) != Idle {
		t.Fatal("expected Idle")
	}
}

func TestFinalResultAppendsPhrase(t *testing.T) {
	loop := startLoop(t)
	capability := &manualCapability{}
	sink := newRecordingSink("HI")
	d := New(context.Background(), loop, capability, "s1", sink, newLogger())

	if err := toggle(t, loop, d); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if state(t, loop, d) != Listening {
		t.Fatal("expected Listening")
	}
	capability.send(Event{Kind: EventResult, Text: "magandang"})
	capability.send(Event{Kind: EventResult, Text: " magandang umaga ", Final: true})
	flush(t, loop)

	if got := sink.text(); got != "HI magandang umaga" {
		t.Fatalf("transcript = %q", got)
	}
	sink.mu.Lock()
	interim := append([]string(nil), sink.interim...)
	sink.mu.Unlock()
	if len(interim) != 1 || interim[0] != "magandang" {
		t.Fatalf("expected interim indicator update, got %v", interim)
	}
}

func TestErrorsReturnToIdle(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{KindNotAllowed, MessageNotAllowed},
		{KindServiceNotAllowed, MessageNotAllowed},
		{KindNetwork, MessageNetwork},
		{"audio-capture", MessageGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			loop := startLoop(t)
			capability := &manualCapability{}
			sink := newRecordingSink("")
			d := New(context.Background(), loop, capability, "s1", sink, newLogger())

			if err := toggle(t, loop, d); err != nil {
				t.Fatalf("toggle: %v", err)
			}
			capability.send(Event{Kind: EventError, ErrorKind: tt.kind})
			flush(t, loop)

			if state(t, loop, d) != Idle {
				t.Fatal("expected Idle after error")
			}
			if got := sink.alertList(); len(got) != 1 || got[0] != tt.want {
				t.Fatalf("alerts = %v, want [%q]", got, tt.want)
			}
		})
	}
	if MessageNotAllowed == MessageNetwork {
		t.Fatal("permission and network messages must differ")
	}
}

func TestNaturalEndIsSilent(t *testing.T) {
	loop := startLoop(t)
	capability := &manualCapability{}
	sink := newRecordingSink("")
	d := New(context.Background(), loop, capability, "s1", sink, newLogger())

	_ = toggle(t, loop, d)
	capability.send(Event{Kind: EventEnd})
	flush(t, loop)

	if state(t, loop, d) != Idle {
		t.Fatal("expected Idle after end")
	}
	if got := sink.alertList(); len(got) != 0 {
		t.Fatalf("expected no alert, got %v", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if last := sink.listening[len(sink.listening)-1]; last {
		t.Fatal("expected indicator to show idle")
	}
}

func TestEventsAfterStopAreIgnored(t *testing.T) {
	loop := startLoop(t)
	capability := &manualCapability{}
	sink := newRecordingSink("")
	d := New(context.Background(), loop, capability, "s1", sink, newLogger())

	_ = toggle(t, loop, d)
	_ = toggle(t, loop, d)
	if state(t, loop, d) != Idle {
		t.Fatal("expected Idle after second toggle")
	}
	capability.mu.Lock()
	stopped := capability.stopped
	capability.mu.Unlock()
	if stopped != 1 {
		t.Fatalf("expected session stop, got %d", stopped)
	}

	capability.send(Event{Kind: EventResult, Text: "late", Final: true})
	capability.send(Event{Kind: EventError, ErrorKind: KindNetwork})
	flush(t, loop)
	if got := sink.text(); got != "" {
		t.Fatalf("late result leaked into transcript: %q", got)
	}
	if got := sink.alertList(); len(got) != 0 {
		t.Fatalf("late error raised alert: %v", got)
	}
}

func TestStartFailureMapsKind(t *testing.T) {
	loop := startLoop(t)
	capability := &manualCapability{err: ErrNotAllowed}
	sink := newRecordingSink("")
	d := New(context.Background(), loop, capability, "s1", sink, newLogger())

	if err := toggle(t, loop, d); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	if got := sink.alertList(); len(got) != 1 || got[0] != MessageNotAllowed {
		t.Fatalf("alerts = %v", got)
	}
	if state(t, loop, d) != Idle {
		t.Fatal("expected Idle")
	}
}

func TestScriptedCapability(t *testing.T) {
	loop := startLoop(t)
	capability := NewScriptedCapability([]string{"partial:ku", "final:kumusta", "po", "end"}, time.Millisecond)
	sink := newRecordingSink("")
	d := New(context.Background(), loop, capability, "s1", sink, newLogger())

	_ = toggle(t, loop, d)
	waitFor(t, func() bool { return state(t, loop, d) == Idle })
	if got := sink.text(); got != "kumusta po" {
		t.Fatalf("transcript = %q", got)
	}
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBusCapability(t *testing.T) {
	client := startBus(t)
	controls, err := client.Conn().SubscribeSync(protocol.SubjectDictationControl)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	loop := startLoop(t)
	sink := newRecordingSink("")
	d := New(context.Background(), loop, NewBusCapability(client, "fil-PH", "", newLogger()), "s1", sink, newLogger())
	if err := toggle(t, loop, d); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	msg, err := controls.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("expected start control: %v", err)
	}
	if string(msg.Data) == "" {
		t.Fatal("empty control payload")
	}

	publish := func(subject string, v any) {
		t.Helper()
		if err := client.PublishJSON(subject, v); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	publish(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "other", Text: "ignored"})
	publish(protocol.SubjectTranscriptPartial, protocol.Transcript{SessionID: "s1", Text: "salamat", Partial: true})
	publish(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "s1", Text: "salamat po"})
	waitFor(t, func() bool { return sink.text() == "salamat po" })

	publish(protocol.SubjectSTTError, protocol.STTError{SessionID: "s1", Kind: KindNetwork})
	waitFor(t, func() bool { return state(t, loop, d) == Idle })
	if got := sink.alertList(); len(got) != 1 || got[0] != MessageNetwork {
		t.Fatalf("alerts = %v", got)
	}
}

func TestBusCapabilityDisconnected(t *testing.T) {
	client := startBus(t)
	client.Conn().Close()

	loop := startLoop(t)
	sink := newRecordingSink("")
	d := New(context.Background(), loop, NewBusCapability(client, "", "", newLogger()), "s1", sink, newLogger())
	if err := toggle(t, loop, d); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if got := sink.alertList(); len(got) != 1 || got[0] != MessageNetwork {
		t.Fatalf("alerts = %v", got)
	}
}
