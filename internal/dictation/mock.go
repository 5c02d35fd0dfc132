package dictation

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ScriptedCapability replays a fixed list of events for every session. It
// lets the daemon run dictation without a microphone.
//
// Script entries: "partial:<text>", "final:<text>", "error:<kind>", "end".
// Anything else is a final result.
type ScriptedCapability struct {
	events []Event
	delay  time.Duration
}

func NewScriptedCapability(script []string, delay time.Duration) *ScriptedCapability {
	return &ScriptedCapability{events: ParseScript(script), delay: delay}
}

func ParseScript(script []string) []Event {
	events := make([]Event, 0, len(script))
	for _, entry := range script {
		switch {
		case strings.HasPrefix(entry, "partial:"):
			events = append(events, Event{Kind: EventResult, Text: strings.TrimPrefix(entry, "partial:")})
		case strings.HasPrefix(entry, "final:"):
			events = append(events, Event{Kind: EventResult, Final: true, Text: strings.TrimPrefix(entry, "final:")})
		case strings.HasPrefix(entry, "error:"):
			events = append(events, Event{Kind: EventError, ErrorKind: strings.TrimPrefix(entry, "error:")})
		case entry == "end":
			events = append(events, Event{Kind: EventEnd})
		default:
			events = append(events, Event{Kind: EventResult, Final: true, Text: entry})
		}
	}
	return events
}

func (c *ScriptedCapability) Start(ctx context.Context, _ string, emit func(Event)) (Session, error) {
	s := &scriptedSession{stop: make(chan struct{})}
	go func() {
		emit(Event{Kind: EventStarted})
		for _, ev := range c.events {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(c.delay):
			}
			emit(ev)
		}
	}()
	return s, nil
}

type scriptedSession struct {
	once sync.Once
	stop chan struct{}
}

func (s *scriptedSession) Stop() {
	s.once.Do(func() { close(s.stop) })
}
