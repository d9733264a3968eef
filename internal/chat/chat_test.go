package chat

import (
	"time"

	"github.com/iconvo/relay/internal/config"
	"github.com/iconvo/relay/internal/protocol"
)

// recordedEvent captures one delivery made through the fake transport.
type recordedEvent struct {
	ConnID  string // set for SendTo
	Room    string // set for Broadcast
	Exclude string
	Event   protocol.ServerEvent
}

// fakeTransport records every delivery so tests can assert on ordering and
// targeting.
type fakeTransport struct {
	events []recordedEvent
}

func (f *fakeTransport) SendTo(connID string, event protocol.ServerEvent) {
	f.events = append(f.events, recordedEvent{ConnID: connID, Event: event})
}

func (f *fakeTransport) Broadcast(room, excludeConnID string, event protocol.ServerEvent) {
	f.events = append(f.events, recordedEvent{Room: room, Exclude: excludeConnID, Event: event})
}

func (f *fakeTransport) reset() {
	f.events = nil
}

// named returns the recorded deliveries carrying the given event name.
func (f *fakeTransport) named(event string) []recordedEvent {
	var out []recordedEvent
	for _, e := range f.events {
		if e.Event.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// sentTo returns the deliveries addressed directly to a connection.
func (f *fakeTransport) sentTo(connID string) []recordedEvent {
	var out []recordedEvent
	for _, e := range f.events {
		if e.ConnID == connID {
			out = append(out, e)
		}
	}
	return out
}

// manualScheduler collects scheduled callbacks so tests can fire or cancel
// them deterministically.
type manualScheduler struct {
	pending []*scheduledTask
}

type scheduledTask struct {
	delay     time.Duration
	fn        func()
	cancelled bool
}

func (m *manualScheduler) schedule(d time.Duration, fn func()) func() {
	task := &scheduledTask{delay: d, fn: fn}
	m.pending = append(m.pending, task)
	return func() { task.cancelled = true }
}

// fire runs every pending task that has not been cancelled.
func (m *manualScheduler) fire() {
	tasks := m.pending
	m.pending = nil
	for _, task := range tasks {
		if !task.cancelled {
			task.fn()
		}
	}
}

func testConfig() *config.Config {
	cfg := config.New()
	cfg.EnablePersistence = false
	return cfg
}

func memoryStore() *MessageStore {
	return NewMessageStore(StoreOptions{Persist: false, MaxHistory: 100})
}
