package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ListenerID identifies a registration for Remove.
type ListenerID uint64

type registration struct {
	id ListenerID
	l  Listener
}

// Bus fans events out to registered listeners, honoring a Control.
type Bus struct {
	ctl    *Control
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	nextID    ListenerID
	listeners []registration
}

// NewBus returns a Bus bound to ctl. A nil logger uses slog.Default().
func NewBus(ctl *Control, logger *slog.Logger) *Bus {
	if ctl == nil {
		ctl = NewControl()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{ctl: ctl, logger: logger, now: time.Now}
}

// Control returns the Control the bus honors.
func (b *Bus) Control() *Control {
	return b.ctl
}

// Add registers l and returns an ID for Remove.
func (b *Bus) Add(l Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners = append(b.listeners, registration{id: b.nextID, l: l})
	return b.nextID
}

// Remove unregisters a listener. It reports whether id was registered.
func (b *Bus) Remove(id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.listeners {
		if r.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Fire delivers e to every listener registered at call time. It drops the
// event once the Control is stopped and blocks while it is paused.
func (b *Bus) Fire(ctx context.Context, e Event) {
	if !b.ctl.Wait(ctx) {
		return
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.RLock()
	snapshot := make([]registration, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()

	for _, r := range snapshot {
		if err := b.deliver(r.l, e); err != nil {
			b.logger.Warn("listener failed", "event", e.Subject.String()+" "+e.Phase.String(), "error", err)
		}
	}
}

func (b *Bus) deliver(l Listener, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.HandleEvent(e)
}

// Recorder is a Listener that keeps every event it sees.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) HandleEvent(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events match subject and phase.
func (r *Recorder) Count(subject Subject, phase Phase) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Subject == subject && e.Phase == phase {
			n++
		}
	}
	return n
}
