// Package events provides a publish-subscribe event bus for environment,
// fork and page-fault notifications.
package events

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kahiteam/cowfork/internal/uapi"
)

// EventType identifies a specific event category.
type EventType string

// Environment lifecycle events.
const (
	EnvCreated   EventType = "ENV_CREATED"
	EnvRunnable  EventType = "ENV_RUNNABLE"
	EnvDestroyed EventType = "ENV_DESTROYED"
)

// Fork events.
const (
	ForkCompleted EventType = "FORK_COMPLETED"
	ForkFailed    EventType = "FORK_FAILED"
	PageDupFailed EventType = "PAGE_DUP_FAILED"
)

// Page fault events.
const (
	FaultResolved EventType = "FAULT_RESOLVED"
	FaultFatal    EventType = "FAULT_FATAL"
)

// Kernel state events.
const (
	KernelBooted   EventType = "KERNEL_BOOTED"
	KernelStopping EventType = "KERNEL_STOPPING"
)

// Tick60 is published once a minute by the daemon's ticker.
const Tick60 EventType = "TICK_60"

// AllTypes lists every non-tick event type, in a stable order.
var AllTypes = []EventType{
	EnvCreated, EnvRunnable, EnvDestroyed,
	ForkCompleted, ForkFailed, PageDupFailed,
	FaultResolved, FaultFatal,
	KernelBooted, KernelStopping,
}

// ParseTypes parses a comma-separated list of event type names. An empty
// list selects every type in AllTypes.
func ParseTypes(s string) ([]EventType, error) {
	if strings.TrimSpace(s) == "" {
		return AllTypes, nil
	}
	var out []EventType
	for _, name := range strings.Split(s, ",") {
		t := EventType(strings.ToUpper(strings.TrimSpace(name)))
		if !known(t) {
			return nil, fmt.Errorf("unknown event type %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}

func known(t EventType) bool {
	for _, a := range AllTypes {
		if a == t {
			return true
		}
	}
	return false
}

// Event carries data from a published event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]string
}

// Env returns the environment the event is about, if it names one.
func (e Event) Env() (uapi.EnvID, bool) {
	s, ok := e.Data["env"]
	if !ok {
		return 0, false
	}
	id, err := uapi.ParseEnvID(s)
	if err != nil {
		return 0, false
	}
	return id, true
}

// HandlerFunc processes an event.
type HandlerFunc func(Event)

// subscription tracks a single subscriber.
type subscription struct {
	id      uint64
	handler HandlerFunc
}

// Bus is the central event dispatcher. It is safe for concurrent use.
// When no subscribers exist, Publish is a no-op with zero allocations.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[EventType][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for the given event type.
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) Subscribe(eventType EventType, handler HandlerFunc) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{
		id:      id,
		handler: handler,
	})
	return id
}

// SubscribeTypes registers handler for each of types and returns the
// subscription IDs in the same order.
func (b *Bus) SubscribeTypes(types []EventType, handler HandlerFunc) []uint64 {
	ids := make([]uint64, 0, len(types))
	for _, t := range types {
		ids = append(ids, b.Subscribe(t, handler))
	}
	return ids
}

// UnsubscribeAll removes every subscription in ids.
func (b *Bus) UnsubscribeAll(ids []uint64) {
	for _, id := range ids {
		b.Unsubscribe(id)
	}
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				if len(b.subs[eventType]) == 0 {
					delete(b.subs, eventType)
				}
				return
			}
		}
	}
}

// Publish dispatches an event to all subscribers of the event type.
// Handlers are called synchronously in registration order.
// A panicking handler is recovered and logged; remaining handlers
// still execute.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subs[event.Type]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	// Copy the slice so we can release the lock before calling handlers.
	handlers := make([]subscription, len(subs))
	copy(handlers, subs)
	b.mu.RUnlock()

	for _, s := range handlers {
		b.safeCall(s.handler, event)
	}
}

func (b *Bus) safeCall(handler HandlerFunc, event Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}
	}()
	handler(event)
}

// SubscriberCount returns the number of subscribers for an event type.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Ticker publishes one event type at a fixed period. Call Stop to shut
// it down.
type Ticker struct {
	bus    *Bus
	typ    EventType
	period time.Duration
	stopCh chan struct{}
	done   chan struct{}
}

// NewTicker starts publishing typ every period.
func NewTicker(bus *Bus, typ EventType, period time.Duration) *Ticker {
	t := &Ticker{
		bus:    bus,
		typ:    typ,
		period: period,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Ticker) run() {
	defer close(t.done)

	tick := time.NewTicker(t.period)
	defer tick.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case now := <-tick.C:
			t.bus.Publish(Event{
				Type:      t.typ,
				Timestamp: now,
				Data:      map[string]string{"period": t.period.String()},
			})
		}
	}
}

// Stop terminates the ticker goroutine and waits for it to finish.
func (t *Ticker) Stop() {
	close(t.stopCh)
	<-t.done
}
