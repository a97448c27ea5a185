package events

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus(testLogger())
	var received Event
	bus.Subscribe(EnvRunnable, func(e Event) {
		received = e
	})

	bus.Publish(Event{
		Type: EnvRunnable,
		Data: map[string]string{"env": "00001000", "parent": "00000000"},
	})

	if received.Type != EnvRunnable {
		t.Fatalf("expected %s, got %s", EnvRunnable, received.Type)
	}
	if received.Data["env"] != "00001000" {
		t.Fatalf("expected env=00001000, got %s", received.Data["env"])
	}
	if received.Timestamp.IsZero() {
		t.Fatal("expected non-zero timestamp")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(testLogger())
	var count int
	bus.Subscribe(FaultFatal, func(e Event) { count++ })
	bus.Subscribe(FaultFatal, func(e Event) { count++ })
	bus.Subscribe(FaultFatal, func(e Event) { count++ })

	bus.Publish(Event{Type: FaultFatal})

	if count != 3 {
		t.Fatalf("expected 3 notifications, got %d", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(testLogger())
	var count int
	id := bus.Subscribe(EnvDestroyed, func(e Event) { count++ })

	bus.Publish(Event{Type: EnvDestroyed})
	if count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}

	bus.Unsubscribe(id)
	bus.Publish(Event{Type: EnvDestroyed})
	if count != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestUnsubscribeNonexistent(t *testing.T) {
	bus := NewBus(testLogger())
	// Should not panic.
	bus.Unsubscribe(9999)
}

func TestPanicRecovery(t *testing.T) {
	bus := NewBus(testLogger())
	var afterPanic bool

	bus.Subscribe(FaultFatal, func(e Event) {
		panic("test panic")
	})
	bus.Subscribe(FaultFatal, func(e Event) {
		afterPanic = true
	})

	bus.Publish(Event{Type: FaultFatal})

	if !afterPanic {
		t.Fatal("handler after panic was not called")
	}
}

func TestNoSubscribersNoAlloc(t *testing.T) {
	bus := NewBus(testLogger())

	// Publish to an event type with no subscribers.
	// Should return immediately without allocating.
	bus.Publish(Event{Type: EnvRunnable})
	// If we get here without panic, the test passes.
}

func TestDifferentEventTypes(t *testing.T) {
	bus := NewBus(testLogger())
	var runningCount, stoppedCount int

	bus.Subscribe(EnvRunnable, func(e Event) { runningCount++ })
	bus.Subscribe(EnvCreated, func(e Event) { stoppedCount++ })

	bus.Publish(Event{Type: EnvRunnable})
	bus.Publish(Event{Type: EnvRunnable})
	bus.Publish(Event{Type: EnvCreated})

	if runningCount != 2 {
		t.Fatalf("expected 2 running events, got %d", runningCount)
	}
	if stoppedCount != 1 {
		t.Fatalf("expected 1 stopped event, got %d", stoppedCount)
	}
}

func TestOrderedDelivery(t *testing.T) {
	bus := NewBus(testLogger())
	var order []int

	for i := range 1000 {
		bus.Subscribe(EnvRunnable, func(e Event) {
			order = append(order, i)
		})
	}

	bus.Publish(Event{Type: EnvRunnable})

	if len(order) != 1000 {
		t.Fatalf("expected 1000, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("out of order at index %d: got %d", i, v)
		}
	}
}

func TestConcurrentSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus(testLogger())
	var wg sync.WaitGroup

	// Concurrent subscribe/unsubscribe from multiple goroutines.
	for range 50 {
		wg.Go(func() {
			id := bus.Subscribe(EnvRunnable, func(e Event) {})
			bus.Publish(Event{Type: EnvRunnable})
			bus.Unsubscribe(id)
		})
	}
	wg.Wait()
}

func TestSubscriberCount(t *testing.T) {
	bus := NewBus(testLogger())
	if bus.SubscriberCount(EnvRunnable) != 0 {
		t.Fatal("expected 0 subscribers")
	}

	id1 := bus.Subscribe(EnvRunnable, func(e Event) {})
	id2 := bus.Subscribe(EnvRunnable, func(e Event) {})
	if bus.SubscriberCount(EnvRunnable) != 2 {
		t.Fatalf("expected 2, got %d", bus.SubscriberCount(EnvRunnable))
	}

	bus.Unsubscribe(id1)
	if bus.SubscriberCount(EnvRunnable) != 1 {
		t.Fatalf("expected 1, got %d", bus.SubscriberCount(EnvRunnable))
	}

	bus.Unsubscribe(id2)
	if bus.SubscriberCount(EnvRunnable) != 0 {
		t.Fatalf("expected 0, got %d", bus.SubscriberCount(EnvRunnable))
	}
}

func TestAllTypesDelivered(t *testing.T) {
	bus := NewBus(testLogger())
	received := make(map[EventType]bool)
	var mu sync.Mutex

	for _, et := range AllTypes {
		bus.Subscribe(et, func(e Event) {
			mu.Lock()
			received[e.Type] = true
			mu.Unlock()
		})
	}

	for _, et := range AllTypes {
		bus.Publish(Event{Type: et, Data: map[string]string{"env": "00001000"}})
	}

	for _, et := range AllTypes {
		if !received[et] {
			t.Errorf("event type %s not received", et)
		}
	}
}

func TestForkEventData(t *testing.T) {
	bus := NewBus(testLogger())
	var got Event

	bus.Subscribe(ForkCompleted, func(e Event) { got = e })
	bus.Publish(Event{
		Type: ForkCompleted,
		Data: map[string]string{"parent": "00001000", "child": "00001001", "variant": "cow"},
	})

	if got.Data["child"] != "00001001" {
		t.Fatalf("expected child=00001001, got %s", got.Data["child"])
	}
	if got.Data["variant"] != "cow" {
		t.Fatalf("expected variant=cow, got %s", got.Data["variant"])
	}
}

func TestTickerPublishesAndStops(t *testing.T) {
	bus := NewBus(testLogger())
	var count atomic.Int64
	var period atomic.Value
	bus.Subscribe(Tick60, func(e Event) {
		period.Store(e.Data["period"])
		count.Add(1)
	})

	ticker := NewTicker(bus, Tick60, 10*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for count.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ticker.Stop()
	if count.Load() < 2 {
		t.Fatalf("got %d ticks", count.Load())
	}
	if p, _ := period.Load().(string); p != "10ms" {
		t.Fatalf("period = %q", p)
	}

	before := count.Load()
	time.Sleep(50 * time.Millisecond)
	if count.Load() != before {
		t.Fatal("ticker continued after Stop()")
	}
}

func TestParseTypes(t *testing.T) {
	all, err := ParseTypes("")
	if err != nil || len(all) != len(AllTypes) {
		t.Fatalf("empty list: %v, %v", all, err)
	}

	got, err := ParseTypes(" fork_completed,FAULT_FATAL ")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != ForkCompleted || got[1] != FaultFatal {
		t.Fatalf("got %v", got)
	}

	if _, err := ParseTypes("FORK_COMPLETED,PROCESS_STATE_RUNNING"); err == nil {
		t.Fatal("expected error for unknown type")
	}
	// Ticks are internal and cannot be streamed.
	if _, err := ParseTypes("TICK_60"); err == nil {
		t.Fatal("expected error for tick type")
	}
}

func TestSubscribeTypes(t *testing.T) {
	bus := NewBus(testLogger())
	var seen []EventType
	ids := bus.SubscribeTypes([]EventType{EnvCreated, EnvDestroyed}, func(e Event) {
		seen = append(seen, e.Type)
	})
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}

	bus.Publish(Event{Type: EnvCreated})
	bus.Publish(Event{Type: ForkCompleted})
	bus.Publish(Event{Type: EnvDestroyed})
	if len(seen) != 2 || seen[0] != EnvCreated || seen[1] != EnvDestroyed {
		t.Fatalf("seen = %v", seen)
	}

	bus.UnsubscribeAll(ids)
	if bus.SubscriberCount(EnvCreated) != 0 || bus.SubscriberCount(EnvDestroyed) != 0 {
		t.Fatal("subscriptions left behind")
	}
}

func TestEventEnv(t *testing.T) {
	id, ok := Event{Data: map[string]string{"env": "00001001"}}.Env()
	if !ok || id != 0x1001 {
		t.Fatalf("Env() = %v, %v", id, ok)
	}
	if _, ok := (Event{Data: map[string]string{"env": "zz"}}).Env(); ok {
		t.Fatal("bad id accepted")
	}
	if _, ok := (Event{}).Env(); ok {
		t.Fatal("missing id accepted")
	}
}

func TestEventTimestampAutoSet(t *testing.T) {
	bus := NewBus(testLogger())
	var received Event
	bus.Subscribe(EnvRunnable, func(e Event) { received = e })

	before := time.Now()
	bus.Publish(Event{Type: EnvRunnable})

	if received.Timestamp.Before(before) {
		t.Fatal("timestamp should not be before publish time")
	}
}

func TestEventTimestampPreserved(t *testing.T) {
	bus := NewBus(testLogger())
	var received Event
	bus.Subscribe(EnvRunnable, func(e Event) { received = e })

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bus.Publish(Event{Type: EnvRunnable, Timestamp: ts})

	if !received.Timestamp.Equal(ts) {
		t.Fatalf("expected preserved timestamp, got %v", received.Timestamp)
	}
}
