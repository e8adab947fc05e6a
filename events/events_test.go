package events_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/apcore/apcore/events"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(1)

	bus.Subscribe(events.TypeModuleStarted, func(ev *events.Event) {
		defer wg.Done()
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.ModuleID)
	})

	bus.Publish(&events.Event{Type: events.TypeModuleStarted, ModuleID: "m1"})

	waitOrTimeout(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m1"}, got)
}

func TestBus_GlobalListenerSeesEverything(t *testing.T) {
	bus := events.NewBus()
	var wg sync.WaitGroup
	wg.Add(2)
	var mu sync.Mutex
	seen := 0

	bus.SubscribeAll(func(ev *events.Event) {
		defer wg.Done()
		mu.Lock()
		seen++
		mu.Unlock()
	})

	bus.Publish(&events.Event{Type: events.TypeModuleStarted})
	bus.Publish(&events.Event{Type: events.TypeModuleCompleted})

	waitOrTimeout(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, seen)
}

func TestBus_ListenerPanicDoesNotPropagate(t *testing.T) {
	bus := events.NewBus()
	var wg sync.WaitGroup
	wg.Add(1)

	bus.Subscribe(events.TypeModuleFailed, func(ev *events.Event) {
		defer wg.Done()
		panic("boom")
	})

	assert.NotPanics(t, func() {
		bus.Publish(&events.Event{Type: events.TypeModuleFailed})
		waitOrTimeout(t, &wg)
	})
}

func TestEmitter_StampsTraceID(t *testing.T) {
	bus := events.NewBus()
	var wg sync.WaitGroup
	wg.Add(1)
	var got *events.Event

	bus.Subscribe(events.TypeModuleStarted, func(ev *events.Event) {
		defer wg.Done()
		got = ev
	})

	emitter := events.NewEmitter(bus, "trace-1")
	emitter.ModuleStarted("weather__forecast")

	waitOrTimeout(t, &wg)
	assert.Equal(t, "trace-1", got.TraceID)
	assert.Equal(t, "weather__forecast", got.ModuleID)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event listener")
	}
}
