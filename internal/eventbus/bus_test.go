package eventbus

import (
	"sync"
	"testing"
	"time"

	"pkt.systems/tabmux/schema"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()

	event := schema.TabEvent{
		Type: schema.TabConnected,
		Tab:  schema.TabSnapshot{ID: "t1", URL: "https://a.test"},
	}
	bus.OnTabEvent(event)

	select {
	case got := <-ch:
		if got.Type != EventTab {
			t.Fatalf("expected tab event, got %v", got.Type)
		}
		if got.Tab.Type != schema.TabConnected || got.Tab.Tab.ID != "t1" {
			t.Fatalf("unexpected payload: %+v", got.Tab)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
}

func TestConsoleEvent(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.OnConsole(schema.ConsoleEvent{TabID: "t1", Level: "warn", Message: "boom"})

	select {
	case got := <-ch:
		if got.Type != EventConsole {
			t.Fatalf("expected console event, got %v", got.Type)
		}
		if got.Console.Level != "warn" || got.Console.Message != "boom" {
			t.Fatalf("unexpected payload: %+v", got.Console)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
}

func TestPublishRacingUnsubscribe(t *testing.T) {
	bus := New(nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				bus.OnTabEvent(schema.TabEvent{Type: schema.TabUpdated})
			}
		}()
	}

	for i := 0; i < 20000; i++ {
		_, cancel := bus.Subscribe()
		cancel()
		cancel()
	}
	close(stop)
	wg.Wait()
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	bus := New(nil)
	bus.depth = 1
	ch, cancel := bus.Subscribe()
	defer cancel()
	_ = ch

	var sendCh chan Event
	bus.mu.Lock()
	for sub := range bus.subs {
		sendCh = sub
		break
	}
	bus.mu.Unlock()
	if sendCh == nil {
		t.Fatalf("expected subscriber channel")
	}
	sendCh <- Event{Type: EventTab}
	done := make(chan struct{})
	go func() {
		bus.OnTabEvent(schema.TabEvent{Type: schema.TabUpdated})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("publish blocked on full channel")
	}
}
