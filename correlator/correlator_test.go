package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/tabmux/schema"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []schema.CommandMessage
	err    error
	onSend func(schema.CommandMessage)
}

func (f *fakeSender) SendCommand(tabID schema.TabID, msg schema.CommandMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	cb := f.onSend
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if cb != nil {
		cb(msg)
	}
	return nil
}

func (f *fakeSender) last() schema.CommandMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return schema.CommandMessage{}
	}
	return f.sent[len(f.sent)-1]
}

type fakeSink struct {
	mu      sync.Mutex
	updates map[schema.TabID]schema.TabUpdate
}

func newFakeSink() *fakeSink {
	return &fakeSink{updates: make(map[schema.TabID]schema.TabUpdate)}
}

func (f *fakeSink) Update(tabID schema.TabID, update schema.TabUpdate) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[tabID] = update
	return true
}

func TestExecuteSettlesOnResponse(t *testing.T) {
	sender := &fakeSender{}
	corr := New(sender, nil, nil)
	sender.onSend = func(msg schema.CommandMessage) {
		go corr.HandleResponse(schema.ResponseMessage{
			ID:      msg.ID,
			Type:    schema.MessageResponse,
			Success: true,
			Result:  json.RawMessage(`{"ok":true}`),
		})
	}

	resp, err := corr.Execute(context.Background(), "t1", "navigate", json.RawMessage(`{"url":"https://b.test"}`), time.Second)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success")
	}
	if corr.Pending() != 0 {
		t.Fatalf("expected no pending entries, got %d", corr.Pending())
	}
}

func TestExecuteTimesOutPromptly(t *testing.T) {
	corr := New(&fakeSender{}, nil, nil)

	start := time.Now()
	_, err := corr.Execute(context.Background(), "t1", "click", json.RawMessage(`{"selector":"#go"}`), 50*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, schema.ErrCommandTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
	if !strings.Contains(err.Error(), "#go") {
		t.Fatalf("expected selector in timeout error, got %q", err)
	}
	if corr.Pending() != 0 {
		t.Fatalf("expected pending table cleared")
	}
}

func TestSendFailureLeavesNoPendingEntry(t *testing.T) {
	sender := &fakeSender{err: schema.ErrTabNotConnected}
	corr := New(sender, nil, nil)

	_, err := corr.Execute(context.Background(), "ghost", "click", nil, time.Second)
	if !errors.Is(err, schema.ErrTabNotConnected) {
		t.Fatalf("expected tab not connected, got %v", err)
	}
	if corr.Pending() != 0 {
		t.Fatalf("expected no leaked pending entry")
	}
}

func TestLateResponseIsNoOp(t *testing.T) {
	corr := New(&fakeSender{}, nil, nil)
	_, err := corr.Execute(context.Background(), "t1", "click", nil, 20*time.Millisecond)
	if !errors.Is(err, schema.ErrCommandTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	// The id that just timed out must be a discard, not a double resolve.
	corr.HandleResponse(schema.ResponseMessage{ID: 1, Success: true})
	corr.HandleResponse(schema.ResponseMessage{ID: 9999, Success: true})
}

func TestResponseMetadataFlowsToRegistry(t *testing.T) {
	sender := &fakeSender{}
	sink := newFakeSink()
	corr := New(sender, sink, nil)
	sender.onSend = func(msg schema.CommandMessage) {
		go corr.HandleResponse(schema.ResponseMessage{
			ID:      msg.ID,
			Success: true,
			URL:     "https://b.test",
			Title:   "B",
		})
	}

	if _, err := corr.Execute(context.Background(), "t1", "navigate", nil, time.Second); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	sink.mu.Lock()
	update, ok := sink.updates["t1"]
	sink.mu.Unlock()
	if !ok {
		t.Fatalf("expected registry update")
	}
	if update.URL == nil || *update.URL != "https://b.test" {
		t.Fatalf("expected refreshed url, got %+v", update)
	}
	if update.Title == nil || *update.Title != "B" {
		t.Fatalf("expected refreshed title, got %+v", update)
	}
}

func TestFailedResponseDoesNotUpdateRegistry(t *testing.T) {
	sender := &fakeSender{}
	sink := newFakeSink()
	corr := New(sender, sink, nil)
	sender.onSend = func(msg schema.CommandMessage) {
		go corr.HandleResponse(schema.ResponseMessage{
			ID:    msg.ID,
			URL:   "https://b.test",
			Error: &schema.AgentError{Message: "element not found"},
		})
	}

	resp, err := corr.Execute(context.Background(), "t1", "click", nil, time.Second)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if resp.Success {
		t.Fatalf("expected agent failure to be relayed")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.updates) != 0 {
		t.Fatalf("failed response must not refresh metadata")
	}
}

func TestFailTabSettlesPendingEntries(t *testing.T) {
	corr := New(&fakeSender{}, nil, nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := corr.Execute(context.Background(), "t1", "wait_for", json.RawMessage(`{"selector":".late"}`), 5*time.Second)
		errCh <- err
	}()
	for corr.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}

	corr.FailTab("t1", schema.ErrTabNotConnected)

	select {
	case err := <-errCh:
		if !errors.Is(err, schema.ErrTabNotConnected) {
			t.Fatalf("expected disconnect failure, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pending entry never settled after disconnect")
	}
	if corr.Pending() != 0 {
		t.Fatalf("expected pending table cleared")
	}
}

func TestCloseRejectsAllAndRefusesNewWork(t *testing.T) {
	corr := New(&fakeSender{}, nil, nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := corr.Execute(context.Background(), "t1", "click", nil, 5*time.Second)
		errCh <- err
	}()
	for corr.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}

	corr.Close(nil)

	select {
	case err := <-errCh:
		if !errors.Is(err, schema.ErrShuttingDown) {
			t.Fatalf("expected shutdown error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pending entry never settled on close")
	}
	if _, err := corr.Execute(context.Background(), "t1", "click", nil, time.Second); !errors.Is(err, schema.ErrShuttingDown) {
		t.Fatalf("expected new work to be refused, got %v", err)
	}
}

func TestCommandIDsAreFreshWhilePending(t *testing.T) {
	sender := &fakeSender{}
	corr := New(sender, nil, nil)
	seen := make(map[schema.CommandID]bool)
	var mu sync.Mutex
	sender.onSend = func(msg schema.CommandMessage) {
		mu.Lock()
		if seen[msg.ID] {
			t.Errorf("command id %d reused", msg.ID)
		}
		seen[msg.ID] = true
		mu.Unlock()
		go corr.HandleResponse(schema.ResponseMessage{ID: msg.ID, Success: true})
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = corr.Execute(context.Background(), "t1", "query", nil, time.Second)
		}()
	}
	wg.Wait()
	if len(sender.sent) != 20 {
		t.Fatalf("expected 20 sends, got %d", len(sender.sent))
	}
}
