package agenthub

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/tabmux/schema"
)

type recordingRegistry struct {
	registered chan schema.TabSnapshot
	updated    chan schema.TabUpdate
	touched    chan schema.TabID
	removed    chan schema.TabID
}

func newRecordingRegistry() *recordingRegistry {
	return &recordingRegistry{
		registered: make(chan schema.TabSnapshot, 8),
		updated:    make(chan schema.TabUpdate, 8),
		touched:    make(chan schema.TabID, 8),
		removed:    make(chan schema.TabID, 8),
	}
}

func (r *recordingRegistry) Register(tab schema.TabSnapshot) { r.registered <- tab }
func (r *recordingRegistry) Update(tabID schema.TabID, update schema.TabUpdate) bool {
	r.updated <- update
	return true
}
func (r *recordingRegistry) Touch(tabID schema.TabID)       { r.touched <- tabID }
func (r *recordingRegistry) Remove(tabID schema.TabID) bool { r.removed <- tabID; return true }

type recordingSink struct {
	responses chan schema.ResponseMessage
	failures  chan schema.TabID
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		responses: make(chan schema.ResponseMessage, 8),
		failures:  make(chan schema.TabID, 8),
	}
}

func (s *recordingSink) HandleResponse(resp schema.ResponseMessage) { s.responses <- resp }
func (s *recordingSink) FailTab(tabID schema.TabID, cause error)    { s.failures <- tabID }

func dialAgent(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return ws
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestRegisterAndSendCommand(t *testing.T) {
	reg := newRecordingRegistry()
	sink := newRecordingSink()
	hub := New(reg, nil)
	hub.SetResponseSink(sink)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dialAgent(t, srv.URL)
	defer ws.Close()

	err := ws.WriteJSON(schema.RegisterMessage{
		Type:  schema.MessageRegister,
		TabID: "t1",
		URL:   "https://a.test",
		Title: "A",
	})
	if err != nil {
		t.Fatalf("register write failed: %v", err)
	}
	tab := recv(t, reg.registered, "register")
	if tab.ID != "t1" || tab.URL != "https://a.test" {
		t.Fatalf("unexpected registration: %+v", tab)
	}

	if err := hub.SendCommand("t1", schema.CommandMessage{
		ID:      7,
		Type:    schema.MessageCommand,
		Command: "navigate",
		Params:  json.RawMessage(`{"url":"https://b.test"}`),
	}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	var got schema.CommandMessage
	if err := ws.ReadJSON(&got); err != nil {
		t.Fatalf("agent read failed: %v", err)
	}
	if got.ID != 7 || got.Command != "navigate" {
		t.Fatalf("unexpected command frame: %+v", got)
	}
}

func TestSendCommandUnknownTabFailsFast(t *testing.T) {
	hub := New(newRecordingRegistry(), nil)
	err := hub.SendCommand("ghost", schema.CommandMessage{ID: 1})
	if !errors.Is(err, schema.ErrTabNotConnected) {
		t.Fatalf("expected tab not connected, got %v", err)
	}
}

func TestResponseFramesReachSink(t *testing.T) {
	reg := newRecordingRegistry()
	sink := newRecordingSink()
	hub := New(reg, nil)
	hub.SetResponseSink(sink)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dialAgent(t, srv.URL)
	defer ws.Close()

	_ = ws.WriteJSON(schema.RegisterMessage{Type: schema.MessageRegister, TabID: "t1"})
	recv(t, reg.registered, "register")

	_ = ws.WriteJSON(schema.ResponseMessage{
		ID:      42,
		Type:    schema.MessageResponse,
		Success: true,
	})
	resp := recv(t, sink.responses, "response")
	if resp.ID != 42 || !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestConsoleFramesAreDemultiplexed(t *testing.T) {
	reg := newRecordingRegistry()
	hub := New(reg, nil)
	events := make(chan schema.ConsoleEvent, 1)
	hub.SetConsoleSink(func(event schema.ConsoleEvent) { events <- event })
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dialAgent(t, srv.URL)
	defer ws.Close()

	_ = ws.WriteJSON(schema.RegisterMessage{Type: schema.MessageRegister, TabID: "t1"})
	recv(t, reg.registered, "register")

	_ = ws.WriteJSON(schema.ConsoleMessage{
		Type:    schema.MessageConsole,
		Level:   "error",
		Message: "boom",
	})
	event := recv(t, events, "console event")
	if event.TabID != "t1" {
		t.Fatalf("expected console event attributed to tab, got %+v", event)
	}
	if event.Level != "error" || event.Message != "boom" {
		t.Fatalf("unexpected console payload: %+v", event)
	}
	if event.Timestamp.IsZero() {
		t.Fatalf("expected console event timestamp")
	}
}

func TestPingTouchesWithoutUpdate(t *testing.T) {
	reg := newRecordingRegistry()
	hub := New(reg, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dialAgent(t, srv.URL)
	defer ws.Close()

	_ = ws.WriteJSON(schema.RegisterMessage{Type: schema.MessageRegister, TabID: "t1"})
	recv(t, reg.registered, "register")

	_ = ws.WriteJSON(schema.PingMessage{Type: schema.MessagePing, TabID: "t1"})
	if got := recv(t, reg.touched, "touch"); got != "t1" {
		t.Fatalf("expected touch for t1, got %v", got)
	}
	select {
	case update := <-reg.updated:
		t.Fatalf("heartbeat must not fire update, got %+v", update)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectRemovesTabAndFailsPending(t *testing.T) {
	reg := newRecordingRegistry()
	sink := newRecordingSink()
	hub := New(reg, nil)
	hub.SetResponseSink(sink)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dialAgent(t, srv.URL)
	_ = ws.WriteJSON(schema.RegisterMessage{Type: schema.MessageRegister, TabID: "t1"})
	recv(t, reg.registered, "register")

	ws.Close()

	if got := recv(t, reg.removed, "remove"); got != "t1" {
		t.Fatalf("expected removal of t1, got %v", got)
	}
	if got := recv(t, sink.failures, "fail sweep"); got != "t1" {
		t.Fatalf("expected pending sweep for t1, got %v", got)
	}
	if err := hub.SendCommand("t1", schema.CommandMessage{ID: 1}); !errors.Is(err, schema.ErrTabNotConnected) {
		t.Fatalf("expected send to fail after disconnect, got %v", err)
	}
}

func TestReRegisterRefreshesMetadata(t *testing.T) {
	reg := newRecordingRegistry()
	hub := New(reg, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dialAgent(t, srv.URL)
	defer ws.Close()

	_ = ws.WriteJSON(schema.RegisterMessage{Type: schema.MessageRegister, TabID: "t1", URL: "https://a.test"})
	recv(t, reg.registered, "register")

	_ = ws.WriteJSON(schema.RegisterMessage{Type: schema.MessageRegister, TabID: "t1", URL: "https://b.test"})
	update := recv(t, reg.updated, "update")
	if update.URL == nil || *update.URL != "https://b.test" {
		t.Fatalf("expected refreshed url, got %+v", update)
	}
}

func TestSecondConnectionSupersedesFirst(t *testing.T) {
	reg := newRecordingRegistry()
	sink := newRecordingSink()
	hub := New(reg, nil)
	hub.SetResponseSink(sink)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	first := dialAgent(t, srv.URL)
	defer first.Close()
	_ = first.WriteJSON(schema.RegisterMessage{Type: schema.MessageRegister, TabID: "t1", URL: "https://a.test"})
	recv(t, reg.registered, "first register")

	second := dialAgent(t, srv.URL)
	defer second.Close()
	_ = second.WriteJSON(schema.RegisterMessage{Type: schema.MessageRegister, TabID: "t1", URL: "https://a.test"})
	recv(t, reg.registered, "second register")

	// The stale connection is closed out from under the first agent.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatalf("expected first connection to be closed")
	}

	// The replacement owns the tab: no removal, no pending sweep.
	select {
	case got := <-reg.removed:
		t.Fatalf("supersede must not remove the tab, got %v", got)
	case got := <-sink.failures:
		t.Fatalf("supersede must not fail pending commands, got %v", got)
	case <-time.After(100 * time.Millisecond):
	}
	if n := hub.ConnCount(); n != 1 {
		t.Fatalf("expected one live connection, got %d", n)
	}

	if err := hub.SendCommand("t1", schema.CommandMessage{
		ID:      3,
		Type:    schema.MessageCommand,
		Command: "query",
	}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	var got schema.CommandMessage
	if err := second.ReadJSON(&got); err != nil {
		t.Fatalf("replacement read failed: %v", err)
	}
	if got.ID != 3 || got.Command != "query" {
		t.Fatalf("unexpected command frame: %+v", got)
	}
}
