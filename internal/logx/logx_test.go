package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/tabmux/schema"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithSessionTabAddsFields(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	log := WithSessionTab(ctx, schema.SessionID("s1"), schema.TabID("t1"))
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["session"] != "s1" {
		t.Fatalf("expected session field, got %+v", entry)
	}
	if entry["tab"] != "t1" {
		t.Fatalf("expected tab field, got %+v", entry)
	}
}

func TestWithSessionTabSkipsEmptyTab(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	log := WithSessionTab(ctx, schema.SessionID("s1"), "")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["session"] != "s1" {
		t.Fatalf("expected session field, got %+v", entry)
	}
	if _, ok := entry["tab"]; ok {
		t.Fatalf("did not expect tab field, got %+v", entry)
	}
}

func TestMarkersSuppressReannotation(t *testing.T) {
	capture := &logCapture{}
	logger := newCaptureLogger(capture).With("session", "s1").With("tab", "t1")
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	ctx = ContextWithSession(ctx, schema.SessionID("s1"))
	ctx = ContextWithTab(ctx, schema.TabID("t1"))

	log := WithSessionTab(ctx, schema.SessionID("s1"), schema.TabID("t1"))
	log.Info("hello")

	line := capture.firstLine(t)
	if bytes.Count(line, []byte(`"session"`)) != 1 {
		t.Fatalf("expected session once, got %s", line)
	}
	if bytes.Count(line, []byte(`"tab"`)) != 1 {
		t.Fatalf("expected tab once, got %s", line)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstLine(t *testing.T) []byte {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	return bytes.TrimSpace(data[:idx])
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	entry := map[string]any{}
	if err := json.Unmarshal(c.firstLine(t), &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
