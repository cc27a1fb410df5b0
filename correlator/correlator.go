// Package correlator matches outbound command envelopes to tab agent
// responses. It is the single synchronization point between client-facing
// calls and asynchronous agent replies.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabmux/internal/logx"
	"pkt.systems/tabmux/schema"
)

// DefaultTimeout bounds a command when the caller supplies none. This is a
// human-interaction-speed system; deadlines are seconds, not hours.
const DefaultTimeout = 30 * time.Second

// Sender delivers a command envelope to a connected tab agent. It must
// fail synchronously when no live connection exists for the tab id.
type Sender interface {
	SendCommand(tabID schema.TabID, msg schema.CommandMessage) error
}

// MetadataSink receives refreshed page metadata extracted from responses.
type MetadataSink interface {
	Update(tabID schema.TabID, update schema.TabUpdate) bool
}

type settled struct {
	resp schema.ResponseMessage
	err  error
}

type pending struct {
	tabID  schema.TabID
	target string
	done   chan settled
	timer  *time.Timer
}

// Correlator owns the pending command table. At most one entry exists per
// command id; settlement removes the entry atomically so a late response
// can never double-resolve.
type Correlator struct {
	sender         Sender
	registry       MetadataSink
	log            pslog.Logger
	defaultTimeout time.Duration

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[schema.CommandID]*pending
	closed  bool
}

// New constructs a Correlator sending through sender and feeding refreshed
// metadata into registry. Either may be nil in tests.
func New(sender Sender, registry MetadataSink, logger pslog.Logger) *Correlator {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Correlator{
		sender:         sender,
		registry:       registry,
		log:            logger,
		defaultTimeout: DefaultTimeout,
		pending:        make(map[schema.CommandID]*pending),
	}
}

// Execute sends command to the tab agent and blocks until the correlated
// response arrives or the deadline elapses. A send failure reports
// synchronously and leaves no pending state behind.
func (c *Correlator) Execute(ctx context.Context, tabID schema.TabID, command string, params json.RawMessage, timeout time.Duration) (schema.ResponseMessage, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	id := schema.CommandID(c.nextID.Add(1))
	target := describeTarget(command, params)
	log := logx.WithTab(ctx, tabID).With("command", command, "command_id", id)

	entry := &pending{
		tabID:  tabID,
		target: target,
		done:   make(chan settled, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return schema.ResponseMessage{}, schema.ErrShuttingDown
	}
	c.pending[id] = entry
	entry.timer = time.AfterFunc(timeout, func() {
		c.expire(id, timeout)
	})
	c.mu.Unlock()

	msg := schema.CommandMessage{
		ID:      id,
		Type:    schema.MessageCommand,
		Command: command,
		Params:  params,
	}
	if err := c.sender.SendCommand(tabID, msg); err != nil {
		c.remove(id)
		log.Warn("correlator send failed", "err", err)
		return schema.ResponseMessage{}, err
	}
	log.Debug("correlator command sent", "timeout", timeout, "target", target)

	select {
	case result := <-entry.done:
		if result.err != nil {
			log.Warn("correlator command failed", "err", result.err)
			return schema.ResponseMessage{}, result.err
		}
		log.Debug("correlator command settled", "success", result.resp.Success)
		return result.resp, nil
	case <-ctx.Done():
		c.remove(id)
		log.Debug("correlator command canceled", "err", ctx.Err())
		return schema.ResponseMessage{}, ctx.Err()
	}
}

// HandleResponse settles the pending entry matching resp.ID. A response
// for an id that already timed out, or that was never issued, is logged
// and discarded; the caller has already moved on.
func (c *Correlator) HandleResponse(resp schema.ResponseMessage) {
	entry, ok := c.take(resp.ID)
	if !ok {
		c.log.Debug("correlator response for unknown id discarded", "command_id", resp.ID)
		return
	}
	if resp.Success && (resp.URL != "" || resp.Title != "") && c.registry != nil {
		update := schema.TabUpdate{}
		if resp.URL != "" {
			url := resp.URL
			update.URL = &url
		}
		if resp.Title != "" {
			title := resp.Title
			update.Title = &title
		}
		c.registry.Update(entry.tabID, update)
	}
	entry.done <- settled{resp: resp}
}

// FailTab rejects every pending entry targeting tabID. Called from the
// transport layer when an agent connection drops, so waiters fail fast
// instead of riding out their deadlines.
func (c *Correlator) FailTab(tabID schema.TabID, cause error) {
	c.mu.Lock()
	var failed []*pending
	for id, entry := range c.pending {
		if entry.tabID == tabID {
			delete(c.pending, id)
			entry.timer.Stop()
			failed = append(failed, entry)
		}
	}
	c.mu.Unlock()
	if len(failed) == 0 {
		return
	}
	c.log.Info("correlator failing pending commands", "tab", tabID, "count", len(failed))
	for _, entry := range failed {
		entry.done <- settled{err: fmt.Errorf("tab %s disconnected: %w", tabID, cause)}
	}
}

// Close rejects and clears all pending entries and refuses new work.
func (c *Correlator) Close(cause error) {
	if cause == nil {
		cause = schema.ErrShuttingDown
	}
	c.mu.Lock()
	c.closed = true
	entries := make([]*pending, 0, len(c.pending))
	for id, entry := range c.pending {
		delete(c.pending, id)
		entry.timer.Stop()
		entries = append(entries, entry)
	}
	c.mu.Unlock()
	if len(entries) > 0 {
		c.log.Info("correlator rejecting pending commands on close", "count", len(entries))
	}
	for _, entry := range entries {
		entry.done <- settled{err: cause}
	}
}

// Pending reports the number of in-flight command envelopes.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) expire(id schema.CommandID, timeout time.Duration) {
	entry, ok := c.take(id)
	if !ok {
		return
	}
	err := fmt.Errorf("%w after %s targeting %s", schema.ErrCommandTimeout, timeout, entry.target)
	entry.done <- settled{err: err}
}

func (c *Correlator) take(id schema.CommandID) (*pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)
	entry.timer.Stop()
	return entry, true
}

func (c *Correlator) remove(id schema.CommandID) {
	c.mu.Lock()
	if entry, ok := c.pending[id]; ok {
		delete(c.pending, id)
		entry.timer.Stop()
	}
	c.mu.Unlock()
}

// describeTarget names what a command was aimed at, so timeout failures
// read like "element never appeared" diagnostics instead of bare ids.
func describeTarget(command string, params json.RawMessage) string {
	if len(params) == 0 {
		return command
	}
	var fields struct {
		Selector string `json:"selector"`
		URL      string `json:"url"`
		Key      string `json:"key"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal(params, &fields); err != nil {
		return command
	}
	switch {
	case fields.Selector != "":
		return fmt.Sprintf("%s selector %q", command, fields.Selector)
	case fields.URL != "":
		return fmt.Sprintf("%s url %q", command, fields.URL)
	case fields.Key != "":
		return fmt.Sprintf("%s key %q", command, fields.Key)
	case fields.Text != "":
		return fmt.Sprintf("%s text (%d chars)", command, len(fields.Text))
	default:
		return command
	}
}
