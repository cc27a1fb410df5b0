// Package registry is the authoritative table of connected tab agents.
// All mutations publish ordered change events on the broker event bus;
// no other component mutates tab sessions directly.
package registry

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabmux/internal/eventbus"
	"pkt.systems/tabmux/schema"
)

// Registry owns the tab session table.
type Registry struct {
	mu    sync.Mutex
	tabs  map[schema.TabID]*schema.TabSnapshot
	order []schema.TabID
	bus   *eventbus.Bus
	log   pslog.Logger
	now   func() time.Time
}

// New constructs a Registry publishing change events on bus.
func New(bus *eventbus.Bus, logger pslog.Logger) *Registry {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Registry{
		tabs: make(map[schema.TabID]*schema.TabSnapshot),
		bus:  bus,
		log:  logger,
		now:  time.Now,
	}
}

// Register creates or replaces the session for tab.ID and publishes a
// connected event. Re-registering a known id replaces the entry in place,
// never duplicates it; ConnectedAt is refreshed (a reconnect is a new
// connection even when the id survives).
func (r *Registry) Register(tab schema.TabSnapshot) {
	if tab.ID == "" {
		r.log.Warn("registry register without tab id ignored")
		return
	}
	now := r.now()
	tab.ConnectedAt = now
	tab.LastPing = now
	r.mu.Lock()
	if _, known := r.tabs[tab.ID]; !known {
		r.order = append(r.order, tab.ID)
	}
	if tab.Active {
		r.clearActiveLocked(tab.ID)
	}
	stored := tab
	r.tabs[tab.ID] = &stored
	tabs := r.listLocked()
	r.mu.Unlock()
	r.log.Info("registry tab registered", "tab", tab.ID, "browser", tab.Browser, "url", tab.URL, "tabs", len(tabs))
	r.publish(schema.TabEvent{Type: schema.TabConnected, Tab: tab, Tabs: tabs})
}

// Update merges partial metadata into an existing session and publishes an
// updated event. Updates against unknown ids are dropped.
func (r *Registry) Update(tabID schema.TabID, update schema.TabUpdate) bool {
	r.mu.Lock()
	entry, ok := r.tabs[tabID]
	if !ok {
		r.mu.Unlock()
		r.log.Debug("registry update for unknown tab dropped", "tab", tabID)
		return false
	}
	if update.URL != nil {
		entry.URL = *update.URL
	}
	if update.Title != nil {
		entry.Title = *update.Title
	}
	if update.Metrics != nil {
		entry.Metrics = *update.Metrics
	}
	if update.Active != nil {
		if *update.Active {
			r.clearActiveLocked(tabID)
		}
		entry.Active = *update.Active
	}
	tab := *entry
	tabs := r.listLocked()
	r.mu.Unlock()
	r.log.Debug("registry tab updated", "tab", tabID, "url", tab.URL)
	r.publish(schema.TabEvent{Type: schema.TabUpdated, Tab: tab, Tabs: tabs})
	return true
}

// Touch refreshes the heartbeat timestamp without publishing an event.
func (r *Registry) Touch(tabID schema.TabID) {
	r.mu.Lock()
	if entry, ok := r.tabs[tabID]; ok {
		entry.LastPing = r.now()
	}
	r.mu.Unlock()
}

// Remove destroys the session and publishes a removed event.
func (r *Registry) Remove(tabID schema.TabID) bool {
	r.mu.Lock()
	entry, ok := r.tabs[tabID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	tab := *entry
	delete(r.tabs, tabID)
	for i, id := range r.order {
		if id == tabID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	tabs := r.listLocked()
	r.mu.Unlock()
	r.log.Info("registry tab removed", "tab", tabID, "tabs", len(tabs))
	r.publish(schema.TabEvent{Type: schema.TabRemoved, Tab: tab, Tabs: tabs})
	return true
}

// Get returns a copy of the session for tabID.
func (r *Registry) Get(tabID schema.TabID) (schema.TabSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tabs[tabID]
	if !ok {
		return schema.TabSnapshot{}, false
	}
	return *entry, true
}

// List returns all sessions in connection order.
func (r *Registry) List() []schema.TabSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

// Active returns the single session with the active flag set. Absence of
// an active tab is an expected outcome, not an error.
func (r *Registry) Active() (schema.TabSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if entry := r.tabs[id]; entry != nil && entry.Active {
			return *entry, true
		}
	}
	return schema.TabSnapshot{}, false
}

// Len reports the number of connected tab sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}

func (r *Registry) listLocked() []schema.TabSnapshot {
	tabs := make([]schema.TabSnapshot, 0, len(r.order))
	for _, id := range r.order {
		if entry := r.tabs[id]; entry != nil {
			tabs = append(tabs, *entry)
		}
	}
	return tabs
}

// clearActiveLocked drops the active flag everywhere except keep, so at
// most one session holds user focus at a time.
func (r *Registry) clearActiveLocked(keep schema.TabID) {
	for id, entry := range r.tabs {
		if id != keep {
			entry.Active = false
		}
	}
}

func (r *Registry) publish(event schema.TabEvent) {
	if r.bus != nil {
		r.bus.OnTabEvent(event)
	}
}
