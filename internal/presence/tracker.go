// Package presence tracks the ephemeral awareness state of the clients
// editing one idea: who is here, their color and where their cursor is.
// Nothing in this package is ever persisted.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// User identifies the person behind a client.
type User struct {
	ID   string
	Name string
}

// Cursor is a caret position: a block id and a character offset in it.
type Cursor struct {
	Block  string `json:"block"`
	Offset int    `json:"offset"`
}

// Selection is a highlighted range.
type Selection struct {
	Anchor Cursor `json:"anchor"`
	Head   Cursor `json:"head"`
}

// Entry is the presence state one client publishes about itself.
type Entry struct {
	ClientID   string     `json:"clientId"`
	UserID     string     `json:"userId"`
	Name       string     `json:"name"`
	Color      string     `json:"color"`
	Cursor     *Cursor    `json:"cursor,omitempty"`
	Selection  *Selection `json:"selection,omitempty"`
	LastActive time.Time  `json:"lastActive"`
}

func (e Entry) sameAs(o Entry) bool {
	if e.UserID != o.UserID || e.Name != o.Name || e.Color != o.Color {
		return false
	}
	if (e.Cursor == nil) != (o.Cursor == nil) || (e.Cursor != nil && *e.Cursor != *o.Cursor) {
		return false
	}
	if (e.Selection == nil) != (o.Selection == nil) || (e.Selection != nil && *e.Selection != *o.Selection) {
		return false
	}
	return true
}

// wireState is one client's entry as sent on the wire. A nil State means
// the client left.
type wireState struct {
	ClientID string `json:"clientId"`
	Clock    uint64 `json:"clock"`
	State    *Entry `json:"state"`
}

// Change lists the client ids affected by an update.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Options tunes heartbeat, expiry and broadcast debounce.
type Options struct {
	Heartbeat time.Duration
	Timeout   time.Duration
	Debounce  time.Duration
	Now       func() time.Time
}

// DefaultOptions returns a 1s heartbeat, 4s timeout and 50ms debounce.
func DefaultOptions() Options {
	return Options{
		Heartbeat: time.Second,
		Timeout:   4 * time.Second,
		Debounce:  50 * time.Millisecond,
		Now:       time.Now,
	}
}

type peer struct {
	entry    Entry
	lastSeen time.Time
}

// clockMark is the last clock seen from a client. Once the client is gone
// the mark is kept until expires so late states are still rejected.
type clockMark struct {
	clock   uint64
	expires time.Time
}

// Tracker holds the local client's presence and the presence of every peer
// heard from recently.
type Tracker struct {
	mu        sync.Mutex
	clientID  string
	local     Entry
	clock     uint64
	active    bool
	peers     map[string]*peer
	clocks    map[string]clockMark
	timer     *time.Timer
	sender    func(payload []byte)
	listeners []func(Change)

	opts   Options
	logger *zap.Logger
}

// NewTracker creates the tracker of one client.
func NewTracker(clientID string, user User, opts Options, logger *zap.Logger) *Tracker {
	defaults := DefaultOptions()
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaults.Heartbeat
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce
	}
	if opts.Now == nil {
		opts.Now = defaults.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Tracker{
		clientID: clientID,
		local: Entry{
			ClientID:   clientID,
			UserID:     user.ID,
			Name:       user.Name,
			Color:      ColorFor(user.ID),
			LastActive: opts.Now(),
		},
		active: true,
		peers:  make(map[string]*peer),
		clocks: make(map[string]clockMark),
		opts:   opts,
		logger: logger.With(zap.String("clientID", clientID)),
	}
}

// ClientID returns the id of the local client.
func (t *Tracker) ClientID() string {
	return t.clientID
}

// SetSender installs the function publishing awareness payloads.
func (t *Tracker) SetSender(send func(payload []byte)) {
	t.mu.Lock()
	t.sender = send
	t.mu.Unlock()
}

// OnChange registers a callback invoked when the collaborator list changes.
func (t *Tracker) OnChange(fn func(Change)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Local returns the local client's entry.
func (t *Tracker) Local() Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// SetLocalCursor records the local caret and selection and schedules a
// broadcast. Calls within the debounce window collapse into one broadcast
// carrying the latest position.
func (t *Tracker) SetLocalCursor(cursor Cursor, selection *Selection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := cursor
	t.local.Cursor = &c
	if selection != nil {
		s := *selection
		t.local.Selection = &s
	} else {
		t.local.Selection = nil
	}
	t.local.LastActive = t.opts.Now()

	if t.timer == nil && t.active {
		t.timer = time.AfterFunc(t.opts.Debounce, t.flush)
	}
}

func (t *Tracker) flush() {
	t.mu.Lock()
	t.timer = nil
	t.mu.Unlock()
	t.Publish()
}

// Publish broadcasts the local state now, renewing it for every peer.
func (t *Tracker) Publish() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.clock++
	local := t.local
	payload, err := json.Marshal([]wireState{{ClientID: t.clientID, Clock: t.clock, State: &local}})
	send := t.sender
	t.mu.Unlock()

	if err != nil {
		t.logger.Error("Failed to encode awareness state", zap.Error(err))
		return
	}
	if send != nil {
		send(payload)
	}
}

// LeavePayload stops publishing and returns the payload telling peers the
// local client is gone.
func (t *Tracker) LeavePayload() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.clock++
	return json.Marshal([]wireState{{ClientID: t.clientID, Clock: t.clock}})
}

// Apply merges an awareness payload received from the room.
func (t *Tracker) Apply(payload []byte) (Change, error) {
	var states []wireState
	if err := json.Unmarshal(payload, &states); err != nil {
		return Change{}, fmt.Errorf("decode awareness: %w", err)
	}

	t.mu.Lock()
	var change Change
	now := t.opts.Now()
	for _, s := range states {
		if s.ClientID == "" || s.ClientID == t.clientID {
			continue
		}
		if last, seen := t.clocks[s.ClientID]; seen && s.Clock <= last.clock {
			continue
		}
		t.clocks[s.ClientID] = clockMark{clock: s.Clock}

		existing, ok := t.peers[s.ClientID]
		if s.State == nil {
			t.forget(s.ClientID, now)
			if ok {
				delete(t.peers, s.ClientID)
				change.Removed = append(change.Removed, s.ClientID)
			}
			continue
		}

		entry := *s.State
		entry.ClientID = s.ClientID
		switch {
		case !ok:
			t.peers[s.ClientID] = &peer{entry: entry, lastSeen: now}
			change.Added = append(change.Added, s.ClientID)
		default:
			if !existing.entry.sameAs(entry) {
				change.Updated = append(change.Updated, s.ClientID)
			}
			existing.entry = entry
			existing.lastSeen = now
		}
	}
	listeners := t.snapshotListeners()
	t.mu.Unlock()

	t.notify(listeners, change)
	return change, nil
}

// Sweep drops peers that have not renewed their state within the timeout.
func (t *Tracker) Sweep() Change {
	t.mu.Lock()
	var change Change
	now := t.opts.Now()
	cutoff := now.Add(-t.opts.Timeout)
	for id, p := range t.peers {
		if p.lastSeen.Before(cutoff) {
			delete(t.peers, id)
			t.forget(id, now)
			change.Removed = append(change.Removed, id)
		}
	}
	for id, m := range t.clocks {
		if !m.expires.IsZero() && now.After(m.expires) {
			delete(t.clocks, id)
		}
	}
	listeners := t.snapshotListeners()
	t.mu.Unlock()

	if !change.Empty() {
		t.logger.Debug("Expired idle collaborators", zap.Strings("clients", change.Removed))
	}
	t.notify(listeners, change)
	return change
}

// Reset forgets every peer. Used when the connection to the room is lost.
func (t *Tracker) Reset() Change {
	t.mu.Lock()
	var change Change
	now := t.opts.Now()
	for id := range t.peers {
		t.forget(id, now)
		change.Removed = append(change.Removed, id)
	}
	t.peers = make(map[string]*peer)
	listeners := t.snapshotListeners()
	t.mu.Unlock()

	t.notify(listeners, change)
	return change
}

// forget starts the expiry of a departed client's clock mark.
func (t *Tracker) forget(clientID string, now time.Time) {
	if m, ok := t.clocks[clientID]; ok && m.expires.IsZero() {
		m.expires = now.Add(t.opts.Timeout)
		t.clocks[clientID] = m
	}
}

// Collaborators returns every known peer, excluding the local client,
// ordered by display name then user id.
func (t *Tracker) Collaborators() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.entry)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// Run renews the local state and expires silent peers until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Publish()
			t.Sweep()
		}
	}
}

func (t *Tracker) snapshotListeners() []func(Change) {
	return append(([]func(Change))(nil), t.listeners...)
}

func (t *Tracker) notify(listeners []func(Change), change Change) {
	if change.Empty() {
		return
	}
	for _, fn := range listeners {
		fn(change)
	}
}
