package connection

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ReplyHandle sends bytes back to a worker over the channel its report
// arrived on. Implementations must be safe for concurrent use.
type ReplyHandle interface {
	Send(ctx context.Context, payload []byte) error
}

// Entry is a snapshot of one registered worker connection.
type Entry struct {
	ConnectionID  string
	WorkerAddress string
	Handle        ReplyHandle
	ConnectedAt   time.Time
	LastSeen      time.Time
}

// Registry maps connection ids to live reply handles. Writes are
// last-write-wins; readers never see a partially written entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry), now: time.Now}
}

// Register records or replaces the handle for connectionID.
func (r *Registry) Register(connectionID, workerAddress string, h ReplyHandle) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connectionID]
	if !ok || e.Handle != h {
		e.ConnectedAt = now
	}
	e.ConnectionID = connectionID
	e.WorkerAddress = workerAddress
	e.Handle = h
	e.LastSeen = now
	r.entries[connectionID] = e
}

// Touch refreshes the last-seen time of a connection. Unknown ids are ignored.
func (r *Registry) Touch(connectionID string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[connectionID]; ok {
		e.LastSeen = now
		r.entries[connectionID] = e
	}
}

// Unregister removes connectionID only while h is still the registered
// handle, so a disconnect racing a reconnect does not evict the new handle.
// A nil h removes unconditionally.
func (r *Registry) Unregister(connectionID string, h ReplyHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connectionID]
	if !ok {
		return false
	}
	if h != nil && e.Handle != h {
		return false
	}
	delete(r.entries, connectionID)
	return true
}

// Expire removes the entries last seen before cutoff for which match
// returns true, and returns them. A nil match selects every entry.
func (r *Registry) Expire(cutoff time.Time, match func(Entry) bool) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []Entry
	for id, e := range r.entries {
		if !e.LastSeen.Before(cutoff) {
			continue
		}
		if match != nil && !match(e) {
			continue
		}
		delete(r.entries, id)
		removed = append(removed, e)
	}
	return removed
}

// Lookup returns the entry for connectionID.
func (r *Registry) Lookup(connectionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[connectionID]
	return e, ok
}

// Workers returns the distinct worker addresses with a live connection,
// sorted for stable iteration.
func (r *Registry) Workers() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.entries))
	for _, e := range r.entries {
		if e.WorkerAddress != "" {
			seen[e.WorkerAddress] = struct{}{}
		}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
