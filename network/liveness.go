package network

import (
	"sync"
	"sync/atomic"
	"time"
)

// Liveness tracks the last contact time of every authenticated client and
// which session currently owns it. It is shared by all sessions of a server.
type Liveness struct {
	mu      sync.RWMutex
	entries map[string]*livenessEntry
	now     func() time.Time
}

type livenessEntry struct {
	sessionID   string
	lastContact atomic.Int64
	evict       func()
	released    chan struct{}
	releaseOnce sync.Once
}

// Lease is one session's claim on a client id.
type Lease struct {
	registry *Liveness
	clientID string
	entry    *livenessEntry
}

// NewLiveness creates an empty registry.
func NewLiveness() *Liveness {
	return &Liveness{
		entries: make(map[string]*livenessEntry),
		now:     time.Now,
	}
}

// Claim makes sessionID the owner of clientID and records a contact. A
// session that already owned the client is evicted, and Claim waits up to
// wait for it to release so its in-flight transfer is settled first.
func (l *Liveness) Claim(clientID, sessionID string, evict func(), wait time.Duration) *Lease {
	entry := &livenessEntry{
		sessionID: sessionID,
		evict:     evict,
		released:  make(chan struct{}),
	}
	entry.lastContact.Store(l.now().UnixNano())

	l.mu.Lock()
	previous := l.entries[clientID]
	l.entries[clientID] = entry
	l.mu.Unlock()

	if previous != nil {
		if previous.evict != nil {
			previous.evict()
		}
		timer := time.NewTimer(wait)
		select {
		case <-previous.released:
		case <-timer.C:
		}
		timer.Stop()
	}

	return &Lease{registry: l, clientID: clientID, entry: entry}
}

// LastContact returns the last recorded contact for a client.
func (l *Liveness) LastContact(clientID string) (time.Time, bool) {
	l.mu.RLock()
	entry, ok := l.entries[clientID]
	l.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, entry.lastContact.Load()), true
}

// Owner returns the session id currently holding clientID.
func (l *Liveness) Owner(clientID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.entries[clientID]
	if !ok {
		return "", false
	}
	return entry.sessionID, true
}

// Len returns the number of tracked clients.
func (l *Liveness) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Touch records a contact now.
func (lease *Lease) Touch() {
	lease.entry.lastContact.Store(lease.registry.now().UnixNano())
}

// Idle returns the time since the last contact.
func (lease *Lease) Idle() time.Duration {
	last := time.Unix(0, lease.entry.lastContact.Load())
	return lease.registry.now().Sub(last)
}

// Current reports whether this lease still owns its client.
func (lease *Lease) Current() bool {
	lease.registry.mu.RLock()
	defer lease.registry.mu.RUnlock()
	return lease.registry.entries[lease.clientID] == lease.entry
}

// Release drops the lease. onLast runs first, and only if the lease still
// owned the client, so a superseding session never sees its state undone.
// Release reports whether the lease was still the owner.
func (lease *Lease) Release(onLast func()) bool {
	owner := lease.Current()
	if owner && onLast != nil {
		onLast()
	}

	lease.registry.mu.Lock()
	if lease.registry.entries[lease.clientID] == lease.entry {
		delete(lease.registry.entries, lease.clientID)
	}
	lease.registry.mu.Unlock()

	lease.entry.releaseOnce.Do(func() {
		close(lease.entry.released)
	})
	return owner
}
