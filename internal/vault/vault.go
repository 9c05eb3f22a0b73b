package vault

import (
	"log/slog"
	"sync"
	"time"

	"ember/relay/internal/ident"
)

// TTLs for the relay's two vault instances.
const (
	// OtmTTL is how long an unread one-time message survives.
	OtmTTL = 7 * 24 * time.Hour
	// FileTTL is how long an undownloaded one-time file survives.
	FileTTL = 24 * time.Hour
)

// SweepPeriod is how often expired entries are dropped.
const SweepPeriod = time.Minute

type entry struct {
	data      []byte
	createdAt time.Time
}

// Vault is a TTL-bound blob store whose entries can be taken exactly once.
type Vault struct {
	mu      sync.Mutex
	name    string
	ttl     time.Duration
	entries map[string]entry
	done    chan struct{}
}

// New returns a vault whose entries expire after ttl and starts its
// sweeper. name appears only in logs.
func New(name string, ttl time.Duration) *Vault {
	v := &Vault{
		name:    name,
		ttl:     ttl,
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	go v.sweeper()
	return v
}

// Put stores data under a fresh id and returns the id.
func (v *Vault) Put(data []byte) string {
	id := ident.NewID()

	v.mu.Lock()
	v.entries[id] = entry{data: data, createdAt: time.Now()}
	size := len(v.entries)
	v.mu.Unlock()

	slog.Debug("vault entry stored", "vault", v.name, "bytes", len(data), "entries", size)
	return id
}

// Take removes and returns the entry for id. The second return is false
// when the id is unknown, already taken, or expired. Concurrent takes of
// the same id yield the payload to exactly one caller.
func (v *Vault) Take(id string) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[id]
	if !ok {
		return nil, false
	}
	delete(v.entries, id)
	if time.Since(e.createdAt) > v.ttl {
		return nil, false
	}
	return e.data, true
}

// Len reports how many entries are currently stored.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// Stop halts the sweeper. Stored entries remain takeable.
func (v *Vault) Stop() {
	close(v.done)
}

func (v *Vault) sweeper() {
	ticker := time.NewTicker(SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-v.done:
			return
		case now := <-ticker.C:
			v.sweep(now)
		}
	}
}

func (v *Vault) sweep(now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	dropped := 0
	for id, e := range v.entries {
		if now.Sub(e.createdAt) > v.ttl {
			delete(v.entries, id)
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("vault swept", "vault", v.name, "dropped", dropped, "remaining", len(v.entries))
	}
}
