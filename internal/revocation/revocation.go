// Package revocation tracks session token ids that were revoked before
// their natural expiry.
package revocation

import (
	"context"
	"sync"
	"time"
)

// DenyList records revoked token ids until the token would have expired anyway.
type DenyList interface {
	Revoke(ctx context.Context, id string, until time.Time) error
	IsRevoked(ctx context.Context, id string) (bool, error)
}

// MemoryDenyList keeps entries in process memory. Expired entries are
// pruned on write, so no background goroutine is needed.
type MemoryDenyList struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time
}

var _ DenyList = (*MemoryDenyList)(nil)

func NewMemoryDenyList() *MemoryDenyList {
	return &MemoryDenyList{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (d *MemoryDenyList) Revoke(_ context.Context, id string, until time.Time) error {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, exp := range d.entries {
		if !now.Before(exp) {
			delete(d.entries, k)
		}
	}
	if now.Before(until) {
		d.entries[id] = until
	}
	return nil
}

func (d *MemoryDenyList) IsRevoked(_ context.Context, id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	exp, ok := d.entries[id]
	if !ok {
		return false, nil
	}
	return d.now().Before(exp), nil
}

// Len returns the number of tracked entries, expired or not.
func (d *MemoryDenyList) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Noop never revokes anything. Used when revocation is disabled.
type Noop struct{}

func (Noop) Revoke(context.Context, string, time.Time) error   { return nil }
func (Noop) IsRevoked(context.Context, string) (bool, error) { return false, nil }
