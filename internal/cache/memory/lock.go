// Package memory provides in-process implementations of the shared-state
// interfaces for single-instance deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

type lease struct {
	token   uint64
	expires time.Time
}

// LockManager is a keyed mutual-exclusion table with lease expiry.
type LockManager struct {
	mu     sync.Mutex
	leases map[string]lease
	seq    uint64
	now    func() time.Time
}

// NewLockManager creates an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{leases: make(map[string]lease), now: time.Now}
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld when an unexpired
// lease exists. The release function is idempotent and only frees the lease it
// created.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lm.mu.Lock()
	now := lm.now()
	if l, ok := lm.leases[key]; ok && now.Before(l.expires) {
		lm.mu.Unlock()
		return nil, domain.ErrLockHeld
	}
	lm.seq++
	token := lm.seq
	lm.leases[key] = lease{token: token, expires: now.Add(ttl)}
	lm.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if l, ok := lm.leases[key]; ok && l.token == token {
				delete(lm.leases, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
