// Package lock provides named, expiring mutual exclusion for jobs that must
// not overlap, such as a corpus refresh.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned when another holder owns the key.
var ErrHeld = errors.New("lock: already held")

// Release gives a lock back. Releasing an expired or stolen lock is a no-op.
type Release func(ctx context.Context) error

// Locker hands out leases on named keys that expire after ttl.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

type localLease struct {
	token   string
	expires time.Time
}

// Local is an in-process Locker for single-instance deployments and tests.
type Local struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
}

func NewLocal() *Local {
	return &Local{leases: make(map[string]localLease), now: time.Now}
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	l.leases[key] = localLease{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[key]; ok && cur.token == token {
			delete(l.leases, key)
		}
		return nil
	}, nil
}
