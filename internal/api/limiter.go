package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long an unused per-user limiter is kept.
const limiterIdle = 10 * time.Minute

// userLimiter is a token bucket per user.
type userLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	users     map[string]*userBucket
	lastPrune time.Time
	now       func() time.Time
}

type userBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// newUserLimiter allows perSecond sustained requests with the given
// burst. A non-positive rate disables limiting.
func newUserLimiter(perSecond float64, burst int) *userLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{
		limit: limit,
		burst: burst,
		users: make(map[string]*userBucket),
		now:   time.Now,
	}
}

func (u *userLimiter) allow(userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	if now.Sub(u.lastPrune) > limiterIdle {
		for id, b := range u.users {
			if now.Sub(b.seen) > limiterIdle {
				delete(u.users, id)
			}
		}
		u.lastPrune = now
	}

	b, ok := u.users[userID]
	if !ok {
		b = &userBucket{lim: rate.NewLimiter(u.limit, u.burst)}
		u.users[userID] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// tracked returns the number of users with a live bucket.
func (u *userLimiter) tracked() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.users)
}
