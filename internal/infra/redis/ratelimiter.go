package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/push-relay/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 100
	rateLimitKeyPrefix       = "push-relay:ratelimit"
	windowMillis             = 1000
	minWait                  = 5 * time.Millisecond
	maxWait                  = 250 * time.Millisecond
)

// sendWindowScript counts sends in the current one-second window. It returns
// 0 when the send fits, otherwise the milliseconds left in the window.
var sendWindowScript = goredis.NewScript(`
local sent = redis.call("INCR", KEYS[1])
if sent == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if sent <= tonumber(ARGV[1]) then
  return 0
end
local left = redis.call("PTTL", KEYS[1])
if left < 1 then
  return 1
end
return left
`)

var _ ratelimit.RateLimiter = (*SendRateLimiter)(nil)

// SendRateLimiter caps gateway sends per scope per second. The window lives
// in Redis so every relay instance draws from the same budget.
type SendRateLimiter struct {
	client      goredis.Scripter
	limitPerSec int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewSendRateLimiter(client goredis.Scripter, limitPerSec int) (*SendRateLimiter, error) {
	return newSendRateLimiter(client, int64(limitPerSec), time.Now, sleepWithContext)
}

func newSendRateLimiter(
	client goredis.Scripter,
	limitPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*SendRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &SendRateLimiter{
		client:      client,
		limitPerSec: limitPerSec,
		now:         nowFn,
		sleep:       sleepFn,
	}, nil
}

func (r *SendRateLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	wait, err := r.reserve(ctx, scope)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// Wait blocks until scope has room for one more send. It sleeps for the time
// Redis reports left in the window, bounded so a stale TTL cannot stall it.
func (r *SendRateLimiter) Wait(ctx context.Context, scope string) error {
	for {
		wait, err := r.reserve(ctx, scope)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if err := r.sleep(ctx, min(max(wait, minWait), maxWait)); err != nil {
			return err
		}
	}
}

// reserve takes a slot in the current window. A zero duration means the
// slot was granted.
func (r *SendRateLimiter) reserve(ctx context.Context, scope string) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}

	scope = strings.ToLower(strings.TrimSpace(scope))
	if scope == "" {
		return 0, fmt.Errorf("rate limit scope is required")
	}

	key := windowKey(scope, r.now())
	left, err := sendWindowScript.Run(ctx, r.client, []string{key}, r.limitPerSec, windowMillis).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate rate limit for %s: %w", scope, err)
	}
	return time.Duration(left) * time.Millisecond, nil
}

func windowKey(scope string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d", rateLimitKeyPrefix, scope, at.UTC().Unix())
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
