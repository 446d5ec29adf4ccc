package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	deliveryLockKeyPrefix = "push-relay:delivery"
	defaultLockTTL        = 30 * time.Second
)

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// DeliveryLocker is an advisory per-record lock that keeps two relay
// instances from calling the gateway for the same record at once. The
// conditional update on the record stays the source of truth; the lock only
// narrows the duplicate-send window.
type DeliveryLocker struct {
	client goredis.UniversalClient
	ttl    time.Duration
	token  func() string
}

func NewDeliveryLocker(client goredis.UniversalClient, ttl time.Duration) (*DeliveryLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &DeliveryLocker{
		client: client,
		ttl:    ttl,
		token:  uuid.NewString,
	}, nil
}

// Acquire returns a release func when the lock for recordID was taken, or
// acquired=false when another holder owns it.
func (l *DeliveryLocker) Acquire(ctx context.Context, recordID string) (release func(context.Context) error, acquired bool, err error) {
	key := deliveryLockKeyPrefix + ":" + recordID
	token := l.token()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire delivery lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release delivery lock: %w", err)
		}
		return nil
	}
	return release, true, nil
}
