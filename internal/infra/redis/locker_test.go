package redis

import (
	"context"
	"testing"
	"time"
)

func TestDeliveryLockerExcludesSecondHolder(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	locker, err := NewDeliveryLocker(rdb, time.Minute)
	if err != nil {
		t.Fatalf("NewDeliveryLocker() error = %v", err)
	}

	ctx := context.Background()
	release, acquired, err := locker.Acquire(ctx, "n1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !acquired {
		t.Fatal("first Acquire() should take the lock")
	}

	if _, acquired, err := locker.Acquire(ctx, "n1"); err != nil || acquired {
		t.Fatalf("second Acquire() = (%v, %v), want (false, nil)", acquired, err)
	}

	if _, acquired, err := locker.Acquire(ctx, "n2"); err != nil || !acquired {
		t.Fatalf("Acquire(n2) = (%v, %v), want (true, nil)", acquired, err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release() error = %v", err)
	}
	if _, acquired, err := locker.Acquire(ctx, "n1"); err != nil || !acquired {
		t.Fatalf("Acquire() after release = (%v, %v), want (true, nil)", acquired, err)
	}
}

func TestDeliveryLockerReleaseKeepsForeignLock(t *testing.T) {
	t.Parallel()

	rdb, mr := newTestRedisClient(t)
	locker, err := NewDeliveryLocker(rdb, time.Second)
	if err != nil {
		t.Fatalf("NewDeliveryLocker() error = %v", err)
	}

	ctx := context.Background()
	release, acquired, err := locker.Acquire(ctx, "n1")
	if err != nil || !acquired {
		t.Fatalf("Acquire() = (%v, %v), want (true, nil)", acquired, err)
	}

	// The first holder's lock expires and another instance takes it.
	mr.FastForward(2 * time.Second)
	if _, acquired, err := locker.Acquire(ctx, "n1"); err != nil || !acquired {
		t.Fatalf("Acquire() after expiry = (%v, %v), want (true, nil)", acquired, err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release() error = %v", err)
	}
	if !mr.Exists(deliveryLockKeyPrefix + ":n1") {
		t.Fatal("stale release must not delete the new holder's lock")
	}
}
