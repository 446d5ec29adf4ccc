package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/push-relay/internal/domain"
	"github.com/kursadbilgin/push-relay/internal/repository"
	"go.uber.org/zap"
)

func TestNewSweepScheduleValidation(t *testing.T) {
	t.Parallel()

	sweeper := newTestSweeper(t, repository.NewMemoryRecordStore(), 0)

	testCases := []struct {
		name    string
		sweeper *RetentionSweeper
		spec    string
		window  time.Duration
		wantErr bool
	}{
		{name: "default spec", sweeper: sweeper, window: week},
		{name: "cron spec", sweeper: sweeper, spec: "0 3 * * *", window: week},
		{name: "invalid spec", sweeper: sweeper, spec: "every day", window: week, wantErr: true},
		{name: "missing sweeper", spec: "@daily", window: week, wantErr: true},
		{name: "zero window", sweeper: sweeper, spec: "@daily", wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewSweepSchedule(tc.sweeper, tc.spec, tc.window, false, zap.NewNop())
			if (err != nil) != tc.wantErr {
				t.Fatalf("NewSweepSchedule() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSweepScheduleRunNow(t *testing.T) {
	t.Parallel()

	store := seedStore(t,
		recordCreatedAt("old", testNow.Add(-10*24*time.Hour), domain.StatePending),
		recordCreatedAt("new", testNow.Add(-time.Hour), domain.StatePending),
	)

	schedule, err := NewSweepSchedule(newTestSweeper(t, store, 0), "", week, false, nil)
	if err != nil {
		t.Fatalf("NewSweepSchedule() error = %v", err)
	}
	schedule.now = func() time.Time { return testNow }

	result, err := schedule.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("deleted = %d, want 1", result.Deleted)
	}
}

func TestSweepScheduleRunNowRejectsOverlap(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	unblock := make(chan struct{})
	store := &fakeRecordStore{
		RecordStore: repository.NewMemoryRecordStore(),
		queryCreatedBeforeFn: func(ctx context.Context, cutoff time.Time, limit int) ([]domain.Record, error) {
			close(entered)
			<-unblock
			return nil, nil
		},
	}

	schedule, err := NewSweepSchedule(newTestSweeper(t, store, 0), "@daily", week, false, nil)
	if err != nil {
		t.Fatalf("NewSweepSchedule() error = %v", err)
	}

	first := make(chan error, 1)
	go func() {
		_, err := schedule.RunNow(context.Background())
		first <- err
	}()
	<-entered

	if _, err := schedule.RunNow(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("overlapping RunNow() error = %v, want ErrSweepInProgress", err)
	}

	close(unblock)
	if err := <-first; err != nil {
		t.Fatalf("first RunNow() error = %v", err)
	}
}

func TestSweepScheduleStartRunsOnStartup(t *testing.T) {
	t.Parallel()

	store := seedStore(t, recordCreatedAt("old", testNow.Add(-10*24*time.Hour), domain.StateSent))
	schedule, err := NewSweepSchedule(newTestSweeper(t, store, 0), "@every 1h", week, true, nil)
	if err != nil {
		t.Fatalf("NewSweepSchedule() error = %v", err)
	}
	schedule.now = func() time.Time { return testNow }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- schedule.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for store.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("startup sweep did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}
