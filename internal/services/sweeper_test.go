package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fastygo/orgcore/usecase/events"
)

type fakeRetrier struct {
	calls int
	limit int
	err   error
}

func (f *fakeRetrier) RetryFailed(ctx context.Context, limit int) (events.RetryReport, error) {
	f.calls++
	f.limit = limit
	return events.RetryReport{Attempted: 2, Recovered: 1, Failed: 1}, f.err
}

type fakeRecoverer struct{ calls int }

func (f *fakeRecoverer) RecoverInterrupted(ctx context.Context) (int, error) {
	f.calls++
	return 1, nil
}

type fakeCleaner struct{ cutoff time.Time }

func (f *fakeCleaner) Cleanup(olderThan time.Time) (int, error) {
	f.cutoff = olderThan
	return 0, nil
}

type staticHealth bool

func (h staticHealth) IsOnline() bool { return bool(h) }

func TestSweepRunsEveryStage(t *testing.T) {
	retrier, recoverer, cleaner := &fakeRetrier{}, &fakeRecoverer{}, &fakeCleaner{}
	s := NewSweeper(retrier, recoverer, cleaner, staticHealth(true), nil, SweeperConfig{BatchSize: 7, JournalRetention: time.Hour})

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if retrier.calls != 1 || retrier.limit != 7 || recoverer.calls != 1 {
		t.Fatalf("unexpected calls retrier=%d limit=%d recoverer=%d", retrier.calls, retrier.limit, recoverer.calls)
	}
	if since := time.Since(cleaner.cutoff); since < time.Hour || since > time.Hour+time.Minute {
		t.Fatalf("unexpected cleanup cutoff %s ago", since)
	}
}

func TestSweepSkipsWhileOffline(t *testing.T) {
	retrier := &fakeRetrier{}
	s := NewSweeper(retrier, nil, nil, staticHealth(false), nil, SweeperConfig{})
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if retrier.calls != 0 {
		t.Fatalf("expected no retries while offline, got %d", retrier.calls)
	}
}

func TestSweepReportsRetryErrors(t *testing.T) {
	boom := errors.New("db down")
	s := NewSweeper(&fakeRetrier{err: boom}, nil, nil, nil, nil, SweeperConfig{})
	if err := s.Sweep(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped retry error, got %v", err)
	}
}
