package maintenance_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quietbay/ledgerd/internal/maintenance"
)

func TestRegister_RejectsMalformedExpression(t *testing.T) {
	s := maintenance.NewScheduler(maintenance.Config{})
	err := s.Register("bad", "not a cron expr", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRegister_EmptyExpressionDisablesJob(t *testing.T) {
	s := maintenance.NewScheduler(maintenance.Config{Interval: 10 * time.Millisecond})
	var fired atomic.Int64
	if err := s.Register("disabled", "", func(context.Context) error {
		fired.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if fired.Load() != 0 {
		t.Errorf("disabled job fired %d times", fired.Load())
	}
}

func TestScheduler_JobErrorDoesNotStopLoop(t *testing.T) {
	s := maintenance.NewScheduler(maintenance.Config{Interval: 10 * time.Millisecond})
	if err := s.Register("failing", "* * * * *", func(context.Context) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop() // must not deadlock or panic
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 5, 1, 2, 30, 0, 0, time.UTC)
	next, err := maintenance.NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	if _, err := maintenance.NextRunTime("bogus", after); err == nil {
		t.Error("expected error for malformed expression")
	}
}
