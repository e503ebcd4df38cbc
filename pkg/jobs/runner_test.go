package jobs

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

func TestEvery(t *testing.T) {
	r, err := NewRunner(time.UTC)
	if err != nil {
		t.Fatal(err)
	}

	var runs, failures atomic.Int32
	if err := r.Every("tick", 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Every("broken", 20*time.Millisecond, func(ctx context.Context) error {
		failures.Add(1)
		return errors.New("boom")
	}); err != nil {
		t.Fatal(err)
	}

	r.Start()
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 || failures.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("runs = %d, failures = %d", runs.Load(), failures.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := r.Stop(); err != nil {
		t.Errorf("stop: %v", err)
	}
}

func TestSchedulingErrors(t *testing.T) {
	r, err := NewRunner(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	noop := func(context.Context) error { return nil }
	if err := r.Every("zero", 0, noop); err == nil {
		t.Error("expected error for zero interval")
	}
	if err := r.Cron("bad", "not a cron", noop); err == nil {
		t.Error("expected error for invalid cron expression")
	}
	if err := r.Cron(ExportSnapshot, "0 2 * * *", noop); err != nil {
		t.Fatalf("valid cron: %v", err)
	}
	if names := r.Names(); !slices.Equal(names, []string{ExportSnapshot}) {
		t.Errorf("names = %v", names)
	}
}
