package app

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"testing"
	"time"

	"trailhead/internal/clock"
	"trailhead/internal/config"
	"trailhead/internal/domain"
	"trailhead/internal/engine"
)

func openRuntime(t *testing.T) (*Runtime, *clock.FakeClock) {
	t.Helper()
	cfg := config.Default()
	cfg.Simulation.EventChance = 0
	clk := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rt, err := Open(context.Background(), Options{
		Workspace: t.TempDir(),
		Config:    cfg,
		Clock:     clk,
		Rand:      rand.New(rand.NewSource(1)),
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		rt.Close()
	})
	return rt, clk
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartAndStopExpeditionRecord(t *testing.T) {
	rt, _ := openRuntime(t)
	ctx := context.Background()
	exp, err := rt.StartExpedition(ctx, CreateExpedition{ID: "exp-1", TrainerID: "ash", DurationMinutes: 5})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, err := rt.Repo.GetExpedition(ctx, "exp-1")
	if err != nil || rec.Status != "active" || rec.RunID == "" || rec.RunID != exp.RunID {
		t.Fatalf("unexpected record %+v (run %s): %v", rec, exp.RunID, err)
	}
	if _, err := rt.StartExpedition(ctx, CreateExpedition{ID: "exp-1", TrainerID: "ash", DurationMinutes: 5}); !errors.Is(err, engine.ErrDuplicateStart) {
		t.Fatalf("expected duplicate start, got %v", err)
	}
	if err := rt.StopExpedition(ctx, "exp-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	rec, _ = rt.Repo.GetExpedition(ctx, "exp-1")
	if rec.Status != "stopped" || rec.EndedAt == nil {
		t.Fatalf("record not closed: %+v", rec)
	}
}

func TestRestartedIDKeepsItsRecordOpen(t *testing.T) {
	rt, clk := openRuntime(t)
	ctx := context.Background()
	first, err := rt.StartExpedition(ctx, CreateExpedition{ID: "exp-1", TrainerID: "ash", DurationMinutes: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if _, err := rt.Engine.Timers(ctx); err != nil {
		t.Fatalf("timers: %v", err)
	}

	// Restart right away; the recorder may still be persisting the first run.
	second, err := rt.StartExpedition(ctx, CreateExpedition{ID: "exp-1", TrainerID: "ash", DurationMinutes: 5})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second.RunID == first.RunID {
		t.Fatalf("runs share an id")
	}
	waitFor(t, func() bool {
		results, err := rt.Repo.ListResults(ctx, "ash", 10)
		return err == nil && len(results) == 1
	})

	// A completion of the first run arriving late must not close the second.
	late := domain.Notification{
		Kind:         domain.KindExpeditionComplete,
		ExpeditionID: "exp-1",
		TrainerID:    "ash",
		TS:           time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC),
		Payload:      domain.Completion{ExpeditionID: "exp-1", RunID: first.RunID, TrainerID: "ash", FinalReward: 1},
	}
	if err := rt.Recorder.Record(ctx, late); err != nil {
		t.Fatalf("record late completion: %v", err)
	}

	rec, err := rt.Repo.GetExpedition(ctx, "exp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != "active" || rec.EndedAt != nil || rec.DurationMinutes != 5 || rec.RunID != second.RunID {
		t.Fatalf("second run's record was overwritten: %+v", rec)
	}
	if _, err := rt.Engine.Progress(ctx, "exp-1"); err != nil {
		t.Fatalf("second run not running: %v", err)
	}
}

func TestCompletionClosesCurrentRecord(t *testing.T) {
	rt, clk := openRuntime(t)
	ctx := context.Background()
	if _, err := rt.StartExpedition(ctx, CreateExpedition{ID: "exp-1", TrainerID: "ash", DurationMinutes: 1}); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if _, err := rt.Engine.Timers(ctx); err != nil {
		t.Fatalf("timers: %v", err)
	}
	waitFor(t, func() bool {
		rec, err := rt.Repo.GetExpedition(ctx, "exp-1")
		return err == nil && rec.Status == "completed"
	})
	results, err := rt.Repo.ListResults(ctx, "ash", 10)
	if err != nil || len(results) != 1 {
		t.Fatalf("results %+v %v", results, err)
	}
}
