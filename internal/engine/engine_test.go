package engine_test

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"trailhead/internal/clock"
	"trailhead/internal/config"
	"trailhead/internal/domain"
	"trailhead/internal/engine"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	ctx   context.Context
	eng   *engine.Engine
	clock *clock.FakeClock

	mu    sync.Mutex
	notes []domain.Notification
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	clk := clock.NewFakeClock(start)
	eng, err := engine.New(engine.Options{
		Config: cfg,
		Clock:  clk,
		Rand:   rand.New(rand.NewSource(7)),
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, ctx: ctx, eng: eng, clock: clk}
	eng.Bus().SubscribeAll("test", func(n domain.Notification) error {
		h.mu.Lock()
		h.notes = append(h.notes, n)
		h.mu.Unlock()
		return nil
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		eng.Bus().Shutdown()
	})
	return h
}

// drain waits for every queued notification and returns them all.
func (h *harness) drain() []domain.Notification {
	h.eng.Bus().Shutdown()
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Notification(nil), h.notes...)
}

func (h *harness) start(id string, minutes int) domain.Expedition {
	h.t.Helper()
	exp, err := h.eng.Start(h.ctx, engine.StartOptions{ExpeditionID: id, TrainerID: "ash", DurationMinutes: minutes})
	if err != nil {
		h.t.Fatalf("start %s: %v", id, err)
	}
	return exp
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	// Any engine call fires timers that are already due.
	if _, err := h.eng.Timers(h.ctx); err != nil {
		h.t.Fatalf("sync: %v", err)
	}
}

func quietConfig() *config.Config {
	cfg := config.Default()
	cfg.Simulation.EventChance = 0
	cfg.Simulation.FirstEventDelaySeconds = 1000
	cfg.Simulation.ResponseChance = 1
	return cfg
}

// singleOptionConfig gives every category one option with the given numbers.
func singleOptionConfig(rate, multiplier float64, risk string) *config.Config {
	cfg := quietConfig()
	cfg.Catalog = map[string]config.EventTemplate{}
	for _, c := range domain.Categories {
		cfg.Catalog[c] = config.EventTemplate{
			Descriptions: []string{"something on the trail during {stage}"},
			Options: []config.OptionTemplate{
				{ID: "a", Label: "A", SuccessRate: rate, RewardMultiplier: multiplier, RiskLevel: risk},
			},
		}
	}
	return cfg
}

func ofKind(notes []domain.Notification, expeditionID, kind string) []domain.Notification {
	var out []domain.Notification
	for _, n := range notes {
		if n.ExpeditionID == expeditionID && n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func TestUnattendedExpeditionCompletes(t *testing.T) {
	cfg := config.Default()
	cfg.Simulation.EventChance = 0
	h := newHarness(t, cfg)
	exp := h.start("exp-1", 1)
	if exp.Stage != domain.StagePreparation || exp.Progress != 0 || exp.TimeRemaining != 60 {
		t.Fatalf("unexpected initial state: %+v", exp)
	}
	if exp.TotalRewardMultiplier != 1 || exp.SuccessProbability != 85 {
		t.Fatalf("unexpected initial numbers: %+v", exp)
	}

	h.advance(2 * time.Minute)
	notes := h.drain()

	updates := ofKind(notes, "exp-1", domain.KindProgressUpdate)
	if len(updates) != 60 {
		t.Fatalf("expected 60 progress updates, got %d", len(updates))
	}
	last := -1.0
	for _, n := range updates {
		p := n.Payload.(domain.Expedition).Progress
		if p < last {
			t.Fatalf("progress went backwards: %v after %v", p, last)
		}
		last = p
	}
	if last != 100 {
		t.Fatalf("expected final progress 100, got %v", last)
	}

	completes := ofKind(notes, "exp-1", domain.KindExpeditionComplete)
	if len(completes) != 1 {
		t.Fatalf("expected exactly one completion, got %d", len(completes))
	}
	c := completes[0].Payload.(domain.Completion)
	want := int64(math.Floor(1000 * c.TotalRewardMultiplier * (c.SuccessProbability / 100)))
	if c.FinalReward != want {
		t.Fatalf("final reward %d, want %d", c.FinalReward, want)
	}
	if c.EventsRaised != 1 || c.EventsAutoResolved != 1 || c.EventsResponded != 0 {
		t.Fatalf("unexpected event counts: %+v", c)
	}
	if !completes[0].TS.Equal(start.Add(time.Minute)) {
		t.Fatalf("completion at %v", completes[0].TS)
	}
	if completes[0].Seq <= updates[len(updates)-1].Seq {
		t.Fatalf("completion must follow the last progress update")
	}

	if _, err := h.eng.Progress(h.ctx, "exp-1"); !errors.Is(err, engine.ErrAlreadyStopped) {
		t.Fatalf("expected already stopped after completion, got %v", err)
	}
	if n, _ := h.eng.Timers(h.ctx); n != 0 {
		t.Fatalf("expected no timers left, got %d", n)
	}
}

func TestRespondAppliesOption(t *testing.T) {
	h := newHarness(t, singleOptionConfig(1, 2, domain.RiskLow))
	h.start("exp-1", 5)

	ev, err := h.eng.RaiseEvent(h.ctx, "exp-1", domain.CategoryDiscovery)
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if ev.Status != domain.StatusPending || !ev.ResponseRequired || ev.Deadline == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.Deadline.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("deadline %v", ev.Deadline)
	}

	if _, err := h.eng.Respond(h.ctx, domain.PlayerResponse{EventID: ev.ID, OptionID: "nope"}); !errors.Is(err, engine.ErrInvalidOption) {
		t.Fatalf("expected invalid option, got %v", err)
	}

	res, err := h.eng.Respond(h.ctx, domain.PlayerResponse{EventID: ev.ID, OptionID: "a", Latency: 1200 * time.Millisecond})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if !res.Success || res.TotalRewardMultiplier != 2 || res.SuccessProbability != 90 {
		t.Fatalf("unexpected result: %+v", res)
	}

	exp, err := h.eng.Progress(h.ctx, "exp-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	got := exp.Events[0]
	if got.Status != domain.StatusResponded || got.Resolution == nil || got.Resolution.Automatic {
		t.Fatalf("unexpected stored event: %+v", got)
	}
	if got.Resolution.Latency != "1.2s" {
		t.Fatalf("latency %q", got.Resolution.Latency)
	}

	_, err = h.eng.Respond(h.ctx, domain.PlayerResponse{EventID: ev.ID, OptionID: "a"})
	var stale *engine.StaleResponseError
	if !errors.As(err, &stale) || stale.Status != domain.StatusResponded {
		t.Fatalf("expected stale response, got %v", err)
	}
	exp, _ = h.eng.Progress(h.ctx, "exp-1")
	if exp.TotalRewardMultiplier != 2 {
		t.Fatalf("second response changed state: %+v", exp)
	}

	// The deadline was cancelled by the response.
	h.advance(31 * time.Second)
	notes := h.drain()
	if n := len(ofKind(notes, "exp-1", domain.KindAutoResolved)); n != 0 {
		t.Fatalf("expected no auto resolution, got %d", n)
	}
	if n := len(ofKind(notes, "exp-1", domain.KindResponseResult)); n != 1 {
		t.Fatalf("expected one response result, got %d", n)
	}
}

func TestDeadlineAutoResolvesWithSafestOption(t *testing.T) {
	cfg := singleOptionConfig(1, 2, domain.RiskLow)
	cfg.Rules.AutoSuccessRatePenalty = 0
	h := newHarness(t, cfg)
	h.start("exp-1", 10)

	ev, err := h.eng.RaiseEvent(h.ctx, "exp-1", "")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	h.advance(31 * time.Second)

	exp, err := h.eng.Progress(h.ctx, "exp-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	got := exp.Events[0]
	if got.Status != domain.StatusAutoResolved || got.Resolution == nil || !got.Resolution.Automatic {
		t.Fatalf("expected auto resolution, got %+v", got)
	}
	if got.Resolution.OptionID != "a" {
		t.Fatalf("resolved with %s", got.Resolution.OptionID)
	}
	if math.Abs(exp.TotalRewardMultiplier-1.8) > 1e-9 {
		t.Fatalf("expected scaled multiplier 1.8, got %v", exp.TotalRewardMultiplier)
	}
	if !got.Resolution.ResolvedAt.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("resolved at %v", got.Resolution.ResolvedAt)
	}

	_, err = h.eng.Respond(h.ctx, domain.PlayerResponse{EventID: ev.ID, OptionID: "a"})
	if !errors.Is(err, engine.ErrStaleResponse) {
		t.Fatalf("expected stale response, got %v", err)
	}
	after, _ := h.eng.Progress(h.ctx, "exp-1")
	if after.TotalRewardMultiplier != exp.TotalRewardMultiplier || after.SuccessProbability != exp.SuccessProbability {
		t.Fatalf("late response changed state")
	}
}

func TestStopIsolatesExpedition(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.start("exp-a", 1)
	h.start("exp-b", 1)

	h.advance(10 * time.Second)
	stoppedAt := h.clock.Now()
	if err := h.eng.Stop(h.ctx, "exp-a"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.eng.Stop(h.ctx, "exp-a"); !errors.Is(err, engine.ErrAlreadyStopped) {
		t.Fatalf("expected already stopped, got %v", err)
	}
	active, err := h.eng.ListActive(h.ctx)
	if err != nil || len(active) != 1 || active[0].ID != "exp-b" {
		t.Fatalf("unexpected active list: %+v %v", active, err)
	}

	h.advance(2 * time.Minute)
	notes := h.drain()
	for _, n := range notes {
		if n.ExpeditionID == "exp-a" && n.TS.After(stoppedAt) {
			t.Fatalf("stopped expedition published %s at %v", n.Kind, n.TS)
		}
	}
	if n := len(ofKind(notes, "exp-a", domain.KindExpeditionComplete)); n != 0 {
		t.Fatalf("stopped expedition completed")
	}
	if n := len(ofKind(notes, "exp-b", domain.KindExpeditionComplete)); n != 1 {
		t.Fatalf("expected exp-b to complete once, got %d", n)
	}
	if _, err := h.eng.Progress(h.ctx, "exp-a"); !errors.Is(err, engine.ErrAlreadyStopped) {
		t.Fatalf("expected already stopped, got %v", err)
	}
	if n, _ := h.eng.Timers(h.ctx); n != 0 {
		t.Fatalf("expected no timers left, got %d", n)
	}
}

func TestStopExpiresPendingEvents(t *testing.T) {
	h := newHarness(t, singleOptionConfig(1, 2, domain.RiskLow))
	h.start("exp-1", 5)
	ev, err := h.eng.RaiseEvent(h.ctx, "exp-1", "")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := h.eng.Stop(h.ctx, "exp-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := h.eng.Respond(h.ctx, domain.PlayerResponse{EventID: ev.ID, OptionID: "a"}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found after stop, got %v", err)
	}
	h.advance(time.Minute)
	if n := len(ofKind(h.drain(), "exp-1", domain.KindAutoResolved)); n != 0 {
		t.Fatalf("deadline fired after stop")
	}
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.start("exp-1", 1)
	if _, err := h.eng.Start(h.ctx, engine.StartOptions{ExpeditionID: "exp-1", TrainerID: "ash", DurationMinutes: 1}); !errors.Is(err, engine.ErrDuplicateStart) {
		t.Fatalf("expected duplicate start, got %v", err)
	}
	if _, err := h.eng.Start(h.ctx, engine.StartOptions{ExpeditionID: "exp-2", DurationMinutes: 0}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := h.eng.Start(h.ctx, engine.StartOptions{ExpeditionID: " ", DurationMinutes: 1}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := h.eng.Stop(h.ctx, "missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.eng.RaiseEvent(h.ctx, "exp-1", "picnic"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid category, got %v", err)
	}

	// A stopped id can be started again.
	if err := h.eng.Stop(h.ctx, "exp-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	exp := h.start("exp-1", 2)
	if exp.TimeRemaining != 120 {
		t.Fatalf("restart kept old state: %+v", exp)
	}
}

func TestHighRiskPenaltyNeverRewindsProgress(t *testing.T) {
	h := newHarness(t, singleOptionConfig(0, 2, domain.RiskHigh))
	h.start("exp-1", 1)
	h.advance(30 * time.Second)

	before, err := h.eng.Progress(h.ctx, "exp-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if before.Progress != 50 || before.Stage != domain.StageCollection {
		t.Fatalf("unexpected midpoint: %v %s", before.Progress, before.Stage)
	}

	ev, err := h.eng.RaiseEvent(h.ctx, "exp-1", domain.CategoryBattle)
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	res, err := h.eng.Respond(h.ctx, domain.PlayerResponse{EventID: ev.ID, OptionID: "a"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Success || res.TimeRemaining != 90 || res.SuccessProbability != 75 {
		t.Fatalf("unexpected failure result: %+v", res)
	}

	h.advance(time.Second)
	after, _ := h.eng.Progress(h.ctx, "exp-1")
	if after.Progress < before.Progress {
		t.Fatalf("progress went backwards: %v -> %v", before.Progress, after.Progress)
	}
	if after.TimeRemaining != 89 {
		t.Fatalf("time remaining %d", after.TimeRemaining)
	}
}

func TestSuccessProbabilityIsClamped(t *testing.T) {
	cfg := singleOptionConfig(0, 1, domain.RiskLow)
	cfg.Rules.FailurePenalty = 60
	h := newHarness(t, cfg)
	h.start("exp-1", 5)
	for i := 0; i < 3; i++ {
		ev, err := h.eng.RaiseEvent(h.ctx, "exp-1", "")
		if err != nil {
			t.Fatalf("raise: %v", err)
		}
		res, err := h.eng.Respond(h.ctx, domain.PlayerResponse{EventID: ev.ID, OptionID: "a"})
		if err != nil {
			t.Fatalf("respond: %v", err)
		}
		if res.SuccessProbability < 0 || res.SuccessProbability > 100 {
			t.Fatalf("probability out of range: %v", res.SuccessProbability)
		}
	}
	exp, _ := h.eng.Progress(h.ctx, "exp-1")
	if exp.SuccessProbability != 0 {
		t.Fatalf("expected probability floor 0, got %v", exp.SuccessProbability)
	}
}

func TestSubscribeReceivesOwnExpeditionOnly(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.start("exp-a", 1)
	h.start("exp-b", 1)

	var (
		mu   sync.Mutex
		seen []domain.Notification
	)
	cancel, err := h.eng.Subscribe(h.ctx, "exp-a", "watcher", func(n domain.Notification) error {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if _, err := h.eng.Subscribe(h.ctx, "missing", "watcher", func(domain.Notification) error { return nil }); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	h.advance(5 * time.Second)
	h.drain()
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 5 {
		t.Fatalf("expected 5 notifications, got %d", len(seen))
	}
	for i, n := range seen {
		if n.ExpeditionID != "exp-a" {
			t.Fatalf("received notification for %s", n.ExpeditionID)
		}
		if i > 0 && n.Seq <= seen[i-1].Seq {
			t.Fatalf("notifications out of order")
		}
	}
}

func TestRespondRacesDeadline(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t, singleOptionConfig(1, 2, domain.RiskLow))
		h.start("exp-1", 10)
		ev, err := h.eng.RaiseEvent(h.ctx, "exp-1", "")
		if err != nil {
			t.Fatalf("raise: %v", err)
		}

		const responders = 8
		var (
			wg        sync.WaitGroup
			ready     = make(chan struct{})
			mu        sync.Mutex
			successes int
			failures  []error
		)
		for i := 0; i < responders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-ready
				_, err := h.eng.Respond(h.ctx, domain.PlayerResponse{EventID: ev.ID, OptionID: "a"})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					successes++
				} else {
					failures = append(failures, err)
				}
			}()
		}
		var timerErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			h.clock.Advance(31 * time.Second)
			_, timerErr = h.eng.Timers(h.ctx)
		}()
		close(ready)
		wg.Wait()
		if timerErr != nil {
			t.Fatalf("timers: %v", timerErr)
		}

		if successes > 1 || successes+len(failures) != responders {
			t.Fatalf("round %d: %d successes, %d failures", round, successes, len(failures))
		}
		for _, err := range failures {
			if !errors.Is(err, engine.ErrStaleResponse) {
				t.Fatalf("round %d: expected stale response, got %v", round, err)
			}
		}

		notes := h.drain()
		results := len(ofKind(notes, "exp-1", domain.KindResponseResult))
		auto := len(ofKind(notes, "exp-1", domain.KindAutoResolved))
		if results+auto != 1 || results != successes {
			t.Fatalf("round %d: %d response results, %d auto resolutions, %d successes", round, results, auto, successes)
		}
	}
}
