package engine

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"trailhead/internal/bus"
	"trailhead/internal/catalog"
	"trailhead/internal/clock"
	"trailhead/internal/config"
	"trailhead/internal/domain"
	"trailhead/internal/scheduler"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrStaleResponse  = errors.New("stale response")
	ErrDuplicateStart = errors.New("expedition already running")
	ErrAlreadyStopped = errors.New("expedition already stopped")
	ErrInvalidOption  = errors.New("invalid option")
	ErrInvalidInput   = errors.New("invalid input")
	ErrClosed         = errors.New("engine not running")
)

// StaleResponseError reports a response to an event that is no longer pending.
type StaleResponseError struct {
	EventID string
	Status  string
}

func (e StaleResponseError) Error() string {
	return fmt.Sprintf("event %s already %s", e.EventID, e.Status)
}

func (e StaleResponseError) Is(target error) bool { return target == ErrStaleResponse }

type Options struct {
	Config *config.Config
	Clock  clock.Clock
	Rand   *rand.Rand
	Bus    *bus.Bus
	Logger *log.Logger
}

// Engine owns every running expedition. All expedition state is touched only
// from the scheduler goroutine; public methods hand work over with Do.
type Engine struct {
	cfg     *config.Config
	catalog catalog.Catalog
	rng     *rand.Rand
	bus     *bus.Bus
	sched   *scheduler.Scheduler
	logger  *log.Logger

	runs    map[string]*run
	events  map[string]*run
	retired map[string]struct{}
	nonce   uint64
}

func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	rng := opts.Rand
	if rng == nil {
		seed := cfg.Simulation.Seed
		if seed == 0 {
			var err error
			if seed, err = NewSeed(); err != nil {
				return nil, err
			}
		}
		rng = rand.New(rand.NewSource(seed))
	}
	b := opts.Bus
	if b == nil {
		b = bus.New(logger)
	}
	return &Engine{
		cfg:     cfg,
		catalog: catalog.New(cfg),
		rng:     rng,
		bus:     b,
		sched:   scheduler.New(opts.Clock, logger),
		logger:  logger,
		runs:    make(map[string]*run),
		events:  make(map[string]*run),
		retired: make(map[string]struct{}),
	}, nil
}

// NewSeed generates a random seed using crypto/rand.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// Run drives every expedition until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	return e.sched.Run(ctx)
}

func (e *Engine) Bus() *bus.Bus { return e.bus }

func (e *Engine) Config() *config.Config { return e.cfg }

func (e *Engine) do(ctx context.Context, fn func(now time.Time)) error {
	if err := e.sched.Do(ctx, fn); err != nil {
		if errors.Is(err, scheduler.ErrStopped) {
			return ErrClosed
		}
		return err
	}
	return nil
}

type run struct {
	exp        domain.Expedition
	topic      bus.Topic
	nonce      uint64
	tick       scheduler.Handle
	firstEvent scheduler.Handle
	deadlines  map[string]scheduler.Handle
	index      map[string]int
	done       bool
}

func (r *run) event(id string) *domain.ExpeditionEvent {
	i, ok := r.index[id]
	if !ok {
		return nil
	}
	return &r.exp.Events[i]
}

type StartOptions struct {
	ExpeditionID string
	// RunID tells runs of the same expedition id apart. Generated when empty.
	RunID           string
	TrainerID       string
	DurationMinutes int
}

// Start begins a new expedition. The first tick fires one tick interval later
// and the first event after the configured delay.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (domain.Expedition, error) {
	opts.ExpeditionID = strings.TrimSpace(opts.ExpeditionID)
	if opts.ExpeditionID == "" {
		return domain.Expedition{}, fmt.Errorf("expedition id is required: %w", ErrInvalidInput)
	}
	if opts.DurationMinutes <= 0 {
		return domain.Expedition{}, fmt.Errorf("duration_minutes must be positive: %w", ErrInvalidInput)
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	var (
		snap domain.Expedition
		rerr error
	)
	err := e.do(ctx, func(now time.Time) {
		if _, live := e.runs[opts.ExpeditionID]; live {
			rerr = fmt.Errorf("expedition %s: %w", opts.ExpeditionID, ErrDuplicateStart)
			return
		}
		e.nonce++
		r := &run{
			exp: domain.Expedition{
				ID:                    opts.ExpeditionID,
				RunID:                 opts.RunID,
				TrainerID:             opts.TrainerID,
				DurationMinutes:       opts.DurationMinutes,
				Stage:                 domain.StagePreparation,
				TimeRemaining:         opts.DurationMinutes * 60,
				Events:                []domain.ExpeditionEvent{},
				TotalRewardMultiplier: 1,
				SuccessProbability:    e.cfg.Simulation.InitialSuccessProbability,
				StartedAt:             now,
			},
			nonce:     e.nonce,
			deadlines: make(map[string]scheduler.Handle),
			index:     make(map[string]int),
		}
		r.topic = e.bus.Open(r.exp.ID, r.exp.TrainerID)
		tick := e.cfg.Tick()
		r.tick = e.sched.At(now.Add(tick), e.onTick(r))
		delay := time.Duration(e.cfg.Simulation.FirstEventDelaySeconds) * tick
		r.firstEvent = e.sched.At(now.Add(delay), e.onFirstEvent(r))
		e.runs[r.exp.ID] = r
		delete(e.retired, r.exp.ID)
		snap = snapshot(r.exp)
	})
	if err != nil {
		return domain.Expedition{}, err
	}
	return snap, rerr
}

// Stop cancels a running expedition. Once it returns no tick, deadline or
// notification for that run happens again.
func (e *Engine) Stop(ctx context.Context, expeditionID string) error {
	_, err := e.StopRun(ctx, expeditionID)
	return err
}

// StopRun is Stop returning the final snapshot of the stopped run.
func (e *Engine) StopRun(ctx context.Context, expeditionID string) (domain.Expedition, error) {
	var (
		snap domain.Expedition
		rerr error
	)
	err := e.do(ctx, func(now time.Time) {
		r, err := e.lookup(expeditionID)
		if err != nil {
			rerr = err
			return
		}
		e.teardown(r, false)
		snap = snapshot(r.exp)
		e.logger.Printf("engine: expedition %s stopped at %.1f%%", r.exp.ID, r.exp.Progress)
	})
	if err != nil {
		return domain.Expedition{}, err
	}
	return snap, rerr
}

// Progress returns a snapshot of a running expedition.
func (e *Engine) Progress(ctx context.Context, expeditionID string) (domain.Expedition, error) {
	var (
		snap domain.Expedition
		rerr error
	)
	err := e.do(ctx, func(time.Time) {
		r, err := e.lookup(expeditionID)
		if err != nil {
			rerr = err
			return
		}
		snap = snapshot(r.exp)
	})
	if err != nil {
		return domain.Expedition{}, err
	}
	return snap, rerr
}

// ListActive returns snapshots of every running expedition, oldest first.
func (e *Engine) ListActive(ctx context.Context) ([]domain.Expedition, error) {
	var out []domain.Expedition
	err := e.do(ctx, func(time.Time) {
		out = make([]domain.Expedition, 0, len(e.runs))
		for _, r := range e.runs {
			out = append(out, snapshot(r.exp))
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// Subscribe attaches fn to a running expedition's notifications.
func (e *Engine) Subscribe(ctx context.Context, expeditionID, name string, fn bus.Handler) (func(), error) {
	cancel, _, err := e.Follow(ctx, expeditionID, name, fn)
	return cancel, err
}

// Follow is Subscribe plus a channel closed once the run's notifications are
// exhausted: after expedition_complete was delivered, right after a stop, or
// after cancel.
func (e *Engine) Follow(ctx context.Context, expeditionID, name string, fn bus.Handler) (func(), <-chan struct{}, error) {
	var (
		cancel func()
		done   <-chan struct{}
		rerr   error
	)
	err := e.do(ctx, func(time.Time) {
		if _, rerr = e.lookup(expeditionID); rerr != nil {
			return
		}
		cancel, done, rerr = e.bus.Follow(expeditionID, name, fn)
	})
	if err != nil {
		return nil, nil, err
	}
	return cancel, done, rerr
}

// RaiseEvent raises an event now. An empty category is picked at random.
func (e *Engine) RaiseEvent(ctx context.Context, expeditionID, category string) (domain.ExpeditionEvent, error) {
	if category != "" && !domain.ValidCategory(category) {
		return domain.ExpeditionEvent{}, fmt.Errorf("category %s: %w", category, ErrInvalidInput)
	}
	var (
		ev   domain.ExpeditionEvent
		rerr error
	)
	err := e.do(ctx, func(now time.Time) {
		r, err := e.lookup(expeditionID)
		if err != nil {
			rerr = err
			return
		}
		ev, rerr = e.raise(r, now, category)
	})
	if err != nil {
		return domain.ExpeditionEvent{}, err
	}
	return ev, rerr
}

// Timers returns how many timers are scheduled across all expeditions.
func (e *Engine) Timers(ctx context.Context) (int, error) {
	var n int
	err := e.do(ctx, func(time.Time) { n = e.sched.Pending() })
	return n, err
}

func (e *Engine) lookup(expeditionID string) (*run, error) {
	if r, ok := e.runs[expeditionID]; ok {
		return r, nil
	}
	if _, ok := e.retired[expeditionID]; ok {
		return nil, fmt.Errorf("expedition %s: %w", expeditionID, ErrAlreadyStopped)
	}
	return nil, fmt.Errorf("expedition %s: %w", expeditionID, ErrNotFound)
}

func (e *Engine) onFirstEvent(r *run) scheduler.Func {
	return func(now time.Time) {
		if r.done {
			return
		}
		r.firstEvent = 0
		if _, err := e.raise(r, now, ""); err != nil {
			e.logger.Printf("engine: first event for %s: %v", r.exp.ID, err)
		}
	}
}

func (e *Engine) onTick(r *run) scheduler.Func {
	return func(now time.Time) {
		if r.done {
			return
		}
		r.tick = 0
		exp := &r.exp
		exp.TimeRemaining--
		exp.TimeElapsed++
		updateProgress(exp)
		finishing := exp.TimeRemaining <= 0
		if !finishing && e.rng.Float64() < e.cfg.Simulation.EventChance {
			if _, err := e.raise(r, now, ""); err != nil {
				e.logger.Printf("engine: raise event for %s: %v", exp.ID, err)
			}
		}
		e.publish(r, now, domain.KindProgressUpdate, progressView(r.exp))
		if finishing {
			e.complete(r, now)
			return
		}
		r.tick = e.sched.At(now.Add(e.cfg.Tick()), e.onTick(r))
	}
}

// updateProgress recomputes progress and stage. Progress never moves
// backwards, even when a penalty extends the remaining time.
func updateProgress(exp *domain.Expedition) {
	total := exp.TimeElapsed + exp.TimeRemaining
	p := 100.0
	if exp.TimeRemaining > 0 && total > 0 {
		p = float64(exp.TimeElapsed) / float64(total) * 100
	}
	p = math.Max(0, math.Min(100, p))
	if p > exp.Progress {
		exp.Progress = p
	}
	exp.Stage = stageFor(exp.Progress)
}

func stageFor(progress float64) string {
	switch {
	case progress < 25:
		return domain.StageExploration
	case progress < 50:
		return domain.StageEncounter
	case progress < 75:
		return domain.StageCollection
	case progress < 100:
		return domain.StageReturn
	default:
		return domain.StageComplete
	}
}

func (e *Engine) complete(r *run, now time.Time) {
	exp := &r.exp
	exp.Progress = 100
	exp.Stage = domain.StageComplete
	base := e.cfg.Simulation.BaseReward
	c := domain.Completion{
		ExpeditionID:          exp.ID,
		RunID:                 exp.RunID,
		TrainerID:             exp.TrainerID,
		FinalReward:           int64(math.Floor(float64(base) * exp.TotalRewardMultiplier * (exp.SuccessProbability / 100))),
		BaseReward:            base,
		TotalRewardMultiplier: exp.TotalRewardMultiplier,
		SuccessProbability:    exp.SuccessProbability,
		TimeElapsed:           exp.TimeElapsed,
		EventsRaised:          len(exp.Events),
	}
	for _, ev := range exp.Events {
		switch ev.Status {
		case domain.StatusResponded:
			c.EventsResponded++
		case domain.StatusAutoResolved:
			c.EventsAutoResolved++
		}
	}
	e.publish(r, now, domain.KindExpeditionComplete, c)
	e.teardown(r, true)
	e.logger.Printf("engine: expedition %s complete reward=%d multiplier=%.3f probability=%.0f", exp.ID, c.FinalReward, c.TotalRewardMultiplier, c.SuccessProbability)
}

// teardown releases every resource of a run. Pending events expire.
func (e *Engine) teardown(r *run, drain bool) {
	r.done = true
	if r.tick != 0 {
		e.sched.Cancel(r.tick)
		r.tick = 0
	}
	if r.firstEvent != 0 {
		e.sched.Cancel(r.firstEvent)
		r.firstEvent = 0
	}
	for id, h := range r.deadlines {
		e.sched.Cancel(h)
		delete(r.deadlines, id)
	}
	for i := range r.exp.Events {
		ev := &r.exp.Events[i]
		if ev.Status == domain.StatusPending {
			ev.Status = domain.StatusExpired
		}
		delete(e.events, ev.ID)
	}
	delete(e.runs, r.exp.ID)
	e.retired[r.exp.ID] = struct{}{}
	e.bus.Close(r.topic, drain)
}

func (e *Engine) publish(r *run, now time.Time, kind string, payload any) {
	e.bus.Publish(r.topic, domain.Notification{Kind: kind, TS: now, Payload: payload})
}

func progressView(exp domain.Expedition) domain.Expedition {
	exp.Events = nil
	return exp
}

func snapshot(exp domain.Expedition) domain.Expedition {
	events := make([]domain.ExpeditionEvent, len(exp.Events))
	for i, ev := range exp.Events {
		events[i] = copyEvent(ev)
	}
	exp.Events = events
	return exp
}

func copyEvent(ev domain.ExpeditionEvent) domain.ExpeditionEvent {
	ev.Options = append([]domain.EventOption(nil), ev.Options...)
	if ev.Deadline != nil {
		d := *ev.Deadline
		ev.Deadline = &d
	}
	if ev.Resolution != nil {
		res := *ev.Resolution
		ev.Resolution = &res
	}
	return ev
}

func eventID(r *run, seq int) string {
	key := fmt.Sprintf("%s|%d|%d|%d", r.exp.ID, r.exp.StartedAt.UnixNano(), r.nonce, seq)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}
