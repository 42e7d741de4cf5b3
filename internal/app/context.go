// Package app wires the workspace database, configuration, engine and
// recorder together and hosts the workflows that touch more than one of them.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"trailhead/internal/clock"
	"trailhead/internal/config"
	"trailhead/internal/db"
	"trailhead/internal/domain"
	"trailhead/internal/engine"
	"trailhead/internal/events"
	"trailhead/internal/migrate"
	"trailhead/internal/repo"
)

type Options struct {
	Workspace string
	// Config overrides the workspace trailhead.yml when set.
	Config *config.Config
	Clock  clock.Clock
	Rand   *rand.Rand
	Logger *log.Logger
}

// Runtime is one opened workspace.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Engine    *engine.Engine
	Recorder  *events.Recorder
	Logger    *log.Logger

	detach func()
}

// Open prepares the workspace: database and migrations, configuration, engine
// and the recorder subscribed to every notification. The engine loop is not
// started; call Run.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng, err := engine.New(engine.Options{Config: cfg, Clock: opts.Clock, Rand: opts.Rand, Logger: logger})
	if err != nil {
		conn.Close()
		return nil, err
	}
	rec := events.NewRecorder(conn, logger)
	rt := &Runtime{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Engine:    eng,
		Recorder:  rec,
		Logger:    logger,
	}
	rt.detach = eng.Bus().SubscribeAll("recorder", rec.Handle)
	return rt, nil
}

// Run drives the engine until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context) error {
	err := rt.Engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close drains pending notifications into the database and closes it.
func (rt *Runtime) Close() error {
	rt.Engine.Bus().Shutdown()
	return rt.DB.Close()
}

type CreateExpedition struct {
	ID              string
	TrainerID       string
	DurationMinutes int
}

// StartExpedition persists the expedition record and starts its run. The
// record is only committed once the engine accepted the run.
func (rt *Runtime) StartExpedition(ctx context.Context, in CreateExpedition) (domain.Expedition, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	tx, err := rt.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Expedition{}, err
	}
	defer tx.Rollback()
	rec := domain.ExpeditionRecord{
		ID:              id,
		RunID:           uuid.NewString(),
		TrainerID:       in.TrainerID,
		DurationMinutes: in.DurationMinutes,
		Status:          "active",
		CreatedAt:       time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := rt.Repo.InsertExpedition(ctx, tx, rec); err != nil {
		return domain.Expedition{}, fmt.Errorf("insert expedition: %w", err)
	}
	exp, err := rt.Engine.Start(ctx, engine.StartOptions{
		ExpeditionID:    id,
		RunID:           rec.RunID,
		TrainerID:       in.TrainerID,
		DurationMinutes: in.DurationMinutes,
	})
	if err != nil {
		return domain.Expedition{}, err
	}
	if err := tx.Commit(); err != nil {
		if stopErr := rt.Engine.Stop(ctx, id); stopErr != nil {
			rt.Logger.Printf("app: stop %s after failed commit: %v", id, stopErr)
		}
		return domain.Expedition{}, fmt.Errorf("commit expedition: %w", err)
	}
	return exp, nil
}

// StopExpedition stops the run and closes its record.
func (rt *Runtime) StopExpedition(ctx context.Context, id string) error {
	exp, err := rt.Engine.StopRun(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := rt.Repo.UpdateExpeditionStatus(ctx, nil, id, exp.RunID, "stopped", now); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("close expedition: %w", err)
	}
	return nil
}
