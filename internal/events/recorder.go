package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"trailhead/internal/domain"
	"trailhead/internal/repo"
)

// RewardReason tags the ledger entry credited when an expedition completes.
const RewardReason = "expedition_reward"

// Recorder persists bus notifications. Every notification becomes one row in
// the event log; completions also store the result, credit the trainer and
// close the expedition record in the same transaction.
type Recorder struct {
	Repo    repo.Repo
	Writer  Writer
	Logger  *log.Logger
	Timeout time.Duration
}

func NewRecorder(db *sql.DB, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{
		Repo:    repo.Repo{DB: db},
		Writer:  Writer{DB: db},
		Logger:  logger,
		Timeout: 5 * time.Second,
	}
}

// Handle is a bus.Handler.
func (r *Recorder) Handle(n domain.Notification) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Record(ctx, n)
}

func (r *Recorder) Record(ctx context.Context, n domain.Notification) error {
	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w := r.Writer
	if w.Now == nil && !n.TS.IsZero() {
		ts := n.TS
		w.Now = func() time.Time { return ts }
	}
	if _, err := w.Append(ctx, tx, n.Kind, n.ExpeditionID, n.TrainerID, n.Payload); err != nil {
		return fmt.Errorf("append %s: %w", n.Kind, err)
	}
	if n.Kind == domain.KindExpeditionComplete {
		if err := r.complete(ctx, tx, n); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Recorder) complete(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	c, ok := completion(n.Payload)
	if !ok {
		return fmt.Errorf("expedition_complete for %s: unexpected payload %T", n.ExpeditionID, n.Payload)
	}
	ts := n.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	at := ts.UTC().Format(time.RFC3339Nano)
	trainer := c.TrainerID
	if trainer == "" {
		trainer = n.TrainerID
	}
	res := domain.ExpeditionResult{
		ExpeditionID:          n.ExpeditionID,
		TrainerID:             trainer,
		FinalReward:           c.FinalReward,
		TotalRewardMultiplier: c.TotalRewardMultiplier,
		SuccessProbability:    c.SuccessProbability,
		EventsRaised:          c.EventsRaised,
		EventsResponded:       c.EventsResponded,
		EventsAutoResolved:    c.EventsAutoResolved,
		CompletedAt:           at,
	}
	if err := r.Repo.InsertResultTx(ctx, tx, res); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if trainer != "" {
		credit := domain.Transaction{
			ID:           uuid.NewString(),
			TrainerID:    trainer,
			ExpeditionID: n.ExpeditionID,
			Amount:       c.FinalReward,
			Reason:       RewardReason,
			CreatedAt:    at,
		}
		if err := r.Repo.InsertTransactionTx(ctx, tx, credit); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
	}
	// The record is optional: in-process simulations start runs without one.
	// It may also already belong to a newer run of the same id.
	if err := r.Repo.UpdateExpeditionStatus(ctx, tx, n.ExpeditionID, c.RunID, "completed", at); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("close expedition: %w", err)
	}
	r.Logger.Printf("recorder: expedition %s completed, credited %d to %s", n.ExpeditionID, c.FinalReward, trainer)
	return nil
}

func completion(payload any) (domain.Completion, bool) {
	switch c := payload.(type) {
	case domain.Completion:
		return c, true
	case *domain.Completion:
		if c != nil {
			return *c, true
		}
	}
	return domain.Completion{}, false
}
