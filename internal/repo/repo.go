package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"trailhead/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// InsertExpedition records a started expedition. Restarting an id that already
// ended reopens its row.
func (r Repo) InsertExpedition(ctx context.Context, tx *sql.Tx, e domain.ExpeditionRecord) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO expeditions(id,run_id,trainer_id,duration_minutes,status,created_at,ended_at) VALUES (?,?,?,?,?,?,NULL)
ON CONFLICT(id) DO UPDATE SET run_id=excluded.run_id, trainer_id=excluded.trainer_id, duration_minutes=excluded.duration_minutes, status=excluded.status, created_at=excluded.created_at, ended_at=NULL`,
		e.ID, nullable(e.RunID), e.TrainerID, e.DurationMinutes, e.Status, e.CreatedAt)
	return err
}

// UpdateExpeditionStatus closes the record of one run. A non-empty runID must
// match the row, so a late update from an earlier run of a reused id leaves the
// current run alone and reports ErrNotFound.
func (r Repo) UpdateExpeditionStatus(ctx context.Context, tx *sql.Tx, id, runID, status, endedAt string) error {
	query := `UPDATE expeditions SET status=?, ended_at=? WHERE id=?`
	args := []any{status, nullable(endedAt), id}
	if runID != "" {
		query += ` AND run_id=?`
		args = append(args, runID)
	}
	res, err := r.exec(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const expeditionColumns = `id,run_id,trainer_id,duration_minutes,status,created_at,ended_at`

func scanExpedition(scan func(dest ...any) error) (domain.ExpeditionRecord, error) {
	var e domain.ExpeditionRecord
	var runID, ended sql.NullString
	if err := scan(&e.ID, &runID, &e.TrainerID, &e.DurationMinutes, &e.Status, &e.CreatedAt, &ended); err != nil {
		return e, err
	}
	e.RunID = runID.String
	if ended.Valid {
		e.EndedAt = &ended.String
	}
	return e, nil
}

func (r Repo) GetExpedition(ctx context.Context, id string) (domain.ExpeditionRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+expeditionColumns+` FROM expeditions WHERE id=?`, id)
	e, err := scanExpedition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

type ExpeditionFilters struct {
	TrainerID string
	Status    string
	Limit     int
}

func (r Repo) ListExpeditions(ctx context.Context, f ExpeditionFilters) ([]domain.ExpeditionRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TrainerID != "" {
		clauses = append(clauses, "trainer_id=?")
		args = append(args, f.TrainerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM expeditions WHERE %s ORDER BY created_at DESC, id ASC LIMIT ?`, expeditionColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExpeditionRecord
	for rows.Next() {
		e, err := scanExpedition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertResultTx(ctx context.Context, tx *sql.Tx, res domain.ExpeditionResult) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO expedition_results(expedition_id,trainer_id,final_reward,total_reward_multiplier,success_probability,events_raised,events_responded,events_auto_resolved,completed_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		res.ExpeditionID, res.TrainerID, res.FinalReward, res.TotalRewardMultiplier, res.SuccessProbability,
		res.EventsRaised, res.EventsResponded, res.EventsAutoResolved, res.CompletedAt)
	return err
}

// ListResults returns completed expeditions, newest first. An empty trainer
// lists every trainer.
func (r Repo) ListResults(ctx context.Context, trainerID string, limit int) ([]domain.ExpeditionResult, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT expedition_id,trainer_id,final_reward,total_reward_multiplier,success_probability,events_raised,events_responded,events_auto_resolved,completed_at FROM expedition_results`
	var args []any
	if trainerID != "" {
		query += ` WHERE trainer_id=?`
		args = append(args, trainerID)
	}
	query += ` ORDER BY completed_at DESC, expedition_id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExpeditionResult
	for rows.Next() {
		var x domain.ExpeditionResult
		if err := rows.Scan(&x.ExpeditionID, &x.TrainerID, &x.FinalReward, &x.TotalRewardMultiplier, &x.SuccessProbability,
			&x.EventsRaised, &x.EventsResponded, &x.EventsAutoResolved, &x.CompletedAt); err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, rows.Err()
}

func (r Repo) InsertTransactionTx(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO transactions(id,trainer_id,expedition_id,amount,reason,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.TrainerID, nullable(t.ExpeditionID), t.Amount, t.Reason, t.CreatedAt)
	return err
}

// TrainerBalance sums every transaction credited to the trainer.
func (r Repo) TrainerBalance(ctx context.Context, trainerID string) (int64, error) {
	var total int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM transactions WHERE trainer_id=?`, trainerID).Scan(&total)
	return total, err
}

type EventFilters struct {
	Type         string
	ExpeditionID string
	TrainerID    string
}

func (f EventFilters) where(cursorClause string, cursor int64) (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ExpeditionID != "" {
		clauses = append(clauses, "expedition_id=?")
		args = append(args, f.ExpeditionID)
	}
	if f.TrainerID != "" {
		clauses = append(clauses, "trainer_id=?")
		args = append(args, f.TrainerID)
	}
	if cursor > 0 {
		clauses = append(clauses, cursorClause)
		args = append(args, cursor)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

// LatestEventsFrom pages backwards through the log: events with IDs below the
// cursor, newest first.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := f.where("id<?", cursor)
	query := fmt.Sprintf(`SELECT id,ts,type,expedition_id,trainer_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	return r.queryEvents(ctx, query, append(args, limit)...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	where, args := f.where("id>?", cursor)
	query := fmt.Sprintf(`SELECT id,ts,type,expedition_id,trainer_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	return r.queryEvents(ctx, query, append(args, limit)...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var expID, trainerID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &expID, &trainerID, &e.Payload); err != nil {
			return nil, err
		}
		e.ExpeditionID = expID.String
		e.TrainerID = trainerID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID in the log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
