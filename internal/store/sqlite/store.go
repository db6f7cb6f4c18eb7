// Package sqlite implements the event store, trigger queue and audit log on
// an embedded SQLite database for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
)

//go:embed schema.sql
var schema string

type Config struct {
	Path        string
	BusyTimeout time.Duration
	OpTimeout   time.Duration
}

type Store struct {
	db        *sql.DB
	opTimeout time.Duration
	clock     func() time.Time
}

// Open creates the database file if needed and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; claims rely on statement-level atomicity.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, opTimeout: cfg.OpTimeout, clock: time.Now}, nil
}

func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) op(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Events

func (s *Store) CreateEvent(ctx context.Context, e domain.Event) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if e.Version == 0 {
		e.Version = 1
	}
	_, err := s.db.ExecContext(ctx, queryInsertEvent,
		e.ID.String(),
		e.Title,
		ms(e.RegistrationStart),
		ms(e.RegistrationEnd),
		ms(e.StartAt),
		ms(e.EndAt),
		string(e.Status),
		string(e.RegistrationStatus),
		e.Version,
		ms(e.CreatedAt),
		ms(e.UpdatedAt),
	)
	if isConstraintError(err) {
		return domain.ErrVersionConflict
	}
	return err
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	e, err := scanEvent(s.db.QueryRowContext(ctx, queryGetEvent, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return e, err
}

func (s *Store) CompareAndUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, patch domain.EventPatch) (domain.Event, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var status, regStatus, regStart, regEnd, startAt, endAt any
	if patch.Status != nil {
		status = string(*patch.Status)
	}
	if patch.RegistrationStatus != nil {
		regStatus = string(*patch.RegistrationStatus)
	}
	if patch.Timing != nil {
		regStart, regEnd = ms(patch.Timing.RegistrationStart), ms(patch.Timing.RegistrationEnd)
		startAt, endAt = ms(patch.Timing.StartAt), ms(patch.Timing.EndAt)
	}

	e, err := scanEvent(s.db.QueryRowContext(ctx, queryCompareAndUpdateEvent,
		id.String(), expectedVersion, status, regStatus, regStart, regEnd, startAt, endAt, ms(s.clock())))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRowContext(ctx, queryEventExists, id.String()).Scan(&exists); err != nil {
			return domain.Event{}, err
		}
		if !exists {
			return domain.Event{}, domain.ErrEventNotFound
		}
		return domain.Event{}, domain.ErrVersionConflict
	}
	return e, err
}

func (s *Store) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryDeleteEvent, id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (s *Store) ListActiveEvents(ctx context.Context, limit, offset int) ([]domain.Event, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListActiveEvents, limitArg(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *Store) CountEvents(ctx context.Context) (domain.EventCounts, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var c domain.EventCounts
	err := s.db.QueryRowContext(ctx, queryCountEvents).Scan(&c.Upcoming, &c.Ongoing)
	return c, err
}

// Triggers

func (s *Store) Insert(ctx context.Context, t domain.Trigger) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return insertTrigger(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTrigger(ctx context.Context, db execer, t domain.Trigger) error {
	var token any
	if t.ClaimToken != uuid.Nil {
		token = t.ClaimToken.String()
	}
	_, err := db.ExecContext(ctx, queryInsertTrigger,
		t.ID.String(),
		t.EventID.String(),
		string(t.Type),
		ms(t.FireAt),
		string(t.State),
		token,
		msPtr(t.ClaimExpiresAt),
		t.Attempts,
		msPtr(t.NextAttemptAt),
		t.LastError,
		string(t.SkipReason),
		t.Escalated,
		ms(t.CreatedAt),
		ms(t.UpdatedAt),
	)
	if isConstraintError(err) {
		return domain.ErrDuplicateTrigger
	}
	return err
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.Trigger, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	t, err := scanTrigger(s.db.QueryRowContext(ctx, queryGetTrigger, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trigger{}, domain.ErrTriggerNotFound
	}
	return t, err
}

func (s *Store) ActiveForEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryActiveForEvent, eventID.String())
}

func (s *Store) ListForEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryListForEvent, eventID.String())
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryDueTriggers, ms(now), limitArg(limit))
}

func (s *Store) Upcoming(ctx context.Context, now time.Time, window time.Duration, limit int) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryUpcomingTriggers, ms(now), ms(now.Add(window)), limitArg(limit))
}

func (s *Store) Overdue(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryOverdueTriggers, ms(now.Add(-grace)), limitArg(limit))
}

func (s *Store) Counts(ctx context.Context, now time.Time) (domain.TriggerCounts, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var c domain.TriggerCounts
	err := s.db.QueryRowContext(ctx, queryCountTriggers, ms(now)).Scan(&c.Queued, &c.Due)
	return c, err
}

func (s *Store) queryTriggers(ctx context.Context, query string, args ...any) ([]domain.Trigger, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) Claim(ctx context.Context, id, token uuid.UUID, now, expiresAt time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryClaimTrigger, id.String(), token.String(), ms(now), ms(expiresAt))
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, id, domain.ErrClaimConflict)
}

func (s *Store) Release(ctx context.Context, id, token uuid.UUID, now time.Time) error {
	return s.held(ctx, queryReleaseTrigger, id, token, ms(now))
}

func (s *Store) RecordFailure(ctx context.Context, id, token uuid.UUID, attempts int, nextAttemptAt time.Time, lastErr string, now time.Time) error {
	return s.held(ctx, queryRecordFailure, id, token, attempts, ms(nextAttemptAt), lastErr, ms(now))
}

func (s *Store) MarkExecuted(ctx context.Context, id, token uuid.UUID, now time.Time) error {
	return s.held(ctx, queryMarkExecuted, id, token, ms(now))
}

func (s *Store) MarkSkipped(ctx context.Context, id, token uuid.UUID, reason domain.SkipReason, escalated bool, lastErr string, now time.Time) error {
	return s.held(ctx, queryMarkSkipped, id, token, string(reason), escalated, lastErr, ms(now))
}

func (s *Store) held(ctx context.Context, query string, id, token uuid.UUID, args ...any) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, append([]any{id.String(), token.String()}, args...)...)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, id, domain.ErrClaimExpired)
}

func (s *Store) checkAffected(ctx context.Context, res sql.Result, id uuid.UUID, lost error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, queryTriggerExists, id.String()).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrTriggerNotFound
	}
	return lost
}

func (s *Store) Supersede(ctx context.Context, oldID uuid.UUID, reason domain.SkipReason, replacement *domain.Trigger, now time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, querySkipTrigger, oldID.String(), string(reason), ms(now))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrTriggerNotFound
	}

	if replacement != nil {
		if err := insertTrigger(ctx, tx, *replacement); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) SkipActiveForEvent(ctx context.Context, eventID uuid.UUID, reason domain.SkipReason, now time.Time) (int, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, querySkipActiveForEvent, eventID.String(), string(reason), ms(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Audit log

func (s *Store) Append(ctx context.Context, rec domain.AuditRecord) (uuid.UUID, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	var triggerID, actor any
	if rec.TriggerID != nil {
		triggerID = rec.TriggerID.String()
	}
	if rec.Actor != nil {
		actor = *rec.Actor
	}
	_, err := s.db.ExecContext(ctx, queryInsertAudit,
		rec.ID.String(),
		rec.EventID.String(),
		triggerID,
		string(rec.TriggerType),
		rec.OldStatus,
		rec.NewStatus,
		ms(rec.ExecutedAt),
		string(rec.Mode),
		actor,
		string(rec.Outcome),
		rec.Note,
		rec.Escalated,
	)
	if err != nil {
		return uuid.Nil, err
	}
	return rec.ID, nil
}

func (s *Store) Query(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditRecord, error) {
	var eventID any
	if filter.EventID != nil {
		eventID = filter.EventID.String()
	}
	return s.queryAudit(ctx, queryAudit, eventID, msPtr(filter.From), msPtr(filter.To), limitArg(filter.Limit), max(filter.Offset, 0))
}

func (s *Store) Recent(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	return s.queryAudit(ctx, queryRecentAudit, limitArg(limit))
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditRecord, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.AuditRecord
	for rows.Next() {
		var (
			r          domain.AuditRecord
			triggerID  sql.NullString
			typ        string
			executedAt int64
			mode       string
			actor      sql.NullString
			outcome    string
		)
		err := rows.Scan(
			&r.ID,
			&r.EventID,
			&triggerID,
			&typ,
			&r.OldStatus,
			&r.NewStatus,
			&executedAt,
			&mode,
			&actor,
			&outcome,
			&r.Note,
			&r.Escalated,
		)
		if err != nil {
			return nil, err
		}
		if triggerID.Valid {
			id, err := uuid.Parse(triggerID.String)
			if err != nil {
				return nil, fmt.Errorf("parse trigger id: %w", err)
			}
			r.TriggerID = &id
		}
		if actor.Valid {
			a := actor.String
			r.Actor = &a
		}
		r.TriggerType = domain.TriggerType(typ)
		r.ExecutedAt = fromMs(executedAt)
		r.Mode = domain.ExecutionMode(mode)
		r.Outcome = domain.AuditOutcome(outcome)
		result = append(result, r)
	}
	return result, rows.Err()
}

// Scanning

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (domain.Event, error) {
	var (
		e                  domain.Event
		regStart, regEnd   int64
		startAt, endAt     int64
		status, regStatus  string
		createdAt, updated int64
	)
	err := row.Scan(
		&e.ID,
		&e.Title,
		&regStart,
		&regEnd,
		&startAt,
		&endAt,
		&status,
		&regStatus,
		&e.Version,
		&createdAt,
		&updated,
	)
	if err != nil {
		return domain.Event{}, err
	}
	e.Timing = domain.Timing{
		RegistrationStart: fromMs(regStart),
		RegistrationEnd:   fromMs(regEnd),
		StartAt:           fromMs(startAt),
		EndAt:             fromMs(endAt),
	}
	e.Status = domain.EventStatus(status)
	e.RegistrationStatus = domain.RegistrationStatus(regStatus)
	e.CreatedAt = fromMs(createdAt)
	e.UpdatedAt = fromMs(updated)
	return e, nil
}

func scanTrigger(row scanner) (domain.Trigger, error) {
	var (
		t                  domain.Trigger
		typ, state         string
		fireAt             int64
		token              sql.NullString
		claimExpires       sql.NullInt64
		nextAttemptAt      sql.NullInt64
		skipReason         string
		createdAt, updated int64
	)
	err := row.Scan(
		&t.ID,
		&t.EventID,
		&typ,
		&fireAt,
		&state,
		&token,
		&claimExpires,
		&t.Attempts,
		&nextAttemptAt,
		&t.LastError,
		&skipReason,
		&t.Escalated,
		&createdAt,
		&updated,
	)
	if err != nil {
		return domain.Trigger{}, err
	}
	t.Type = domain.TriggerType(typ)
	t.State = domain.TriggerState(state)
	t.FireAt = fromMs(fireAt)
	t.SkipReason = domain.SkipReason(skipReason)
	t.CreatedAt = fromMs(createdAt)
	t.UpdatedAt = fromMs(updated)
	if token.Valid {
		id, err := uuid.Parse(token.String)
		if err != nil {
			return domain.Trigger{}, fmt.Errorf("parse claim token: %w", err)
		}
		t.ClaimToken = id
	}
	if claimExpires.Valid {
		v := fromMs(claimExpires.Int64)
		t.ClaimExpiresAt = &v
	}
	if nextAttemptAt.Valid {
		v := fromMs(nextAttemptAt.Int64)
		t.NextAttemptAt = &v
	}
	return t, nil
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// limitArg maps a non-positive limit to SQLite's unbounded LIMIT -1.
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// isConstraintError reports a UNIQUE or PRIMARY KEY violation.
func isConstraintError(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
