// Package postgres implements the event store, trigger queue and audit log
// on PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store is safe for concurrent use; every write is a single conditional
// statement or a short transaction.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
	clock     func() time.Time
}

// New wraps db. A positive opTimeout bounds every statement.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout, clock: time.Now}
}

func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
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
		e.ID,
		e.Title,
		e.RegistrationStart,
		e.RegistrationEnd,
		e.StartAt,
		e.EndAt,
		string(e.Status),
		string(e.RegistrationStatus),
		e.Version,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if isDuplicateKeyError(err) {
		return domain.ErrVersionConflict
	}
	return err
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	e, err := scanEvent(s.db.QueryRowContext(ctx, queryGetEvent, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return e, err
}

// CompareAndUpdate applies patch only if the stored version still equals
// expectedVersion, bumping the version in the same statement.
func (s *Store) CompareAndUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, patch domain.EventPatch) (domain.Event, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var status, regStatus *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}
	if patch.RegistrationStatus != nil {
		v := string(*patch.RegistrationStatus)
		regStatus = &v
	}
	var regStart, regEnd, startAt, endAt *time.Time
	if patch.Timing != nil {
		regStart, regEnd = &patch.Timing.RegistrationStart, &patch.Timing.RegistrationEnd
		startAt, endAt = &patch.Timing.StartAt, &patch.Timing.EndAt
	}

	e, err := scanEvent(s.db.QueryRowContext(ctx, queryCompareAndUpdateEvent,
		id, expectedVersion, status, regStatus, regStart, regEnd, startAt, endAt, s.clock().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRowContext(ctx, queryEventExists, id).Scan(&exists); err != nil {
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

	res, err := s.db.ExecContext(ctx, queryDeleteEvent, id)
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

// ListActiveEvents returns upcoming and ongoing events ordered by start.
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

// Insert returns domain.ErrDuplicateTrigger when an active trigger of the
// same type already exists for the event.
func (s *Store) Insert(ctx context.Context, t domain.Trigger) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return insertTrigger(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTrigger(ctx context.Context, db execer, t domain.Trigger) error {
	_, err := db.ExecContext(ctx, queryInsertTrigger,
		t.ID,
		t.EventID,
		string(t.Type),
		t.FireAt,
		string(t.State),
		nullToken(t.ClaimToken),
		t.ClaimExpiresAt,
		t.Attempts,
		t.NextAttemptAt,
		t.LastError,
		string(t.SkipReason),
		t.Escalated,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if isDuplicateKeyError(err) {
		return domain.ErrDuplicateTrigger
	}
	return err
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.Trigger, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	t, err := scanTrigger(s.db.QueryRowContext(ctx, queryGetTrigger, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trigger{}, domain.ErrTriggerNotFound
	}
	return t, err
}

func (s *Store) ActiveForEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryActiveForEvent, eventID)
}

// ListForEvent returns every trigger ever created for the event, any state.
func (s *Store) ListForEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryListForEvent, eventID)
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryDueTriggers, now, limitArg(limit))
}

func (s *Store) Upcoming(ctx context.Context, now time.Time, window time.Duration, limit int) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryUpcomingTriggers, now, now.Add(window), limitArg(limit))
}

func (s *Store) Overdue(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryOverdueTriggers, now.Add(-grace), limitArg(limit))
}

func (s *Store) Counts(ctx context.Context, now time.Time) (domain.TriggerCounts, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var c domain.TriggerCounts
	err := s.db.QueryRowContext(ctx, queryCountTriggers, now).Scan(&c.Queued, &c.Due)
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

// Claim is a compare-and-set on the trigger row. It fails with
// domain.ErrClaimConflict when the trigger is no longer due, which includes
// another executor having claimed it first.
func (s *Store) Claim(ctx context.Context, id, token uuid.UUID, now, expiresAt time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryClaimTrigger, id, token, now, expiresAt)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, id, domain.ErrClaimConflict)
}

func (s *Store) Release(ctx context.Context, id, token uuid.UUID, now time.Time) error {
	return s.held(ctx, queryReleaseTrigger, id, token, now)
}

func (s *Store) RecordFailure(ctx context.Context, id, token uuid.UUID, attempts int, nextAttemptAt time.Time, lastErr string, now time.Time) error {
	return s.held(ctx, queryRecordFailure, id, token, attempts, nextAttemptAt, lastErr, now)
}

func (s *Store) MarkExecuted(ctx context.Context, id, token uuid.UUID, now time.Time) error {
	return s.held(ctx, queryMarkExecuted, id, token, now)
}

func (s *Store) MarkSkipped(ctx context.Context, id, token uuid.UUID, reason domain.SkipReason, escalated bool, lastErr string, now time.Time) error {
	return s.held(ctx, queryMarkSkipped, id, token, string(reason), escalated, lastErr, now)
}

// held runs a write that only applies while token still holds the claim.
func (s *Store) held(ctx context.Context, query string, id, token uuid.UUID, args ...any) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, append([]any{id, token}, args...)...)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, id, domain.ErrClaimExpired)
}

// checkAffected maps a zero-row conditional update to ErrTriggerNotFound
// when the row is gone and to lost otherwise.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, id uuid.UUID, lost error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, queryTriggerExists, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrTriggerNotFound
	}
	return lost
}

// Supersede skips the active trigger oldID and inserts replacement, if any,
// in one transaction.
func (s *Store) Supersede(ctx context.Context, oldID uuid.UUID, reason domain.SkipReason, replacement *domain.Trigger, now time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, querySkipTrigger, oldID, string(reason), now)
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

	res, err := s.db.ExecContext(ctx, querySkipActiveForEvent, eventID, string(reason), now)
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
	var triggerID uuid.NullUUID
	if rec.TriggerID != nil {
		triggerID = uuid.NullUUID{UUID: *rec.TriggerID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, queryInsertAudit,
		rec.ID,
		rec.EventID,
		triggerID,
		string(rec.TriggerType),
		rec.OldStatus,
		rec.NewStatus,
		rec.ExecutedAt,
		string(rec.Mode),
		rec.Actor,
		string(rec.Outcome),
		rec.Note,
		rec.Escalated,
	)
	if err != nil {
		return uuid.Nil, err
	}
	return rec.ID, nil
}

// Query returns matching records oldest first.
func (s *Store) Query(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditRecord, error) {
	var eventID uuid.NullUUID
	if filter.EventID != nil {
		eventID = uuid.NullUUID{UUID: *filter.EventID, Valid: true}
	}
	return s.queryAudit(ctx, queryAudit, eventID, filter.From, filter.To, limitArg(filter.Limit), max(filter.Offset, 0))
}

// Recent returns the newest records first.
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
			r         domain.AuditRecord
			triggerID uuid.NullUUID
			typ       string
			mode      string
			actor     sql.NullString
			outcome   string
		)
		err := rows.Scan(
			&r.ID,
			&r.EventID,
			&triggerID,
			&typ,
			&r.OldStatus,
			&r.NewStatus,
			&r.ExecutedAt,
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
			id := triggerID.UUID
			r.TriggerID = &id
		}
		if actor.Valid {
			a := actor.String
			r.Actor = &a
		}
		r.TriggerType = domain.TriggerType(typ)
		r.Mode = domain.ExecutionMode(mode)
		r.Outcome = domain.AuditOutcome(outcome)
		r.ExecutedAt = r.ExecutedAt.UTC()
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
		e         domain.Event
		status    string
		regStatus string
	)
	err := row.Scan(
		&e.ID,
		&e.Title,
		&e.RegistrationStart,
		&e.RegistrationEnd,
		&e.StartAt,
		&e.EndAt,
		&status,
		&regStatus,
		&e.Version,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return domain.Event{}, err
	}
	e.Status = domain.EventStatus(status)
	e.RegistrationStatus = domain.RegistrationStatus(regStatus)
	e.Timing = utcTiming(e.Timing)
	return e, nil
}

func scanTrigger(row scanner) (domain.Trigger, error) {
	var (
		t             domain.Trigger
		typ           string
		state         string
		token         uuid.NullUUID
		claimExpires  sql.NullTime
		nextAttemptAt sql.NullTime
		skipReason    string
	)
	err := row.Scan(
		&t.ID,
		&t.EventID,
		&typ,
		&t.FireAt,
		&state,
		&token,
		&claimExpires,
		&t.Attempts,
		&nextAttemptAt,
		&t.LastError,
		&skipReason,
		&t.Escalated,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return domain.Trigger{}, err
	}
	t.Type = domain.TriggerType(typ)
	t.State = domain.TriggerState(state)
	t.SkipReason = domain.SkipReason(skipReason)
	t.FireAt = t.FireAt.UTC()
	if token.Valid {
		t.ClaimToken = token.UUID
	}
	if claimExpires.Valid {
		v := claimExpires.Time.UTC()
		t.ClaimExpiresAt = &v
	}
	if nextAttemptAt.Valid {
		v := nextAttemptAt.Time.UTC()
		t.NextAttemptAt = &v
	}
	return t, nil
}

func utcTiming(t domain.Timing) domain.Timing {
	return domain.Timing{
		RegistrationStart: t.RegistrationStart.UTC(),
		RegistrationEnd:   t.RegistrationEnd.UTC(),
		StartAt:           t.StartAt.UTC(),
		EndAt:             t.EndAt.UTC(),
	}
}

func nullToken(token uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: token, Valid: token != uuid.Nil}
}

// limitArg turns a non-positive limit into LIMIT NULL, which is unbounded.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// isDuplicateKeyError reports a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
