package session

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists session data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, payer_addr, counterparty_addr, asset,
			total_amount, released_amount, refunded_amount, planned_duration_secs,
			status, created_at, started_at, last_heartbeat_at, last_activity_at,
			paused_at, effective_paused_secs, pause_reason,
			transition_count, last_transition_at, emergency_locked,
			dispute_reason, dispute_opened_at, dispute_initiator,
			arbitration_required, dispute_frozen_bps,
			recovery_attempts, last_recovery_at, auto_recovery_enabled,
			resolution, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(20,6), $6::NUMERIC(20,6), $7::NUMERIC(20,6), $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16,
			$17, $18, $19,
			$20, $21, $22,
			$23, $24,
			$25, $26, $27,
			$28, $29
		)`,
		s.ID, s.PayerAddr, s.CounterpartyAddr, nullString(s.Asset),
		s.TotalAmount, s.ReleasedAmount, s.RefundedAmount, s.PlannedDurationSec,
		string(s.Status), s.CreatedAt, nullTime(s.StartedAt), nullTime(s.LastHeartbeatAt), s.LastActivityAt,
		nullTime(s.PausedAt), s.EffectivePausedSec, nullString(s.PauseReason),
		s.TransitionCount, nullTime(s.LastTransitionAt), s.EmergencyLocked,
		nullString(s.DisputeReason), nullTime(s.DisputeOpenedAt), nullString(s.DisputeInitiator),
		s.ArbitrationRequired, s.DisputeFrozenBps,
		s.RecoveryAttempts, nullTime(s.LastRecoveryAt), s.AutoRecoveryEnabled,
		nullString(s.Resolution), s.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrSessionExists
	}
	return err
}

const sessionColumns = `id, payer_addr, counterparty_addr, asset,
		       total_amount, released_amount, refunded_amount, planned_duration_secs,
		       status, created_at, started_at, last_heartbeat_at, last_activity_at,
		       paused_at, effective_paused_secs, pause_reason,
		       transition_count, last_transition_at, emergency_locked,
		       dispute_reason, dispute_opened_at, dispute_initiator,
		       arbitration_required, dispute_frozen_bps,
		       recovery_attempts, last_recovery_at, auto_recovery_enabled,
		       resolution, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return s, err
}

// UpdateIf commits the record only if the stored status still equals
// expected. The WHERE clause is the compare-and-set: a concurrent mutator
// that already advanced the status makes this update match zero rows.
func (p *PostgresStore) UpdateIf(ctx context.Context, s *Session, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			released_amount = $1::NUMERIC(20,6), refunded_amount = $2::NUMERIC(20,6),
			status = $3, started_at = $4, last_heartbeat_at = $5, last_activity_at = $6,
			paused_at = $7, effective_paused_secs = $8, pause_reason = $9,
			transition_count = $10, last_transition_at = $11, emergency_locked = $12,
			dispute_reason = $13, dispute_opened_at = $14, dispute_initiator = $15,
			arbitration_required = $16, dispute_frozen_bps = $17,
			recovery_attempts = $18, last_recovery_at = $19, auto_recovery_enabled = $20,
			resolution = $21, updated_at = $22
		WHERE id = $23 AND status = $24`,
		s.ReleasedAmount, s.RefundedAmount,
		string(s.Status), nullTime(s.StartedAt), nullTime(s.LastHeartbeatAt), s.LastActivityAt,
		nullTime(s.PausedAt), s.EffectivePausedSec, nullString(s.PauseReason),
		s.TransitionCount, nullTime(s.LastTransitionAt), s.EmergencyLocked,
		nullString(s.DisputeReason), nullTime(s.DisputeOpenedAt), nullString(s.DisputeInitiator),
		s.ArbitrationRequired, s.DisputeFrozenBps,
		s.RecoveryAttempts, nullTime(s.LastRecoveryAt), s.AutoRecoveryEnabled,
		nullString(s.Resolution), s.UpdatedAt,
		s.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the id is unknown or the status moved underneath us.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrSessionNotFound
		}
		return ErrStaleStatus
	}
	return nil
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, addr string, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE payer_addr = $1 OR counterparty_addr = $1
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (p *PostgresStore) ListStuck(ctx context.Context, now time.Time, timeouts Timeouts, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE (status = 'created' AND created_at < $1)
		   OR (status = 'active' AND COALESCE(last_heartbeat_at, created_at) < $2)
		   OR (status = 'active' AND started_at IS NOT NULL
		       AND EXTRACT(EPOCH FROM ($5 - started_at)) - effective_paused_secs >= planned_duration_secs)
		   OR (status = 'paused' AND paused_at IS NOT NULL
		       AND effective_paused_secs + EXTRACT(EPOCH FROM ($5 - paused_at)) > $3)
		   OR (status = 'disputed' AND dispute_opened_at < $4)
		ORDER BY updated_at ASC
		LIMIT $6`,
		now.Add(-timeouts.StartTimeout),
		now.Add(-timeouts.HeartbeatTimeout),
		int64(timeouts.MaxPauseDuration/time.Second),
		now.Add(-timeouts.DisputeTimeout),
		now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (p *PostgresStore) ListExhausted(ctx context.Context, maxAttempts int, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status NOT IN ('completed', 'cancelled', 'expired')
		  AND recovery_attempts >= $1
		ORDER BY updated_at ASC
		LIMIT $2`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (*Session, error) {
	s := &Session{}
	var (
		asset            sql.NullString
		status           string
		startedAt        sql.NullTime
		lastHeartbeatAt  sql.NullTime
		pausedAt         sql.NullTime
		pauseReason      sql.NullString
		lastTransitionAt sql.NullTime
		disputeReason    sql.NullString
		disputeOpenedAt  sql.NullTime
		disputeInitiator sql.NullString
		lastRecoveryAt   sql.NullTime
		resolution       sql.NullString
	)

	err := sc.Scan(
		&s.ID, &s.PayerAddr, &s.CounterpartyAddr, &asset,
		&s.TotalAmount, &s.ReleasedAmount, &s.RefundedAmount, &s.PlannedDurationSec,
		&status, &s.CreatedAt, &startedAt, &lastHeartbeatAt, &s.LastActivityAt,
		&pausedAt, &s.EffectivePausedSec, &pauseReason,
		&s.TransitionCount, &lastTransitionAt, &s.EmergencyLocked,
		&disputeReason, &disputeOpenedAt, &disputeInitiator,
		&s.ArbitrationRequired, &s.DisputeFrozenBps,
		&s.RecoveryAttempts, &lastRecoveryAt, &s.AutoRecoveryEnabled,
		&resolution, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status = Status(status)
	s.Asset = asset.String
	s.PauseReason = pauseReason.String
	s.DisputeReason = disputeReason.String
	s.DisputeInitiator = disputeInitiator.String
	s.Resolution = resolution.String
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if lastHeartbeatAt.Valid {
		s.LastHeartbeatAt = &lastHeartbeatAt.Time
	}
	if pausedAt.Valid {
		s.PausedAt = &pausedAt.Time
	}
	if lastTransitionAt.Valid {
		s.LastTransitionAt = &lastTransitionAt.Time
	}
	if disputeOpenedAt.Valid {
		s.DisputeOpenedAt = &disputeOpenedAt.Time
	}
	if lastRecoveryAt.Valid {
		s.LastRecoveryAt = &lastRecoveryAt.Time
	}

	return s, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var result []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
