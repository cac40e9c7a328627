package deposit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/modules/allocation"
)

// ErrConflict is returned when a guarded update finds the row in a
// state that does not admit the requested change.
var ErrConflict = errors.New("session state conflict")

// Repository persists deposit sessions and their settlement legs.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new deposit session repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "deposit_sessions").Logger(),
	}
}

// Schema returns the DDL for deposit sessions and legs. Correlation ids
// are unique across sessions once assigned, which is what makes
// funds-received idempotent per correlation id. Legs are keyed per
// destination asset so settlement retries resume rather than duplicate.
func Schema() string {
	return `
	CREATE TABLE IF NOT EXISTS deposit_sessions (
		id TEXT PRIMARY KEY,
		rail TEXT NOT NULL,
		asset TEXT NOT NULL,
		chain INTEGER NOT NULL,
		expected_amount TEXT NOT NULL DEFAULT '',
		observed_amount TEXT NOT NULL DEFAULT '0',
		fee_amount TEXT NOT NULL DEFAULT '0',
		net_amount TEXT NOT NULL DEFAULT '0',
		correlation_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		target_snapshot TEXT NOT NULL DEFAULT '{}',
		phone TEXT NOT NULL DEFAULT '',
		deposit_address TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		received_at INTEGER,
		confirmed_at INTEGER,
		settled_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_deposit_sessions_correlation
		ON deposit_sessions(correlation_id) WHERE correlation_id != '';
	CREATE INDEX IF NOT EXISTS idx_deposit_sessions_status
		ON deposit_sessions(status);
	CREATE TABLE IF NOT EXISTS deposit_legs (
		session_id TEXT NOT NULL,
		destination_asset TEXT NOT NULL,
		input_amount_base TEXT NOT NULL,
		status TEXT NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		realized_amount_base TEXT NOT NULL DEFAULT '0',
		error_message TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, destination_asset)
	);
	`
}

// InitSchema creates the deposit tables if they do not exist.
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(Schema()); err != nil {
		return fmt.Errorf("failed to create deposit schema: %w", err)
	}
	return nil
}

const sessionColumns = `id, rail, asset, chain,
	expected_amount, observed_amount, fee_amount, net_amount,
	correlation_id, status, failure_reason, target_snapshot,
	phone, deposit_address,
	created_at, expires_at, received_at, confirmed_at, settled_at, updated_at`

// Insert stores a freshly created session.
func (r *Repository) Insert(s *Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	expected := ""
	if s.ExpectedAmount != nil {
		expected = s.ExpectedAmount.String()
	}
	snapshot, err := json.Marshal(s.TargetSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode target snapshot: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO deposit_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?)`,
		s.ID, string(s.Rail), s.Asset, s.Chain,
		expected, s.ObservedAmount.String(), s.FeeAmount.String(), s.NetAmount.String(),
		s.CorrelationID, string(s.Status), s.FailureReason, string(snapshot),
		s.Phone, s.DepositAddress,
		s.CreatedAt.Unix(), s.ExpiresAt.Unix(), s.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert deposit session: %w", err)
	}
	return nil
}

// Get returns a session by id, or nil when it does not exist. Legs are
// not loaded; see ListLegs.
func (r *Repository) Get(id string) (*Session, error) {
	row := r.db.QueryRow(`SELECT `+sessionColumns+` FROM deposit_sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit session: %w", err)
	}
	return s, nil
}

// FindByCorrelationID returns the session the rail's correlation id is
// bound to, or nil when no session carries it.
func (r *Repository) FindByCorrelationID(correlationID string) (*Session, error) {
	if correlationID == "" {
		return nil, nil
	}
	row := r.db.QueryRow(`SELECT `+sessionColumns+` FROM deposit_sessions WHERE correlation_id = ?`, correlationID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session by correlation id: %w", err)
	}
	return s, nil
}

// ListByStatus returns sessions in the given status, oldest first.
func (r *Repository) ListByStatus(status Status) ([]*Session, error) {
	rows, err := r.db.Query(`
		SELECT `+sessionColumns+` FROM deposit_sessions
		WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions by status: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListUnsettled returns confirmed sessions whose settlement has not
// completed, oldest first.
func (r *Repository) ListUnsettled() ([]*Session, error) {
	rows, err := r.db.Query(`
		SELECT `+sessionColumns+` FROM deposit_sessions
		WHERE status = ? AND settled_at IS NULL
		ORDER BY created_at ASC`, string(StatusConfirmed))
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// MarkReceived records observed funds and moves the session to
// RECEIVED. Guarded on AWAITING_TRANSFER; returns ErrConflict when the
// session already moved on.
func (r *Repository) MarkReceived(id string, observed, fee, net decimal.Decimal, correlationID string, receivedAt time.Time) error {
	res, err := r.db.Exec(`
		UPDATE deposit_sessions
		SET status = ?, observed_amount = ?, fee_amount = ?, net_amount = ?,
			correlation_id = ?, received_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusReceived), observed.String(), fee.String(), net.String(),
		correlationID, receivedAt.Unix(), time.Now().UTC().Unix(),
		id, string(StatusAwaitingTransfer))
	if err != nil {
		return fmt.Errorf("failed to mark session received: %w", err)
	}
	return requireRow(res)
}

// MarkConfirmed moves a RECEIVED session to CONFIRMED.
func (r *Repository) MarkConfirmed(id string, confirmedAt time.Time) error {
	res, err := r.db.Exec(`
		UPDATE deposit_sessions SET status = ?, confirmed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusConfirmed), confirmedAt.Unix(), time.Now().UTC().Unix(),
		id, string(StatusReceived))
	if err != nil {
		return fmt.Errorf("failed to mark session confirmed: %w", err)
	}
	return requireRow(res)
}

// MarkExpired moves an AWAITING_TRANSFER session to EXPIRED.
func (r *Repository) MarkExpired(id string) error {
	res, err := r.db.Exec(`
		UPDATE deposit_sessions SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusExpired), time.Now().UTC().Unix(),
		id, string(StatusAwaitingTransfer))
	if err != nil {
		return fmt.Errorf("failed to mark session expired: %w", err)
	}
	return requireRow(res)
}

// MarkFailed moves a RECEIVED session to FAILED with a reason.
func (r *Repository) MarkFailed(id, reason string) error {
	res, err := r.db.Exec(`
		UPDATE deposit_sessions SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusFailed), reason, time.Now().UTC().Unix(),
		id, string(StatusReceived))
	if err != nil {
		return fmt.Errorf("failed to mark session failed: %w", err)
	}
	return requireRow(res)
}

// MarkSettled sets the settled flag on a confirmed session. Guarded so
// concurrent settlement passes credit the portfolio exactly once: the
// caller that wins the update performs the credit.
func (r *Repository) MarkSettled(id string, settledAt time.Time) error {
	res, err := r.db.Exec(`
		UPDATE deposit_sessions SET settled_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND settled_at IS NULL`,
		settledAt.Unix(), time.Now().UTC().Unix(),
		id, string(StatusConfirmed))
	if err != nil {
		return fmt.Errorf("failed to mark session settled: %w", err)
	}
	return requireRow(res)
}

// EnsureLegs inserts the settlement legs for a session, leaving any
// existing rows untouched so a resumed settlement keeps its progress.
func (r *Repository) EnsureLegs(sessionID string, legs []*Leg) error {
	now := time.Now().UTC()
	for _, leg := range legs {
		_, err := r.db.Exec(`
			INSERT INTO deposit_legs
				(session_id, destination_asset, input_amount_base, status,
				 order_id, realized_amount_base, error_message, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, destination_asset) DO NOTHING`,
			sessionID, leg.DestinationAsset, leg.InputAmount.String(), string(leg.Status),
			leg.OrderID, leg.RealizedAmount.String(), leg.ErrorMessage, now.Unix())
		if err != nil {
			return fmt.Errorf("failed to ensure deposit leg: %w", err)
		}
	}
	return nil
}

// UpdateLeg stores leg progress. Completed legs are immutable; updating
// one returns ErrConflict.
func (r *Repository) UpdateLeg(leg *Leg) error {
	res, err := r.db.Exec(`
		UPDATE deposit_legs
		SET status = ?, order_id = ?, realized_amount_base = ?, error_message = ?, updated_at = ?
		WHERE session_id = ? AND destination_asset = ? AND status != ?`,
		string(leg.Status), leg.OrderID, leg.RealizedAmount.String(), leg.ErrorMessage,
		time.Now().UTC().Unix(),
		leg.SessionID, leg.DestinationAsset, string(LegCompleted))
	if err != nil {
		return fmt.Errorf("failed to update deposit leg: %w", err)
	}
	return requireRow(res)
}

// ListLegs returns a session's legs in destination asset order.
func (r *Repository) ListLegs(sessionID string) ([]*Leg, error) {
	rows, err := r.db.Query(`
		SELECT session_id, destination_asset, input_amount_base, status,
			order_id, realized_amount_base, error_message, updated_at
		FROM deposit_legs WHERE session_id = ?
		ORDER BY destination_asset ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposit legs: %w", err)
	}
	defer rows.Close()

	var legs []*Leg
	for rows.Next() {
		leg := &Leg{}
		var input, realized, status string
		var updatedAt int64
		if err := rows.Scan(&leg.SessionID, &leg.DestinationAsset, &input, &status,
			&leg.OrderID, &realized, &leg.ErrorMessage, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deposit leg: %w", err)
		}
		leg.InputAmount, err = decimal.NewFromString(input)
		if err != nil {
			return nil, fmt.Errorf("failed to parse leg input amount: %w", err)
		}
		leg.RealizedAmount, err = decimal.NewFromString(realized)
		if err != nil {
			return nil, fmt.Errorf("failed to parse leg realized amount: %w", err)
		}
		leg.Status = LegStatus(status)
		leg.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		legs = append(legs, leg)
	}
	return legs, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	s := &Session{}
	var rail, status, expected, observed, fee, net, snapshot string
	var createdAt, expiresAt, updatedAt int64
	var receivedAt, confirmedAt, settledAt sql.NullInt64

	err := row.Scan(&s.ID, &rail, &s.Asset, &s.Chain,
		&expected, &observed, &fee, &net,
		&s.CorrelationID, &status, &s.FailureReason, &snapshot,
		&s.Phone, &s.DepositAddress,
		&createdAt, &expiresAt, &receivedAt, &confirmedAt, &settledAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.Rail = Rail(rail)
	s.Status = Status(status)
	if expected != "" {
		d, err := decimal.NewFromString(expected)
		if err != nil {
			return nil, fmt.Errorf("failed to parse expected amount: %w", err)
		}
		s.ExpectedAmount = &d
	}
	if s.ObservedAmount, err = decimal.NewFromString(observed); err != nil {
		return nil, fmt.Errorf("failed to parse observed amount: %w", err)
	}
	if s.FeeAmount, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("failed to parse fee amount: %w", err)
	}
	if s.NetAmount, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("failed to parse net amount: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshot), &s.TargetSnapshot); err != nil {
		return nil, fmt.Errorf("failed to decode target snapshot: %w", err)
	}
	if s.TargetSnapshot == nil {
		s.TargetSnapshot = allocation.Target{}
	}

	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if receivedAt.Valid {
		t := time.Unix(receivedAt.Int64, 0).UTC()
		s.ReceivedAt = &t
	}
	if confirmedAt.Valid {
		t := time.Unix(confirmedAt.Int64, 0).UTC()
		s.ConfirmedAt = &t
	}
	if settledAt.Valid {
		t := time.Unix(settledAt.Int64, 0).UTC()
		s.SettledAt = &t
	}
	return s, nil
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deposit session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
