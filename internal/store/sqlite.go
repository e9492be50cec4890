package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"notifyflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS deliveries (
  event_id TEXT NOT NULL,
  channel TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('inflight','sent','failed','exhausted')),
  attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  lease_until DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(event_id, channel)
);
CREATE INDEX IF NOT EXISTS idx_deliveries_updated ON deliveries(updated_at DESC);
CREATE TABLE IF NOT EXISTS outcomes (
  event_id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  published INTEGER NOT NULL DEFAULT 0,
  publish_attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  completed_at DATETIME NOT NULL,
  published_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outcomes_unpublished ON outcomes(published, created_at);
`
	_, err := db.Exec(schema)
	return err
}

// ReserveOutcome is the result of a CheckOrReserve call.
type ReserveOutcome int

const (
	// Reserved: the key is now held inflight by this worker.
	Reserved ReserveOutcome = iota
	// AlreadyTerminal: a terminal record exists, nothing to do.
	AlreadyTerminal
	// InflightElsewhere: another worker holds an unexpired reservation.
	InflightElsewhere
)

// Reservation reports what CheckOrReserve found for a key.
type Reservation struct {
	Outcome       ReserveOutcome
	PriorStatus   domain.Status
	PriorAttempts int
	PriorError    string
}

// Repository is the single gateway to the durable delivery state. All
// idempotency decisions go through CheckOrReserve/Commit; nothing else
// touches the tables.
type Repository interface {
	CheckOrReserve(ctx context.Context, eventID string, ch domain.Channel, now time.Time) (Reservation, error)
	Commit(ctx context.Context, eventID string, ch domain.Channel, status domain.Status, attempts int, lastErr string) error
	GetDelivery(ctx context.Context, eventID string) ([]domain.DeliveryAttempt, error)
	ListRecent(ctx context.Context, limit int) ([]domain.DeliveryAttempt, error)

	SaveOutcome(ctx context.Context, oc domain.OutcomeEvent) (bool, error)
	MarkPublished(ctx context.Context, eventID string, at time.Time) error
	MarkPublishFailed(ctx context.Context, eventID, errStr string) error
	UnpublishedOutcomes(ctx context.Context, limit int) ([]domain.OutcomeEvent, error)

	Ping(ctx context.Context) error
}

type sqliteRepo struct {
	db    *sql.DB
	lease time.Duration
}

// NewSQLiteRepo wraps db as a Repository. lease bounds how long an
// uncommitted reservation blocks other workers for the same key.
func NewSQLiteRepo(db *sql.DB, lease time.Duration) Repository {
	return &sqliteRepo{db: db, lease: lease}
}

// unavailable tags driver failures so callers can leave the broker
// message unacknowledged.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
}

func (r *sqliteRepo) CheckOrReserve(ctx context.Context, eventID string, ch domain.Channel, now time.Time) (Reservation, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return Reservation{}, unavailable("reserve begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT status, attempts, last_error, lease_until FROM deliveries
WHERE event_id=? AND channel=?`, eventID, string(ch))

	var (
		status     string
		attempts   int
		lastErr    string
		leaseUntil sql.NullTime
	)
	err = row.Scan(&status, &attempts, &lastErr, &leaseUntil)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
INSERT INTO deliveries (event_id, channel, status, lease_until)
VALUES (?, ?, 'inflight', ?)`, eventID, string(ch), now.Add(r.lease))
		if err != nil {
			return Reservation{}, unavailable("reserve insert", err)
		}
		if err = tx.Commit(); err != nil {
			return Reservation{}, unavailable("reserve commit", err)
		}
		return Reservation{Outcome: Reserved}, nil
	case err != nil:
		return Reservation{}, unavailable("reserve select", err)
	}

	st := domain.Status(status)
	if st.Terminal() {
		return Reservation{
			Outcome:       AlreadyTerminal,
			PriorStatus:   st,
			PriorAttempts: attempts,
			PriorError:    lastErr,
		}, nil
	}

	// Inflight. An unexpired lease means another worker owns the key;
	// an expired one is an orphan from a crashed worker and may be
	// taken over.
	if leaseUntil.Valid && leaseUntil.Time.After(now) {
		return Reservation{Outcome: InflightElsewhere, PriorStatus: st, PriorAttempts: attempts}, nil
	}
	_, err = tx.ExecContext(ctx, `
UPDATE deliveries SET lease_until=?, updated_at=CURRENT_TIMESTAMP
WHERE event_id=? AND channel=?`, now.Add(r.lease), eventID, string(ch))
	if err != nil {
		return Reservation{}, unavailable("reserve takeover", err)
	}
	if err = tx.Commit(); err != nil {
		return Reservation{}, unavailable("reserve commit", err)
	}
	return Reservation{Outcome: Reserved, PriorStatus: st, PriorAttempts: attempts}, nil
}

func (r *sqliteRepo) Commit(ctx context.Context, eventID string, ch domain.Channel, status domain.Status, attempts int, lastErr string) error {
	if !status.Terminal() {
		return fmt.Errorf("commit %s/%s: non-terminal status %q", eventID, ch, status)
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE deliveries
SET status=?, attempts=?, last_error=?, lease_until=NULL, updated_at=CURRENT_TIMESTAMP
WHERE event_id=? AND channel=?`, string(status), attempts, lastErr, eventID, string(ch))
	if err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (r *sqliteRepo) GetDelivery(ctx context.Context, eventID string) ([]domain.DeliveryAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT event_id, channel, status, attempts, last_error, lease_until, created_at, updated_at
FROM deliveries WHERE event_id=? ORDER BY channel`, eventID)
	if err != nil {
		return nil, unavailable("get delivery", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.DeliveryAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT event_id, channel, status, attempts, last_error, lease_until, created_at, updated_at
FROM deliveries ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("list recent", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func scanDeliveries(rows *sql.Rows) ([]domain.DeliveryAttempt, error) {
	var out []domain.DeliveryAttempt
	for rows.Next() {
		var (
			d          domain.DeliveryAttempt
			ch         string
			status     string
			leaseUntil sql.NullTime
		)
		if err := rows.Scan(&d.EventID, &ch, &status, &d.Attempts, &d.LastError, &leaseUntil, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, unavailable("scan delivery", err)
		}
		d.Channel = domain.Channel(ch)
		d.Status = domain.Status(status)
		if leaseUntil.Valid {
			t := leaseUntil.Time
			d.LeaseUntil = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveOutcome inserts the outcome row for an event. Returns false when a
// row already exists, which keeps the one-outcome-per-event guarantee
// across redeliveries.
func (r *sqliteRepo) SaveOutcome(ctx context.Context, oc domain.OutcomeEvent) (bool, error) {
	payload, err := json.Marshal(oc)
	if err != nil {
		return false, fmt.Errorf("marshal outcome: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO outcomes (event_id, type, payload, completed_at)
VALUES (?, ?, ?, ?)`, oc.EventID, oc.Type, payload, oc.CompletedAt)
	if err != nil {
		return false, unavailable("save outcome", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE outcomes SET published=1, published_at=?, last_error='' WHERE event_id=?`, at, eventID)
	if err != nil {
		return unavailable("mark published", err)
	}
	return nil
}

func (r *sqliteRepo) MarkPublishFailed(ctx context.Context, eventID, errStr string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE outcomes SET publish_attempts=publish_attempts+1, last_error=? WHERE event_id=?`, errStr, eventID)
	if err != nil {
		return unavailable("mark publish failed", err)
	}
	return nil
}

func (r *sqliteRepo) UnpublishedOutcomes(ctx context.Context, limit int) ([]domain.OutcomeEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT payload FROM outcomes WHERE published=0 ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("unpublished outcomes", err)
	}
	defer rows.Close()

	var out []domain.OutcomeEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, unavailable("scan outcome", err)
		}
		var oc domain.OutcomeEvent
		if err := json.Unmarshal(payload, &oc); err != nil {
			return nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
		out = append(out, oc)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
