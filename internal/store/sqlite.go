package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leadflow/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS queries (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'preview',
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS payments (
	id         TEXT PRIMARY KEY,
	query_id   TEXT NOT NULL REFERENCES queries(id),
	session_id TEXT NOT NULL UNIQUE,
	amount_usd REAL NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queries_status ON queries(status);
CREATE INDEX IF NOT EXISTS idx_payments_query_id ON payments(query_id);
CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateQuery(ctx context.Context, q *model.Query) error {
	data, err := json.Marshal(q)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal query")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queries (id, status, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		q.ID, string(q.Status), string(data), q.CreatedAt, q.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert query")
}

func (s *SQLiteStore) GetQuery(ctx context.Context, id string) (*model.Query, error) {
	var status, data string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, data FROM queries WHERE id = ?`, id,
	).Scan(&status, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "query %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get query %s", id)
	}

	var q model.Query
	if err := json.Unmarshal([]byte(data), &q); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal query %s", id)
	}
	// The column is authoritative for status; a CAS may have advanced it
	// after the last full save.
	q.Status = model.QueryStatus(status)
	return &q, nil
}

func (s *SQLiteStore) SaveQuery(ctx context.Context, q *model.Query) error {
	q.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(q)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal query")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE queries SET status = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(q.Status), string(data), q.UpdatedAt, q.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save query %s", q.ID)
	}
	return checkRowsAffected(res, "query", q.ID)
}

func (s *SQLiteStore) TransitionQuery(ctx context.Context, id string, from, to model.QueryStatus) error {
	if !model.CanTransition(from, to) {
		return eris.Wrapf(model.ErrIllegalTransition, "%s -> %s", from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE queries SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition query %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrStaleTransition, "query %s not in %s", id, from)
	}
	return nil
}

func (s *SQLiteStore) ListStalePaidQueries(ctx context.Context, cutoff time.Time, limit int) ([]*model.Query, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, data FROM queries WHERE status = 'paid' AND updated_at < ?
		 ORDER BY updated_at ASC LIMIT ?`, cutoff, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale paid queries")
	}
	defer rows.Close()

	var out []*model.Query
	for rows.Next() {
		var status, data string
		if err := rows.Scan(&status, &data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan query")
		}
		var q model.Query
		if err := json.Unmarshal([]byte(data), &q); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal query")
		}
		q.Status = model.QueryStatus(status)
		out = append(out, &q)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate queries")
}

func (s *SQLiteStore) CreatePayment(ctx context.Context, p *model.Payment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (id, query_id, session_id, amount_usd, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.QueryID, p.GatewaySessionID, p.AmountUSD, string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert payment")
}

func (s *SQLiteStore) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	return s.scanPayment(s.db.QueryRowContext(ctx,
		`SELECT id, query_id, session_id, amount_usd, status, created_at, updated_at
		 FROM payments WHERE id = ?`, id), id)
}

func (s *SQLiteStore) GetPaymentBySession(ctx context.Context, sessionID string) (*model.Payment, error) {
	return s.scanPayment(s.db.QueryRowContext(ctx,
		`SELECT id, query_id, session_id, amount_usd, status, created_at, updated_at
		 FROM payments WHERE session_id = ?`, sessionID), sessionID)
}

func (s *SQLiteStore) PendingPaymentForQuery(ctx context.Context, queryID string) (*model.Payment, error) {
	return s.scanPayment(s.db.QueryRowContext(ctx,
		`SELECT id, query_id, session_id, amount_usd, status, created_at, updated_at
		 FROM payments WHERE query_id = ? AND status = 'pending'
		 ORDER BY created_at DESC LIMIT 1`, queryID), queryID)
}

func (s *SQLiteStore) UpdatePaymentSession(ctx context.Context, id, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET session_id = ?, status = 'pending', updated_at = ? WHERE id = ?`,
		sessionID, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update payment session %s", id)
	}
	return checkRowsAffected(res, "payment", id)
}

func (s *SQLiteStore) MarkPaymentPaid(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = 'paid', updated_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark payment paid %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return true, nil
	}

	// No row matched: either absent or already settled.
	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return false, err
	}
	if p.Status == model.PaymentStatusPaid {
		return false, nil
	}
	return false, eris.Wrapf(ErrStaleTransition, "payment %s is %s", id, p.Status)
}

func (s *SQLiteStore) MarkPaymentFailed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = 'failed', updated_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark payment failed %s", id)
	}
	return checkRowsAffected(res, "payment", id)
}

func (s *SQLiteStore) ListStalePendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]model.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query_id, session_id, amount_usd, status, created_at, updated_at
		 FROM payments WHERE status = 'pending' AND created_at < ?
		 ORDER BY created_at ASC LIMIT ?`, cutoff, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale payments")
	}
	defer rows.Close()

	var out []model.Payment
	for rows.Next() {
		var p model.Payment
		var status string
		if err := rows.Scan(&p.ID, &p.QueryID, &p.GatewaySessionID, &p.AmountUSD, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan payment")
		}
		p.Status = model.PaymentStatus(status)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate payments")
}

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE key = ? AND expires_at > ?`,
		key, time.Now().UTC(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: get cache entry %s", key)
	}
	return value, true, nil
}

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	return eris.Wrapf(err, "sqlite: put cache entry %s", key)
}

func (s *SQLiteStore) DeleteExpiredCacheEntries(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache entries")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) scanPayment(row *sql.Row, ref string) (*model.Payment, error) {
	var p model.Payment
	var status string
	err := row.Scan(&p.ID, &p.QueryID, &p.GatewaySessionID, &p.AmountUSD, &status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "payment %s", ref)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: scan payment %s", ref)
	}
	p.Status = model.PaymentStatus(status)
	return &p, nil
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", kind, id)
	}
	return nil
}
