package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/model"
)

// Pool is the subset of pgxpool.Pool the store needs. pgxmock satisfies
// it for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest store operations.
var preparedStatements = map[string]string{
	"insert_query":       `INSERT INTO queries (id, status, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
	"get_query":          `SELECT status, data FROM queries WHERE id = $1`,
	"save_query":         `UPDATE queries SET status = $1, data = $2, updated_at = $3 WHERE id = $4`,
	"transition_query":   `UPDATE queries SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
	"get_payment":        `SELECT id, query_id, session_id, amount_usd, status, created_at, updated_at FROM payments WHERE id = $1`,
	"payment_by_session": `SELECT id, query_id, session_id, amount_usd, status, created_at, updated_at FROM payments WHERE session_id = $1`,
	"mark_paid":          `UPDATE payments SET status = 'paid', updated_at = $1 WHERE id = $2 AND status = 'pending'`,
	"get_cache_entry":    `SELECT value FROM cache_entries WHERE key = $1 AND expires_at > now()`,
	"put_cache_entry":    `INSERT INTO cache_entries (key, value, expires_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: func() {}}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS queries (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'preview',
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS payments (
	id         TEXT PRIMARY KEY,
	query_id   TEXT NOT NULL REFERENCES queries(id),
	session_id TEXT NOT NULL UNIQUE,
	amount_usd DOUBLE PRECISION NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queries_status ON queries(status);
CREATE INDEX IF NOT EXISTS idx_payments_query_id ON payments(query_id);
CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

func (s *PostgresStore) CreateQuery(ctx context.Context, q *model.Query) error {
	data, err := json.Marshal(q)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal query")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO queries (id, status, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		q.ID, string(q.Status), data, q.CreatedAt, q.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert query")
}

func (s *PostgresStore) GetQuery(ctx context.Context, id string) (*model.Query, error) {
	var status string
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT status, data FROM queries WHERE id = $1`, id,
	).Scan(&status, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "query %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get query %s", id)
	}

	var q model.Query
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal query %s", id)
	}
	q.Status = model.QueryStatus(status)
	return &q, nil
}

func (s *PostgresStore) SaveQuery(ctx context.Context, q *model.Query) error {
	q.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(q)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal query")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE queries SET status = $1, data = $2, updated_at = $3 WHERE id = $4`,
		string(q.Status), data, q.UpdatedAt, q.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save query %s", q.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "query %s", q.ID)
	}
	return nil
}

func (s *PostgresStore) TransitionQuery(ctx context.Context, id string, from, to model.QueryStatus) error {
	if !model.CanTransition(from, to) {
		return eris.Wrapf(model.ErrIllegalTransition, "%s -> %s", from, to)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE queries SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition query %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStaleTransition, "query %s not in %s", id, from)
	}
	return nil
}

func (s *PostgresStore) ListStalePaidQueries(ctx context.Context, cutoff time.Time, limit int) ([]*model.Query, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT status, data FROM queries WHERE status = 'paid' AND updated_at < $1
		 ORDER BY updated_at ASC LIMIT $2`, cutoff, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale paid queries")
	}
	defer rows.Close()

	var out []*model.Query
	for rows.Next() {
		var status string
		var data []byte
		if err := rows.Scan(&status, &data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan query")
		}
		var q model.Query
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal query")
		}
		q.Status = model.QueryStatus(status)
		out = append(out, &q)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate queries")
}

func (s *PostgresStore) CreatePayment(ctx context.Context, p *model.Payment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payments (id, query_id, session_id, amount_usd, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.QueryID, p.GatewaySessionID, p.AmountUSD, string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert payment")
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	return s.scanPayment(s.pool.QueryRow(ctx,
		`SELECT id, query_id, session_id, amount_usd, status, created_at, updated_at
		 FROM payments WHERE id = $1`, id), id)
}

func (s *PostgresStore) GetPaymentBySession(ctx context.Context, sessionID string) (*model.Payment, error) {
	return s.scanPayment(s.pool.QueryRow(ctx,
		`SELECT id, query_id, session_id, amount_usd, status, created_at, updated_at
		 FROM payments WHERE session_id = $1`, sessionID), sessionID)
}

func (s *PostgresStore) PendingPaymentForQuery(ctx context.Context, queryID string) (*model.Payment, error) {
	return s.scanPayment(s.pool.QueryRow(ctx,
		`SELECT id, query_id, session_id, amount_usd, status, created_at, updated_at
		 FROM payments WHERE query_id = $1 AND status = 'pending'
		 ORDER BY created_at DESC LIMIT 1`, queryID), queryID)
}

func (s *PostgresStore) UpdatePaymentSession(ctx context.Context, id, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET session_id = $1, status = 'pending', updated_at = $2 WHERE id = $3`,
		sessionID, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update payment session %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "payment %s", id)
	}
	return nil
}

func (s *PostgresStore) MarkPaymentPaid(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET status = 'paid', updated_at = $1 WHERE id = $2 AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark payment paid %s", id)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return false, err
	}
	if p.Status == model.PaymentStatusPaid {
		return false, nil
	}
	return false, eris.Wrapf(ErrStaleTransition, "payment %s is %s", id, p.Status)
}

func (s *PostgresStore) MarkPaymentFailed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET status = 'failed', updated_at = $1 WHERE id = $2 AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark payment failed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "payment %s", id)
	}
	return nil
}

func (s *PostgresStore) ListStalePendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]model.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, query_id, session_id, amount_usd, status, created_at, updated_at
		 FROM payments WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at ASC LIMIT $2`, cutoff, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale payments")
	}
	defer rows.Close()

	var out []model.Payment
	for rows.Next() {
		var p model.Payment
		var status string
		if err := rows.Scan(&p.ID, &p.QueryID, &p.GatewaySessionID, &p.AmountUSD, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan payment")
		}
		p.Status = model.PaymentStatus(status)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate payments")
}

func (s *PostgresStore) GetCacheEntry(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM cache_entries WHERE key = $1 AND expires_at > now()`, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: get cache entry %s", key)
	}
	return value, true, nil
}

func (s *PostgresStore) PutCacheEntry(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	return eris.Wrapf(err, "postgres: put cache entry %s", key)
}

func (s *PostgresStore) DeleteExpiredCacheEntries(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache entries")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) scanPayment(row pgx.Row, ref string) (*model.Payment, error) {
	var p model.Payment
	var status string
	err := row.Scan(&p.ID, &p.QueryID, &p.GatewaySessionID, &p.AmountUSD, &status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "payment %s", ref)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scan payment %s", ref)
	}
	p.Status = model.PaymentStatus(status)
	return &p, nil
}
