// Package store persists queries, payments, and cache entries. The core
// treats it as a transactional record store; SQLite and Postgres
// implementations are provided.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrStaleTransition is returned when a conditional status update matched
// no row — the record was not in the expected state.
var ErrStaleTransition = eris.New("store: stale transition")

// Store is the persistence contract for the orchestration engine.
type Store interface {
	// Queries
	CreateQuery(ctx context.Context, q *model.Query) error
	GetQuery(ctx context.Context, id string) (*model.Query, error)
	SaveQuery(ctx context.Context, q *model.Query) error
	// TransitionQuery performs a compare-and-swap on the status column:
	// it succeeds only if the stored status equals from, otherwise it
	// returns ErrStaleTransition.
	TransitionQuery(ctx context.Context, id string, from, to model.QueryStatus) error
	// ListStalePaidQueries returns queries sitting in paid since before
	// the cutoff. A healthy settlement hands its job to a worker within
	// moments, so a stale paid query means the enrichment dispatch was
	// lost and the reconciliation sweep must re-enqueue it.
	ListStalePaidQueries(ctx context.Context, cutoff time.Time, limit int) ([]*model.Query, error)

	// Payments
	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, id string) (*model.Payment, error)
	GetPaymentBySession(ctx context.Context, sessionID string) (*model.Payment, error)
	PendingPaymentForQuery(ctx context.Context, queryID string) (*model.Payment, error)
	UpdatePaymentSession(ctx context.Context, id, sessionID string) error
	// MarkPaymentPaid transitions pending->paid atomically. It reports
	// transitioned=false without error when the payment was already paid,
	// which is how replayed gateway events are absorbed.
	MarkPaymentPaid(ctx context.Context, id string) (transitioned bool, err error)
	MarkPaymentFailed(ctx context.Context, id string) error
	// ListStalePendingPayments returns payments still pending since before
	// the cutoff, for the reconciliation sweep.
	ListStalePendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]model.Payment, error)

	// Response cache rows
	GetCacheEntry(ctx context.Context, key string) ([]byte, bool, error)
	PutCacheEntry(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	DeleteExpiredCacheEntries(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// CacheAdapter exposes a Store's cache rows through the cache.Store
// contract so the orchestrator can run against persistent cache entries
// instead of process memory.
type CacheAdapter struct {
	S Store
}

// Get returns the cached value if present and unexpired.
func (a CacheAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return a.S.GetCacheEntry(ctx, key)
}

// Put stores value under key until now+ttl.
func (a CacheAdapter) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.S.PutCacheEntry(ctx, key, value, time.Now().UTC().Add(ttl))
}

// Delete expires a key immediately.
func (a CacheAdapter) Delete(ctx context.Context, key string) error {
	return a.S.PutCacheEntry(ctx, key, nil, time.Now().UTC().Add(-time.Second))
}
