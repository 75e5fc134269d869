// Package search drives a query through preview generation: cache
// lookup, rate-limit admission, engine fan-out, contact extraction,
// masking, and persistence.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadflow/internal/cache"
	"github.com/sells-group/leadflow/internal/cost"
	"github.com/sells-group/leadflow/internal/mask"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/ratelimit"
	"github.com/sells-group/leadflow/internal/store"
	"github.com/sells-group/leadflow/pkg/stripe"
)

const serviceSearch = "search"

// RateLimitedError is surfaced when admission is rejected; RetryAfter is
// the time until the oldest admitted call leaves the window.
type RateLimitedError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("search: rate limited (%s), retry after %s", e.Reason, e.RetryAfter)
}

// ErrNoPreviewAvailable is returned when every engine failed and no
// fallback produced results.
var ErrNoPreviewAvailable = eris.New("search: no preview available")

// Config wires the orchestrator's collaborators.
type Config struct {
	Store   store.Store
	Cache   cache.Store
	TTLs    cache.TTLConfig
	Limiter *ratelimit.Limiter
	Ledger  *cost.Ledger
	Engines []Engine
	// Fallback runs only when every primary engine fails. Optional.
	Fallback Engine
	Gateway  stripe.Client

	SuccessURL string
	CancelURL  string
}

// Orchestrator converts raw queries into preview result sets and mints
// checkout sessions for unlocks.
type Orchestrator struct {
	cfg Config
}

// NewOrchestrator validates collaborators and builds the orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Cache == nil || cfg.Limiter == nil || cfg.Ledger == nil {
		return nil, eris.New("search: store, cache, limiter, and ledger are required")
	}
	if len(cfg.Engines) == 0 {
		return nil, eris.New("search: at least one engine is required")
	}
	if cfg.TTLs == (cache.TTLConfig{}) {
		cfg.TTLs = cache.DefaultTTLConfig()
	}
	return &Orchestrator{cfg: cfg}, nil
}

// cachedPreview is the cache payload for one normalized query. Contacts
// are stored unmasked; masking is applied per response.
type cachedPreview struct {
	Contacts []model.Contact `json:"contacts"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// Submit runs the preview pipeline and persists the resulting query.
// On total provider failure the query is persisted as failed and the
// provider error is returned alongside it.
func (o *Orchestrator) Submit(ctx context.Context, identity, tier, text string, filters model.Filters) (*model.Query, error) {
	normalized := cache.NormalizeText(text)
	if normalized == "" {
		return nil, eris.New("search: empty query text")
	}

	now := time.Now().UTC()
	q := &model.Query{
		ID:        uuid.NewString(),
		Identity:  identity,
		Tier:      tier,
		Text:      normalized,
		Filters:   filters,
		Status:    model.QueryStatusPreview,
		CreatedAt: now,
		UpdatedAt: now,
	}

	key := o.cacheKey(normalized, filters)

	// Cache is consulted before admission: a hit consumes no rate-limit
	// budget and makes no outbound call.
	if cached, ok := o.cacheLookup(ctx, key); ok {
		q.Contacts = applyMasking(cached.Contacts)
		q.RawResponse = cached.Raw
		if err := o.cfg.Store.CreateQuery(ctx, q); err != nil {
			return nil, err
		}
		zap.L().Info("preview served from cache",
			zap.String("query_id", q.ID),
			zap.String("cache_key", key),
			zap.Int("contacts", len(q.Contacts)),
		)
		return q, nil
	}

	if d := o.cfg.Limiter.Admit(identity, tier, serviceSearch); !d.Allowed {
		return nil, &RateLimitedError{RetryAfter: d.RetryAfter, Reason: d.Reason}
	}

	contacts, raw, searchCost, err := o.fanOut(ctx, normalized, filters)
	if err != nil {
		q.Fail(eris.ToString(err, false))
		if saveErr := o.cfg.Store.CreateQuery(ctx, q); saveErr != nil {
			return nil, saveErr
		}
		return q, err
	}

	if searchCost > 0 {
		o.cfg.Ledger.Record(q.ID, serviceSearch, 1, searchCost)
	}
	q.TotalCostUSD = o.cfg.Ledger.Total(q.ID)
	q.Contacts = applyMasking(contacts)
	q.RawResponse = raw

	if err := o.cfg.Store.CreateQuery(ctx, q); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(cachedPreview{Contacts: contacts, Raw: raw})
	if err == nil {
		if err := o.cfg.Cache.Put(ctx, key, payload, o.cfg.TTLs.For(cache.KindPreview)); err != nil {
			zap.L().Warn("cache put failed", zap.String("cache_key", key), zap.Error(err))
		}
	}

	zap.L().Info("preview generated",
		zap.String("query_id", q.ID),
		zap.String("identity", identity),
		zap.Int("contacts", len(q.Contacts)),
		zap.Float64("cost_usd", q.TotalCostUSD),
	)
	return q, nil
}

// fanOut runs every engine concurrently and merges results by contact
// fingerprint. Merge order does not matter; the first contact seen for a
// fingerprint wins.
func (o *Orchestrator) fanOut(ctx context.Context, text string, filters model.Filters) ([]model.Contact, json.RawMessage, float64, error) {
	var (
		mu       sync.Mutex
		merged   []model.Contact
		seen     = make(map[string]bool)
		raws     = make(map[string]json.RawMessage)
		totalUSD float64
		lastErr  error
		failures int
	)

	collect := func(name string, res *Result) {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range res.Contacts {
			fp := c.Fingerprint()
			if seen[fp] {
				continue
			}
			seen[fp] = true
			merged = append(merged, c)
		}
		raws[name] = res.Raw
		totalUSD += res.CostUSD
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, engine := range o.cfg.Engines {
		g.Go(func() error {
			res, err := engine.Search(gctx, text, filters)
			if err != nil {
				mu.Lock()
				failures++
				lastErr = err
				mu.Unlock()
				zap.L().Warn("preview engine failed",
					zap.String("engine", engine.Name()),
					zap.Error(err),
				)
				// Engine failures degrade the merge, they do not cancel
				// sibling engines.
				return nil
			}
			collect(engine.Name(), res)
			return nil
		})
	}
	_ = g.Wait()

	if failures == len(o.cfg.Engines) {
		if o.cfg.Fallback != nil {
			res, err := o.cfg.Fallback.Search(ctx, text, filters)
			if err == nil {
				collect(o.cfg.Fallback.Name(), res)
			} else {
				lastErr = err
			}
		}
		if len(merged) == 0 {
			if lastErr == nil {
				lastErr = ErrNoPreviewAvailable
			}
			return nil, nil, 0, lastErr
		}
	}

	raw, _ := json.Marshal(raws)
	return merged, raw, totalUSD, nil
}

func (o *Orchestrator) cacheKey(normalized string, filters model.Filters) string {
	return cache.Key(serviceSearch, map[string]string{
		"q":        normalized,
		"location": filters.Location,
	})
}

func (o *Orchestrator) cacheLookup(ctx context.Context, key string) (*cachedPreview, bool) {
	value, ok, err := o.cfg.Cache.Get(ctx, key)
	if err != nil {
		zap.L().Warn("cache get failed", zap.String("cache_key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var cached cachedPreview
	if err := json.Unmarshal(value, &cached); err != nil {
		zap.L().Warn("cache entry corrupt", zap.String("cache_key", key), zap.Error(err))
		return nil, false
	}
	return &cached, true
}

// applyMasking attaches the preview mask to each contact.
func applyMasking(contacts []model.Contact) []model.Contact {
	out := make([]model.Contact, len(contacts))
	copy(out, contacts)
	for i := range out {
		if out[i].Email != "" {
			out[i].Masked = &model.Preview{Email: mask.Email(out[i].Email)}
		}
	}
	return out
}
