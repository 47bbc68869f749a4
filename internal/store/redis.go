package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, prefix string, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		prefix:  prefix,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AddPredictions(ctx context.Context, advisorID string, date time.Time, preds []model.Prediction) error {
	return s.primary.AddPredictions(ctx, advisorID, date, preds)
}

func (s *CachedStore) UpdatePrediction(ctx context.Context, p *model.Prediction) error {
	if err := s.primary.UpdatePrediction(ctx, p); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, s.predictionKey(p.AdvisorID, p.ID))
	return nil
}

func (s *CachedStore) CreateAccount(ctx context.Context, acct *model.Account) error {
	if err := s.primary.CreateAccount(ctx, acct); err != nil {
		return err
	}
	s.cache(ctx, s.accountKey(acct.AdvisorID), acct)
	return nil
}

func (s *CachedStore) UpdateAccount(ctx context.Context, advisorID, key, predictionID string, fn func(*model.Account) error) (*model.Account, error) {
	acct, err := s.primary.UpdateAccount(ctx, advisorID, key, predictionID, fn)
	if err != nil && !errors.Is(err, errs.ErrAlreadyApplied) {
		return nil, err
	}
	s.rdb.Del(ctx, s.accountKey(advisorID))
	return acct, err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPrediction(ctx context.Context, advisorID, predictionID string) (*model.Prediction, error) {
	key := s.predictionKey(advisorID, predictionID)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var p model.Prediction
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPrediction(ctx, advisorID, predictionID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, p)
	return p, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, advisorID string) (*model.Account, error) {
	key := s.accountKey(advisorID)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, advisorID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, a)
	return a, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPredictions(ctx context.Context, q PredictionQuery) ([]model.Prediction, error) {
	return s.primary.ListPredictions(ctx, q)
}

func (s *CachedStore) ListActiveAdvisors(ctx context.Context) ([]string, error) {
	return s.primary.ListActiveAdvisors(ctx)
}

func (s *CachedStore) GetLedgerEntries(ctx context.Context, advisorID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntries(ctx, advisorID)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) predictionKey(advisorID, id string) string {
	return fmt.Sprintf("%s:prediction:%s:%s", s.prefix, advisorID, id)
}

func (s *CachedStore) accountKey(advisorID string) string {
	return fmt.Sprintf("%s:account:%s", s.prefix, advisorID)
}
