package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu sync.RWMutex

	// advisor → filing date → predictions in insertion order
	predictions map[string]map[string][]model.Prediction

	accounts map[string]*model.Account
	ledger   map[string][]model.LedgerEntry
	applied  map[string]map[string]bool

	// advisor → lock; serializes UpdateAccount per advisor
	acctLocks map[string]*sync.Mutex

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		predictions: make(map[string]map[string][]model.Prediction),
		accounts:    make(map[string]*model.Account),
		ledger:      make(map[string][]model.LedgerEntry),
		applied:     make(map[string]map[string]bool),
		acctLocks:   make(map[string]*sync.Mutex),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) AddPredictions(_ context.Context, advisorID string, date time.Time, preds []model.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.predictions[advisorID]
	if !ok {
		docs = make(map[string][]model.Prediction)
		s.predictions[advisorID] = docs
	}
	for _, p := range preds {
		if _, _, found := s.find(advisorID, p.ID); found {
			return fmt.Errorf("prediction %s already exists for advisor %s", p.ID, advisorID)
		}
	}
	key := model.DateKey(date)
	for _, p := range preds {
		docs[key] = append(docs[key], clonePrediction(p))
	}
	return nil
}

// find locates a prediction. Caller holds s.mu.
func (s *MemoryStore) find(advisorID, predictionID string) (string, int, bool) {
	for key, doc := range s.predictions[advisorID] {
		for i := range doc {
			if doc[i].ID == predictionID {
				return key, i, true
			}
		}
	}
	return "", 0, false
}

func (s *MemoryStore) GetPrediction(_ context.Context, advisorID, predictionID string) (*model.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, i, ok := s.find(advisorID, predictionID)
	if !ok {
		return nil, errs.NotFound("prediction", predictionID)
	}
	p := clonePrediction(s.predictions[advisorID][key][i])
	return &p, nil
}

func (s *MemoryStore) UpdatePrediction(_ context.Context, p *model.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, i, ok := s.find(p.AdvisorID, p.ID)
	if !ok {
		return errs.NotFound("prediction", p.ID)
	}
	existing := s.predictions[p.AdvisorID][key][i]
	if existing.Position.Security.Ticker != p.Position.Security.Ticker ||
		!existing.CreatedDate.Equal(p.CreatedDate) {
		return errs.NotFound("prediction", p.ID)
	}
	if err := checkReplace(&existing, p); err != nil {
		return err
	}
	p.Version++
	s.predictions[p.AdvisorID][key][i] = clonePrediction(*p)
	return nil
}

func (s *MemoryStore) ListPredictions(_ context.Context, q PredictionQuery) ([]model.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.predictions[q.AdvisorID]
	keys := make([]string, 0, len(docs))
	for key := range docs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var result []model.Prediction
	for _, key := range keys {
		for _, p := range docs[key] {
			date, _ := time.Parse("2006-01-02", key)
			if !inRange(date, q) || !matches(&p, q) {
				continue
			}
			result = append(result, clonePrediction(p))
		}
	}
	return result, nil
}

func (s *MemoryStore) ListActiveAdvisors(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var advisors []string
	for advisorID, docs := range s.predictions {
	scan:
		for _, doc := range docs {
			for i := range doc {
				if !doc[i].IsClosed() || !doc[i].Settled {
					advisors = append(advisors, advisorID)
					break scan
				}
			}
		}
	}
	sort.Strings(advisors)
	return advisors, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.AdvisorID]; ok {
		return fmt.Errorf("account for advisor %s already exists", acct.AdvisorID)
	}
	copy := *acct
	s.accounts[acct.AdvisorID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, advisorID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[advisorID]
	if !ok {
		return nil, errs.NotFound("account", advisorID)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) advisorLock(advisorID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.acctLocks[advisorID]
	if !ok {
		l = &sync.Mutex{}
		s.acctLocks[advisorID] = l
	}
	return l
}

// UpdateAccount holds the advisor's lock across read, fn and write, so
// concurrent updates for one advisor serialize while other advisors proceed.
func (s *MemoryStore) UpdateAccount(_ context.Context, advisorID, key, predictionID string, fn func(*model.Account) error) (*model.Account, error) {
	l := s.advisorLock(advisorID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	current, ok := s.accounts[advisorID]
	applied := s.applied[advisorID][key]
	s.mu.RUnlock()

	if !ok {
		return nil, errs.NotFound("account", advisorID)
	}
	if applied {
		copy := *current
		return &copy, errs.ErrAlreadyApplied
	}

	before := *current
	next := *current
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied[advisorID] == nil {
		s.applied[advisorID] = make(map[string]bool)
	}
	s.applied[advisorID][key] = true
	s.accounts[advisorID] = &next
	s.ledger[advisorID] = append(s.ledger[advisorID], ledgerEntry(advisorID, key, predictionID, before, next, next.UpdatedAt))

	copy := next
	return &copy, nil
}

func (s *MemoryStore) GetLedgerEntries(_ context.Context, advisorID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.LedgerEntry(nil), s.ledger[advisorID]...), nil
}
