// Package mockstore is the in-memory mock index backed by yaml persistence.
// Reads during matching are index-only; writes persist first and mutate the
// index only after the disk write succeeds, so a failed write leaves the
// in-memory state untouched. Usage counters are the one exception: they
// update in memory immediately and reach disk through a periodic flush.
package mockstore

import (
	"context"
	"sync"
	"time"

	"github.com/dbtap/dbtap/pkg/models"
	"github.com/dbtap/dbtap/utils"
	"go.uber.org/zap"
)

// MockDB is the persistence collaborator; pkg/platform/yaml/mockdb is the
// file-backed implementation.
type MockDB interface {
	Load() ([]*models.Mock, error)
	Upsert(mock *models.Mock) error
	Delete(id string) error
}

type treeKey struct {
	port     uint16
	protocol models.Protocol
}

type Store struct {
	logger *zap.Logger
	db     MockDB

	mu    sync.RWMutex
	trees map[treeKey]*TreeDb
	byID  map[string]*models.Mock
	// ids whose usage counters have not been persisted yet
	dirty map[string]struct{}

	flushEvery time.Duration
}

func New(logger *zap.Logger, db MockDB, flushEvery time.Duration) *Store {
	return &Store{
		logger:     logger,
		db:         db,
		trees:      make(map[treeKey]*TreeDb),
		byID:       make(map[string]*models.Mock),
		dirty:      make(map[string]struct{}),
		flushEvery: flushEvery,
	}
}

// Load rebuilds the index from disk, replacing any current contents.
func (s *Store) Load() error {
	mocks, err := s.db.Load()
	if err != nil {
		return &models.PersistenceError{Op: "load mocks", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees = make(map[treeKey]*TreeDb)
	s.byID = make(map[string]*models.Mock)
	s.dirty = make(map[string]struct{})
	for _, mock := range mocks {
		s.indexLocked(mock)
	}
	s.logger.Info("loaded mocks from disk", zap.Int("count", len(mocks)))
	return nil
}

func (s *Store) indexLocked(mock *models.Mock) {
	key := treeKey{port: mock.ProxyPort, protocol: mock.Protocol}
	tree, ok := s.trees[key]
	if !ok {
		tree = NewTreeDb()
		s.trees[key] = tree
	}
	tree.insert(mock)
	s.byID[mock.ID] = mock
}

func (s *Store) unindexLocked(mock *models.Mock) {
	key := treeKey{port: mock.ProxyPort, protocol: mock.Protocol}
	if tree, ok := s.trees[key]; ok {
		tree.delete(mock)
		if tree.size() == 0 {
			delete(s.trees, key)
		}
	}
	delete(s.byID, mock.ID)
	delete(s.dirty, mock.ID)
}

// Create persists and indexes a new mock.
func (s *Store) Create(mock *models.Mock) error {
	if err := s.db.Upsert(mock); err != nil {
		return &models.PersistenceError{Op: "create mock", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexLocked(mock)
	return nil
}

// Get returns a snapshot of one mock.
func (s *Store) Get(id string) (*models.Mock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mock, ok := s.byID[id]
	return mock.Clone(), ok
}

// List returns snapshots of every mock, newest first per bucket.
func (s *Store) List() []*models.Mock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Mock
	for _, tree := range s.trees {
		for _, mock := range tree.getAll() {
			out = append(out, mock.Clone())
		}
	}
	return out
}

// ListByProxy returns snapshots of the mocks bound to one proxy port,
// newest first.
func (s *Store) ListByProxy(port uint16) []*models.Mock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Mock
	for key, tree := range s.trees {
		if key.port != port {
			continue
		}
		for _, mock := range tree.getAll() {
			out = append(out, mock.Clone())
		}
	}
	return out
}

// Candidates returns snapshots of the mocks the matcher should consider for
// one proxy bucket, newest first.
func (s *Store) Candidates(port uint16, protocol models.Protocol) []*models.Mock {
	s.mu.RLock()
	tree, ok := s.trees[treeKey{port: port, protocol: protocol}]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	mocks := tree.getAll()
	out := make([]*models.Mock, 0, len(mocks))
	for _, mock := range mocks {
		out = append(out, mock.Clone())
	}
	return out
}

// Toggle flips a mock's enabled flag, persisting before the index mutates.
func (s *Store) Toggle(id string, enabled bool) (*models.Mock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mock, ok := s.byID[id]
	if !ok {
		return nil, models.ErrMockNotFound
	}
	updated := mock.Clone()
	updated.Enabled = enabled
	if err := s.db.Upsert(updated); err != nil {
		return nil, &models.PersistenceError{Op: "toggle mock", Err: err}
	}
	mock.Enabled = enabled
	return mock.Clone(), nil
}

// Delete removes one mock, persisting before the index mutates.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mock, ok := s.byID[id]
	if !ok {
		return models.ErrMockNotFound
	}
	if err := s.db.Delete(id); err != nil {
		return &models.PersistenceError{Op: "delete mock", Err: err}
	}
	s.unindexLocked(mock)
	return nil
}

// DeleteFamily removes every mock on a proxy port sharing a command
// classification, reporting a per-mock outcome so one bad record does not
// mask the rest. Mocks that fail to delete stay indexed and matchable.
func (s *Store) DeleteFamily(port uint16, command models.CommandType) map[string]error {
	ids := make([]string, 0)
	for _, mock := range s.ListByProxy(port) {
		if mock.Command == command {
			ids = append(ids, mock.ID)
		}
	}
	results := make(map[string]error, len(ids))
	for _, id := range ids {
		results[id] = s.Delete(id)
	}
	return results
}

// RecordUsage bumps a mock's usage counter in memory and schedules it for
// the next flush. The counter is monotonic and never blocks the hot path on
// disk io.
func (s *Store) RecordUsage(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	mock, ok := s.byID[id]
	if !ok {
		return 0
	}
	mock.UsageCount++
	s.dirty[id] = struct{}{}
	return mock.UsageCount
}

// Run flushes dirty usage counters until the context ends, then flushes one
// last time.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Flush()
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Flush persists every mock with unsaved usage counts. Mocks that fail to
// persist stay dirty and are retried on the next flush.
func (s *Store) Flush() {
	s.mu.Lock()
	pending := make([]*models.Mock, 0, len(s.dirty))
	for id := range s.dirty {
		if mock, ok := s.byID[id]; ok {
			pending = append(pending, mock.Clone())
		}
		delete(s.dirty, id)
	}
	s.mu.Unlock()

	for _, mock := range pending {
		if err := s.db.Upsert(mock); err != nil {
			utils.LogError(s.logger, err, "failed to flush mock usage count", zap.String("id", mock.ID))
			s.mu.Lock()
			if _, ok := s.byID[mock.ID]; ok {
				s.dirty[mock.ID] = struct{}{}
			}
			s.mu.Unlock()
		}
	}
}
