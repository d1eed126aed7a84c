package mockstore

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dbtap/dbtap/pkg/models"
	"github.com/dbtap/dbtap/pkg/platform/yaml/mockdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return New(logger, mockdb.New(logger, t.TempDir()), time.Hour)
}

func sqlMock(id string, port uint16, pattern string, createdAt time.Time) *models.Mock {
	return &models.Mock{
		ID:        id,
		Name:      id,
		ProxyPort: port,
		Protocol:  models.Postgres,
		Pattern:   pattern,
		Response:  `{"rows":[],"rowCount":0}`,
		Enabled:   true,
		Source:    models.SourceManual,
		Command:   models.CommandFromSQL(pattern),
		CreatedAt: createdAt,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Load())

	m := sqlMock("m-1", 5432, "SELECT 1", time.Now())
	require.NoError(t, s.Create(m))

	got, ok := s.Get("m-1")
	require.True(t, ok)
	assert.Equal(t, "SELECT 1", got.Pattern)

	// snapshots do not alias the index
	got.Pattern = "mutated"
	again, _ := s.Get("m-1")
	assert.Equal(t, "SELECT 1", again.Pattern)
}

func TestLoadRebuildsIndex(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()
	db := mockdb.New(logger, dir)

	s := New(logger, db, time.Hour)
	require.NoError(t, s.Load())
	require.NoError(t, s.Create(sqlMock("m-1", 5432, "SELECT 1", time.Now())))
	require.NoError(t, s.Create(sqlMock("m-2", 5432, "SELECT 2", time.Now())))

	fresh := New(logger, mockdb.New(logger, dir), time.Hour)
	require.NoError(t, fresh.Load())
	assert.Len(t, fresh.List(), 2)
	_, ok := fresh.Get("m-2")
	assert.True(t, ok)
}

func TestCandidatesNewestFirst(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Load())

	base := time.Now()
	require.NoError(t, s.Create(sqlMock("m-old", 5432, "SELECT 1", base.Add(-time.Hour))))
	require.NoError(t, s.Create(sqlMock("m-new", 5432, "SELECT 2", base)))
	require.NoError(t, s.Create(sqlMock("m-other-port", 3306, "SELECT 3", base)))

	candidates := s.Candidates(5432, models.Postgres)
	require.Len(t, candidates, 2)
	assert.Equal(t, "m-new", candidates[0].ID)
	assert.Equal(t, "m-old", candidates[1].ID)

	assert.Empty(t, s.Candidates(5432, models.MySQL))
}

func TestToggle(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Load())
	require.NoError(t, s.Create(sqlMock("m-1", 5432, "SELECT 1", time.Now())))

	updated, err := s.Toggle("m-1", false)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)

	got, _ := s.Get("m-1")
	assert.False(t, got.Enabled)

	_, err = s.Toggle("missing", true)
	assert.ErrorIs(t, err, models.ErrMockNotFound)
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Load())
	require.NoError(t, s.Create(sqlMock("m-1", 5432, "SELECT 1", time.Now())))

	require.NoError(t, s.Delete("m-1"))
	_, ok := s.Get("m-1")
	assert.False(t, ok)
	assert.ErrorIs(t, s.Delete("m-1"), models.ErrMockNotFound)
}

func TestDeleteFamily(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Load())
	now := time.Now()
	selectA := sqlMock("m-1", 5432, "SELECT 1", now)
	selectB := sqlMock("m-2", 5432, "SELECT 2", now)
	insert := sqlMock("m-3", 5432, "INSERT INTO t VALUES (1)", now)
	otherPort := sqlMock("m-4", 3306, "SELECT 3", now)
	for _, mock := range []*models.Mock{selectA, selectB, insert, otherPort} {
		require.NoError(t, s.Create(mock))
	}

	results := s.DeleteFamily(5432, models.CmdSelect)
	require.Len(t, results, 2)
	assert.NoError(t, results["m-1"])
	assert.NoError(t, results["m-2"])

	// the other command family and the other port are untouched
	require.Len(t, s.ListByProxy(5432), 1)
	assert.Equal(t, "m-3", s.ListByProxy(5432)[0].ID)
	assert.Len(t, s.ListByProxy(3306), 1)
}

// faultingDB fails deletion for chosen ids so partial-failure reporting can
// be exercised.
type faultingDB struct {
	MockDB
	failDelete map[string]error
}

func (f *faultingDB) Delete(id string) error {
	if err, ok := f.failDelete[id]; ok {
		return err
	}
	return f.MockDB.Delete(id)
}

func TestDeleteFamilyPartialFailure(t *testing.T) {
	logger := zaptest.NewLogger(t)
	db := &faultingDB{
		MockDB:     mockdb.New(logger, t.TempDir()),
		failDelete: map[string]error{"m-3": errors.New("disk full")},
	}
	s := New(logger, db, time.Hour)
	require.NoError(t, s.Load())
	now := time.Now()
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Create(sqlMock(fmt.Sprintf("m-%d", i), 5432, fmt.Sprintf("SELECT %d", i), now)))
	}

	results := s.DeleteFamily(5432, models.CmdSelect)
	require.Len(t, results, 5)
	for _, id := range []string{"m-1", "m-2", "m-4", "m-5"} {
		assert.NoError(t, results[id], id)
	}
	var perr *models.PersistenceError
	require.ErrorAs(t, results["m-3"], &perr)

	// the failed mock stays indexed and matchable, the other four are gone
	remaining := s.ListByProxy(5432)
	require.Len(t, remaining, 1)
	assert.Equal(t, "m-3", remaining[0].ID)
	_, ok := s.Get("m-3")
	assert.True(t, ok)
}

func TestRecordUsageConcurrent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Load())
	require.NoError(t, s.Create(sqlMock("m-1", 5432, "SELECT 1", time.Now())))

	const workers = 8
	const perWorker = 200
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				s.RecordUsage("m-1")
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get("m-1")
	assert.Equal(t, uint64(workers*perWorker), got.UsageCount)
}

func TestFlushPersistsUsage(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()
	s := New(logger, mockdb.New(logger, dir), time.Hour)
	require.NoError(t, s.Load())
	require.NoError(t, s.Create(sqlMock("m-1", 5432, "SELECT 1", time.Now())))

	s.RecordUsage("m-1")
	s.RecordUsage("m-1")
	s.Flush()

	fresh := New(logger, mockdb.New(logger, dir), time.Hour)
	require.NoError(t, fresh.Load())
	got, ok := fresh.Get("m-1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.UsageCount)
}
