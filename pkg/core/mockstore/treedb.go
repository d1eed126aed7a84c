package mockstore

// TreeDb is a thread safe wrapper around redblacktree, ordering the mocks
// of one proxy bucket newest-first so matching scans see recent mocks early.

import (
	"sync"

	"github.com/dbtap/dbtap/pkg/models"
	"github.com/emirpasic/gods/trees/redblacktree"
)

type mockKey struct {
	createdAtNs int64
	id          string
}

// newest first, then ascending id for a total order
var mockComparator = func(a, b interface{}) int {
	aKey := a.(mockKey)
	bKey := b.(mockKey)
	if aKey.createdAtNs > bKey.createdAtNs {
		return -1
	} else if aKey.createdAtNs < bKey.createdAtNs {
		return 1
	}
	if aKey.id < bKey.id {
		return -1
	} else if aKey.id > bKey.id {
		return 1
	}
	return 0
}

type TreeDb struct {
	rbt   *redblacktree.Tree
	mutex *sync.Mutex
}

func NewTreeDb() *TreeDb {
	return &TreeDb{
		rbt:   redblacktree.NewWith(mockComparator),
		mutex: &sync.Mutex{},
	}
}

func keyOf(mock *models.Mock) mockKey {
	return mockKey{createdAtNs: mock.CreatedAt.UnixNano(), id: mock.ID}
}

func (db *TreeDb) insert(mock *models.Mock) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.rbt.Put(keyOf(mock), mock)
}

func (db *TreeDb) delete(mock *models.Mock) bool {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	key := keyOf(mock)
	if _, found := db.rbt.Get(key); !found {
		return false
	}
	db.rbt.Remove(key)
	return true
}

func (db *TreeDb) size() int {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	return db.rbt.Size()
}

// getAll returns the mocks in key order, newest first.
func (db *TreeDb) getAll() []*models.Mock {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	values := db.rbt.Values()
	mocks := make([]*models.Mock, 0, len(values))
	for _, v := range values {
		mocks = append(mocks, v.(*models.Mock))
	}
	return mocks
}
