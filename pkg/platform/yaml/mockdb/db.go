// Package mockdb persists mock records as a multi-document yaml file.
package mockdb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dbtap/dbtap/pkg/models"
	"github.com/dbtap/dbtap/pkg/platform/yaml"
	"go.uber.org/zap"
	yamlLib "gopkg.in/yaml.v3"
)

type MockYaml struct {
	path   string
	logger *zap.Logger
	mutex  sync.Mutex
}

func New(logger *zap.Logger, dataDir string) *MockYaml {
	return &MockYaml{
		path:   filepath.Join(dataDir, "mocks.yaml"),
		logger: logger,
	}
}

// Load reads all persisted mocks, ordered by creation time then id so the
// in-memory index rebuild is deterministic.
func (db *MockYaml) Load() ([]*models.Mock, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	return db.load()
}

func (db *MockYaml) load() ([]*models.Mock, error) {
	data, err := yaml.ReadFile(db.path)
	if err != nil {
		return nil, err
	}
	var mocks []*models.Mock
	dec := yamlLib.NewDecoder(bytes.NewReader(data))
	for {
		var mock models.Mock
		err := dec.Decode(&mock)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode the mock yaml documents: %w", err)
		}
		mocks = append(mocks, &mock)
	}
	sort.SliceStable(mocks, func(i, j int) bool {
		if !mocks[i].CreatedAt.Equal(mocks[j].CreatedAt) {
			return mocks[i].CreatedAt.Before(mocks[j].CreatedAt)
		}
		return mocks[i].ID < mocks[j].ID
	})
	return mocks, nil
}

// Upsert writes the given mock, replacing any persisted record with the same
// id.
func (db *MockYaml) Upsert(mock *models.Mock) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	mocks, err := db.load()
	if err != nil {
		return err
	}
	replaced := false
	for i, m := range mocks {
		if m.ID == mock.ID {
			mocks[i] = mock
			replaced = true
			break
		}
	}
	if !replaced {
		mocks = append(mocks, mock)
	}
	return db.write(mocks)
}

// Delete removes the mock with the given id. Deleting an unknown id is an
// error so bulk deletions can report accurately.
func (db *MockYaml) Delete(id string) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	mocks, err := db.load()
	if err != nil {
		return err
	}
	kept := mocks[:0]
	found := false
	for _, m := range mocks {
		if m.ID == id {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		return fmt.Errorf("mock %s not found", id)
	}
	return db.write(kept)
}

func (db *MockYaml) write(mocks []*models.Mock) error {
	var buf bytes.Buffer
	enc := yamlLib.NewEncoder(&buf)
	for _, mock := range mocks {
		if err := enc.Encode(mock); err != nil {
			return fmt.Errorf("failed to encode mock %s: %w", mock.ID, err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize mock yaml stream: %w", err)
	}
	return yaml.WriteFile(db.path, buf.Bytes())
}
