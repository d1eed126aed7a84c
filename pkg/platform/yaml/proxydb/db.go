// Package proxydb persists proxy definitions as a multi-document yaml file.
package proxydb

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

type ProxyYaml struct {
	path   string
	logger *zap.Logger
	mutex  sync.Mutex
}

func New(logger *zap.Logger, dataDir string) *ProxyYaml {
	return &ProxyYaml{
		path:   filepath.Join(dataDir, "proxies.yaml"),
		logger: logger,
	}
}

// Load reads all persisted definitions sorted by port.
func (db *ProxyYaml) Load() ([]*models.ProxyDefinition, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	return db.load()
}

func (db *ProxyYaml) load() ([]*models.ProxyDefinition, error) {
	data, err := yaml.ReadFile(db.path)
	if err != nil {
		return nil, err
	}
	var defs []*models.ProxyDefinition
	dec := yamlLib.NewDecoder(bytes.NewReader(data))
	for {
		var def models.ProxyDefinition
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode the proxy yaml documents: %w", err)
		}
		defs = append(defs, &def)
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Port < defs[j].Port })
	return defs, nil
}

// Upsert writes the definition keyed by port.
func (db *ProxyYaml) Upsert(def *models.ProxyDefinition) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	defs, err := db.load()
	if err != nil {
		return err
	}
	replaced := false
	for i, d := range defs {
		if d.Port == def.Port {
			defs[i] = def
			replaced = true
			break
		}
	}
	if !replaced {
		defs = append(defs, def)
	}
	return db.write(defs)
}

// Delete removes the definition for the given port.
func (db *ProxyYaml) Delete(port uint16) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	defs, err := db.load()
	if err != nil {
		return err
	}
	kept := defs[:0]
	found := false
	for _, d := range defs {
		if d.Port == port {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	if !found {
		return fmt.Errorf("proxy definition for port %d not found", port)
	}
	return db.write(kept)
}

func (db *ProxyYaml) write(defs []*models.ProxyDefinition) error {
	var buf bytes.Buffer
	enc := yamlLib.NewEncoder(&buf)
	for _, def := range defs {
		if err := enc.Encode(def); err != nil {
			return fmt.Errorf("failed to encode proxy definition for port %d: %w", def.Port, err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize proxy yaml stream: %w", err)
	}
	return yaml.WriteFile(db.path, buf.Bytes())
}
