// Package config provides configuration structures for the engine.
package config

import "time"

type Config struct {
	// DataDir is where proxy definitions and mocks are persisted.
	DataDir string `json:"dataDir" yaml:"dataDir"`
	Debug   bool   `json:"debug" yaml:"debug"`

	// TestingMode shadow-verifies mock hits against the live backend.
	TestingMode bool `json:"testingMode" yaml:"testingMode"`
	// AutoMockCreation creates a disabled mock from the first observed
	// query/response pair with no existing exact mock.
	AutoMockCreation bool `json:"autoMockCreation" yaml:"autoMockCreation"`

	// DialTimeout bounds the backend connect per accepted connection.
	DialTimeout time.Duration `json:"dialTimeout" yaml:"dialTimeout"`
	// RequestTimeout bounds the wait for a backend response to one query.
	RequestTimeout time.Duration `json:"requestTimeout" yaml:"requestTimeout"`
	// StopTimeout bounds the synchronous drain when stopping a proxy.
	StopTimeout time.Duration `json:"stopTimeout" yaml:"stopTimeout"`
	// FlushInterval is the cadence of the usage-count persistence flush.
	FlushInterval time.Duration `json:"flushInterval" yaml:"flushInterval"`

	// RecentWindow caps the per-proxy intercepted-query and drift rings.
	RecentWindow int `json:"recentWindow" yaml:"recentWindow"`
}

func New() *Config {
	return &Config{
		DataDir:        ".dbtap",
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
		StopTimeout:    10 * time.Second,
		FlushInterval:  15 * time.Second,
		RecentWindow:   512,
	}
}
