package config

import "sync/atomic"

// Settings is the runtime settings provider. The pipe queries the flags per
// query observation, so toggles take effect on in-flight connections.
type Settings struct {
	testingMode atomic.Bool
	autoMock    atomic.Bool
}

func NewSettings(cfg *Config) *Settings {
	s := &Settings{}
	s.testingMode.Store(cfg.TestingMode)
	s.autoMock.Store(cfg.AutoMockCreation)
	return s
}

func (s *Settings) TestingMode() bool { return s.testingMode.Load() }

func (s *Settings) AutoMockCreation() bool { return s.autoMock.Load() }

func (s *Settings) SetTestingMode(on bool) { s.testingMode.Store(on) }

func (s *Settings) SetAutoMockCreation(on bool) { s.autoMock.Store(on) }
