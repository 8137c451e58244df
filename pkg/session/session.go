package session

import (
	"fmt"
	"sync"

	"github.com/pixyz/scheduler/pkg/log"
)

// Engine abstracts the native 3D library. Implementations own the actual
// bindings; the scheduler only sequences initialization, license handling
// and per-task resets.
type Engine interface {
	// Initialize loads the native library once per process
	Initialize() error

	// AcquireLicense obtains a seat from the configured license source
	AcquireLicense(cfg LicenseConfig) error

	// Reset clears all scene state between tasks
	Reset() error

	// ReleaseLicense returns the seat
	ReleaseLicense() error

	// Shutdown unloads the library
	Shutdown() error
}

// LicenseConfig points the engine at its license source
type LicenseConfig struct {
	Host           string
	Port           int
	FlexLM         bool
	AcquireAtStart bool
}

// Session is the per-process lifecycle wrapper around the engine. Exactly
// one exists per worker process; compute tasks call Use around each run.
type Session struct {
	mu       sync.Mutex
	engine   Engine
	license  LicenseConfig
	disabled bool
	ready    bool
	licensed bool
}

// New builds a session over engine. A disabled session turns every call
// into a no-op so workers can run pure data-plumbing tasks without the
// native library installed.
func New(engine Engine, license LicenseConfig, disabled bool) *Session {
	return &Session{engine: engine, license: license, disabled: disabled}
}

// Disabled reports whether the native library is turned off
func (s *Session) Disabled() bool {
	return s.disabled
}

// Start initializes the engine and, when configured, acquires the license
// immediately. A license failure at start is fatal for the worker.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled || s.ready {
		return nil
	}
	if err := s.engine.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	s.ready = true
	if s.license.AcquireAtStart {
		if err := s.acquireLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Use runs fn with a licensed, freshly reset engine
func (s *Session) Use(fn func() error) error {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return fn()
	}
	if !s.ready {
		s.mu.Unlock()
		return fmt.Errorf("session not started")
	}
	if err := s.acquireLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.engine.Reset(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to reset engine: %w", err)
	}
	s.mu.Unlock()

	return fn()
}

// Stop releases the license and shuts the engine down
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled || !s.ready {
		return
	}
	if s.licensed {
		if err := s.engine.ReleaseLicense(); err != nil {
			log.Logger.Warn().Err(err).Msg("failed to release license")
		}
		s.licensed = false
	}
	if err := s.engine.Shutdown(); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to shut engine down")
	}
	s.ready = false
}

func (s *Session) acquireLocked() error {
	if s.licensed {
		return nil
	}
	if err := s.engine.AcquireLicense(s.license); err != nil {
		return fmt.Errorf("failed to acquire license: %w", err)
	}
	s.licensed = true
	return nil
}

// NopEngine is the stand-in engine used when the scheduler runs without the
// native library
type NopEngine struct{}

func (NopEngine) Initialize() error                  { return nil }
func (NopEngine) AcquireLicense(LicenseConfig) error { return nil }
func (NopEngine) Reset() error                       { return nil }
func (NopEngine) ReleaseLicense() error              { return nil }
func (NopEngine) Shutdown() error                    { return nil }
