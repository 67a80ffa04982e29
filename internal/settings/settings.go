// Package settings holds the user-adjustable reflection settings.
package settings

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalid wraps settings validation failures.
var ErrInvalid = errors.New("invalid settings")

// Settings are read by the reflection controller and the stream relay on
// every call, so updates apply without a restart.
type Settings struct {
	AutoReflect                   bool    `json:"autoReflect"`
	ReflectionSimilarityThreshold float64 `json:"reflectionSimilarityThreshold"`
	ReflectionMinLength           int     `json:"reflectionMinLength"`
	Nudges                        bool    `json:"nudges"`
}

// Defaults returns the stock settings.
func Defaults() Settings {
	return Settings{
		AutoReflect:                   true,
		ReflectionSimilarityThreshold: 0.90,
		ReflectionMinLength:           30,
		Nudges:                        true,
	}
}

// Validate checks ranges.
func (s Settings) Validate() error {
	if s.ReflectionSimilarityThreshold < 0 || s.ReflectionSimilarityThreshold > 1 {
		return fmt.Errorf("%w: reflectionSimilarityThreshold must be in [0,1], got %v", ErrInvalid, s.ReflectionSimilarityThreshold)
	}
	if s.ReflectionMinLength < 0 {
		return fmt.Errorf("%w: reflectionMinLength must be >= 0, got %d", ErrInvalid, s.ReflectionMinLength)
	}
	return nil
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	AutoReflect                   *bool    `json:"autoReflect,omitempty"`
	ReflectionSimilarityThreshold *float64 `json:"reflectionSimilarityThreshold,omitempty"`
	ReflectionMinLength           *int     `json:"reflectionMinLength,omitempty"`
	Nudges                        *bool    `json:"nudges,omitempty"`
}

func (p Patch) apply(s Settings) Settings {
	if p.AutoReflect != nil {
		s.AutoReflect = *p.AutoReflect
	}
	if p.ReflectionSimilarityThreshold != nil {
		s.ReflectionSimilarityThreshold = *p.ReflectionSimilarityThreshold
	}
	if p.ReflectionMinLength != nil {
		s.ReflectionMinLength = *p.ReflectionMinLength
	}
	if p.Nudges != nil {
		s.Nudges = *p.Nudges
	}
	return s
}

// Provider exposes the current settings.
type Provider interface {
	Current() Settings
}

// Store is a concurrency-safe settings holder.
type Store struct {
	mu      sync.RWMutex
	current Settings
}

// NewStore creates a Store holding initial.
func NewStore(initial Settings) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Store{current: initial}, nil
}

// Current returns a snapshot of the settings.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies p and returns the new settings. Invalid patches leave the
// settings untouched.
func (s *Store) Update(p Patch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := p.apply(s.current)
	if err := next.Validate(); err != nil {
		return s.current, err
	}
	s.current = next
	return next, nil
}

// Static is a fixed Provider.
type Static Settings

func (s Static) Current() Settings { return Settings(s) }
