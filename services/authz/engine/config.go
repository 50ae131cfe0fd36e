// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the engine's tunables. Zero values are filled from
// DefaultConfig at construction; Validate catches out-of-range settings
// before anything starts.
type Config struct {
	// DataDir is the BadgerDB directory. Ignored when InMemory is true.
	DataDir string `yaml:"data_dir"`

	// InMemory runs the store without disk persistence (tests).
	InMemory bool `yaml:"in_memory"`

	// MaxDepth bounds evaluator recursion.
	MaxDepth int `yaml:"max_depth" validate:"gte=0,lte=500"`

	// TigerMaxEntries bounds the in-memory bitmap cache.
	TigerMaxEntries int `yaml:"tiger_max_entries" validate:"gte=0"`

	// ReadSetMaxEntries bounds the read-set result cache.
	ReadSetMaxEntries int `yaml:"readset_max_entries" validate:"gte=0"`

	// ReadSetTTL is the result cache TTL.
	ReadSetTTL time.Duration `yaml:"readset_ttl" validate:"gte=0"`

	// SyncExpandLimit is the largest directory fan-out expanded inline.
	SyncExpandLimit int `yaml:"sync_expand_limit" validate:"gte=0"`

	// Breaker tunes the store circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`

	// MigrationLockTimeout bounds the per-zone migration lock wait.
	MigrationLockTimeout time.Duration `yaml:"migration_lock_timeout" validate:"gte=0"`
}

// BreakerConfig mirrors breaker.Config for YAML loading.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=0"`
	FailureWindow    time.Duration `yaml:"failure_window" validate:"gte=0"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" validate:"gte=0"`
	SuccessThreshold int           `yaml:"success_threshold" validate:"gte=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:          50,
		TigerMaxEntries:   4096,
		ReadSetMaxEntries: 10000,
		ReadSetTTL:        5 * time.Minute,
		SyncExpandLimit:   10000,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    30 * time.Second,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 2,
		},
		MigrationLockTimeout: 2 * time.Second,
	}
}

// Validate checks the configuration against its struct tags.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	return nil
}

// applyDefaults fills zero-valued fields from DefaultConfig.
func (c Config) applyDefaults() Config {
	def := DefaultConfig()
	if c.MaxDepth == 0 {
		c.MaxDepth = def.MaxDepth
	}
	if c.TigerMaxEntries == 0 {
		c.TigerMaxEntries = def.TigerMaxEntries
	}
	if c.ReadSetMaxEntries == 0 {
		c.ReadSetMaxEntries = def.ReadSetMaxEntries
	}
	if c.ReadSetTTL == 0 {
		c.ReadSetTTL = def.ReadSetTTL
	}
	if c.SyncExpandLimit == 0 {
		c.SyncExpandLimit = def.SyncExpandLimit
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if c.Breaker.FailureWindow == 0 {
		c.Breaker.FailureWindow = def.Breaker.FailureWindow
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = def.Breaker.ResetTimeout
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = def.Breaker.SuccessThreshold
	}
	if c.MigrationLockTimeout == 0 {
		c.MigrationLockTimeout = def.MigrationLockTimeout
	}
	return c
}

// LoadConfig reads and validates a YAML config file. Absent fields keep
// their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
