// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

// Package config holds the application configuration, loaded through Koanf v2
// with layered sources: built-in defaults, an optional YAML config file, and
// environment variables (highest priority).
//
// Config is immutable after Load() and safe for concurrent reads.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Collab   CollabConfig   `koanf:"collab"`
	Image    ImageConfig    `koanf:"image"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// StorageConfig holds autosave and history persistence settings.
type StorageConfig struct {
	// DataDir is the directory holding per-session autosave snapshots and
	// their history sidecars.
	DataDir string `koanf:"data_dir" validate:"required"`

	// HistoryCap bounds the number of revertable versions kept per file.
	HistoryCap int `koanf:"history_cap" validate:"gte=1"`
}

// CollabConfig holds collaboration session tuning.
type CollabConfig struct {
	// AutosaveInterval is the trailing-edge debounce window for dirty-state
	// saves. Mutations are at most this far ahead of disk.
	AutosaveInterval time.Duration `koanf:"autosave_interval"`

	// GracePeriod is how long an empty session survives before teardown.
	GracePeriod time.Duration `koanf:"grace_period"`

	// MaxMessageSize caps a single inbound WebSocket frame in bytes.
	MaxMessageSize int64 `koanf:"max_message_size"`

	// MemberRateLimit is the sustained inbound frames/second allowed per
	// member before cursor-style traffic is dropped.
	MemberRateLimit float64 `koanf:"member_rate_limit"`

	// MemberRateBurst is the corresponding burst allowance.
	MemberRateBurst int `koanf:"member_rate_burst"`
}

// ImageConfig holds annotation class configuration shared by all sessions.
type ImageConfig struct {
	// Classes is the ordered list of valid annotation class names.
	Classes []string `koanf:"classes" validate:"min=1"`
}

// SecurityConfig holds browser-facing access settings.
type SecurityConfig struct {
	// CORSOrigins are the allowed Origin values for REST and WebSocket
	// connections. "*" allows any origin.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitReqs/RateLimitWindow bound REST requests per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks invariants that the struct tags cannot express.
func (c *Config) Validate() error {
	if c.Collab.AutosaveInterval <= 0 {
		return fmt.Errorf("collab.autosave_interval must be positive, got %s", c.Collab.AutosaveInterval)
	}
	if c.Collab.GracePeriod <= 0 {
		return fmt.Errorf("collab.grace_period must be positive, got %s", c.Collab.GracePeriod)
	}
	if c.Collab.MaxMessageSize <= 0 {
		return fmt.Errorf("collab.max_message_size must be positive, got %d", c.Collab.MaxMessageSize)
	}
	seen := make(map[string]struct{}, len(c.Image.Classes))
	for _, name := range c.Image.Classes {
		if name == "" {
			return fmt.Errorf("image.classes must not contain empty names")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("image.classes contains duplicate class %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
