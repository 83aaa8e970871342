// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/djtoggle/services/telemetry"
)

// CurrentConfigVersion is written to new config files.
const CurrentConfigVersion = "1"

// DJToggleConfig is the on-disk configuration, ~/.djtoggle/djtoggle.yaml.
type DJToggleConfig struct {
	Meta        MetaConfig        `yaml:"meta"`
	Server      ServerConfig      `yaml:"server"`
	Flags       FlagsConfig       `yaml:"flags"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Sync        SyncConfig        `yaml:"sync"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Pattern     PatternConfig     `yaml:"pattern"`
	Session     SessionConfig     `yaml:"session"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Port is overridden by PORT.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// StaticDir holds a built web client. Missing means API mode only.
	StaticDir string `yaml:"static_dir"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

// FlagsConfig points the evaluation client at LaunchDarkly.
type FlagsConfig struct {
	// ClientSideID is overridden by DJTOGGLE_CLIENT_SIDE_ID.
	ClientSideID  string        `yaml:"client_side_id"`
	BaseURL       string        `yaml:"base_url" validate:"omitempty,url"`
	StreamURL     string        `yaml:"stream_url" validate:"omitempty,url"`
	EventsURL     string        `yaml:"events_url" validate:"omitempty,url"`
	Streaming     bool          `yaml:"streaming"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"min=0"`
}

// ProxyConfig controls the /api/config proxy.
type ProxyConfig struct {
	APIURL string `yaml:"api_url" validate:"omitempty,url"`

	// ProjectKey is overridden by project_key, EnvKey by env_key.
	ProjectKey    string        `yaml:"project_key"`
	EnvKey        string        `yaml:"env_key"`
	RelevantFlags []string      `yaml:"relevant_flags" validate:"dive,required"`
	CacheTTL      time.Duration `yaml:"cache_ttl" validate:"min=0"`

	// APIKey comes only from DJToggleAPIKey and is never written to disk.
	APIKey string `yaml:"-"`
}

// SyncConfig controls the catalog poll loop.
type SyncConfig struct {
	// ConfigURL is the config endpoint. Empty reads the in-process proxy.
	ConfigURL string        `yaml:"config_url" validate:"omitempty,url"`
	Interval  time.Duration `yaml:"interval" validate:"min=0"`
}

// NegotiationConfig controls vote negotiation.
type NegotiationConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"min=1,max=100"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" validate:"min=0"`
	IdentifyRate   float64       `yaml:"identify_rate" validate:"min=0"`
	IdentifyBurst  int           `yaml:"identify_burst" validate:"min=0"`
}

// PatternConfig controls the compositor and the engine.
type PatternConfig struct {
	// TablePath is an optional YAML pattern table, reloaded on change.
	TablePath   string        `yaml:"table_path"`
	CycleLength time.Duration `yaml:"cycle_length" validate:"min=0"`
	Autoplay    bool          `yaml:"autoplay"`
}

// SessionConfig controls session identity persistence.
type SessionConfig struct {
	// StoreDir is the BadgerDB directory. Empty keeps the session in memory.
	StoreDir string        `yaml:"store_dir"`
	TTL      time.Duration `yaml:"ttl" validate:"min=0"`
}

// LoggingConfig controls pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() DJToggleConfig {
	return DJToggleConfig{
		Meta: MetaConfig{Version: CurrentConfigVersion},
		Server: ServerConfig{
			Port:            80,
			StaticDir:       "dist",
			ShutdownTimeout: 10 * time.Second,
		},
		Flags: FlagsConfig{
			BaseURL:       "https://clientsdk.launchdarkly.com",
			StreamURL:     "https://clientstream.launchdarkly.com",
			EventsURL:     "https://events.launchdarkly.com",
			Streaming:     true,
			FlushInterval: 5 * time.Second,
		},
		Proxy: ProxyConfig{
			APIURL:        "https://app.launchdarkly.com",
			ProjectKey:    "dj-toggle",
			EnvKey:        "production",
			RelevantFlags: []string{"bass", "drums", "harmony", "melody"},
			CacheTTL:      time.Second,
		},
		Sync: SyncConfig{
			Interval: 2 * time.Second,
		},
		Negotiation: NegotiationConfig{
			MaxAttempts:    10,
			AttemptTimeout: 5 * time.Second,
			IdentifyRate:   20,
			IdentifyBurst:  10,
		},
		Pattern: PatternConfig{
			CycleLength: 2 * time.Second,
			Autoplay:    true,
		},
		Session: SessionConfig{
			StoreDir: "~/.djtoggle/session",
			TTL:      12 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Dir:    "~/.djtoggle/logs",
			Format: "auto",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
