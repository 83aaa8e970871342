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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvAPIKey       = "DJToggleAPIKey"
	EnvProjectKey   = "project_key"
	EnvEnvKey       = "env_key"
	EnvPort         = "PORT"
	EnvClientSideID = "DJTOGGLE_CLIENT_SIDE_ID"
)

var (
	// Global is a singleton instance
	Global  DJToggleConfig
	once    sync.Once
	loadErr error

	validate = validator.New()
)

// Load ensures the config is loaded into the Global variable. An empty path
// uses ~/.djtoggle/djtoggle.yaml.
func Load(path string) error {
	once.Do(func() {
		if path == "" {
			path, loadErr = DefaultPath()
			if loadErr != nil {
				return
			}
		}
		Global, loadErr = LoadFile(path)
	})
	return loadErr
}

// DefaultPath returns ~/.djtoggle/djtoggle.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".djtoggle", "djtoggle.yaml"), nil
}

// LoadFile reads path over the defaults, applies environment overrides and
// validates the result. A missing file is created with the defaults.
func LoadFile(path string) (DJToggleConfig, error) {
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, " First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return DJToggleConfig{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DJToggleConfig{}, fmt.Errorf("failed to read the config file %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DJToggleConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return DJToggleConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return DJToggleConfig{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func Validate(cfg DJToggleConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *DJToggleConfig) error {
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Proxy.APIKey = v
	}
	if v := os.Getenv(EnvProjectKey); v != "" {
		cfg.Proxy.ProjectKey = v
	}
	if v := os.Getenv(EnvEnvKey); v != "" {
		cfg.Proxy.EnvKey = v
	}
	if v := os.Getenv(EnvClientSideID); v != "" {
		cfg.Flags.ClientSideID = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		cfg.Server.Port = port
	}
	return nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ExpandPath resolves a leading ~ to the home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
