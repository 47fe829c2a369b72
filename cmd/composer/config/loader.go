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
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// Global is the configuration loaded by Load.
	Global ComposerConfig
	once   sync.Once
	// loadErr is kept so every Load caller sees the first failure.
	loadErr error
)

// Load reads the configuration once per process into Global. An empty
// path means DefaultPath. Env overrides are applied after the file.
func Load(path string) error {
	once.Do(func() {
		Global, loadErr = LoadFile(path, os.Getenv)
	})
	return loadErr
}

// DefaultPath is ~/.aleutian/composer.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "composer.yaml"), nil
}

// LoadFile reads path, creating it with DefaultConfig when missing, and
// applies env overrides from getenv.
func LoadFile(path string, getenv func(string) string) (ComposerConfig, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return ComposerConfig{}, err
		}
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return ComposerConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ComposerConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ComposerConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := ApplyEnv(&cfg, getenv); err != nil {
		return ComposerConfig{}, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ApplyEnv overrides cfg from the environment. Unset or empty variables
// leave the file value alone.
func ApplyEnv(cfg *ComposerConfig, getenv func(string) string) error {
	strs := map[string]*string{
		"COMPOSER_CLASSIFIER_URL":     &cfg.Classifier.URL,
		"COMPOSER_MONGO_URI":          &cfg.Catalog.MongoURI,
		"COMPOSER_MONGO_DATABASE":     &cfg.Catalog.MongoDatabase,
		"COMPOSER_CATALOG_PATH":       &cfg.Catalog.Path,
		"COMPOSER_LOG_LEVEL":          &cfg.Logging.Level,
		"COMPOSER_SERVER_URL":         &cfg.Client.ServerURL,
		"COMPOSER_API_KEY":            &cfg.Client.APIKey,
		"OTEL_EXPORTER_OTLP_ENDPOINT": &cfg.Telemetry.OTLPEndpoint,
		"OTEL_SERVICE_NAME":           &cfg.Telemetry.ServiceName,
		"INFLUXDB_URL":                &cfg.Analytics.URL,
		"INFLUXDB_TOKEN":              &cfg.Analytics.Token,
		"INFLUXDB_ORG":                &cfg.Analytics.Org,
		"INFLUXDB_BUCKET":             &cfg.Analytics.Bucket,
		"GIN_MODE":                    &cfg.Server.GinMode,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	if v := strings.TrimSpace(getenv("COMPOSER_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid COMPOSER_PORT %q", v)
		}
		cfg.Server.Port = port
	}
	if v := strings.TrimSpace(getenv("COMPOSER_REDACT_PII")); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid COMPOSER_REDACT_PII %q: %w", v, err)
		}
		cfg.Server.RedactPII = on
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
