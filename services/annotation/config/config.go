// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the annotation server and client configuration from
// YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	badgerstore "github.com/AleutianAI/AleutianAnnotate/services/annotation/storage/badger"
)

// Environment overrides applied by ApplyEnv.
const (
	EnvAddr         = "ANNOTATE_ADDR"
	EnvDataDir      = "ANNOTATE_DATA_DIR"
	EnvJWTSecret    = "ANNOTATE_JWT_SECRET"
	EnvServerURL    = "ANNOTATE_SERVER_URL"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Config is the root of annotate.yaml.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Collaboration CollaborationConfig `yaml:"collaboration"`
	Ontology      OntologyConfig      `yaml:"ontology"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
}

// ServerConfig configures `annotate serve`.
type ServerConfig struct {
	Addr             string        `yaml:"addr" validate:"required"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	SubscriberBuffer int           `yaml:"subscriber_buffer" validate:"gte=0"`
	MaxRetries       int           `yaml:"max_retries" validate:"gte=0,lte=100"`
}

// StorageConfig places the database and uploaded files.
type StorageConfig struct {
	// DataDir holds the "db" and "files" directories.
	DataDir        string        `yaml:"data_dir" validate:"required"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// DBPath is the badger directory.
func (s StorageConfig) DBPath() string { return filepath.Join(s.DataDir, "db") }

// FilesDir is the upload directory.
func (s StorageConfig) FilesDir() string { return filepath.Join(s.DataDir, "files") }

// Badger builds the database configuration.
func (s StorageConfig) Badger() badgerstore.Config {
	cfg := badgerstore.DefaultConfig()
	cfg.Path = s.DBPath()
	cfg.SyncWrites = s.SyncWrites
	cfg.GCInterval = s.GCInterval
	cfg.GCDiscardRatio = s.GCDiscardRatio
	return cfg
}

// AuthConfig selects the authentication provider. Without a JWT secret the
// server runs single-user with every request treated as the local admin.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" validate:"omitempty,min=16"`
	Issuer    string `yaml:"issuer"`
}

// Enabled reports whether bearer tokens are required.
func (a AuthConfig) Enabled() bool { return a.JWTSecret != "" }

// CollaborationConfig configures client commands that talk to a server.
type CollaborationConfig struct {
	ServerURL         string        `yaml:"server_url" validate:"omitempty,url"`
	Token             string        `yaml:"token"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" validate:"gte=0"`
	ReplayPageSize    int           `yaml:"replay_page_size" validate:"gte=0,lte=10000"`
}

// OntologyConfig points at a feature-type vocabulary. Empty uses the
// built-in Sequence Ontology subset.
type OntologyConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	Dir    string `yaml:"dir"`
}

// TracingConfig enables OpenTelemetry export.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Insecure     bool   `yaml:"insecure"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	db := badgerstore.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:            ":8086",
			ShutdownTimeout: 10 * time.Second,
			MaxRetries:      3,
		},
		Storage: StorageConfig{
			DataDir:        defaultDataDir(),
			SyncWrites:     db.SyncWrites,
			GCInterval:     db.GCInterval,
			GCDiscardRatio: db.GCDiscardRatio,
		},
		Auth: AuthConfig{Issuer: "aleutian-annotate"},
		Collaboration: CollaborationConfig{
			ServerURL:         "http://localhost:8086",
			ReconnectInterval: time.Second,
			ReplayPageSize:    1000,
		},
		Logging: LoggingConfig{Level: "info"},
		Tracing: TracingConfig{ServiceName: "annotate", Insecure: true},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".aleutian", "annotate")
	}
	return filepath.Join(home, ".aleutian", "annotate")
}

// DefaultPath is ~/.aleutian/annotate.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "annotate.yaml"
	}
	return filepath.Join(home, ".aleutian", "annotate.yaml")
}

// Load reads path over DefaultConfig. A missing file yields the defaults;
// environment overrides are not applied.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAddr); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.Storage.DataDir = v
	}
	if v, ok := lookup(EnvJWTSecret); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup(EnvServerURL); ok && v != "" {
		c.Collaboration.ServerURL = v
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok {
		c.Tracing.OTLPEndpoint = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes c to path, creating the directory.
func Save(path string, c Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
