// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the stash.toml configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const configVersion = 1

// Config is the full configuration of a stash deployment.
type Config struct {
	Version  int            `toml:"version,omitempty"`
	Registry RegistryConfig `toml:"registry"`
	Index    IndexConfig    `toml:"index"`
	Limiter  LimiterConfig  `toml:"limiter"`
	Worker   WorkerConfig   `toml:"worker"`
}

type RegistryConfig struct {
	DBPath        string `toml:"db_path"`
	BlobRoot      string `toml:"blob_root"`
	MaxUploadSize int64  `toml:"max_upload_size"`
	MaxUnpackSize int64  `toml:"max_unpack_size"`
	// SyncIndex applies index mutations inline during publish instead
	// of enqueueing them for the background worker.
	SyncIndex bool `toml:"sync_index"`
}

type IndexConfig struct {
	Path   string `toml:"path"`
	Branch string `toml:"branch"`
}

type LimiterConfig struct {
	RateMinutes int `toml:"rate_minutes"`
	Burst       int `toml:"burst"`
}

type WorkerConfig struct {
	Workers             int `toml:"workers"`
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	// DownloadsIntervalMinutes is how often the download-count rollup
	// job is enqueued.
	DownloadsIntervalMinutes int `toml:"downloads_interval_minutes"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Version: configVersion,
		Registry: RegistryConfig{
			DBPath:        "stash.db",
			BlobRoot:      "local_uploads",
			MaxUploadSize: 10 << 20,  // 10 MiB
			MaxUnpackSize: 512 << 20, // 512 MiB
		},
		Index: IndexConfig{
			Path:   "index",
			Branch: "master",
		},
		Limiter: LimiterConfig{
			RateMinutes: 10,
			Burst:       5,
		},
		Worker: WorkerConfig{
			Workers:                  2,
			PollIntervalSeconds:      1,
			DownloadsIntervalMinutes: 60,
		},
	}
}

// Load reads the configuration at path, filling unset fields with
// defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.Version == 0 {
		cfg.Version = configVersion
	}
	return cfg, nil
}
