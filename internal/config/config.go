// Package config loads the scheduler's tunables from a TOML file into
// nested per-subsystem sections, the same shape the teacher's
// internal/daemon config uses for its API/Models/Inference/MCP/Agent
// sections — just re-pointed at scheduler tunables instead of model-
// storage ones.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// RunQueueConfig mirrors runqueue.Config plus the slice bounds spec.md
// §4.1 fixes as named constants; expressed here as milliseconds since a
// human editing TOML should not have to write nanosecond literals.
type RunQueueConfig struct {
	SliceMinMS     float64 `toml:"slice_min_ms"`
	SliceMaxMS     float64 `toml:"slice_max_ms"`
	BurstPenaltyOn bool    `toml:"burst_penalty_on"`
}

// PlacementConfig mirrors placement.Config.
type PlacementConfig struct {
	MigrationGapPct         float64 `toml:"migration_gap_pct"`
	MigrationGapPctGaming   float64 `toml:"migration_gap_pct_gaming"`
	MigrationCooldown       string  `toml:"migration_cooldown"`        // e.g. "10s"
	MigrationCooldownGaming string  `toml:"migration_cooldown_gaming"` // e.g. "5s"
	RebalanceHz             float64 `toml:"rebalance_hz"`
	RebalanceHzGaming       float64 `toml:"rebalance_hz_gaming"`
	RebalanceLoadThreshold  float64 `toml:"rebalance_load_threshold"`
}

// WaitWordConfig documents the fixed bucket count (spec.md §9: "fixed
// size, power of two, 1024 by default... never resized"). BucketCount is
// read-only information, not a tunable the loader applies — the
// wait-word manager always allocates 1024 buckets
// regardless of what a config file says.
type WaitWordConfig struct {
	BucketCount int `toml:"bucket_count"`
}

// FramehookConfig mirrors framehook.Config.
type FramehookConfig struct {
	MinFPS         float64 `toml:"min_fps"`
	MaxFPS         float64 `toml:"max_fps"`
	StepFPS        float64 `toml:"step_fps"`
	StepIntervalMS float64 `toml:"step_interval_ms"`
}

// AdminConfig configures the admin HTTP surface.
type AdminConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StoreConfig configures snapshot persistence.
type StoreConfig struct {
	Path            string `toml:"path"`
	SnapshotEvery   string `toml:"snapshot_every"` // e.g. "5s"
}

type Config struct {
	RunQueue  RunQueueConfig  `toml:"runqueue"`
	Placement PlacementConfig `toml:"placement"`
	WaitWord  WaitWordConfig  `toml:"waitword"`
	Framehook FramehookConfig `toml:"framehook"`
	Admin     AdminConfig     `toml:"admin"`
	Store     StoreConfig     `toml:"store"`
}

// DefaultConfig returns spec.md's literal numeric defaults.
func DefaultConfig() Config {
	return Config{
		RunQueue: RunQueueConfig{
			SliceMinMS:     0.75,
			SliceMaxMS:     6,
			BurstPenaltyOn: true,
		},
		Placement: PlacementConfig{
			MigrationGapPct:         0.20,
			MigrationGapPctGaming:   0.15,
			MigrationCooldown:       "10s",
			MigrationCooldownGaming: "5s",
			RebalanceHz:             60,
			RebalanceHzGaming:       120,
			RebalanceLoadThreshold:  2.0,
		},
		WaitWord: WaitWordConfig{
			BucketCount: 1024,
		},
		Framehook: FramehookConfig{
			MinFPS:         30,
			MaxFPS:         240,
			StepFPS:        5,
			StepIntervalMS: 1000,
		},
		Admin: AdminConfig{
			Host: "127.0.0.1",
			Port: 9401,
		},
		Store: StoreConfig{
			Path:          "gamesched.db",
			SnapshotEvery: "5s",
		},
	}
}

// Load reads a TOML file into Config, starting from DefaultConfig so an
// omitted section keeps its default values.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// ParseDuration parses a config duration string, defaulting to
// fallback on an empty string (matching the teacher's
// parseStorageSize's "empty string keeps the default" behavior).
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// SliceMinNS / SliceMaxNS convert the millisecond config fields into
// the nanosecond units runqueue.Config expects.
func (c RunQueueConfig) SliceMinNS() int64 { return int64(c.SliceMinMS * float64(time.Millisecond)) }
func (c RunQueueConfig) SliceMaxNS() int64 { return int64(c.SliceMaxMS * float64(time.Millisecond)) }

// parseHz is a small helper kept for symmetry with the teacher's
// parseStorageSize-style "format string, not a raw number" tunables;
// rebalance_hz is already numeric in this config, so this only guards
// against a zero or negative value reaching a division.
func parseHz(hz float64, fallback float64) float64 {
	if hz <= 0 {
		return fallback
	}
	return hz
}

// RebalancePeriod converts a configured Hz value into a time.Duration.
func (c PlacementConfig) RebalancePeriod() time.Duration {
	hz := parseHz(c.RebalanceHz, 60)
	return time.Duration(float64(time.Second) / hz)
}

func (c PlacementConfig) RebalancePeriodGaming() time.Duration {
	hz := parseHz(c.RebalanceHzGaming, 120)
	return time.Duration(float64(time.Second) / hz)
}

func formatPort(port int) string { return strconv.Itoa(port) }

// Addr returns the admin server's listen address as host:port.
func (c AdminConfig) Addr() string { return c.Host + ":" + formatPort(c.Port) }
