// Package config loads relay configuration from YAML with defaults
// for every tunable.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full relay configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Session  SessionConfig  `yaml:"session"`
	Collab   CollabConfig   `yaml:"collab"`
	Conflict ConflictConfig `yaml:"conflict"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Port              int `yaml:"port"`
	ObservabilityPort int `yaml:"observability_port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// SessionConfig holds coordinator settings.
type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMisses   int           `yaml:"heartbeat_misses"`
	EventBuffer       int           `yaml:"event_buffer"`
}

// CollabConfig holds collaboration engine settings.
type CollabConfig struct {
	LockTTL                 time.Duration `yaml:"lock_ttl"`
	OwnerVoteWeight         int           `yaml:"owner_vote_weight"`
	DefaultVoteWeight       int           `yaml:"default_vote_weight"`
	SimpleApprovalThreshold int           `yaml:"simple_approval_threshold"`
	RollbackBlockDivisor    int           `yaml:"rollback_block_divisor"`
	ModeratorIDs            []string      `yaml:"moderator_ids"`
}

// ConflictConfig holds conflict engine settings.
type ConflictConfig struct {
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	MaxCaseAge          time.Duration `yaml:"max_case_age"`
	PredictionThreshold int           `yaml:"prediction_threshold"`
	PredictionWindow    time.Duration `yaml:"prediction_window"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	JournalPath  string `yaml:"journal_path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8081,
			ObservabilityPort: 9091,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
		Session: SessionConfig{
			HeartbeatInterval: 10 * time.Second,
			HeartbeatMisses:   3,
			EventBuffer:       64,
		},
		Collab: CollabConfig{
			LockTTL:                 5 * time.Minute,
			OwnerVoteWeight:         2,
			DefaultVoteWeight:       1,
			SimpleApprovalThreshold: 2,
			RollbackBlockDivisor:    3,
		},
		Conflict: ConflictConfig{
			SweepInterval:       30 * time.Second,
			MaxCaseAge:          5 * time.Minute,
			PredictionThreshold: 3,
			PredictionWindow:    10 * time.Minute,
		},
		Storage: StorageConfig{
			DatabasePath: "collabsync.db",
			JournalPath:  "collabsync.journal",
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
