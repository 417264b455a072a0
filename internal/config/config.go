// Package config is the core's configuration surface, backed by viper:
// environment variables and an optional config file layered over
// hardcoded defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/signal18/mysql-fabric-manager/internal/lockmgr"
	"github.com/signal18/mysql-fabric-manager/internal/model"
)

// Config bundles every tunable the core needs at startup.
type Config struct {
	// MetadataDSN is the DSN of the management server's own MySQL
	// instance, where fleet state and procedure status logs persist.
	// Empty means run against the in-memory gateway, for local
	// development and the test suite.
	MetadataDSN string

	// ListenAddress is the bind address of the JSON/HTTP RPC surface.
	ListenAddress string

	// Workers sizes the executor's worker pool.
	Workers int

	// LockAcquireTimeout bounds how long a procedure waits for a
	// contended lock path before giving up.
	LockAcquireTimeout time.Duration

	// FailureDetectorPeriod is how often the detector probes each
	// registered group's master.
	FailureDetectorPeriod time.Duration

	// FailureDetectorStrikes is the number of consecutive failed probes
	// before the detector triggers a promotion.
	FailureDetectorStrikes int

	// MinServerVersion is the reference minimum MySQL version accepted
	// by group.add.
	MinServerVersion model.ServerVersion

	// CatchUpPollInterval/CatchUpTimeout bound how long group.promote
	// waits for the candidate to reach the former master's position, and
	// for each repointed replica to reach the new master's position: a
	// poll loop, never a fixed sleep.
	CatchUpPollInterval time.Duration
	CatchUpTimeout      time.Duration
}

// Default returns the configuration used when no environment variables
// or config file override it.
func Default() Config {
	return Config{
		MetadataDSN:            "",
		ListenAddress:          ":32274",
		Workers:                4,
		LockAcquireTimeout:     30 * time.Second,
		FailureDetectorPeriod:  5 * time.Second,
		FailureDetectorStrikes: 3,
		MinServerVersion:       model.MinServerVersion,
		CatchUpPollInterval:    200 * time.Millisecond,
		CatchUpTimeout:         30 * time.Second,
	}
}

// Load builds a Config from environment variables prefixed FABRICD_
// (e.g. FABRICD_METADATA_DSN) and, if present, a config file at path,
// layered over Default().
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("fabricd")
	v.AutomaticEnv()
	v.SetDefault("metadata_dsn", cfg.MetadataDSN)
	v.SetDefault("listen_address", cfg.ListenAddress)
	v.SetDefault("workers", cfg.Workers)
	v.SetDefault("lock_acquire_timeout", cfg.LockAcquireTimeout)
	v.SetDefault("failure_detector_period", cfg.FailureDetectorPeriod)
	v.SetDefault("failure_detector_strikes", cfg.FailureDetectorStrikes)
	v.SetDefault("catch_up_poll_interval", cfg.CatchUpPollInterval)
	v.SetDefault("catch_up_timeout", cfg.CatchUpTimeout)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg.MetadataDSN = v.GetString("metadata_dsn")
	cfg.ListenAddress = v.GetString("listen_address")
	cfg.Workers = v.GetInt("workers")
	cfg.LockAcquireTimeout = v.GetDuration("lock_acquire_timeout")
	cfg.FailureDetectorPeriod = v.GetDuration("failure_detector_period")
	cfg.FailureDetectorStrikes = v.GetInt("failure_detector_strikes")
	cfg.CatchUpPollInterval = v.GetDuration("catch_up_poll_interval")
	cfg.CatchUpTimeout = v.GetDuration("catch_up_timeout")

	if s := v.GetString("min_server_version"); s != "" {
		var mv model.ServerVersion
		if _, err := fmt.Sscanf(s, "%d.%d.%d", &mv.Major, &mv.Minor, &mv.Patch); err != nil {
			return cfg, fmt.Errorf("parse min_server_version %q: %w", s, err)
		}
		cfg.MinServerVersion = mv
	}

	return cfg, nil
}

// LockRetryConfig adapts Config into lockmgr's RetryConfig.
func (c Config) LockRetryConfig() lockmgr.RetryConfig {
	return lockmgr.RetryConfig{Timeout: c.LockAcquireTimeout}
}
