package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

type Config struct {
	ListenAddr string `toml:"listen-addr"`
	LogLevel   string `toml:"log-level"`
	// DebugMode gates verbose per-replicator logging. Read once at startup;
	// flipping it after daemons are running has no effect.
	DebugMode bool `toml:"debug-mode"`

	// Interval before an unanswered lock request is retransmitted (ms).
	ResendIntervalMs uint64 `toml:"resend-interval-ms"`
	// Interval between registry passes that re-drive idle replicators (ms).
	WorkTickIntervalMs uint64 `toml:"work-tick-interval-ms"`
	// How long a finished replicator stays resident before eviction (ms).
	// Must cover two worst-case round trips plus the resend interval so
	// stragglers find their replicator instead of a log line.
	FinishedGraceMs uint64 `toml:"finished-grace-ms"`

	// Outbound frames buffered per peer before sends are dropped.
	SendQueueSize int `toml:"send-queue-size"`

	DesiredReplication uint32 `toml:"desired-replication"`
}

// Resend intervals below this starve replicas of time to answer and turn
// retransmission into a flood.
const minResendIntervalMs = 10

func (c *Config) Validate() error {
	if c.ResendIntervalMs < minResendIntervalMs {
		return fmt.Errorf("resend interval must be at least %dms", minResendIntervalMs)
	}
	if c.WorkTickIntervalMs == 0 {
		return fmt.Errorf("work tick interval must be greater than 0")
	}
	if c.FinishedGraceMs < 2*c.ResendIntervalMs {
		return fmt.Errorf("finished grace must cover at least two resend intervals")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("send queue size must be greater than 0")
	}
	if c.DesiredReplication == 0 {
		return fmt.Errorf("desired replication must be greater than 0")
	}
	return nil
}

func (c *Config) ResendInterval() time.Duration {
	return time.Duration(c.ResendIntervalMs) * time.Millisecond
}

func (c *Config) WorkTickInterval() time.Duration {
	return time.Duration(c.WorkTickIntervalMs) * time.Millisecond
}

func (c *Config) FinishedGrace() time.Duration {
	return time.Duration(c.FinishedGraceMs) * time.Millisecond
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		ListenAddr:         "127.0.0.1:22751",
		LogLevel:           getLogLevel(),
		ResendIntervalMs:   500,
		WorkTickIntervalMs: 100,
		FinishedGraceMs:    5000,
		SendQueueSize:      4096,
		DesiredReplication: 3,
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:           getLogLevel(),
		DebugMode:          true,
		ResendIntervalMs:   10,
		WorkTickIntervalMs: 10,
		FinishedGraceMs:    50,
		SendQueueSize:      64,
		DesiredReplication: 3,
	}
}

var globalConf atomic.Value

// SetGlobalConf installs the process-wide configuration. Called once by the
// server main before anything else starts.
func SetGlobalConf(c *Config) {
	globalConf.Store(c)
}

func GetGlobalConf() *Config {
	return globalConf.Load().(*Config)
}
