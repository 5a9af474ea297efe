// Package config loads the HMSH_* environment knobs that govern router
// backoff, quorum timing, task-service fidelity, and workflow retry
// defaults into a typed struct.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-tunable engine parameter. Zero-value
// Config{} is a valid literal for unit tests; FromEnv applies the documented
// defaults for anything unset.
type Config struct {
	LogLevel string
	Telemetry string

	SignalExpire time.Duration

	QuorumRollcallCycles int
	QuorumDelay          time.Duration
	ActivationMaxRetry   int

	OTTWaitTime time.Duration

	ExpireJobSeconds int

	MaxStreamBackoff     time.Duration
	InitialStreamBackoff time.Duration
	MaxStreamRetries     int

	MaxRetries          int
	MaxTimeout          time.Duration
	GraduatedInterval   time.Duration
	BlockTime           time.Duration

	XClaimDelay  time.Duration
	XClaimCount  int
	XPendingCount int

	FidelitySeconds       int
	ScoutIntervalSeconds  int

	GUIDSize int

	MeshflowMaxAttempts int
	MeshflowMaxInterval time.Duration
	MeshflowExpBackoff  int
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		LogLevel:  "info",
		Telemetry: "noop",

		SignalExpire: 24 * time.Hour,

		QuorumRollcallCycles: 3,
		QuorumDelay:          1 * time.Second,
		ActivationMaxRetry:   3,

		OTTWaitTime: 2 * time.Second,

		ExpireJobSeconds: 120,

		MaxStreamBackoff:     30 * time.Second,
		InitialStreamBackoff: 1 * time.Second,
		MaxStreamRetries:     5,

		MaxRetries:        3,
		MaxTimeout:        60 * time.Second,
		GraduatedInterval: 1 * time.Second,
		BlockTime:         5 * time.Second,

		XClaimDelay:   60 * time.Second,
		XClaimCount:   3,
		XPendingCount: 10,

		FidelitySeconds:      5,
		ScoutIntervalSeconds: 5,

		GUIDSize: 32,

		MeshflowMaxAttempts: 3,
		MeshflowMaxInterval: 120 * time.Second,
		MeshflowExpBackoff:  10,
	}
}

// FromEnv starts from Defaults and overrides fields whose HMSH_* environment
// variable is set.
func FromEnv() Config {
	c := Defaults()
	if v, ok := os.LookupEnv("HMSH_LOGLEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("HMSH_TELEMETRY"); ok {
		c.Telemetry = v
	}
	envDuration("HMSH_SIGNAL_EXPIRE", &c.SignalExpire, time.Second)
	envInt("HMSH_QUORUM_ROLLCALL_CYCLES", &c.QuorumRollcallCycles)
	envDuration("HMSH_QUORUM_DELAY_MS", &c.QuorumDelay, time.Millisecond)
	envInt("HMSH_ACTIVATION_MAX_RETRY", &c.ActivationMaxRetry)
	envDuration("HMSH_OTT_WAIT_TIME", &c.OTTWaitTime, time.Millisecond)
	envInt("HMSH_EXPIRE_JOB_SECONDS", &c.ExpireJobSeconds)
	envDuration("MAX_STREAM_BACKOFF", &c.MaxStreamBackoff, time.Millisecond)
	envDuration("INITIAL_STREAM_BACKOFF", &c.InitialStreamBackoff, time.Millisecond)
	envInt("MAX_STREAM_RETRIES", &c.MaxStreamRetries)
	envInt("HMSH_MAX_RETRIES", &c.MaxRetries)
	envDuration("HMSH_MAX_TIMEOUT_MS", &c.MaxTimeout, time.Millisecond)
	envDuration("HMSH_GRADUATED_INTERVAL_MS", &c.GraduatedInterval, time.Millisecond)
	envDuration("HMSH_BLOCK_TIME_MS", &c.BlockTime, time.Millisecond)
	envDuration("HMSH_XCLAIM_DELAY_MS", &c.XClaimDelay, time.Millisecond)
	envInt("HMSH_XCLAIM_COUNT", &c.XClaimCount)
	envInt("HMSH_XPENDING_COUNT", &c.XPendingCount)
	envInt("HMSH_FIDELITY_SECONDS", &c.FidelitySeconds)
	envInt("HMSH_SCOUT_INTERVAL_SECONDS", &c.ScoutIntervalSeconds)
	envInt("HMSH_GUID_SIZE", &c.GUIDSize)
	envInt("HMSH_MESHFLOW_MAX_ATTEMPTS", &c.MeshflowMaxAttempts)
	envDuration("HMSH_MESHFLOW_MAX_INTERVAL", &c.MeshflowMaxInterval, time.Second)
	envInt("HMSH_MESHFLOW_EXP_BACKOFF", &c.MeshflowExpBackoff)
	return c
}

func envInt(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func envDuration(name string, dst *time.Duration, unit time.Duration) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = time.Duration(n) * unit
}
