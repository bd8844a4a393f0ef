// Package config loads the control plane's operational tunables from
// environment variables, resolving per-deployment knobs via os.Getenv
// rather than a config file or flag library.
package config

import (
	"os"
	"strconv"
	"time"
)

// Tunables holds every timing and threshold constant a shard group
// lifecycle or split run depends on.
type Tunables struct {
	// PodPort is the port every node kind listens on inside its Pod.
	PodPort int32
	// MinimumLogLevel is injected into launched nodes verbatim.
	MinimumLogLevel string
	// NodeImage is the container image every shard/router/coordinator
	// deployment runs; the launched process picks its role from MODE and
	// ENCODED_JSON_CONFIGURATION.
	NodeImage string

	StartupFailureThreshold int32
	StartupPeriodSeconds    int32

	TerminationGracePeriodSeconds int32
	ScaleDownTimeoutBuffer        time.Duration

	PollInterval time.Duration

	CoordinatorRefreshInterval time.Duration
	CoordinatorRefreshBuffer   time.Duration

	SplitBatchSize         int
	SplitIdleRetryCount    int
	SplitIdleRetryInterval time.Duration
}

// Default returns the tunables used when no environment override is set.
func Default() Tunables {
	return Tunables{
		PodPort:                       5000,
		MinimumLogLevel:               "Information",
		NodeImage:                     "accessmesh/node:latest",
		StartupFailureThreshold:       3,
		StartupPeriodSeconds:          10,
		TerminationGracePeriodSeconds: 30,
		ScaleDownTimeoutBuffer:        5 * time.Second,
		PollInterval:                  2 * time.Second,
		CoordinatorRefreshInterval:    30 * time.Second,
		CoordinatorRefreshBuffer:      5 * time.Second,
		SplitBatchSize:                1000,
		SplitIdleRetryCount:           5,
		SplitIdleRetryInterval:        2 * time.Second,
	}
}

// FromEnv overlays CONTROLPLANE_* environment variables onto Default().
func FromEnv() Tunables {
	t := Default()
	if v, ok := envInt32("CONTROLPLANE_POD_PORT"); ok {
		t.PodPort = v
	}
	if v := os.Getenv("CONTROLPLANE_MINIMUM_LOG_LEVEL"); v != "" {
		t.MinimumLogLevel = v
	}
	if v := os.Getenv("CONTROLPLANE_NODE_IMAGE"); v != "" {
		t.NodeImage = v
	}
	if v, ok := envInt32("CONTROLPLANE_STARTUP_FAILURE_THRESHOLD"); ok {
		t.StartupFailureThreshold = v
	}
	if v, ok := envInt32("CONTROLPLANE_STARTUP_PERIOD_SECONDS"); ok {
		t.StartupPeriodSeconds = v
	}
	if v, ok := envInt32("CONTROLPLANE_TERMINATION_GRACE_PERIOD_SECONDS"); ok {
		t.TerminationGracePeriodSeconds = v
	}
	if v, ok := envDuration("CONTROLPLANE_POLL_INTERVAL"); ok {
		t.PollInterval = v
	}
	if v, ok := envDuration("CONTROLPLANE_COORDINATOR_REFRESH_INTERVAL"); ok {
		t.CoordinatorRefreshInterval = v
	}
	if v, ok := envInt("CONTROLPLANE_SPLIT_BATCH_SIZE"); ok {
		t.SplitBatchSize = v
	}
	if v, ok := envInt("CONTROLPLANE_SPLIT_IDLE_RETRY_COUNT"); ok {
		t.SplitIdleRetryCount = v
	}
	if v, ok := envDuration("CONTROLPLANE_SPLIT_IDLE_RETRY_INTERVAL"); ok {
		t.SplitIdleRetryInterval = v
	}
	return t
}

// CreateShardGroupTimeout is the abort timeout for waiting on a freshly
// created deployment: (startupFailureThreshold + 1) × startupPeriodSeconds
// × 1000ms.
func (t Tunables) CreateShardGroupTimeout() time.Duration {
	return time.Duration(t.StartupFailureThreshold+1) * time.Duration(t.StartupPeriodSeconds) * time.Second
}

// ScaleDownTimeout is the abort timeout for waiting on a scale-to-zero:
// terminationGracePeriodSeconds × 1000ms + buffer.
func (t Tunables) ScaleDownTimeout() time.Duration {
	return time.Duration(t.TerminationGracePeriodSeconds)*time.Second + t.ScaleDownTimeoutBuffer
}

func envInt32(name string) (int32, bool) {
	v, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return int32(v), true
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(name string) (time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}
