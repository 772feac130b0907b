// Package actor implements the per-node control-protocol state machine:
// joining the cluster, receiving the coordinator's roster broadcast,
// connecting to every peer, and servicing Barrier/Heartbeat/Terminate
// alongside data messages handed off to a PSAgent.
package actor

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/mindalpha/MindAlpha/pkg/cluster"
)

// Config holds the recognized environment keys of spec.md §6. Values are
// read through viper.AutomaticEnv so a deployment can override any of them
// without a config file, matching the teacher pack's InitFromViper idiom.
type Config struct {
	RootURI  string
	RootPort int
	NodeURI  string
	NodePort int
	NodeRole cluster.NodeRole

	ServerCount int
	WorkerCount int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	IsResendingEnabled bool
	ResendingTimeout   time.Duration
	ResendingRetry     int
	DropRate           float64

	IsLocalMode bool
	BindRetry   int
}

// DefaultConfig returns a Config with conservative single-process
// defaults: resending disabled, no fault injection, a generous heartbeat
// timeout.
func DefaultConfig() Config {
	return Config{
		RootURI:  "127.0.0.1",
		RootPort: 9000,
		NodeURI:  "127.0.0.1",
		NodePort: 0,
		NodeRole: cluster.Worker,

		ServerCount: 1,
		WorkerCount: 1,

		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  30 * time.Second,

		ResendingTimeout: 2 * time.Second,
		ResendingRetry:   5,

		BindRetry: 3,
	}
}

// LoadConfigFromEnv reads the recognized keys from the environment,
// falling back to DefaultConfig for anything unset. Key names match
// spec.md §6 verbatim (lower_snake_case, no prefix).
func LoadConfigFromEnv() (Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.AutomaticEnv()
	for _, key := range []string{
		"root_uri", "root_port", "node_uri", "node_port", "node_role",
		"server_count", "worker_count",
		"heartbeat_interval", "heartbeat_timeout",
		"is_resending_enabled", "resending_timeout", "resending_retry", "drop_rate",
		"is_local_mode", "bind_retry",
	} {
		v.BindEnv(key)
	}

	v.SetDefault("root_uri", def.RootURI)
	v.SetDefault("root_port", def.RootPort)
	v.SetDefault("node_uri", def.NodeURI)
	v.SetDefault("node_port", def.NodePort)
	v.SetDefault("node_role", def.NodeRole.String())
	v.SetDefault("server_count", def.ServerCount)
	v.SetDefault("worker_count", def.WorkerCount)
	v.SetDefault("heartbeat_interval", def.HeartbeatInterval.Milliseconds())
	v.SetDefault("heartbeat_timeout", def.HeartbeatTimeout.Milliseconds())
	v.SetDefault("is_resending_enabled", def.IsResendingEnabled)
	v.SetDefault("resending_timeout", def.ResendingTimeout)
	v.SetDefault("resending_retry", def.ResendingRetry)
	v.SetDefault("drop_rate", def.DropRate)
	v.SetDefault("is_local_mode", def.IsLocalMode)
	v.SetDefault("bind_retry", def.BindRetry)

	role, ok := cluster.RoleFromString(v.GetString("node_role"))
	if !ok {
		return Config{}, fmt.Errorf("actor: unrecognized node_role %q", v.GetString("node_role"))
	}

	cfg := Config{
		RootURI:  v.GetString("root_uri"),
		RootPort: v.GetInt("root_port"),
		NodeURI:  v.GetString("node_uri"),
		NodePort: v.GetInt("node_port"),
		NodeRole: role,

		ServerCount: v.GetInt("server_count"),
		WorkerCount: v.GetInt("worker_count"),

		// spec §6: heartbeat_interval/heartbeat_timeout are a plain integer
		// count of milliseconds, not a Go duration string, so they are read
		// as ints and scaled explicitly rather than via viper.GetDuration
		// (which would parse a bare "100" as 100ns).
		HeartbeatInterval: time.Duration(v.GetInt64("heartbeat_interval")) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(v.GetInt64("heartbeat_timeout")) * time.Millisecond,

		IsResendingEnabled: v.GetBool("is_resending_enabled"),
		ResendingTimeout:   v.GetDuration("resending_timeout"),
		ResendingRetry:     v.GetInt("resending_retry"),
		DropRate:           v.GetFloat64("drop_rate"),

		IsLocalMode: v.GetBool("is_local_mode"),
		BindRetry:   v.GetInt("bind_retry"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.RootURI == "" {
		return fmt.Errorf("actor: root_uri must not be empty")
	}
	if c.RootPort <= 0 || c.RootPort > 65535 {
		return fmt.Errorf("actor: invalid root_port: %d", c.RootPort)
	}
	if c.NodeURI == "" {
		return fmt.Errorf("actor: node_uri must not be empty")
	}
	if c.ServerCount < 0 || c.WorkerCount < 0 {
		return fmt.Errorf("actor: server_count/worker_count must not be negative")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("actor: heartbeat_timeout must be greater than heartbeat_interval")
	}
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("actor: drop_rate must be within [0,1]: %v", c.DropRate)
	}
	if c.BindRetry < 0 {
		return fmt.Errorf("actor: bind_retry must not be negative")
	}
	return nil
}
