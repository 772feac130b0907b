package actor

import (
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig() should validate, got %v", err)
	}
}

func TestValidateRejectsBadDropRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DropRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for drop_rate > 1")
	}
}

func TestValidateRejectsHeartbeatTimeoutNotAboveInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = cfg.HeartbeatInterval
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when heartbeat_timeout <= heartbeat_interval")
	}
}

// heartbeat_interval/heartbeat_timeout are a plain count of milliseconds
// per spec §6, not a Go duration string; LoadConfigFromEnv must scale them
// explicitly rather than handing them to viper's duration parser.
func TestLoadConfigFromEnvParsesHeartbeatKeysAsMilliseconds(t *testing.T) {
	t.Setenv("ROOT_URI", "127.0.0.1")
	t.Setenv("ROOT_PORT", "9000")
	t.Setenv("NODE_URI", "127.0.0.1")
	t.Setenv("NODE_ROLE", "Worker")
	t.Setenv("SERVER_COUNT", "2")
	t.Setenv("WORKER_COUNT", "2")
	t.Setenv("HEARTBEAT_INTERVAL", "100")
	t.Setenv("HEARTBEAT_TIMEOUT", "1000")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.HeartbeatInterval != 100*time.Millisecond {
		t.Fatalf("HeartbeatInterval = %v, want 100ms", cfg.HeartbeatInterval)
	}
	if cfg.HeartbeatTimeout != 1000*time.Millisecond {
		t.Fatalf("HeartbeatTimeout = %v, want 1000ms", cfg.HeartbeatTimeout)
	}
}
