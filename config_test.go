package fapgate

import (
	"strings"
	"testing"
	"time"

	"pkt.systems/fapgate/internal/fap"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.MaxLevel != DefaultMaxLevel || cfg.BitmapMinLevel != DefaultBitmapMinLevel {
		t.Fatalf("unexpected level defaults %d/%d", cfg.MaxLevel, cfg.BitmapMinLevel)
	}
	if cfg.HeartbeatInterval != DefaultHeartbeatInterval || cfg.HeartbeatTimeout != DefaultHeartbeatTimeout {
		t.Fatalf("unexpected heartbeat defaults %s/%s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	}
	if cfg.MaxTransmissionSize != DefaultMaxTransmissionSize || cfg.MaxMessageSize != DefaultMaxMessageSize {
		t.Fatal("expected size defaults")
	}
	if cfg.StoreInitialSize != DefaultStoreInitialSize || cfg.StoreMaxSize != DefaultStoreMaxSize {
		t.Fatal("expected store defaults")
	}
	if cfg.RecoverPageSize != DefaultRecoverPageSize {
		t.Fatalf("expected recover page default, got %d", cfg.RecoverPageSize)
	}
	if cfg.GuardFailureThreshold != DefaultGuardFailureThreshold || cfg.GuardBlockDuration != DefaultGuardBlockDuration {
		t.Fatal("expected guard defaults")
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"tls half configured", Config{TLSCertFile: "server.pem"}, "tls-cert and tls-key"},
		{"level too high", Config{MaxLevel: fap.LevelMax + 1}, "max level"},
		{"sub-second heartbeat", Config{HeartbeatInterval: 500 * time.Millisecond}, "heartbeat"},
		{"transmission above message", Config{MaxMessageSize: 1024, MaxTransmissionSize: 4096}, "max transmission size"},
		{"unknown capability", Config{Capabilities: 0x8000}, "capability"},
		{"store max below initial", Config{StoreInitialSize: 64, StoreMaxSize: 8}, "store max size"},
		{"profiling without metrics", Config{EnableProfilingMetrics: true}, "metrics-listen"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestConfigValidateKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Listen:            "127.0.0.1:0",
		MaxLevel:          12,
		HeartbeatInterval: 5 * time.Second,
		Capabilities:      0x0003,
		RecoverPageSize:   4,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != "127.0.0.1:0" || cfg.MaxLevel != 12 || cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
	if cfg.Capabilities != 0x0003 || cfg.RecoverPageSize != 4 {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
}

func TestDefaultConfigDirHonoursOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FAPGATE_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
}
