package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func mustLoad(t *testing.T, env map[string]string, args ...string) Config {
	t.Helper()
	cfg, err := load(lookupFrom(env), args)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := mustLoad(t, nil)

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Errorf("Mode = %q, want dev", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat = %q, want text in dev mode", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug in dev mode", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != DefaultShutdown {
		t.Errorf("ShutdownTimeout = %v, want %v", cfg.ShutdownTimeout, DefaultShutdown)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout {
		t.Errorf("idle timeout = %v", cfg.SignalingWSIdleTimeout)
	}
	if cfg.SignalingWSPingInterval != DefaultSignalingWSPingInterval {
		t.Errorf("ping interval = %v", cfg.SignalingWSPingInterval)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Errorf("max message bytes = %d", cfg.MaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != DefaultMaxSignalingMessagesPerSecond {
		t.Errorf("max messages/s = %d", cfg.MaxSignalingMessagesPerSecond)
	}
	if cfg.MaxParticipantsPerRoom != DefaultMaxParticipantsPerRoom {
		t.Errorf("max participants = %d", cfg.MaxParticipantsPerRoom)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Errorf("AllowedOrigins = %v, want none", cfg.AllowedOrigins)
	}
	if len(cfg.ICEServers) != 0 {
		t.Errorf("ICEServers = %v, want none", cfg.ICEServers)
	}
}

func TestProdModeSwitchesLogDefaults(t *testing.T) {
	cfg := mustLoad(t, map[string]string{"MESHMEET_MODE": "prod"})

	if cfg.Mode != ModeProd {
		t.Fatalf("Mode = %q", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat = %q, want json in prod mode", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info in prod mode", cfg.LogLevel)
	}
}

func TestModeFlagOverridesEnvAndRedefaultsLogs(t *testing.T) {
	// Mode comes from the flag; log settings were not explicitly set
	// anywhere, so they follow the flag's mode, not the env default chain.
	cfg := mustLoad(t, nil, "--mode", "prod")

	if cfg.Mode != ModeProd {
		t.Fatalf("Mode = %q", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelInfo {
		t.Errorf("log defaults did not follow flag mode: %q %v", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestExplicitLogSettingsWinOverMode(t *testing.T) {
	env := map[string]string{
		"MESHMEET_MODE":       "prod",
		"MESHMEET_LOG_FORMAT": "text",
	}
	cfg := mustLoad(t, env, "--log-level", "warn")

	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat = %q, env must win over mode default", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, flag must win over mode default", cfg.LogLevel)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	env := map[string]string{
		"MESHMEET_LISTEN_ADDR":      "0.0.0.0:9999",
		"MAX_PARTICIPANTS_PER_ROOM": "4",
	}
	cfg := mustLoad(t, env,
		"--listen-addr", "127.0.0.1:7000",
		"--max-participants-per-room", "8",
	)

	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.MaxParticipantsPerRoom != 8 {
		t.Errorf("MaxParticipantsPerRoom = %d", cfg.MaxParticipantsPerRoom)
	}
}

func TestAllowedOriginsNormalized(t *testing.T) {
	cfg := mustLoad(t, map[string]string{
		"ALLOWED_ORIGINS": "https://Meet.Example.com, http://localhost:3000 ,",
	})

	want := []string{"https://meet.example.com", "http://localhost:3000"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Errorf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

func TestAllowedOriginsWildcard(t *testing.T) {
	cfg := mustLoad(t, map[string]string{"ALLOWED_ORIGINS": "*"})
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("AllowedOrigins = %v, want [*]", cfg.AllowedOrigins)
	}
}

func TestAllowedOriginsRejectsBareHost(t *testing.T) {
	if _, err := load(lookupFrom(map[string]string{"ALLOWED_ORIGINS": "example.com"}), nil); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}

func TestSignalingHardeningFromEnv(t *testing.T) {
	env := map[string]string{
		"SIGNALING_WS_IDLE_TIMEOUT":         "90s",
		"SIGNALING_WS_PING_INTERVAL":        "30s",
		"MAX_SIGNALING_MESSAGE_BYTES":       "1024",
		"MAX_SIGNALING_MESSAGES_PER_SECOND": "5",
	}
	cfg := mustLoad(t, env)

	if cfg.SignalingWSIdleTimeout != 90*time.Second {
		t.Errorf("idle timeout = %v", cfg.SignalingWSIdleTimeout)
	}
	if cfg.SignalingWSPingInterval != 30*time.Second {
		t.Errorf("ping interval = %v", cfg.SignalingWSPingInterval)
	}
	if cfg.MaxSignalingMessageBytes != 1024 {
		t.Errorf("max message bytes = %d", cfg.MaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != 5 {
		t.Errorf("max messages/s = %d", cfg.MaxSignalingMessagesPerSecond)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{
			name: "empty listen addr",
			args: []string{"--listen-addr", ""},
			want: "listen address",
		},
		{
			name: "bad mode",
			args: []string{"--mode", "staging"},
			want: "invalid mode",
		},
		{
			name: "bad log level",
			args: []string{"--log-level", "loud"},
			want: "invalid log level",
		},
		{
			name: "bad log format",
			args: []string{"--log-format", "xml"},
			want: "invalid log format",
		},
		{
			name: "non-positive shutdown",
			args: []string{"--shutdown-timeout", "0s"},
			want: "shutdown timeout",
		},
		{
			name: "ping not below idle",
			args: []string{"--signaling-ws-ping-interval", "60s", "--signaling-ws-idle-timeout", "60s"},
			want: "must be <",
		},
		{
			name: "non-positive message bytes",
			args: []string{"--max-signaling-message-bytes", "0"},
			want: "must be > 0",
		},
		{
			name: "negative room cap",
			args: []string{"--max-participants-per-room", "-1"},
			want: "must be >= 0",
		},
		{
			name: "unparseable env duration",
			env:  map[string]string{"SIGNALING_WS_IDLE_TIMEOUT": "soon"},
			want: "invalid SIGNALING_WS_IDLE_TIMEOUT",
		},
		{
			name: "unparseable env int",
			env:  map[string]string{"MAX_PARTICIPANTS_PER_ROOM": "many"},
			want: "invalid MAX_PARTICIPANTS_PER_ROOM",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(lookupFrom(tc.env), tc.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := NewLogger(Config{LogFormat: "yaml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		if _, err := NewLogger(Config{LogFormat: format}); err != nil {
			t.Fatalf("NewLogger(%s): %v", format, err)
		}
	}
}
