package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServer_Defaults(t *testing.T) {
	t.Setenv("SERVER_NAME", "chat-test")
	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.PendingGrace != 5*time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if got := cfg.NATS().Name; got != "support-chat-chat-test" {
		t.Errorf("unexpected NATS client name %q", got)
	}
}

func TestLoadServer_Overrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("ALLOWED_ORIGINS", "https://shop.example,https://admin.example")
	t.Setenv("PING_INTERVAL", "15s")
	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("expected two origins, got %v", cfg.AllowedOrigins)
	}
	ws := cfg.WS()
	if ws.ListenAddr != ":9090" || ws.Heartbeat.Interval != 15*time.Second {
		t.Errorf("unexpected ws config %+v", ws)
	}
}

func TestLoadServer_RejectsNonPositiveCleanupInterval(t *testing.T) {
	for _, v := range []string{"0s", "-5s"} {
		t.Setenv("CLEANUP_INTERVAL", v)
		if _, err := LoadServer(); err == nil || !strings.Contains(err.Error(), "CLEANUP_INTERVAL") {
			t.Errorf("CLEANUP_INTERVAL=%s: expected validation error, got %v", v, err)
		}
	}
}

func TestLoadClient_Reconnect(t *testing.T) {
	t.Setenv("CHAT_RECONNECT_BASE", "250ms")
	t.Setenv("CHAT_RECONNECT_CAP", "8s")
	t.Setenv("CHAT_RECONNECT_MAX_ATTEMPTS", "3")
	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tc := cfg.Transport()
	if tc.ReconnectBase != 250*time.Millisecond || tc.ReconnectCap != 8*time.Second || tc.MaxAttempts != 3 {
		t.Errorf("unexpected transport config %+v", tc)
	}
}

func TestLoadClient_ParseError(t *testing.T) {
	t.Setenv("CHAT_RECONNECT_MAX_ATTEMPTS", "lots")
	_, err := LoadClient()
	if err == nil || !strings.Contains(err.Error(), "config: parse env") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
