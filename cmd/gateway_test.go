package cmd

import (
	"testing"
	"time"

	"qqbot/pkg/config"
)

func TestPlatformDepsRequiresStreamURL(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	if _, err := platformDeps(cfg, nil); err == nil {
		t.Fatal("expected error without gateway.ws_url")
	}
}

func TestPlatformDepsBuildsQQChannel(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Bot: config.BotConfig{
			AppID:        "app",
			ClientSecret: "secret",
			TokenURL:     config.DefaultTokenURL,
			APIBaseURL:   config.DefaultAPIBaseURL,
		},
		Gateway:  config.GatewayConfig{WSURL: "ws://127.0.0.1:2536/ws", PingInterval: 30 * time.Second},
		Delivery: config.DeliveryConfig{RequestTimeout: 5 * time.Second},
	}

	deps, err := platformDeps(cfg, nil)
	if err != nil {
		t.Fatalf("platformDeps error: %v", err)
	}
	if got := deps.Adapter.Name(); got != "qq" {
		t.Fatalf("adapter = %q, want %q", got, "qq")
	}
	if deps.Tokens == nil || deps.Sender == nil {
		t.Fatalf("deps = %+v, want token source and sender", deps)
	}
}

func TestLoadEnvFileIgnoresMissingFile(t *testing.T) {
	t.Parallel()

	if err := loadEnvFile(t.TempDir() + "/missing.env"); err != nil {
		t.Fatalf("loadEnvFile error: %v", err)
	}
	if err := loadEnvFile(""); err != nil {
		t.Fatalf("loadEnvFile(\"\") error: %v", err)
	}
}
