package main

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/danmuck/upscalerd/internal/config"
	"github.com/danmuck/upscalerd/internal/session"
)

func TestLoadConfigFlagOverrides(t *testing.T) {
	cfg, err := loadConfig("", "keepalive", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != session.ModeKeepAlive || cfg.Admin.Addr != "127.0.0.1:0" {
		t.Fatalf("overrides not applied: mode=%s admin=%q", cfg.Mode, cfg.Admin.Addr)
	}
}

func TestLoadConfigExample(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(".", "ex.config.toml"), "", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != session.ModeV2 {
		t.Fatalf("unexpected mode %s", cfg.Mode)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	if _, err := loadConfig("", "grpc", ""); !errors.Is(err, session.ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
	if _, err := loadConfig("", "", "no-port"); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"), "", ""); err == nil {
		t.Fatalf("expected missing file error")
	}
}
