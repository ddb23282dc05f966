package logging

import (
	"os"
	"path/filepath"
	"testing"

	"qbtc-market/internal/config"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) expected %v, got %v", in, want, got)
		}
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qbtc.log")
	logger := New(config.LoggingConfig{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	logger.Info("hello")
	_ = logger.Sync()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected log output in file")
	}
}

func TestNewWithoutFile(t *testing.T) {
	if logger := New(config.LoggingConfig{Level: "debug"}); logger == nil {
		t.Fatalf("expected logger")
	}
}
