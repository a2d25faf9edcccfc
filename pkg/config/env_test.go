package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("FOO", "")
	if got := GetEnv("FOO", "bar"); got != "bar" {
		t.Fatalf("expected bar, got %s", got)
	}
	t.Setenv("FOO", "baz")
	if got := GetEnv("FOO", "bar"); got != "baz" {
		t.Fatalf("expected baz, got %s", got)
	}
}

func TestGetEnvInt64(t *testing.T) {
	t.Setenv("CAP", "")
	if got := GetEnvInt64("CAP", 1000000); got != 1000000 {
		t.Fatalf("expected 1000000, got %d", got)
	}
	t.Setenv("CAP", "250000")
	if got := GetEnvInt64("CAP", 1000000); got != 250000 {
		t.Fatalf("expected 250000, got %d", got)
	}
	t.Setenv("CAP", "notint")
	if got := GetEnvInt64("CAP", 7); got != 7 {
		t.Fatalf("expected 7 on parse error, got %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("WINDOW", "")
	if got := GetEnvDuration("WINDOW", 150*time.Millisecond); got != 150*time.Millisecond {
		t.Fatalf("expected default, got %v", got)
	}
	t.Setenv("WINDOW", "2s")
	if got := GetEnvDuration("WINDOW", 150*time.Millisecond); got != 2*time.Second {
		t.Fatalf("expected 2s, got %v", got)
	}
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	if GetLogLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level")
	}
	t.Setenv("LOG_LEVEL", "")
	if GetLogLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level by default")
	}
}

func TestLoadEnv_NoFile(t *testing.T) {
	logger := logrus.New()
	LoadEnv(logger)
}
