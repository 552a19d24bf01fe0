package main

import (
	"log/slog"
	"path/filepath"
	"testing"
)

func TestPidFilePath_IsUnderRoot(t *testing.T) {
	got := pidFilePath("/tmp/msb-root")
	want := filepath.Join("/tmp/msb-root", "microsandbox.pid")
	if got != want {
		t.Fatalf("pidFilePath = %q, want %q", got, want)
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := logLevel(in); got != want {
			t.Errorf("logLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRun_UnknownTopLevelCommandIsMisuse(t *testing.T) {
	if got := run([]string{"frobnicate"}); got != exitMisuse {
		t.Fatalf("run([frobnicate]) = %d, want %d", got, exitMisuse)
	}
}

func TestRun_MissingSubcommandIsMisuse(t *testing.T) {
	if got := run([]string{"server"}); got != exitMisuse {
		t.Fatalf("run([server]) = %d, want %d", got, exitMisuse)
	}
}

func TestRun_UnknownServerSubcommandIsMisuse(t *testing.T) {
	if got := run([]string{"server", "frobnicate"}); got != exitMisuse {
		t.Fatalf("run([server frobnicate]) = %d, want %d", got, exitMisuse)
	}
}

func TestRun_HelpReturnsOK(t *testing.T) {
	if got := run([]string{"help"}); got != exitOK {
		t.Fatalf("run([help]) = %d, want %d", got, exitOK)
	}
}

func TestCmdStop_NoRunningServerIsNotFound(t *testing.T) {
	got := cmdStop([]string{"-path", t.TempDir()})
	if got != exitNotFound {
		t.Fatalf("cmdStop on an empty root = %d, want %d", got, exitNotFound)
	}
}

func TestCmdStatus_MissingAPIKeyIsAuthFailure(t *testing.T) {
	t.Setenv("MSB_API_KEY", "")
	t.Setenv("MSB_SERVER_URL", "http://127.0.0.1:1")
	got := cmdStatus([]string{"-path", t.TempDir()})
	if got != exitAuthFailure {
		t.Fatalf("cmdStatus without MSB_API_KEY = %d, want %d", got, exitAuthFailure)
	}
}
