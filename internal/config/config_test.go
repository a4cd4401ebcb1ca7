package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ecfs.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "core_path: /tmp/core.1234\npid: 1234\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OutPath != "/tmp/core.1234.ecfs" {
		t.Errorf("OutPath = %q, want %q", cfg.OutPath, "/tmp/core.1234.ecfs")
	}
	if cfg.TempDir != "." {
		t.Errorf("TempDir = %q, want %q", cfg.TempDir, ".")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoadRamdiskOverridesTempDir(t *testing.T) {
	path := writeTempConfig(t, "core_path: /tmp/core.1\npid: 1\nuse_ramdisk: true\ntemp_dir: /var/tmp\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TempDir != "/dev/shm" {
		t.Errorf("TempDir = %q, want /dev/shm when use_ramdisk is set", cfg.TempDir)
	}
}

func TestLoadRejectsMissingCorePath(t *testing.T) {
	path := writeTempConfig(t, "pid: 1234\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load: want error for missing core_path, got nil")
	}
	if !strings.Contains(err.Error(), "core_path") {
		t.Errorf("error = %v, want it to mention core_path", err)
	}
}

func TestLoadRejectsBadPid(t *testing.T) {
	path := writeTempConfig(t, "core_path: /tmp/core.1\npid: 0\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load: want error for pid 0, got nil")
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeTempConfig(t, "core_path: /tmp/core.1\npid: 1\nlog_level: verbose\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load: want error for invalid log_level, got nil")
	}
}

func TestLoadAggregatesValidationErrors(t *testing.T) {
	path := writeTempConfig(t, "pid: 0\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load: want error, got nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "core_path") || !strings.Contains(msg, "pid") {
		t.Errorf("error = %q, want it to mention both core_path and pid", msg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load on a missing file: want error, got nil")
	}
}
