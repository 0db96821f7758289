package config

import (
	"os"
	"testing"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("host = %q", cfg.Host)
	}
	if cfg.PortScanStart != 8000 || cfg.PortScanEnd != 9000 {
		t.Errorf("scan range = %d-%d", cfg.PortScanStart, cfg.PortScanEnd)
	}
	if cfg.DBPath != "meshbank.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MESHBANK_LOG_LEVEL", "debug")
	t.Setenv("MESHBANK_DB_PATH", "/tmp/other.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
	if cfg.DBPath != "/tmp/other.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
}

func TestYAMLFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/meshbank.yaml", []byte("host: 192.168.1.10\nport_scan_start: 8100\nport_scan_end: 8200\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "192.168.1.10" {
		t.Errorf("host = %q", cfg.Host)
	}
	if cfg.PortScanStart != 8100 {
		t.Errorf("scan start = %d", cfg.PortScanStart)
	}
}

func TestInvertedRangeRejected(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MESHBANK_PORT_SCAN_START", "9000")
	t.Setenv("MESHBANK_PORT_SCAN_END", "8000")

	if _, err := Load(); err == nil {
		t.Fatal("want error for inverted range")
	}
}
