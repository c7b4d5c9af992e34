package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.PLCs = []PLCConn{
		{Code: "PLC01", Name: "press line", Host: "10.0.0.10", Active: true},
	}
	cfg.Groups = []Group{
		{ID: 1, Name: "press-cycle", PLCCode: "PLC01", Mode: ModeFixed,
			IntervalMs: 500, Category: CategoryOperation, Active: true,
			TagAddresses: []string{"D100", "D101"}},
	}
	cfg.Tags = []Tag{
		{PLCCode: "PLC01", Address: "D100", LogMode: LogOnChange, Type: TypeInt,
			MachineCode: "M01", Active: true},
		{PLCCode: "PLC01", Address: "D101", LogMode: LogAlways, Type: TypeInt, Active: true},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Oracle.Port != 1521 {
		t.Errorf("oracle port = %d, want 1521", cfg.Oracle.Port)
	}
	if cfg.Oracle.PoolMin != 2 || cfg.Oracle.PoolMax != 5 {
		t.Errorf("oracle pool = %d/%d, want 2/5", cfg.Oracle.PoolMin, cfg.Oracle.PoolMax)
	}
	if cfg.Buffer.MaxSize != 100000 {
		t.Errorf("buffer max_size = %d, want 100000", cfg.Buffer.MaxSize)
	}
	if cfg.Buffer.BatchSize != 500 || cfg.Buffer.BatchSizeMax != 1000 {
		t.Errorf("batch sizes = %d/%d, want 500/1000", cfg.Buffer.BatchSize, cfg.Buffer.BatchSizeMax)
	}
	if cfg.Buffer.WriteInterval() != time.Second {
		t.Errorf("write interval = %v, want 1s", cfg.Buffer.WriteInterval())
	}
	if cfg.Buffer.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", cfg.Buffer.RetryCount)
	}
	if cfg.Polling.MaxGroups != 10 {
		t.Errorf("max groups = %d, want 10", cfg.Polling.MaxGroups)
	}
	if cfg.Polling.QueueSize != 10000 {
		t.Errorf("queue size = %d, want 10000", cfg.Polling.QueueSize)
	}
	if cfg.PLCDefaults.ConnectTimeoutSec != 5 || cfg.PLCDefaults.ReadTimeoutSec != 3 {
		t.Error("plc timeout defaults changed")
	}
	if cfg.PLCDefaults.PoolSize != 5 || cfg.PLCDefaults.IdleTimeoutSec != 600 {
		t.Error("plc pool defaults changed")
	}
	if cfg.Oracle.Sequence() != "DATATAG_LOG_SEQ" {
		t.Errorf("sequence = %s", cfg.Oracle.Sequence())
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("missing file uses defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(tmpDir, "nope.yaml"))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Polling.MaxGroups != 10 {
			t.Error("expected default config")
		}
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := filepath.Join(tmpDir, "config.yaml")
		body := `
oracle:
  host: ora01
  service_name: HIST
  username: scada
  password: secret
buffer:
  batch_size: 200
plcs:
  - code: PLC01
    host: 10.0.0.10
    active: true
groups:
  - id: 1
    name: line1
    plc: PLC01
    mode: FIXED
    interval_ms: 500
    category: STATE
    active: true
    tags: [d100, d101]
tags:
  - plc: PLC01
    address: d100
    log_mode: ON_CHANGE
    active: true
`
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Oracle.Host != "ora01" {
			t.Errorf("oracle host = %s", cfg.Oracle.Host)
		}
		if cfg.Buffer.BatchSize != 200 {
			t.Errorf("batch size = %d, want 200", cfg.Buffer.BatchSize)
		}
		// Untouched fields keep defaults.
		if cfg.Oracle.Port != 1521 {
			t.Errorf("oracle port = %d, want default 1521", cfg.Oracle.Port)
		}
		// Addresses are normalized to canonical upper case.
		if cfg.Groups[0].TagAddresses[0] != "D100" {
			t.Errorf("group address = %s, want D100", cfg.Groups[0].TagAddresses[0])
		}
		if cfg.Tags[0].Address != "D100" {
			t.Errorf("tag address = %s, want D100", cfg.Tags[0].Address)
		}
		// PLC inherits defaulted port and timeouts.
		if cfg.PLCs[0].Port != 5007 {
			t.Errorf("plc port = %d, want 5007", cfg.PLCs[0].Port)
		}
		if cfg.PLCs[0].ConnectTimeout() != 5*time.Second {
			t.Errorf("connect timeout = %v", cfg.PLCs[0].ConnectTimeout())
		}
	})

	t.Run("environment wins over file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "env.yaml")
		body := `
oracle:
  host: from-file
  port: 1530
`
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("ORACLE_HOST", "from-env")
		t.Setenv("BUFFER_BATCH_SIZE", "300")
		t.Setenv("BUFFER_WRITE_INTERVAL", "0.5")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Oracle.Host != "from-env" {
			t.Errorf("oracle host = %s, want from-env", cfg.Oracle.Host)
		}
		if cfg.Oracle.Port != 1530 {
			t.Errorf("oracle port = %d, want file value 1530", cfg.Oracle.Port)
		}
		if cfg.Buffer.BatchSize != 300 {
			t.Errorf("batch size = %d, want 300", cfg.Buffer.BatchSize)
		}
		if cfg.Buffer.WriteInterval() != 500*time.Millisecond {
			t.Errorf("write interval = %v, want 500ms", cfg.Buffer.WriteInterval())
		}
	})

	t.Run("bad address is refused", func(t *testing.T) {
		path := filepath.Join(tmpDir, "bad.yaml")
		body := `
plcs:
  - code: PLC01
    host: 10.0.0.10
    active: true
groups:
  - id: 1
    plc: PLC01
    mode: FIXED
    interval_ms: 500
    category: STATE
    active: true
    tags: ["Q999"]
`
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); !errors.Is(err, ErrInvalid) {
			t.Errorf("err = %v, want ErrInvalid", err)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"duplicate plc code", func(c *Config) {
			c.PLCs = append(c.PLCs, PLCConn{Code: "PLC01", Host: "10.0.0.11"})
		}},
		{"plc without host", func(c *Config) { c.PLCs[0].Host = "" }},
		{"group with unknown plc", func(c *Config) { c.Groups[0].PLCCode = "GHOST" }},
		{"duplicate group id", func(c *Config) {
			c.Groups = append(c.Groups, c.Groups[0])
		}},
		{"fixed interval too small", func(c *Config) { c.Groups[0].IntervalMs = 50 }},
		{"unknown mode", func(c *Config) { c.Groups[0].Mode = "SOMETIMES" }},
		{"unknown category", func(c *Config) { c.Groups[0].Category = "MISC" }},
		{"active group without tags", func(c *Config) { c.Groups[0].TagAddresses = nil }},
		{"tag with unknown plc", func(c *Config) { c.Tags[0].PLCCode = "GHOST" }},
		{"unknown log mode", func(c *Config) { c.Tags[0].LogMode = "MAYBE" }},
		{"unknown tag type", func(c *Config) { c.Tags[0].Type = "FLOAT128" }},
		{"zero buffer size", func(c *Config) { c.Buffer.MaxSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}

	t.Run("valid config passes", func(t *testing.T) {
		if err := validConfig().Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("handshake group needs no interval", func(t *testing.T) {
		cfg := validConfig()
		cfg.Groups[0].Mode = ModeHandshake
		cfg.Groups[0].IntervalMs = 0
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})
}

func TestGroupSnapshots(t *testing.T) {
	cfg := validConfig()
	g := cfg.Groups[0]

	modes := cfg.LogModesForGroup(g)
	if modes["D100"] != LogOnChange {
		t.Errorf("D100 mode = %s, want ON_CHANGE", modes["D100"])
	}
	if modes["D101"] != LogAlways {
		t.Errorf("D101 mode = %s, want ALWAYS", modes["D101"])
	}

	machines := cfg.MachineCodesForGroup(g)
	if machines["D100"] != "M01" {
		t.Errorf("D100 machine = %q, want M01", machines["D100"])
	}
	if machines["D101"] != "" {
		t.Errorf("D101 machine = %q, want empty", machines["D101"])
	}

	// Address without a tag row defaults to ALWAYS / INT.
	g.TagAddresses = append(g.TagAddresses, "D999")
	modes = cfg.LogModesForGroup(g)
	if modes["D999"] != LogAlways {
		t.Errorf("orphan address mode = %s, want ALWAYS", modes["D999"])
	}
	types := cfg.TypesForGroup(g)
	if types["D999"] != TypeInt {
		t.Errorf("orphan address type = %s, want INT", types["D999"])
	}
}

func TestAccessors(t *testing.T) {
	cfg := validConfig()
	cfg.PLCs = append(cfg.PLCs, PLCConn{Code: "PLC02", Host: "10.0.0.11", Active: false})

	if p := cfg.FindPLC("PLC01"); p == nil || p.Host != "10.0.0.10" {
		t.Error("FindPLC PLC01 failed")
	}
	if cfg.FindPLC("GHOST") != nil {
		t.Error("FindPLC should return nil for unknown code")
	}
	if got := cfg.ActivePLCs(); len(got) != 1 || got[0].Code != "PLC01" {
		t.Errorf("ActivePLCs = %v", got)
	}
	if g := cfg.FindGroup(1); g == nil || g.Name != "press-cycle" {
		t.Error("FindGroup 1 failed")
	}
	if cfg.FindGroup(99) != nil {
		t.Error("FindGroup should return nil for unknown id")
	}
	if got := cfg.ActiveGroups(); len(got) != 1 {
		t.Errorf("ActiveGroups = %v", got)
	}
}
