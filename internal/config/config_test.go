package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskdesk/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Storage.Driver != config.DriverSQLite {
		t.Fatalf("expected sqlite driver, got %s", cfg.Storage.Driver)
	}
	if len(cfg.Seed.Departments) != 5 || cfg.Seed.Departments[0].ID != "dept-bde" {
		t.Fatalf("unexpected seed departments %+v", cfg.Seed.Departments)
	}
	if cfg.Server.TokenTTL != 24*time.Hour {
		t.Fatalf("expected 24h token ttl, got %s", cfg.Server.TokenTTL)
	}
	if cfg.Seed.SuperAdmin.Email != "superadmin@tms.demo" {
		t.Fatalf("unexpected super admin %+v", cfg.Seed.SuperAdmin)
	}
}

func TestFromYAMLKeepsDefaultsForOmittedSections(t *testing.T) {
	cfg, err := config.FromYAML([]byte("storage:\n  driver: memory\nlog:\n  format: json\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage.Driver != config.DriverMemory || cfg.Log.Format != "json" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Log.Level != "info" || cfg.Events.MaxEntries != 1000 || len(cfg.Seed.Departments) != 5 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestFromYAMLReplacesDepartments(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`seed:
  departments:
    - { id: d-ops, name: Ops }
  super_admin:
    department_id: d-ops
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Seed.Departments) != 1 || cfg.Seed.Departments[0].ID != "d-ops" {
		t.Fatalf("departments should be replaced: %+v", cfg.Seed.Departments)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown driver":    "storage:\n  driver: mongo\n",
		"redis without url": "storage:\n  driver: redis\n",
		"bad log format":    "log:\n  format: xml\n",
		"relative webhook":  "webhooks:\n  - url: /hooks\n",
		"bad base path":     "server:\n  base_path: v0\n",
		"orphan admin dept": "seed:\n  super_admin:\n    department_id: dept-nowhere\n",
	}
	for name, doc := range cases {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "taskdesk init") {
		t.Fatalf("expected not-found hint, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}
