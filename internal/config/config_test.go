package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/orderline/possync/internal/schema"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	want := Default()
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "posd.yaml")
	writeFile(t, path, `
device:
  id: kds-1
  role: client
fulfillment:
  mode: simplified
catalog:
  check_interval: 30s
  resources: [menu_items]
queue:
  drain_interval: 1m
`)
	t.Setenv("POSD_CLOUD_DRIVER", "postgres")
	t.Setenv("POSD_CLOUD_DSN", "postgres://pos@localhost/pos")
	t.Setenv("POSD_QUEUE_DRAIN_INTERVAL", "10s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
	if cfg.Device.ID != "kds-1" || cfg.Device.Role != RoleClient {
		t.Errorf("Device = %+v", cfg.Device)
	}
	if cfg.Mode() != "simplified" {
		t.Errorf("Mode() = %q", cfg.Mode())
	}
	if cfg.Catalog.CheckInterval != 30*time.Second {
		t.Errorf("CheckInterval = %s", cfg.Catalog.CheckInterval)
	}
	if cfg.Cloud.Driver != "postgres" || cfg.Cloud.DSN != "postgres://pos@localhost/pos" {
		t.Errorf("Cloud = %+v", cfg.Cloud)
	}
	if cfg.Queue.DrainInterval != 10*time.Second {
		t.Errorf("DrainInterval = %s, want env override 10s", cfg.Queue.DrainInterval)
	}
	// Untouched keys keep their defaults.
	if cfg.Queue.RetryMax != 5*time.Minute {
		t.Errorf("RetryMax = %s", cfg.Queue.RetryMax)
	}

	resources, err := cfg.CatalogResources()
	if err != nil {
		t.Fatalf("CatalogResources() failed: %v", err)
	}
	if diff := cmp.Diff([]schema.Resource{schema.ResourceMenuItems}, resources); diff != "" {
		t.Errorf("CatalogResources() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() of a missing explicit file succeeded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"role", func(c *Config) { c.Device.Role = "kiosk" }, "device.role"},
		{"mode", func(c *Config) { c.Fulfillment.Mode = "express" }, "fulfillment.mode"},
		{"driver", func(c *Config) { c.Cloud.Driver = "mysql" }, "cloud.driver"},
		{"resource", func(c *Config) { c.Catalog.Resources = []string{"drinks"} }, "catalog.resources"},
		{"interval", func(c *Config) { c.Catalog.CheckInterval = 0 }, "catalog.check_interval"},
		{"retry", func(c *Config) { c.Queue.RetryMax = time.Second }, "queue.retry_max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "posd.yaml")
	cfg := Default()
	cfg.Device.Role = RoleDisplay
	cfg.P2P.HostAddr = "10.0.0.5:47801"

	if err := Write(path, cfg, false); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := Write(path, cfg, false); err == nil {
		t.Error("Write() overwrote an existing file without force")
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	got.File = ""
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
