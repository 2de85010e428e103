package zoneconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.yaml")
	yaml := `
brokerAddr: "/run/relaymta/broker.sock"
zones:
  - name: bulk
    ipv4Pool:
      - address: 198.51.100.10
        ehlo: mail1.example.com
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Zones) != 1 {
		t.Fatalf("expected 1 zone, got %d", len(cfg.Zones))
	}
	z := cfg.Zones[0]
	if z.Processes != 1 || z.Connections != 1 || z.ReuseCount != 100 || z.Rate.Unit != RateMinute {
		t.Fatalf("unexpected defaults applied: %+v", z)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.yaml")
	if err := os.WriteFile(path, []byte("brokerAddr: x\nbogusField: 1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}
