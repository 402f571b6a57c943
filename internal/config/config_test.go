// Package config_test provides tests for configuration loading.
package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantdesk/risk-core/internal/config"
	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	// No file at the path: defaults apply.
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8090 {
		t.Errorf("Expected default port 8090, got %d", cfg.Server.Port)
	}
	if cfg.Sizing.Method != "kelly" {
		t.Errorf("Expected default method kelly, got %s", cfg.Sizing.Method)
	}
	if cfg.Supervisor.StopInterval != 5*time.Second {
		t.Errorf("Expected default stop interval 5s, got %s", cfg.Supervisor.StopInterval)
	}
	if cfg.Metrics.VaRConfidence != 0.95 {
		t.Errorf("Expected default VaR confidence 0.95, got %f", cfg.Metrics.VaRConfidence)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
server:
  port: 9999
risk:
  max_leverage: 5
  max_orders_per_minute: 10
sizing:
  method: fixed_fraction
supervisor:
  snapshot_interval: 30s
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Risk.MaxOrdersPerMinute != 10 {
		t.Errorf("Expected 10 orders per minute, got %d", cfg.Risk.MaxOrdersPerMinute)
	}
	if cfg.Sizing.Method != "fixed_fraction" {
		t.Errorf("Expected method fixed_fraction, got %s", cfg.Sizing.Method)
	}
	if cfg.Supervisor.SnapshotInterval != 30*time.Second {
		t.Errorf("Expected snapshot interval 30s, got %s", cfg.Supervisor.SnapshotInterval)
	}

	riskConfig := cfg.Risk.RiskConfig()
	if !riskConfig.MaxLeverage.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected leverage limit 5, got %s", riskConfig.MaxLeverage)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
metrics:
  var_confidence: 1.5
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := config.Load(path); err == nil {
		t.Fatal("Config with VaR confidence above 1 accepted")
	}
}
