package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret-0123456789")
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9090 || cfg.StorageDriver != "postgres" {
		t.Fatalf("port %d driver %s", cfg.Port, cfg.StorageDriver)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.Settlement.OverdueThreshold != 48*time.Hour || cfg.Settlement.MaxRejections != 3 {
		t.Fatalf("settlement defaults = %+v", cfg.Settlement)
	}
	rate, _ := cfg.GSTRate()
	if rate.String() != "0.18" {
		t.Fatalf("gst rate = %s", rate)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
storage_driver: memory
jwt_secret: file-secret-0123456789
settlement:
  gst_rate: "0.05"
  overdue_threshold: 24h
invoices:
  payment_terms: 336h
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GST_RATE", "0.12")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StorageDriver != "memory" || cfg.Settlement.OverdueThreshold != 24*time.Hour || cfg.Invoices.PaymentTerms != 14*24*time.Hour {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Settlement.GSTRate != "0.12" {
		t.Fatalf("env override lost: %s", cfg.Settlement.GSTRate)
	}
	if cfg.Settlement.MaxRejections != 3 {
		t.Fatalf("default overwritten by absent key: %d", cfg.Settlement.MaxRejections)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"no secret":    {},
		"bad driver":   {"JWT_SECRET": "x-secret-0123456789", "STORAGE_DRIVER": "sqlite"},
		"bad rate":     {"JWT_SECRET": "x-secret-0123456789", "GST_RATE": "eighteen"},
		"rate too big": {"JWT_SECRET": "x-secret-0123456789", "GST_RATE": "1.5"},
		"zero rate":    {"JWT_SECRET": "x-secret-0123456789", "GST_RATE": "0"},
		"bad port":     {"JWT_SECRET": "x-secret-0123456789", "PORT": "http"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
