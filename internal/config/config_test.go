// Copyright 2025 The Prcleaner Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mikelane/prcleaner/internal/bus"
	"github.com/mikelane/prcleaner/internal/cost"
)

func loadFrom(t *testing.T, configFile string) *Config {
	t.Helper()
	v, err := New(configFile)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg := loadFrom(t, "")

	if cfg.EventBus.Transport != bus.KindInMemory {
		t.Errorf("transport = %q, expected %q", cfg.EventBus.Transport, bus.KindInMemory)
	}
	if cfg.EventBus.Delay != time.Minute {
		t.Errorf("delay = %v, expected 1m", cfg.EventBus.Delay)
	}
	if cfg.EventBus.Options != bus.DefaultOptions() {
		t.Errorf("options = %+v, expected %+v", cfg.EventBus.Options, bus.DefaultOptions())
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, expected 8080", cfg.Server.Port)
	}
	if cfg.Webhook.AllowAnonymous {
		t.Error("anonymous webhooks must be disabled by default")
	}
	if cfg.Webhook.RateLimit != 0 {
		t.Errorf("rate limit = %v, expected rate limiting to be off by default", cfg.Webhook.RateLimit)
	}
	if cfg.AzureDevOps.CacheTTL != time.Hour {
		t.Errorf("cache ttl = %v, expected 1h", cfg.AzureDevOps.CacheTTL)
	}
	if cfg.Cleanup.Ingresses {
		t.Error("ingress cleanup must be opt-in")
	}
	if cfg.Cost.Enabled || cfg.Cost.Pricing != *cost.DefaultConfig() {
		t.Errorf("cost = %+v, expected disabled with default pricing", cfg.Cost)
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PRCLEANER_EVENTBUS_TRANSPORT", "ServiceBus")
	t.Setenv("PRCLEANER_EVENTBUS_DELAY", "0s")
	t.Setenv("PRCLEANER_EVENTBUS_SERVICEBUS_NAMESPACE", "contoso.servicebus.windows.net")
	t.Setenv("PRCLEANER_WEBHOOK_USERNAME", "hooks")
	t.Setenv("PRCLEANER_WEBHOOK_ALLOWANONYMOUS", "true")
	t.Setenv("PRCLEANER_CLEANUP_ARGOCDNAMESPACE", "argocd")
	t.Setenv("PRCLEANER_CLEANUP_INGRESSES", "true")

	cfg := loadFrom(t, "")

	if cfg.EventBus.Transport != bus.KindServiceBus {
		t.Errorf("transport = %q, expected %q", cfg.EventBus.Transport, bus.KindServiceBus)
	}
	if cfg.EventBus.Delay != 0 {
		t.Errorf("delay = %v, expected 0", cfg.EventBus.Delay)
	}
	if cfg.EventBus.ServiceBus.Namespace != "contoso.servicebus.windows.net" {
		t.Errorf("namespace = %q", cfg.EventBus.ServiceBus.Namespace)
	}
	if cfg.EventBus.ServiceBus.Queue != "prcleaner-cleanup" {
		t.Errorf("queue = %q, expected the default", cfg.EventBus.ServiceBus.Queue)
	}
	if cfg.Webhook.Username != "hooks" || !cfg.Webhook.AllowAnonymous {
		t.Errorf("webhook = %+v", cfg.Webhook)
	}
	if cfg.Cleanup.ArgoCDNamespace != "argocd" {
		t.Errorf("argocd namespace = %q", cfg.Cleanup.ArgoCDNamespace)
	}
	if !cfg.Cleanup.Ingresses {
		t.Error("ingress cleanup should be enabled")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prcleaner.yaml")
	content := `
eventbus:
  transport: sql
  delay: 90s
  maxDeliveries: 3
  sql:
    driver: sqlite3
    dsn: file:prcleaner.db
webhook:
  username: hooks
  password: s3cret
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Run("explicit file", func(t *testing.T) {
		cfg := loadFrom(t, path)
		assertFileConfig(t, cfg)
	})

	t.Run("discovered in working directory", func(t *testing.T) {
		t.Chdir(dir)
		cfg := loadFrom(t, "")
		assertFileConfig(t, cfg)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("PRCLEANER_EVENTBUS_DELAY", "5s")
		cfg := loadFrom(t, path)
		if cfg.EventBus.Delay != 5*time.Second {
			t.Errorf("delay = %v, expected 5s", cfg.EventBus.Delay)
		}
	})
}

func assertFileConfig(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.EventBus.Transport != bus.KindSQL {
		t.Errorf("transport = %q, expected sql", cfg.EventBus.Transport)
	}
	if cfg.EventBus.Delay != 90*time.Second {
		t.Errorf("delay = %v, expected 90s", cfg.EventBus.Delay)
	}
	if cfg.EventBus.Options.MaxDeliveries != 3 {
		t.Errorf("max deliveries = %d, expected 3", cfg.EventBus.Options.MaxDeliveries)
	}
	if cfg.EventBus.SQL.Driver != "sqlite3" || cfg.EventBus.SQL.DSN != "file:prcleaner.db" {
		t.Errorf("sql = %+v", cfg.EventBus.SQL)
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("ValidateServe() error = %v", err)
	}
}

func TestNew_MissingExplicitFile(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("New() expected error for a missing config file")
	}
}

func TestLoad_UnknownTransport(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PRCLEANER_EVENTBUS_TRANSPORT", "carrier-pigeon")

	v, err := New("")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := Load(v); err == nil {
		t.Error("Load() expected error for an unknown transport")
	}
}

func TestValidateServe(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:  ServerConfig{Port: 8080},
			Webhook: WebhookConfig{Username: "hooks", Password: "s3cret"},
			EventBus: EventBusConfig{
				Transport: bus.KindInMemory,
				Delay:     time.Minute,
				Options:   bus.DefaultOptions(),
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"anonymous allowed", func(c *Config) { c.Webhook = WebhookConfig{AllowAnonymous: true} }, ""},
		{"zero delay", func(c *Config) { c.EventBus.Delay = 0 }, ""},
		{"no credentials", func(c *Config) { c.Webhook = WebhookConfig{} }, KeyWebhookUsername},
		{"no password", func(c *Config) { c.Webhook.Password = "" }, KeyWebhookPassword},
		{"negative delay", func(c *Config) { c.EventBus.Delay = -time.Second }, KeyEventBusDelay},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, KeyServerPort},
		{"no deliveries", func(c *Config) { c.EventBus.Options.MaxDeliveries = 0 }, KeyEventBusMaxDeliveries},
		{"service bus without endpoint", func(c *Config) { c.EventBus.Transport = bus.KindServiceBus }, KeyServiceBusNamespace},
		{"queue storage without endpoint", func(c *Config) { c.EventBus.Transport = bus.KindQueueStorage }, KeyQueueStorageServiceURL},
		{"sql without dsn", func(c *Config) { c.EventBus.Transport = bus.KindSQL }, KeySQLDSN},
		{"nats without url", func(c *Config) { c.EventBus.Transport = bus.KindNATS }, KeyNATSURL},
		{"cost disabled ignores pricing", func(c *Config) { c.Cost.Pricing.SpotDiscount = 2 }, ""},
		{"negative cost", func(c *Config) { c.Cost = CostConfig{Enabled: true, Pricing: cost.Config{CPUCostPerHour: -1}} }, KeyCostCPUPerHour},
		{"spot discount above 1", func(c *Config) { c.Cost = CostConfig{Enabled: true, Pricing: cost.Config{SpotDiscount: 1.5}} }, KeyCostSpotDiscount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.ValidateServe()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateServe() error = %v, expected nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateServe() error = %v, expected it to mention %s", err, tt.wantErr)
			}
		})
	}
}
