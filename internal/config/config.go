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

// Package config loads the prcleaner configuration from defaults, an optional
// prcleaner.yaml, PRCLEANER_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mikelane/prcleaner/internal/bus"
	"github.com/mikelane/prcleaner/internal/bus/nats"
	"github.com/mikelane/prcleaner/internal/bus/queuestorage"
	"github.com/mikelane/prcleaner/internal/bus/servicebus"
	"github.com/mikelane/prcleaner/internal/bus/sqlqueue"
	"github.com/mikelane/prcleaner/internal/cost"
)

// EnvPrefix prefixes every environment variable, e.g. PRCLEANER_EVENTBUS_DELAY.
const EnvPrefix = "PRCLEANER"

// Keys shared with command-line flags.
const (
	KeyLogLevel       = "log.level"
	KeyLogDevelopment = "log.development"

	KeyServerAddr = "server.addr"
	KeyServerPort = "server.port"

	KeyWebhookUsername       = "webhook.username"
	KeyWebhookPassword       = "webhook.password"
	KeyWebhookAllowAnonymous = "webhook.allowAnonymous"
	KeyWebhookGitHubSecret   = "webhook.githubSecret"
	KeyWebhookRateLimit      = "webhook.rateLimit"
	KeyWebhookRateBurst      = "webhook.rateBurst"
	KeyWebhookMaxBodyBytes   = "webhook.maxBodyBytes"

	KeyEventBusTransport     = "eventbus.transport"
	KeyEventBusDelay         = "eventbus.delay"
	KeyEventBusMaxDeliveries = "eventbus.maxDeliveries"
	KeyEventBusRetryDelay    = "eventbus.retryDelay"
	KeyEventBusConcurrency   = "eventbus.concurrency"

	KeyServiceBusConnectionString = "eventbus.servicebus.connectionString"
	KeyServiceBusNamespace        = "eventbus.servicebus.namespace"
	KeyServiceBusQueue            = "eventbus.servicebus.queue"

	KeyQueueStorageConnectionString = "eventbus.queuestorage.connectionString"
	KeyQueueStorageServiceURL       = "eventbus.queuestorage.serviceUrl"
	KeyQueueStorageQueue            = "eventbus.queuestorage.queue"
	KeyQueueStoragePollInterval     = "eventbus.queuestorage.pollInterval"
	KeyQueueStorageLease            = "eventbus.queuestorage.lease"

	KeyNATSURL     = "eventbus.nats.url"
	KeyNATSStream  = "eventbus.nats.stream"
	KeyNATSSubject = "eventbus.nats.subject"
	KeyNATSDurable = "eventbus.nats.durable"

	KeySQLDriver       = "eventbus.sql.driver"
	KeySQLDSN          = "eventbus.sql.dsn"
	KeySQLPollInterval = "eventbus.sql.pollInterval"
	KeySQLLease        = "eventbus.sql.lease"

	KeyAzureDevOpsToken     = "azuredevops.token"
	KeyAzureDevOpsCacheSize = "azuredevops.cacheSize"
	KeyAzureDevOpsCacheTTL  = "azuredevops.cacheTTL"

	KeyCleanupDryRun          = "cleanup.dryRun"
	KeyCleanupArgoCDNamespace = "cleanup.argocdNamespace"
	KeyCleanupIngresses       = "cleanup.ingresses"

	KeyCostEnabled       = "cost.enabled"
	KeyCostCurrency      = "cost.currency"
	KeyCostCPUPerHour    = "cost.cpuPerHour"
	KeyCostMemoryPerHour = "cost.memoryPerHour"
	KeyCostSpotDiscount  = "cost.spotDiscount"
)

// Config is the complete prcleaner configuration.
type Config struct {
	Log         LogConfig
	Server      ServerConfig
	Webhook     WebhookConfig
	EventBus    EventBusConfig
	AzureDevOps AzureDevOpsConfig
	Cleanup     CleanupConfig
	Cost        CostConfig
}

type LogConfig struct {
	Level       string
	Development bool
}

type ServerConfig struct {
	Addr string
	Port int
}

type WebhookConfig struct {
	Username       string
	Password       string
	GitHubSecret   string
	AllowAnonymous bool
	RateLimit      float64
	RateBurst      int
	MaxBodyBytes   int64
}

// EventBusConfig selects the transport and its delivery policy. Only the
// section of the selected transport is used.
type EventBusConfig struct {
	Transport    bus.Kind
	Delay        time.Duration
	Options      bus.Options
	ServiceBus   servicebus.Config
	QueueStorage queuestorage.Config
	NATS         nats.Config
	SQL          sqlqueue.Config
}

type AzureDevOpsConfig struct {
	// Token is a personal access token used to look up project API URLs.
	Token     string
	CacheSize int
	CacheTTL  time.Duration
}

type CleanupConfig struct {
	DryRun bool
	// ArgoCDNamespace enables ApplicationSet cleanup in that namespace.
	ArgoCDNamespace string
	// Ingresses enables cluster-wide cleanup of labeled Ingresses.
	Ingresses bool
}

// CostConfig prices the workloads removed by a cleanup.
type CostConfig struct {
	Enabled bool
	Pricing cost.Config
}

// New returns a viper instance with defaults and environment binding. An empty
// configFile searches for an optional prcleaner.yaml; a named file must exist.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("prcleaner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/prcleaner/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogDevelopment, false)

	v.SetDefault(KeyServerAddr, "")
	v.SetDefault(KeyServerPort, 8080)

	v.SetDefault(KeyWebhookAllowAnonymous, false)
	// Azure DevOps counts 429 responses toward subscription probation.
	v.SetDefault(KeyWebhookRateLimit, 0.0)
	v.SetDefault(KeyWebhookRateBurst, 20)
	v.SetDefault(KeyWebhookMaxBodyBytes, 1<<20)

	v.SetDefault(KeyEventBusTransport, string(bus.KindInMemory))
	v.SetDefault(KeyEventBusDelay, time.Minute)
	v.SetDefault(KeyEventBusMaxDeliveries, bus.DefaultOptions().MaxDeliveries)
	v.SetDefault(KeyEventBusRetryDelay, bus.DefaultOptions().RetryDelay)
	v.SetDefault(KeyEventBusConcurrency, bus.DefaultOptions().Concurrency)

	v.SetDefault(KeyServiceBusConnectionString, "")
	v.SetDefault(KeyServiceBusNamespace, "")
	v.SetDefault(KeyServiceBusQueue, "prcleaner-cleanup")

	v.SetDefault(KeyQueueStorageConnectionString, "")
	v.SetDefault(KeyQueueStorageServiceURL, "")
	v.SetDefault(KeyQueueStorageQueue, "prcleaner-cleanup")
	v.SetDefault(KeyQueueStoragePollInterval, 5*time.Second)
	v.SetDefault(KeyQueueStorageLease, 5*time.Minute)

	v.SetDefault(KeyNATSURL, "nats://127.0.0.1:4222")
	v.SetDefault(KeyNATSStream, "PRCLEANER")
	v.SetDefault(KeyNATSSubject, "prcleaner.cleanup")
	v.SetDefault(KeyNATSDurable, "prcleaner")

	v.SetDefault(KeySQLDriver, "postgres")
	v.SetDefault(KeySQLDSN, "")
	v.SetDefault(KeySQLPollInterval, 2*time.Second)
	v.SetDefault(KeySQLLease, 5*time.Minute)

	v.SetDefault(KeyAzureDevOpsToken, "")
	v.SetDefault(KeyAzureDevOpsCacheSize, 256)
	v.SetDefault(KeyAzureDevOpsCacheTTL, time.Hour)

	v.SetDefault(KeyCleanupDryRun, false)
	v.SetDefault(KeyCleanupArgoCDNamespace, "")
	v.SetDefault(KeyCleanupIngresses, false)

	pricing := cost.DefaultConfig()
	v.SetDefault(KeyCostEnabled, false)
	v.SetDefault(KeyCostCurrency, pricing.Currency)
	v.SetDefault(KeyCostCPUPerHour, pricing.CPUCostPerHour)
	v.SetDefault(KeyCostMemoryPerHour, pricing.MemoryCostPerHour)
	v.SetDefault(KeyCostSpotDiscount, pricing.SpotDiscount)
}

// Load reads the configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	kind, err := bus.ParseKind(v.GetString(KeyEventBusTransport))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.Log.Level = v.GetString(KeyLogLevel)
	cfg.Log.Development = v.GetBool(KeyLogDevelopment)

	cfg.Server.Addr = v.GetString(KeyServerAddr)
	cfg.Server.Port = v.GetInt(KeyServerPort)

	cfg.Webhook.Username = v.GetString(KeyWebhookUsername)
	cfg.Webhook.Password = v.GetString(KeyWebhookPassword)
	cfg.Webhook.AllowAnonymous = v.GetBool(KeyWebhookAllowAnonymous)
	cfg.Webhook.GitHubSecret = v.GetString(KeyWebhookGitHubSecret)
	cfg.Webhook.RateLimit = v.GetFloat64(KeyWebhookRateLimit)
	cfg.Webhook.RateBurst = v.GetInt(KeyWebhookRateBurst)
	cfg.Webhook.MaxBodyBytes = v.GetInt64(KeyWebhookMaxBodyBytes)

	cfg.EventBus.Transport = kind
	cfg.EventBus.Delay = v.GetDuration(KeyEventBusDelay)
	cfg.EventBus.Options = bus.Options{
		MaxDeliveries: v.GetInt(KeyEventBusMaxDeliveries),
		RetryDelay:    v.GetDuration(KeyEventBusRetryDelay),
		Concurrency:   v.GetInt(KeyEventBusConcurrency),
	}
	cfg.EventBus.ServiceBus = servicebus.Config{
		ConnectionString: v.GetString(KeyServiceBusConnectionString),
		Namespace:        v.GetString(KeyServiceBusNamespace),
		Queue:            v.GetString(KeyServiceBusQueue),
	}
	cfg.EventBus.QueueStorage = queuestorage.Config{
		ConnectionString: v.GetString(KeyQueueStorageConnectionString),
		ServiceURL:       v.GetString(KeyQueueStorageServiceURL),
		Queue:            v.GetString(KeyQueueStorageQueue),
		PollInterval:     v.GetDuration(KeyQueueStoragePollInterval),
		Lease:            v.GetDuration(KeyQueueStorageLease),
	}
	cfg.EventBus.NATS = nats.Config{
		URL:     v.GetString(KeyNATSURL),
		Stream:  v.GetString(KeyNATSStream),
		Subject: v.GetString(KeyNATSSubject),
		Durable: v.GetString(KeyNATSDurable),
	}
	cfg.EventBus.SQL = sqlqueue.Config{
		Driver:       v.GetString(KeySQLDriver),
		DSN:          v.GetString(KeySQLDSN),
		PollInterval: v.GetDuration(KeySQLPollInterval),
		Lease:        v.GetDuration(KeySQLLease),
	}

	cfg.AzureDevOps.Token = v.GetString(KeyAzureDevOpsToken)
	cfg.AzureDevOps.CacheSize = v.GetInt(KeyAzureDevOpsCacheSize)
	cfg.AzureDevOps.CacheTTL = v.GetDuration(KeyAzureDevOpsCacheTTL)

	cfg.Cleanup.DryRun = v.GetBool(KeyCleanupDryRun)
	cfg.Cleanup.ArgoCDNamespace = v.GetString(KeyCleanupArgoCDNamespace)
	cfg.Cleanup.Ingresses = v.GetBool(KeyCleanupIngresses)

	cfg.Cost.Enabled = v.GetBool(KeyCostEnabled)
	cfg.Cost.Pricing = cost.Config{
		Currency:          v.GetString(KeyCostCurrency),
		CPUCostPerHour:    v.GetFloat64(KeyCostCPUPerHour),
		MemoryCostPerHour: v.GetFloat64(KeyCostMemoryPerHour),
		SpotDiscount:      v.GetFloat64(KeyCostSpotDiscount),
	}

	return cfg, nil
}

// ValidateServe checks the settings the serve command depends on.
func (c *Config) ValidateServe() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s must be between 0 and 65535, got %d", KeyServerPort, c.Server.Port))
	}
	if c.Webhook.Username == "" && !c.Webhook.AllowAnonymous {
		errs = append(errs, fmt.Errorf("%s is required unless %s is set", KeyWebhookUsername, KeyWebhookAllowAnonymous))
	}
	if c.Webhook.Username != "" && c.Webhook.Password == "" {
		errs = append(errs, fmt.Errorf("%s is required with %s", KeyWebhookPassword, KeyWebhookUsername))
	}
	if c.EventBus.Delay < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyEventBusDelay))
	}
	if c.EventBus.Options.MaxDeliveries < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1", KeyEventBusMaxDeliveries))
	}
	if c.EventBus.Options.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1", KeyEventBusConcurrency))
	}
	if c.Cost.Enabled {
		if c.Cost.Pricing.CPUCostPerHour < 0 || c.Cost.Pricing.MemoryCostPerHour < 0 {
			errs = append(errs, fmt.Errorf("%s and %s must not be negative", KeyCostCPUPerHour, KeyCostMemoryPerHour))
		}
		if c.Cost.Pricing.SpotDiscount < 0 || c.Cost.Pricing.SpotDiscount > 1 {
			errs = append(errs, fmt.Errorf("%s must be between 0 and 1", KeyCostSpotDiscount))
		}
	}

	switch c.EventBus.Transport {
	case bus.KindServiceBus:
		if c.EventBus.ServiceBus.ConnectionString == "" && c.EventBus.ServiceBus.Namespace == "" {
			errs = append(errs, fmt.Errorf("%s or %s is required", KeyServiceBusConnectionString, KeyServiceBusNamespace))
		}
	case bus.KindQueueStorage:
		if c.EventBus.QueueStorage.ConnectionString == "" && c.EventBus.QueueStorage.ServiceURL == "" {
			errs = append(errs, fmt.Errorf("%s or %s is required", KeyQueueStorageConnectionString, KeyQueueStorageServiceURL))
		}
	case bus.KindNATS:
		if c.EventBus.NATS.URL == "" {
			errs = append(errs, fmt.Errorf("%s is required", KeyNATSURL))
		}
	case bus.KindSQL:
		if c.EventBus.SQL.DSN == "" {
			errs = append(errs, fmt.Errorf("%s is required", KeySQLDSN))
		}
	}

	return errors.Join(errs...)
}
