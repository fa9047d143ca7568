// Package config loads runtime configuration from the environment under a
// single P8_ prefix (spec.md §6), using envconfig the way scalytics-KafClaw
// configures its own single-prefix runtime.
package config

import "github.com/kelseyhightower/envconfig"

// Config is the full set of environment-driven settings for the p8 binary.
type Config struct {
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	KMSProvider       string `envconfig:"KMS_PROVIDER" default:"local"` // local | vault
	KMSLocalKeyfile   string `envconfig:"KMS_LOCAL_KEYFILE" default:"./p8-master.key"`
	KMSVaultURL       string `envconfig:"KMS_VAULT_URL"`
	KMSVaultToken     string `envconfig:"KMS_VAULT_TOKEN"`
	KMSVaultTransitKey string `envconfig:"KMS_VAULT_TRANSIT_KEY" default:"p8"`

	EmbeddingModel string `envconfig:"EMBEDDING_MODEL" default:"local:hash-512"` // "<provider>:<model>"
	OpenAIAPIKey   string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL  string `envconfig:"OPENAI_BASE_URL"`

	SystemTenantID string `envconfig:"SYSTEM_TENANT_ID" default:"__system__"`
	WorkerTier     string `envconfig:"WORKER_TIER" default:"micro"`

	PoolMinConns int32 `envconfig:"DB_POOL_MIN_CONNS" default:"2"`
	PoolMaxConns int32 `envconfig:"DB_POOL_MAX_CONNS" default:"10"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogJSON   bool   `envconfig:"LOG_JSON" default:"false"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
}

// Load reads Config from the environment, applying the P8_ prefix to every
// field (e.g. P8_DATABASE_URL, P8_WORKER_TIER).
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("p8", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
