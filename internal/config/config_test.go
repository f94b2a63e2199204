package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgconfig "github.com/utafrali/orderflow/pkg/config"
)

func load(t *testing.T, vars map[string]string) (*Config, error) {
	t.Helper()
	cfg := &Config{}
	err := pkgconfig.LoadWithOptions(cfg, env.Options{Environment: vars})
	return cfg, err
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t, map[string]string{})

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, DriverPostgres, cfg.StorageDriver)
	assert.Equal(t, DriverRedis, cfg.CartStore)
	assert.InDelta(t, 0.18, cfg.TaxRate, 1e-9)
	assert.Equal(t, 7*24*time.Hour, cfg.ReturnWindow)
	assert.Equal(t, 5, cfg.LowStockThreshold)
	assert.Equal(t, time.Minute, cfg.RecoveryInterval)
	assert.Equal(t, 5*time.Minute, cfg.RecoveryStaleAfter)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.NeedsPostgres())
	assert.True(t, cfg.NeedsRedis())
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := load(t, map[string]string{
		"STORAGE_DRIVER":          "memory",
		"CART_STORE":              "memory",
		"KAFKA_DISABLED":          "true",
		"KAFKA_BROKERS":           "k1:9092,k2:9092",
		"FREE_SHIPPING_THRESHOLD": "50000",
		"SHIPPING_FEE":            "2999",
		"RETURN_WINDOW":           "336h",
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, int64(50000), cfg.FreeShippingThreshold)
	assert.Equal(t, 14*24*time.Hour, cfg.ReturnWindow)
	assert.False(t, cfg.NeedsPostgres())
	assert.False(t, cfg.NeedsRedis())
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"port":          {"HTTP_PORT": "0"},
		"driver":        {"STORAGE_DRIVER": "mongo"},
		"cart store":    {"CART_STORE": "disk"},
		"postgres cart": {"STORAGE_DRIVER": "memory", "CART_STORE": "postgres"},
		"tax":           {"TAX_RATE": "1.5"},
		"return window": {"RETURN_WINDOW": "0s"},
		"sample rate":   {"OTEL_SAMPLE_RATE": "2"},
		"rate limit":    {"CHECKOUT_RATE_LIMIT": "-1"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := load(t, vars)
			assert.Error(t, err)
		})
	}
}
