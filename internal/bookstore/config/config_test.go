package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(flag.NewFlagSet("test", flag.ContinueOnError), nil, envFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.RunAddress)
	assert.True(t, cfg.Loyalty.VndPerPoint.Equal(decimal.NewFromInt(1000)))
	assert.True(t, cfg.Loyalty.EarnRate.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, 1, cfg.Discount.MinUsageLimit)
	assert.Equal(t, 10, cfg.Discount.MaxUsageLimit)
	assert.Equal(t, 3*time.Second, cfg.StorageTimeout)
}

func TestParsePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
run_address = ":9000"
storage_timeout = "1s"

[loyalty]
vnd_per_point = "500"
earn_rate = 0.05

[discount]
max_usage_limit = 5
`), 0o600))

	env := envFrom(map[string]string{
		"EARN_RATE":    "0.2",
		"DATABASE_URI":      "postgres://env",
		"ORDER_SERVICE_RPS": "2.5",
	})
	cfg, err := Parse(flag.NewFlagSet("test", flag.ContinueOnError),
		[]string{"-c", path, "-a", ":9100", "-d", "postgres://flag"}, env)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.RunAddress, "flag beats file")
	assert.Equal(t, "postgres://env", cfg.DatabaseURI, "env beats flag")
	assert.True(t, cfg.Loyalty.VndPerPoint.Equal(decimal.NewFromInt(500)))
	assert.True(t, cfg.Loyalty.EarnRate.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, 5, cfg.Discount.MaxUsageLimit)
	assert.Equal(t, time.Second, cfg.StorageTimeout)
	assert.Equal(t, 2.5, cfg.OrderServiceRPS)
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	env := envFrom(map[string]string{
		"VND_PER_POINT":      "0",
		"DISCOUNT_MIN_USAGE": "6",
		"DISCOUNT_MAX_USAGE": "3",
	})
	_, err := Parse(flag.NewFlagSet("test", flag.ContinueOnError), nil, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vnd_per_point")
	assert.Contains(t, err.Error(), "max_usage_limit")
}

func TestParseRejectsMalformedEnv(t *testing.T) {
	_, err := Parse(flag.NewFlagSet("test", flag.ContinueOnError), nil,
		envFrom(map[string]string{"STORAGE_TIMEOUT": "soon"}))
	require.Error(t, err)
}
