package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret, "AUTH_SECRET must stay empty when unset")
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("SALE_CREATE_ATTEMPTS", "0")
	t.Setenv("STATS_CACHE_TTL_SECONDS", "soon")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-5")
	t.Setenv("METRICS_ENABLED", "maybe")

	cfg := Load()
	assert.Equal(t, 3, cfg.SaleCreateAttempts)
	assert.Equal(t, 30, cfg.StatsCacheTTLSeconds)
	assert.Equal(t, 480, cfg.AccessTokenTTLMinutes)
	assert.True(t, cfg.MetricsEnabled, "unparsable flag keeps the default")
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SALE_CREATE_ATTEMPTS", "5")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("REDIS_DB", "2")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, 5, cfg.SaleCreateAttempts)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, 2, cfg.RedisDB)
}
