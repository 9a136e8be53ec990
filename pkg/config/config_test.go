package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanward/fanward/pkg/config"
)

func TestLoad(t *testing.T) {
	type testConfig struct {
		Addr    string        `env:"TEST_CFG_ADDR" envDefault:":9090"`
		Timeout time.Duration `env:"TEST_CFG_TIMEOUT" envDefault:"15s"`
		Fee     int64         `env:"TEST_CFG_FEE" envDefault:"5"`
	}

	t.Run("defaults", func(t *testing.T) {
		var cfg testConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, ":9090", cfg.Addr)
		assert.Equal(t, 15*time.Second, cfg.Timeout)
		assert.Equal(t, int64(5), cfg.Fee)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("TEST_CFG_ADDR", ":8000")
		t.Setenv("TEST_CFG_FEE", "10")
		var cfg testConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, ":8000", cfg.Addr)
		assert.Equal(t, int64(10), cfg.Fee)
	})

	t.Run("nil pointer rejected", func(t *testing.T) {
		require.ErrorIs(t, config.Load[testConfig](nil), config.ErrNilPointer)
	})

	t.Run("invalid value", func(t *testing.T) {
		t.Setenv("TEST_CFG_TIMEOUT", "not-a-duration")
		var cfg testConfig
		require.ErrorIs(t, config.Load(&cfg), config.ErrParsingConfig)
	})
}
