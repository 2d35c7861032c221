package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskflow/pkg/config"
)

type testConfig struct {
	Name     string        `env:"CFG_TEST_NAME" envDefault:"taskflow"`
	Workers  int           `env:"CFG_TEST_WORKERS" envDefault:"4"`
	Interval time.Duration `env:"CFG_TEST_INTERVAL" envDefault:"5s"`
}

type requiredConfig struct {
	Secret string `env:"CFG_TEST_REQUIRED_SECRET,required"`
}

func TestLoad(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		var cfg testConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "taskflow", cfg.Name)
		assert.Equal(t, 4, cfg.Workers)
		assert.Equal(t, 5*time.Second, cfg.Interval)
	})

	t.Run("reads environment overrides", func(t *testing.T) {
		t.Setenv("CFG_TEST_WORKERS", "16")
		t.Setenv("CFG_TEST_INTERVAL", "250ms")

		var cfg testConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, 16, cfg.Workers)
		assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	})

	t.Run("fails on missing required variable", func(t *testing.T) {
		var cfg requiredConfig
		err := config.Load(&cfg)
		require.ErrorIs(t, err, config.ErrParse)
	})

	t.Run("fails on unparseable value", func(t *testing.T) {
		t.Setenv("CFG_TEST_WORKERS", "not-a-number")

		var cfg testConfig
		err := config.Load(&cfg)
		require.ErrorIs(t, err, config.ErrParse)
	})

	t.Run("rejects nil pointer", func(t *testing.T) {
		err := config.Load[testConfig](nil)
		require.ErrorIs(t, err, config.ErrNilPointer)
	})
}

func TestMustLoad(t *testing.T) {
	t.Run("returns parsed config", func(t *testing.T) {
		cfg := config.MustLoad[testConfig]()
		assert.Equal(t, "taskflow", cfg.Name)
	})

	t.Run("panics on failure", func(t *testing.T) {
		assert.Panics(t, func() {
			config.MustLoad[requiredConfig]()
		})
	})
}
