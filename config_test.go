package amari_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailgun/amari"
	"github.com/mailgun/amari/logging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envNames = []string{
	"AMARI_TOKEN",
	"AMARI_BASE_URL",
	"AMARI_DISABLE_RATE_GATE",
	"AMARI_MAX_REQUESTS",
	"AMARI_RATE_PERIOD",
	"AMARI_RATE_HEADROOM",
	"AMARI_NO_RATE_HEADROOM",
	"AMARI_CACHE_TTL",
	"AMARI_CACHE_MAX_BYTES",
	"AMARI_LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	for _, name := range envNames {
		t.Setenv(name, "")
	}
}

func writeEnvFile(t *testing.T, s string) string {
	file := filepath.Join(t.TempDir(), "amari.conf")
	require.NoError(t, os.WriteFile(file, []byte(s), 0600))
	return file
}

func TestSetupConfigDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("AMARI_TOKEN", "secret")

	conf, err := amari.SetupConfig(logrus.StandardLogger(), "")
	require.NoError(t, err)
	assert.Equal(t, "secret", conf.Token)
	assert.Equal(t, amari.DefaultBaseURL, conf.BaseURL)
	assert.Equal(t, amari.DefaultMaxRequests, conf.MaxRequests)
	assert.Equal(t, amari.DefaultRatePeriod, conf.RatePeriod)
	assert.Equal(t, amari.DefaultCacheMaxBytes, conf.CacheMaxBytes)
	assert.Zero(t, conf.CacheTTL)
	assert.False(t, conf.DisableRateGate)
}

func TestSetupConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("AMARI_TOKEN", "secret")
	t.Setenv("AMARI_BASE_URL", "http://localhost:8080/api")
	t.Setenv("AMARI_MAX_REQUESTS", "30")
	t.Setenv("AMARI_RATE_PERIOD", "30s")
	t.Setenv("AMARI_RATE_HEADROOM", "5")
	t.Setenv("AMARI_CACHE_TTL", "1m")
	t.Setenv("AMARI_CACHE_MAX_BYTES", "1024")
	t.Setenv("AMARI_DISABLE_RATE_GATE", "true")
	t.Setenv("AMARI_LOG_LEVEL", "debug")

	conf, err := amari.SetupConfig(logrus.StandardLogger(), "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api", conf.BaseURL)
	assert.Equal(t, 30, conf.MaxRequests)
	assert.Equal(t, 30*time.Second, conf.RatePeriod)
	assert.Equal(t, 5, conf.RateHeadroom)
	assert.Equal(t, time.Minute, conf.CacheTTL)
	assert.Equal(t, int64(1024), conf.CacheMaxBytes)
	assert.True(t, conf.DisableRateGate)
	assert.Equal(t, logrus.DebugLevel, conf.LogLevel.Level)
	require.NotNil(t, conf.Logger)

	conf.SetDefaults()
	assert.Equal(t, "http://localhost:8080/api/", conf.BaseURL)
}

func TestSetupConfigFromFile(t *testing.T) {
	clearEnv(t)
	file := writeEnvFile(t, `
# a comment
AMARI_TOKEN=from-file
AMARI_MAX_REQUESTS = 10
    AMARI_RATE_HEADROOM=3
AMARI_NO_RATE_HEADROOM=true
`)

	conf, err := amari.SetupConfig(logrus.StandardLogger(), file)
	require.NoError(t, err)
	assert.Equal(t, "from-file", conf.Token)
	assert.Equal(t, 10, conf.MaxRequests)
	// Indented lines are skipped.
	assert.Zero(t, conf.RateHeadroom)
	assert.True(t, conf.NoRateHeadroom)
}

func TestSetupConfigErrors(t *testing.T) {
	t.Run("Missing token", func(t *testing.T) {
		clearEnv(t)
		_, err := amari.SetupConfig(logrus.StandardLogger(), "")
		assert.Error(t, err)
	})

	t.Run("Missing file", func(t *testing.T) {
		clearEnv(t)
		_, err := amari.SetupConfig(logrus.StandardLogger(), filepath.Join(t.TempDir(), "missing.conf"))
		assert.Error(t, err)
	})

	t.Run("Malformed line", func(t *testing.T) {
		clearEnv(t)
		file := writeEnvFile(t, "AMARI_TOKEN\n")
		_, err := amari.SetupConfig(logrus.StandardLogger(), file)
		assert.Error(t, err)
	})

	t.Run("Invalid log level", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("AMARI_TOKEN", "secret")
		t.Setenv("AMARI_LOG_LEVEL", "loud")
		_, err := amari.SetupConfig(logrus.StandardLogger(), "")
		assert.Error(t, err)
	})

	t.Run("Negative values reach the constructors", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("AMARI_TOKEN", "secret")
		t.Setenv("AMARI_MAX_REQUESTS", "-1")

		conf, err := amari.SetupConfig(logrus.StandardLogger(), "")
		require.NoError(t, err)
		assert.Equal(t, -1, conf.MaxRequests)

		_, err = amari.NewClient(conf)
		assert.Error(t, err)
	})
}

func TestConfigSetDefaultsHeadroom(t *testing.T) {
	for _, tt := range []struct {
		name     string
		conf     amari.Config
		expected int
	}{
		{name: "default", conf: amari.Config{}, expected: amari.DefaultRateHeadroom},
		{name: "explicit", conf: amari.Config{RateHeadroom: 4}, expected: 4},
		{name: "disabled", conf: amari.Config{NoRateHeadroom: true}, expected: 0},
		{name: "single request", conf: amari.Config{MaxRequests: 1}, expected: 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tt.conf.SetDefaults()
			assert.Equal(t, tt.expected, tt.conf.RateHeadroom)
		})
	}
}

func TestConfigSetDefaultsLogLevel(t *testing.T) {
	conf := amari.Config{LogLevel: logging.LogLevelJSON{Level: logrus.DebugLevel}}
	conf.SetDefaults()
	entry, ok := conf.Logger.(*logrus.Entry)
	require.True(t, ok)
	assert.Equal(t, logrus.DebugLevel, entry.Logger.GetLevel())

	// An explicit logger wins over the level.
	log := logrus.New()
	conf = amari.Config{Logger: log, LogLevel: logging.LogLevelJSON{Level: logrus.DebugLevel}}
	conf.SetDefaults()
	assert.Equal(t, log, conf.Logger)
}
