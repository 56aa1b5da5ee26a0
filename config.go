/*
Copyright 2018-2022 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package amari

import (
	"bufio"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mailgun/amari/logging"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL      = "https://amaribot.com/api/v1/"
	DefaultMaxRequests  = 60
	DefaultRatePeriod   = time.Minute
	DefaultRateHeadroom = 1
)

type Config struct {
	// Authorization token issued by Amari.
	Token string

	// Defaults to DefaultBaseURL
	BaseURL string

	// The client used to talk to the Amari API. Its transport is wrapped
	// for tracing and metrics.
	HTTPClient *http.Client

	Logger logrus.FieldLogger

	// When Logger is nil and LogLevel is set, a stderr logger at this level
	// is built. The zero value keeps the logrus standard logger.
	LogLevel logging.LogLevelJSON

	// Turns off the rate gate. Very likely to get the token rate limited.
	DisableRateGate bool

	// Calls admitted per RatePeriod. Defaults to 60 per minute, which is
	// what the Amari API allows.
	MaxRequests int
	RatePeriod  time.Duration

	// Slots of MaxRequests held back from use. Defaults to 1 unless
	// NoRateHeadroom is set or MaxRequests is 1.
	RateHeadroom   int
	NoRateHeadroom bool

	// How long responses are cached. Zero disables the cache.
	CacheTTL time.Duration

	// Defaults to 250 MiB
	CacheMaxBytes int64

	// Collects gate, cache and request metrics when provided.
	Metrics *MetricsCollector
	Stats   *HTTPStatsHandler
}

// SetDefaults fills in unset fields. Explicitly invalid values are left for
// the constructors to reject.
func (c *Config) SetDefaults() {
	setter.SetDefault(&c.BaseURL, DefaultBaseURL)
	setter.SetDefault(&c.MaxRequests, DefaultMaxRequests)
	setter.SetDefault(&c.RatePeriod, DefaultRatePeriod)
	if !c.NoRateHeadroom && c.MaxRequests > 1 {
		setter.SetDefault(&c.RateHeadroom, DefaultRateHeadroom)
	}
	setter.SetDefault(&c.CacheMaxBytes, DefaultCacheMaxBytes)
	setter.SetDefault(&c.HTTPClient, &http.Client{Timeout: 30 * time.Second})
	if c.Logger == nil && c.LogLevel.Level != logrus.PanicLevel {
		c.Logger = logging.NewLogger(c.LogLevel.Level).WithField("category", "amari")
	}
	setter.SetDefault(&c.Logger, logrus.WithField("category", "amari"))

	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
}

// SetupConfig builds a Config from `AMARI_*` environment variables. If
// envFile is provided its `KEY=value` lines are loaded into the environment
// first.
func SetupConfig(log logrus.FieldLogger, envFile string) (Config, error) {
	var conf Config
	setter.SetDefault(&log, logrus.WithField("category", "amari"))

	if envFile != "" {
		log.Infof("Loading env config: %s", envFile)
		if err := fromEnvFile(log, envFile); err != nil {
			return conf, errors.Wrap(err, "while loading env config")
		}
	}

	conf.Token = os.Getenv("AMARI_TOKEN")
	setter.SetDefault(&conf.BaseURL, os.Getenv("AMARI_BASE_URL"), DefaultBaseURL)
	conf.DisableRateGate = getEnvBool(log, "AMARI_DISABLE_RATE_GATE")
	setter.SetDefault(&conf.MaxRequests, getEnvInteger(log, "AMARI_MAX_REQUESTS"), DefaultMaxRequests)
	setter.SetDefault(&conf.RatePeriod, getEnvDuration(log, "AMARI_RATE_PERIOD"), DefaultRatePeriod)
	conf.RateHeadroom = getEnvInteger(log, "AMARI_RATE_HEADROOM")
	conf.NoRateHeadroom = getEnvBool(log, "AMARI_NO_RATE_HEADROOM")
	conf.CacheTTL = getEnvDuration(log, "AMARI_CACHE_TTL")
	setter.SetDefault(&conf.CacheMaxBytes, int64(getEnvInteger(log, "AMARI_CACHE_MAX_BYTES")), DefaultCacheMaxBytes)

	if v := os.Getenv("AMARI_LOG_LEVEL"); v != "" {
		if err := conf.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return conf, errors.Wrap(err, "while parsing AMARI_LOG_LEVEL")
		}
		conf.Logger = logging.NewLogger(conf.LogLevel.Level).WithField("category", "amari")
	}

	if conf.Token == "" {
		return conf, errors.New("AMARI_TOKEN is required")
	}
	return conf, nil
}

func getEnvInteger(log logrus.FieldLogger, name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as an integer", name)
		return 0
	}
	return int(i)
}

func getEnvDuration(log logrus.FieldLogger, name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a duration", name)
		return 0
	}
	return d
}

func getEnvBool(log logrus.FieldLogger, name string) bool {
	v := strings.ToLower(os.Getenv(name))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a boolean", name)
		return false
	}
	return b
}

// Take values from a file in the format `AMARI_CONF_ITEM=my-value` and put
// them into the environment. Lines that begin with `#` are ignored.
func fromEnvFile(log logrus.FieldLogger, configFile string) error {
	fd, err := os.Open(configFile)
	if err != nil {
		return errors.Wrapf(err, "while opening config file '%s'", configFile)
	}
	defer fd.Close()

	scanner := bufio.NewScanner(fd)
	for i := 1; scanner.Scan(); i++ {
		line := scanner.Text()
		// Skip comments, empty lines or lines with tabs
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, " ") ||
			strings.HasPrefix(line, "\t") || len(line) == 0 {
			continue
		}

		log.Debugf("config: [%d] '%s'", i, line)
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return errors.Errorf("malformed key=value on line '%d'", i)
		}

		if err := os.Setenv(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])); err != nil {
			return errors.Wrapf(err, "while settings environ for '%s=%s'", parts[0], parts[1])
		}
	}
	return errors.Wrapf(scanner.Err(), "while reading config file '%s'", configFile)
}
