// Package config loads and validates the signaling daemon's configuration.
// All values come from env (or an env-file loaded by the process runner); no
// business logic reads raw environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the signaling process.
type Config struct {
	App    AppConfig
	Store  StoreConfig
	Engine EngineConfig
	ICE    ICEConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

type StoreConfig struct {
	// Backend selects the session store: memory or redis.
	Backend string

	RedisHost string
	RedisPort int
}

type EngineConfig struct {
	RingTimeout    time.Duration
	ConnectTimeout time.Duration
	RecoveryWindow time.Duration
	BusyStaleness  time.Duration
	PollInterval   time.Duration
}

type ICEConfig struct {
	// Servers is the comma-separated STUN/TURN URL list handed to clients.
	Servers []string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))

	c.Store.Backend = strings.TrimSpace(os.Getenv("STORE_BACKEND"))
	c.Store.RedisHost = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if v := strings.TrimSpace(os.Getenv("REDIS_PORT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("REDIS_PORT must be an integer, got %q", v))
		}
		c.Store.RedisPort = n
	}

	// Duration env vars are optional; defaults applied in Validate().
	c.Engine.RingTimeout = mustDuration("CALL_RING_TIMEOUT")
	c.Engine.ConnectTimeout = mustDuration("CALL_CONNECT_TIMEOUT")
	c.Engine.RecoveryWindow = mustDuration("CALL_RECOVERY_WINDOW")
	c.Engine.BusyStaleness = mustDuration("CALL_BUSY_STALENESS")
	c.Engine.PollInterval = mustDuration("SIGNALING_POLL_INTERVAL")

	if v := strings.TrimSpace(os.Getenv("ICE_SERVERS")); v != "" {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.ICE.Servers = append(c.ICE.Servers, u)
			}
		}
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills in defaults for the optional
// ones.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	switch c.Store.Backend {
	case "":
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_BACKEND is required in production"))
		} else {
			c.Store.Backend = "memory"
		}
	case "memory":
	case "redis":
		if c.Store.RedisHost == "" {
			errs = append(errs, errors.New("REDIS_HOST is required for the redis backend"))
		}
		if c.Store.RedisPort <= 0 || c.Store.RedisPort > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Store.RedisPort))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be memory or redis, got %q", c.Store.Backend))
	}

	if c.Engine.RingTimeout <= 0 {
		c.Engine.RingTimeout = 30 * time.Second
	}
	if c.Engine.ConnectTimeout <= 0 {
		c.Engine.ConnectTimeout = 15 * time.Second
	}
	if c.Engine.RecoveryWindow <= 0 {
		c.Engine.RecoveryWindow = 6 * time.Second
	}
	if c.Engine.BusyStaleness <= 0 {
		c.Engine.BusyStaleness = 2 * time.Hour
	}
	if c.Engine.ConnectTimeout >= c.Engine.RingTimeout {
		errs = append(errs, errors.New("CALL_CONNECT_TIMEOUT must be less than CALL_RING_TIMEOUT"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Store.RedisHost, c.Store.RedisPort)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
