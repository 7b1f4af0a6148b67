package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds a Config from defaults, an optional YAML file and RELAY_*
// environment variables, in that order of precedence, and validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	b := &cfg.Broker
	b.Host = getEnv("RELAY_HOST", b.Host)
	b.VHost = getEnv("RELAY_VHOST", b.VHost)
	b.User = getEnv("RELAY_USER", b.User)
	b.Password = getEnv("RELAY_PASSWORD", b.Password)
	if b.Port, err = getEnvInt("RELAY_PORT", b.Port); err != nil {
		return err
	}
	if b.ConnectionTimeout, err = getEnvDuration("RELAY_CONNECTION_TIMEOUT", b.ConnectionTimeout); err != nil {
		return err
	}
	if b.Heartbeat, err = getEnvDuration("RELAY_HEARTBEAT", b.Heartbeat); err != nil {
		return err
	}
	if b.RequestTimeout, err = getEnvDuration("RELAY_REQUEST_TIMEOUT", b.RequestTimeout); err != nil {
		return err
	}

	p := &cfg.Publisher
	if p.ConfirmEnabled, err = getEnvBool("RELAY_CONFIRM_ENABLED", p.ConfirmEnabled); err != nil {
		return err
	}
	if p.Persistent, err = getEnvBool("RELAY_PERSISTENT", p.Persistent); err != nil {
		return err
	}

	c := &cfg.Consumer
	if c.Prefetch, err = getEnvInt("RELAY_PREFETCH", c.Prefetch); err != nil {
		return err
	}
	if c.Instances, err = getEnvInt("RELAY_CONSUMER_INSTANCES", c.Instances); err != nil {
		return err
	}

	r := &cfg.Retry
	if r.MaxAttempts, err = getEnvInt("RELAY_MAX_ATTEMPTS", r.MaxAttempts); err != nil {
		return err
	}
	if r.BaseDelay, err = getEnvDuration("RELAY_RETRY_BASE_DELAY", r.BaseDelay); err != nil {
		return err
	}
	if r.MaxDelay, err = getEnvDuration("RELAY_RETRY_MAX_DELAY", r.MaxDelay); err != nil {
		return err
	}

	d := &cfg.DeadLetter
	if d.Enabled, err = getEnvBool("RELAY_DEAD_LETTER_ENABLED", d.Enabled); err != nil {
		return err
	}
	d.Exchange = getEnv("RELAY_DEAD_LETTER_EXCHANGE", d.Exchange)
	d.Queue = getEnv("RELAY_DEAD_LETTER_QUEUE", d.Queue)
	d.RoutingKey = getEnv("RELAY_DEAD_LETTER_ROUTING_KEY", d.RoutingKey)
	if d.MessageTTL, err = getEnvDuration("RELAY_DEAD_LETTER_TTL", d.MessageTTL); err != nil {
		return err
	}

	cfg.Log.Level = getEnv("RELAY_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("RELAY_LOG_FORMAT", cfg.Log.Format)
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}
