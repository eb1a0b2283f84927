package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"agentflow/internal/domain"
	"agentflow/internal/scheduler"
	"agentflow/internal/telemetry"
	"agentflow/internal/worker"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig            `mapstructure:"server"`
	Store       StoreConfig             `mapstructure:"store"`
	Context     ContextConfig           `mapstructure:"context"`
	Distributor DistributorConfig       `mapstructure:"distributor"`
	Agents      map[string]worker.Agent `mapstructure:"agents"`
	Schedules   []scheduler.Schedule    `mapstructure:"schedules"`
	Cleanup     CleanupConfig           `mapstructure:"cleanup"`
	Notify      NotifyConfig            `mapstructure:"notify"`
	Telemetry   telemetry.Config        `mapstructure:"telemetry"`
	Logging     LoggingConfig           `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SubmitRate   float64       `mapstructure:"submit_rate"`
	SubmitBurst  int           `mapstructure:"submit_burst"`
	Debug        bool          `mapstructure:"debug"`
}

// StoreConfig selects the task store backend. For sqlite the DSN is a file path.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

type ContextConfig struct {
	Root         string        `mapstructure:"root"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	StaleLockAge time.Duration `mapstructure:"stale_lock_age"`
}

type DistributorConfig struct {
	MaxAgents           int                 `mapstructure:"max_agents"`
	PollInterval        time.Duration       `mapstructure:"poll_interval"`
	MaxPollInterval     time.Duration       `mapstructure:"max_poll_interval"`
	TaskTimeout         time.Duration       `mapstructure:"task_timeout"`
	TimeoutGrowth       float64             `mapstructure:"timeout_growth"`
	GracePeriod         time.Duration       `mapstructure:"grace_period"`
	DrainTimeout        time.Duration       `mapstructure:"drain_timeout"`
	MaxRetries          int                 `mapstructure:"max_retries"`
	StarvationThreshold time.Duration       `mapstructure:"starvation_threshold"`
	OutputLimit         int                 `mapstructure:"output_limit"`
	DefaultAgent        string              `mapstructure:"default_agent"`
	Slots               []worker.SlotConfig `mapstructure:"slots"`
}

// Worker converts the section into the distributor's own config.
func (d DistributorConfig) Worker() worker.Config {
	return worker.Config{
		Slots:           d.Slots,
		MaxAgents:       d.MaxAgents,
		PollInterval:    d.PollInterval,
		MaxPollInterval: d.MaxPollInterval,
		TaskTimeout:     d.TaskTimeout,
		TimeoutGrowth:   d.TimeoutGrowth,
		GracePeriod:     d.GracePeriod,
		DrainTimeout:    d.DrainTimeout,
		OutputLimit:     d.OutputLimit,
		DefaultAgent:    d.DefaultAgent,
	}
}

// CleanupConfig drives the retention job. An empty cron disables it.
type CleanupConfig struct {
	Cron      string        `mapstructure:"cron"`
	Retention time.Duration `mapstructure:"retention"`
}

type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads defaults, then the config file, then AGENTFLOW_* environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("agentflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("AGENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.submit_rate", 0)
	v.SetDefault("server.submit_burst", 10)
	v.SetDefault("server.debug", false)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "agentflow.db")
	v.SetDefault("store.max_conns", 10)

	v.SetDefault("context.root", "./agentflow-context")
	v.SetDefault("context.lock_timeout", 10*time.Second)
	v.SetDefault("context.stale_lock_age", 2*time.Minute)

	v.SetDefault("distributor.max_agents", 3)
	v.SetDefault("distributor.poll_interval", 250*time.Millisecond)
	v.SetDefault("distributor.max_poll_interval", 2*time.Second)
	v.SetDefault("distributor.task_timeout", 10*time.Minute)
	v.SetDefault("distributor.timeout_growth", 1.0)
	v.SetDefault("distributor.grace_period", 5*time.Second)
	v.SetDefault("distributor.drain_timeout", 0)
	v.SetDefault("distributor.max_retries", 2)
	v.SetDefault("distributor.starvation_threshold", 5*time.Minute)
	v.SetDefault("distributor.output_limit", 1<<20)
	v.SetDefault("distributor.default_agent", "")

	v.SetDefault("cleanup.cron", "")
	v.SetDefault("cleanup.retention", 7*24*time.Hour)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", 5*time.Second)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_name", telemetry.DefaultServiceName)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required"))
	}
	if strings.TrimSpace(c.Context.Root) == "" {
		errs = append(errs, fmt.Errorf("context.root is required"))
	}
	if c.Distributor.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("distributor.max_retries must be >= 0"))
	}
	if c.Distributor.StarvationThreshold < 0 {
		errs = append(errs, fmt.Errorf("distributor.starvation_threshold must be >= 0"))
	}
	for name, a := range c.Agents {
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agents.%s: %w", name, err))
		}
	}
	if d := c.Distributor.DefaultAgent; d != "" {
		if _, ok := c.Agents[d]; !ok {
			errs = append(errs, fmt.Errorf("distributor.default_agent %q is not a configured agent", d))
		}
	}
	for i, s := range c.Distributor.Slots {
		if len(s.Capabilities) == 0 {
			errs = append(errs, fmt.Errorf("distributor.slots[%d]: capabilities are required", i))
		}
		for _, capability := range s.Capabilities {
			if capability == domain.AnyAgent {
				continue
			}
			if _, ok := c.Agents[capability]; !ok {
				errs = append(errs, fmt.Errorf("distributor.slots[%d]: unknown agent %q", i, capability))
			}
		}
	}
	for _, s := range c.Schedules {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Cleanup.Cron != "" {
		if err := scheduler.ValidateCronExpression(c.Cleanup.Cron); err != nil {
			errs = append(errs, fmt.Errorf("cleanup.cron: %w", err))
		}
	}
	if _, err := c.Logging.ZerologLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
