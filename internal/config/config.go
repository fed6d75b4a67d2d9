package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/michaelbrown/lessonforge/internal/sandbox"
)

type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int64         `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite or postgres
	DBPath       string `mapstructure:"db_path"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type JobsConfig struct {
	Backend     string `mapstructure:"backend"` // local or nats
	EventKey    string `mapstructure:"event_key"`
	NATSURL     string `mapstructure:"nats_url"`
	Subject     string `mapstructure:"subject"`
	QueueGroup  string `mapstructure:"queue_group"`
	Concurrency int    `mapstructure:"concurrency"`
	Buffer      int    `mapstructure:"buffer"`
}

type DockerConfig struct {
	Image      string            `mapstructure:"image"`
	Images     map[string]string `mapstructure:"images"`
	MaxMemory  string            `mapstructure:"max_memory"`
	PublicHost string            `mapstructure:"public_host"`
	Network    string            `mapstructure:"network"`
}

type SandboxConfig struct {
	Provider     string        `mapstructure:"provider"` // docker or e2b
	APIKey       string        `mapstructure:"api_key"`
	APIURL       string        `mapstructure:"api_url"`
	Domain       string        `mapstructure:"domain"`
	Template     string        `mapstructure:"template"`
	Port         int           `mapstructure:"port"`
	Timeout      time.Duration `mapstructure:"timeout"`
	AppPath      string        `mapstructure:"app_path"`
	StartCommand string        `mapstructure:"start_command"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	ReapSchedule string        `mapstructure:"reap_schedule"`
	Docker       DockerConfig  `mapstructure:"docker"`
}

type DebounceConfig struct {
	Backend  string        `mapstructure:"backend"` // memory, redis or none
	RedisURL string        `mapstructure:"redis_url"`
	Window   time.Duration `mapstructure:"window"`
}

type OrchestratorConfig struct {
	SingleFlight bool `mapstructure:"single_flight"`
}

type LessonsConfig struct {
	AutoExecute  bool          `mapstructure:"auto_execute"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type Config struct {
	LLM          LLMConfig          `mapstructure:"llm"`
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Sandbox      SandboxConfig      `mapstructure:"sandbox"`
	Debounce     DebounceConfig     `mapstructure:"debounce"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Lessons      LessonsConfig      `mapstructure:"lessons"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// Load reads configuration from path, or from lessonforge.yaml in the
// working directory or ~/.lessonforge when path is empty. A missing default
// file is not an error. Environment variables override the file: every key
// is available as LESSONFORGE_<SECTION>_<KEY>, and the conventional
// OPENAI_API_KEY and E2B_API_KEY are honoured. A .env file in the working
// directory is loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lessonforge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.lessonforge")
	}

	setDefaults(v)

	v.SetEnvPrefix("LESSONFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("llm.api_key", "LESSONFORGE_LLM_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("sandbox.api_key", "LESSONFORGE_SANDBOX_API_KEY", "E2B_API_KEY")
	_ = v.BindEnv("jobs.event_key", "LESSONFORGE_EVENT_KEY", "LESSONFORGE_JOBS_EVENT_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand ${VAR} references in secrets
	cfg.LLM.APIKey = expandEnv(cfg.LLM.APIKey)
	cfg.Sandbox.APIKey = expandEnv(cfg.Sandbox.APIKey)
	cfg.Jobs.EventKey = expandEnv(cfg.Jobs.EventKey)
	cfg.Storage.DSN = expandEnv(cfg.Storage.DSN)
	cfg.Debounce.RedisURL = expandEnv(cfg.Debounce.RedisURL)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	policy := sandbox.DefaultPolicy()

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 4000)
	v.SetDefault("llm.timeout", 2*time.Minute)

	v.SetDefault("server.port", 8080)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".lessonforge", "lessonforge.db"))
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_open_conns", 10)

	v.SetDefault("jobs.backend", "local")
	v.SetDefault("jobs.event_key", "")
	v.SetDefault("jobs.nats_url", "nats://localhost:4222")
	v.SetDefault("jobs.subject", "lessonforge.events")
	v.SetDefault("jobs.queue_group", "lessonforge-workers")
	v.SetDefault("jobs.concurrency", 4)
	v.SetDefault("jobs.buffer", 64)

	v.SetDefault("sandbox.provider", "docker")
	v.SetDefault("sandbox.api_key", "")
	v.SetDefault("sandbox.api_url", "")
	v.SetDefault("sandbox.domain", "")
	v.SetDefault("sandbox.template", policy.Template)
	v.SetDefault("sandbox.port", policy.Port)
	v.SetDefault("sandbox.timeout", policy.Timeout)
	v.SetDefault("sandbox.app_path", policy.AppPath)
	v.SetDefault("sandbox.start_command", policy.StartCommand)
	v.SetDefault("sandbox.start_timeout", policy.StartTimeout)
	v.SetDefault("sandbox.reap_schedule", "@every 1m")
	v.SetDefault("sandbox.docker.image", "lessonforge/nextjs-sandbox:latest")
	v.SetDefault("sandbox.docker.max_memory", "1g")
	v.SetDefault("sandbox.docker.public_host", "localhost")
	v.SetDefault("sandbox.docker.network", "")

	v.SetDefault("debounce.backend", "memory")
	v.SetDefault("debounce.redis_url", "")
	v.SetDefault("debounce.window", 2*time.Second)

	v.SetDefault("orchestrator.single_flight", false)

	v.SetDefault("lessons.auto_execute", true)
	v.SetDefault("lessons.poll_interval", 3*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.protocol", "grpc")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "lessonforge")
	v.SetDefault("tracing.sample_rate", 1.0)
}

// expandEnv resolves a value of the form ${VAR} from the environment.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Validate reports every setting that would stop the service from running.
func (c *Config) Validate() error {
	var problems []string

	if c.LLM.Temperature <= 0 {
		problems = append(problems, "llm.temperature must be positive")
	}
	if c.LLM.MaxTokens <= 0 {
		problems = append(problems, "llm.max_tokens must be positive")
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			problems = append(problems, "storage.dsn is required for postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.driver %q", c.Storage.Driver))
	}
	switch c.Jobs.Backend {
	case "local", "nats":
	default:
		problems = append(problems, fmt.Sprintf("unknown jobs.backend %q", c.Jobs.Backend))
	}
	if c.Jobs.Concurrency <= 0 {
		problems = append(problems, "jobs.concurrency must be positive")
	}
	switch c.Sandbox.Provider {
	case "docker":
	case "e2b":
		if c.Sandbox.APIKey == "" {
			problems = append(problems, "sandbox.api_key (E2B_API_KEY) is required for e2b")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown sandbox.provider %q", c.Sandbox.Provider))
	}
	if err := c.Sandbox.Policy().Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.Debounce.Backend {
	case "memory", "none":
	case "redis":
		if c.Debounce.RedisURL == "" {
			problems = append(problems, "debounce.redis_url is required for redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown debounce.backend %q", c.Debounce.Backend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Policy returns the sandbox policy described by the config.
func (s SandboxConfig) Policy() sandbox.Policy {
	return sandbox.Policy{
		Template:     s.Template,
		Port:         s.Port,
		Timeout:      s.Timeout,
		AppPath:      s.AppPath,
		StartCommand: s.StartCommand,
		StartTimeout: s.StartTimeout,
	}
}

// DockerProviderConfig converts to the provider's configuration.
func (s SandboxConfig) DockerProviderConfig() sandbox.DockerConfig {
	return sandbox.DockerConfig{
		Images:     s.Docker.Images,
		Image:      s.Docker.Image,
		MaxMemory:  s.Docker.MaxMemory,
		PublicHost: s.Docker.PublicHost,
		Network:    s.Docker.Network,
	}
}

// E2BProviderConfig converts to the provider's configuration.
func (s SandboxConfig) E2BProviderConfig() sandbox.E2BConfig {
	return sandbox.E2BConfig{
		APIKey: s.APIKey,
		APIURL: s.APIURL,
		Domain: s.Domain,
	}
}
