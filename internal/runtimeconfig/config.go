package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/buildkite/coderoom/internal/paths"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CODEROOM"

const (
	DefaultMaxParticipants  = 10
	DefaultEvictionGrace    = 3 * time.Minute
	DefaultChatTail         = 100
	DefaultOutboundQueue    = 256
	DefaultMaxConcurrent    = 16
	DefaultMaxOutputBytes   = 1 * 1024 * 1024
	DefaultMinFreeMemoryMiB = 64
	DefaultLanguage         = "python"
	DefaultInputWait        = 5 * time.Second
	DefaultMaxMessageBytes  = 512 * 1024
	DefaultPongWait         = 60 * time.Second
	DefaultWriteWait        = 10 * time.Second
)

type Config struct {
	Listen    string            `yaml:"listen" envconfig:"LISTEN"`
	LogLevel  string            `yaml:"log_level" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
	Sessions  SessionsConfig    `yaml:"sessions" envconfig:"SESSIONS"`
	Execution ExecutionConfig   `yaml:"execution" envconfig:"EXECUTION"`
	Gateway   GatewayConfig     `yaml:"gateway" envconfig:"GATEWAY"`
	Store     StoreConfig       `yaml:"store" envconfig:"STORE"`
	Users     map[string]string `yaml:"users" envconfig:"USERS"`
}

type SessionsConfig struct {
	MaxParticipants int           `yaml:"max_participants" envconfig:"MAX_PARTICIPANTS" validate:"gte=0"`
	EvictionGrace   time.Duration `yaml:"eviction_grace" envconfig:"EVICTION_GRACE" validate:"gte=0"`
	ChatTail        int           `yaml:"chat_tail" envconfig:"CHAT_TAIL" validate:"gte=0"`
	OutboundQueue   int           `yaml:"outbound_queue" envconfig:"OUTBOUND_QUEUE" validate:"gte=0"`
	// AutoCreate controls whether joining an unknown session id creates it.
	// Unset means true.
	AutoCreate *bool `yaml:"auto_create" envconfig:"AUTO_CREATE"`
}

type ExecutionConfig struct {
	MaxConcurrent    int                       `yaml:"max_concurrent" envconfig:"MAX_CONCURRENT" validate:"gte=0"`
	MaxOutputBytes   int                       `yaml:"max_output_bytes" envconfig:"MAX_OUTPUT_BYTES" validate:"gte=0"`
	MinFreeMemoryMiB uint64                    `yaml:"min_free_memory_mib" envconfig:"MIN_FREE_MEMORY_MIB"`
	MemoryLimitMiB   int64                     `yaml:"memory_limit_mib" envconfig:"MEMORY_LIMIT_MIB" validate:"gte=0"`
	DefaultLanguage  string                    `yaml:"default_language" envconfig:"DEFAULT_LANGUAGE"`
	WorkDir          string                    `yaml:"work_dir" envconfig:"WORK_DIR"`
	SandboxWrapper   []string                  `yaml:"sandbox_wrapper" envconfig:"SANDBOX_WRAPPER"`
	InputWait        time.Duration             `yaml:"input_wait" envconfig:"INPUT_WAIT" validate:"gte=0"`
	Languages        map[string]LanguageConfig `yaml:"languages" ignored:"true" validate:"dive"`
}

// LanguageConfig overrides or extends the built-in language table.
type LanguageConfig struct {
	Extension string        `yaml:"extension"`
	MainFile  string        `yaml:"main_file"`
	Compile   []string      `yaml:"compile"`
	Run       []string      `yaml:"run" validate:"required,min=1"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
}

type GatewayConfig struct {
	MaxMessageBytes int64         `yaml:"max_message_bytes" envconfig:"MAX_MESSAGE_BYTES" validate:"gte=0"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" validate:"gte=0"`
	WriteWait       time.Duration `yaml:"write_wait" envconfig:"WRITE_WAIT" validate:"gte=0"`
}

type StoreConfig struct {
	Path     string `yaml:"path" envconfig:"PATH"`
	Disabled bool   `yaml:"disabled" envconfig:"DISABLED"`
}

func Path() (string, error) {
	return paths.ConfigFile()
}

// Load reads the config file at the default path. A missing file yields an
// empty config.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

// LoadFile reads path, then applies CODEROOM_* environment overrides.
func LoadFile(path string) (Config, error) {
	cfg := Config{}
	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("apply %s_* environment: %w", envPrefix, err)
	}

	cfg.Listen = strings.TrimSpace(cfg.Listen)
	cfg.LogLevel = strings.TrimSpace(strings.ToLower(cfg.LogLevel))
	cfg.Execution.DefaultLanguage = strings.TrimSpace(strings.ToLower(cfg.Execution.DefaultLanguage))
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	return validate.Struct(c)
}

// WithDefaults returns a copy of c with every unset tunable filled in.
func (c Config) WithDefaults() Config {
	if c.Sessions.MaxParticipants == 0 {
		c.Sessions.MaxParticipants = DefaultMaxParticipants
	}
	if c.Sessions.EvictionGrace == 0 {
		c.Sessions.EvictionGrace = DefaultEvictionGrace
	}
	if c.Sessions.ChatTail == 0 {
		c.Sessions.ChatTail = DefaultChatTail
	}
	if c.Sessions.OutboundQueue == 0 {
		c.Sessions.OutboundQueue = DefaultOutboundQueue
	}
	if c.Sessions.AutoCreate == nil {
		autoCreate := true
		c.Sessions.AutoCreate = &autoCreate
	}
	if c.Execution.MaxConcurrent == 0 {
		c.Execution.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Execution.MaxOutputBytes == 0 {
		c.Execution.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.Execution.MinFreeMemoryMiB == 0 {
		c.Execution.MinFreeMemoryMiB = DefaultMinFreeMemoryMiB
	}
	if c.Execution.DefaultLanguage == "" {
		c.Execution.DefaultLanguage = DefaultLanguage
	}
	if c.Execution.InputWait == 0 {
		c.Execution.InputWait = DefaultInputWait
	}
	if c.Gateway.MaxMessageBytes == 0 {
		c.Gateway.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Gateway.PongWait == 0 {
		c.Gateway.PongWait = DefaultPongWait
	}
	if c.Gateway.WriteWait == 0 {
		c.Gateway.WriteWait = DefaultWriteWait
	}
	return c
}

func (s SessionsConfig) AutoCreateEnabled() bool {
	return s.AutoCreate == nil || *s.AutoCreate
}
