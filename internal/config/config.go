package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/spf13/viper"
)

// Providers and their defaults.
const (
	ProviderGCP = "gcp"
	ProviderAWS = "aws"
)

var defaultProfiles = map[string][]string{
	ProviderGCP: {"e2-standard-4", "n2-standard-4", "n1-standard-4"},
	ProviderAWS: {"m6i.large", "m5.large", "t3.large"},
}

var defaultDiskTypes = map[string]string{
	ProviderGCP: "pd-balanced",
	ProviderAWS: "gp3",
}

// Config holds all application configuration
type Config struct {
	// Provider selection
	Provider string `mapstructure:"provider"`
	Project  string `mapstructure:"project"`
	Region   string `mapstructure:"region"`

	// Local state
	StateDir   string `mapstructure:"state-dir"`
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`
	OutputRoot string `mapstructure:"output-root"`

	// Instance and device
	MachineTypes []string `mapstructure:"machine-types"`
	DiskType     string   `mapstructure:"disk-type"`
	Image        string   `mapstructure:"image"`
	SSHUser      string   `mapstructure:"ssh-user"`
	SSHPort      int      `mapstructure:"ssh-port"`

	// Remote work
	ReachInterval time.Duration `mapstructure:"reach-interval"`
	ReachAttempts int           `mapstructure:"reach-attempts"`
	RemoteTimeout time.Duration `mapstructure:"remote-timeout"`

	// Transfer: auto, native or cli
	TransferMechanism string `mapstructure:"transfer-mechanism"`

	// AWS instance identity
	AWSInstanceProfile string `mapstructure:"aws-instance-profile"`
	AWSInstanceRoleARN string `mapstructure:"aws-instance-role-arn"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	LogLevel string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("provider", ProviderGCP)
	viper.SetDefault("state-dir", ".snapex/state")
	viper.SetDefault("sqlite-path", ".snapex/sessions.db")
	viper.SetDefault("fsm-db-path", ".snapex/fsm")
	viper.SetDefault("output-root", ".")
	viper.SetDefault("machine-types", []string{})
	viper.SetDefault("ssh-user", "snapex")
	viper.SetDefault("ssh-port", 22)
	viper.SetDefault("reach-interval", 10*time.Second)
	viper.SetDefault("reach-attempts", 30)
	viper.SetDefault("remote-timeout", 2*time.Hour)
	viper.SetDefault("transfer-mechanism", "auto")
	viper.SetDefault("max-file-size", int64(1)<<40)
	viper.SetDefault("max-total-size", int64(4)<<40)
	viper.SetDefault("max-compression-ratio", 1000.0)
	viper.SetDefault("fsm-max-retries", 3)
	viper.SetDefault("log-level", "info")

	// Environment variables (will be SNAPEX_REGION, etc.)
	viper.SetEnvPrefix("SNAPEX")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.snapex")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Profiles returns the instance profiles to try, in order.
func (c *Config) Profiles() []string {
	var out []string
	for _, p := range c.MachineTypes {
		// A comma-separated env value arrives as one element.
		for _, part := range strings.Split(p, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	if len(out) == 0 {
		return defaultProfiles[c.Provider]
	}
	return out
}

// Disk returns the configured device class or the provider default.
func (c *Config) Disk() string {
	if c.DiskType != "" {
		return c.DiskType
	}
	return defaultDiskTypes[c.Provider]
}

// Level returns the slog level for LogLevel.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Validate checks configuration for errors. Provider credentials are
// checked separately by ValidateProvider, once the provider of the session
// is known.
func (c *Config) Validate() error {
	if c.Provider != ProviderGCP && c.Provider != ProviderAWS {
		return errors.ConfigurationError("unknown provider %q (want gcp or aws)", c.Provider)
	}
	if c.StateDir == "" {
		return errors.ConfigurationError("state-dir cannot be empty")
	}
	if c.SQLitePath == "" {
		return errors.ConfigurationError("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return errors.ConfigurationError("fsm-db-path cannot be empty")
	}
	if c.SSHUser == "" {
		return errors.ConfigurationError("ssh-user cannot be empty")
	}
	if c.SSHPort <= 0 || c.SSHPort > 65535 {
		return errors.ConfigurationError("ssh-port %d out of range", c.SSHPort)
	}
	if c.ReachInterval <= 0 || c.ReachAttempts <= 0 {
		return errors.ConfigurationError("reach-interval and reach-attempts must be positive")
	}
	if c.RemoteTimeout <= 0 {
		return errors.ConfigurationError("remote-timeout must be positive")
	}
	switch c.TransferMechanism {
	case "auto", "native", "cli":
	default:
		return errors.ConfigurationError("transfer-mechanism must be auto, native or cli, got %q", c.TransferMechanism)
	}
	if c.MaxFileSize <= 0 {
		return errors.ConfigurationError("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return errors.ConfigurationError("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return errors.ConfigurationError("max-compression-ratio must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return errors.ConfigurationError("fsm-max-retries must be non-negative")
	}
	return nil
}

// ValidateProvider checks the settings provider needs to create or release
// resources.
func (c *Config) ValidateProvider(provider string) error {
	switch provider {
	case ProviderGCP:
		if c.Project == "" {
			return errors.ConfigurationError("project is required for provider gcp")
		}
	case ProviderAWS:
		if c.AWSInstanceProfile == "" || c.AWSInstanceRoleARN == "" {
			return errors.ConfigurationError("aws-instance-profile and aws-instance-role-arn are required for provider aws")
		}
	default:
		return errors.ConfigurationError("unknown provider %q (want gcp or aws)", provider)
	}
	return nil
}
