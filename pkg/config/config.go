package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"
)

type Config struct {
	Redis   RedisConfig   `mapstructure:"redis" validate:"required"`
	Daemon  DaemonConfig  `mapstructure:"daemon" validate:"required"`
	Publish PublishConfig `mapstructure:"publish" validate:"required"`
	HTTP    HTTPConfig    `mapstructure:"http" validate:"required"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Tasks   []TaskConfig  `mapstructure:"tasks" validate:"dive"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0,max=15"`
}

type DaemonConfig struct {
	LogLevel       string `mapstructure:"log_level" validate:"required,oneof=debug info warn error fatal"`
	Concurrency    int    `mapstructure:"concurrency" validate:"min=1,max=64"`
	RunLockMinutes int    `mapstructure:"run_lock_minutes" validate:"min=1"`
}

type PublishConfig struct {
	MaxRetry       int `mapstructure:"max_retry" validate:"min=0,max=10"`
	TimeoutMinutes int `mapstructure:"timeout_minutes" validate:"required,min=1,max=1440"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
}

type SMTPConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port" validate:"min=0,max=65535"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	From           string `mapstructure:"from" validate:"omitempty,email"`
	Subject        string `mapstructure:"subject"`
	Body           string `mapstructure:"body"`
	TLSPolicy      string `mapstructure:"tls_policy" validate:"oneof=mandatory opportunistic none"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"min=1,max=600"`
}

// EndpointConfig is one side of a transfer. The endpoint kind follows from
// the location syntax.
type EndpointConfig struct {
	Location          string `mapstructure:"location" validate:"required"`
	User              string `mapstructure:"user"`
	Password          string `mapstructure:"password"`
	ClientCertificate string `mapstructure:"client_certificate"`
	KnownHosts        string `mapstructure:"known_hosts"`
	KeyRing           string `mapstructure:"key_ring"`
	Passphrase        string `mapstructure:"passphrase"`
	KeyUser           string `mapstructure:"key_user"`
	RawFormat         bool   `mapstructure:"raw_format"`
	DuplicateLimit    int    `mapstructure:"duplicate_limit" validate:"min=0"`
}

type PathConfig struct {
	Folder            string `mapstructure:"folder"`
	FileMask          string `mapstructure:"file_mask"`
	FileRegex         string `mapstructure:"file_regex"`
	DestinationFolder string `mapstructure:"destination_folder"`
}

type TaskConfig struct {
	Name        string         `mapstructure:"name" validate:"required"`
	Source      EndpointConfig `mapstructure:"source" validate:"required"`
	Destination EndpointConfig `mapstructure:"destination" validate:"required"`

	// The scalar path fields describe one path; Paths adds more.
	SourceFolder      string       `mapstructure:"source_folder"`
	FileMask          string       `mapstructure:"file_mask"`
	FileRegex         string       `mapstructure:"file_regex"`
	DestinationFolder string       `mapstructure:"destination_folder"`
	Paths             []PathConfig `mapstructure:"paths"`

	CopyOnly                bool   `mapstructure:"copy_only"`
	RenameRegex             string `mapstructure:"rename_regex"`
	RenameReplacement       string `mapstructure:"rename_replacement"`
	DeferRename             bool   `mapstructure:"defer_rename"`
	SourceRenameRegex       string `mapstructure:"source_rename_regex"`
	SourceRenameReplacement string `mapstructure:"source_rename_replacement"`
	PreventOverwrite        bool   `mapstructure:"prevent_overwrite"`

	LedgerFile       string `mapstructure:"ledger_file"`
	LedgerMaxAgeDays int    `mapstructure:"ledger_max_age_days" validate:"min=0"`
	SuppressErrors   bool   `mapstructure:"suppress_errors"`
}

// Task returns the task called name.
func (c *Config) Task(name string) (*TaskConfig, error) {
	for i := range c.Tasks {
		if c.Tasks[i].Name == name {
			return &c.Tasks[i], nil
		}
	}
	return nil, errors.Errorf("task %q is not configured", name)
}

func LoadFromFile(filename string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(filename)
	v.SetConfigType("toml")

	v.SetEnvPrefix("FILEFERRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, errors.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("daemon.log_level", "info")
	v.SetDefault("daemon.concurrency", 4)
	v.SetDefault("daemon.run_lock_minutes", 60*6) // 6 hours

	v.SetDefault("publish.max_retry", 3)
	v.SetDefault("publish.timeout_minutes", 60*6) // 6 hours

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.tls_policy", "opportunistic")
	v.SetDefault("smtp.timeout_seconds", 30)
}

func validateConfig(config *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	if err := validate.Struct(config); err != nil {
		return err
	}

	seen := make(map[string]bool, len(config.Tasks))
	for _, t := range config.Tasks {
		if seen[t.Name] {
			return errors.Errorf("duplicate task name %q", t.Name)
		}
		seen[t.Name] = true
	}

	return nil
}
