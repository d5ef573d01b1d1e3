package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

const envPrefix = "MONGOKEEPER"

// Config represents the top-level YAML configuration file.
type Config struct {
	Include  []string       `mapstructure:"include"  yaml:"include,omitempty"`
	Server   ServerConfig   `mapstructure:"server"   yaml:"server"`
	Log      LogConfig      `mapstructure:"log"      yaml:"log"`
	MongoDB  MongoDBConfig  `mapstructure:"mongodb"  yaml:"mongodb"`
	Backup   BackupConfig   `mapstructure:"backup"   yaml:"backup"`
	Tools    ToolsConfig    `mapstructure:"tools"    yaml:"tools"`
	Restore  RestoreConfig  `mapstructure:"restore"  yaml:"restore"`
	Audit    AuditConfig    `mapstructure:"audit"    yaml:"audit"`
	Auth     AuthConfig     `mapstructure:"auth"     yaml:"auth"`
	Vault    VaultConfig    `mapstructure:"vault"    yaml:"vault"`
	Schedule ScheduleConfig `mapstructure:"schedule" yaml:"schedule"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address        string        `mapstructure:"address"         yaml:"address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MongoDBConfig holds the connection URI shared by the driver and the tools.
type MongoDBConfig struct {
	URI string `mapstructure:"uri" yaml:"uri"`
}

// BackupConfig contains the artifact store layout and retention limits.
type BackupConfig struct {
	Directory     string `mapstructure:"directory"      yaml:"directory"`
	KeepBackups   int    `mapstructure:"keep_backups"   yaml:"keep_backups"`
	KeepSnapshots int    `mapstructure:"keep_snapshots" yaml:"keep_snapshots"`
	TempDirectory string `mapstructure:"temp_directory" yaml:"temp_directory,omitempty"`
}

// ToolsConfig names the external binaries and bounds each invocation.
type ToolsConfig struct {
	Mongodump    string        `mapstructure:"mongodump"    yaml:"mongodump"`
	Mongorestore string        `mapstructure:"mongorestore" yaml:"mongorestore"`
	Mongosh      string        `mapstructure:"mongosh"      yaml:"mongosh"`
	Timeout      time.Duration `mapstructure:"timeout"      yaml:"timeout"`
}

// RestoreConfig tunes the drop-then-restore protocol.
type RestoreConfig struct {
	// StrictDropCheck classifies the stderr of collection drops too.
	// Database drops are always classified.
	StrictDropCheck bool `mapstructure:"strict_drop_check" yaml:"strict_drop_check"`
}

// AuditConfig selects where audit records are persisted.
type AuditConfig struct {
	Backend    string `mapstructure:"backend"     yaml:"backend"`
	Database   string `mapstructure:"database"    yaml:"database"`
	Collection string `mapstructure:"collection"  yaml:"collection"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path,omitempty"`
}

// AuthConfig controls who may call the HTTP API.
type AuthConfig struct {
	Disabled       bool     `mapstructure:"disabled"        yaml:"disabled"`
	Issuer         string   `mapstructure:"issuer"          yaml:"issuer,omitempty"`
	ClientID       string   `mapstructure:"client_id"       yaml:"client_id,omitempty"`
	EmailHeader    string   `mapstructure:"email_header"    yaml:"email_header"`
	AllowedDomains []string `mapstructure:"allowed_domains" yaml:"allowed_domains,omitempty"`
}

// VaultConfig holds connection settings for HashiCorp Vault.
type VaultConfig struct {
	Address         string `mapstructure:"address"          yaml:"address,omitempty"`
	RoleID          string `mapstructure:"role_id"          yaml:"role_id,omitempty"`
	ApproleName     string `mapstructure:"approle_name"     yaml:"approle_name,omitempty"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path,omitempty"`
}

// Enabled reports whether MongoDB credentials should come from Vault.
func (v VaultConfig) Enabled() bool {
	return v.Address != "" && v.CredentialsPath != ""
}

// CronParser accepts standard five field expressions and descriptors
// such as @daily.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ScheduleConfig lists the cron backups run by the serve command.
type ScheduleConfig struct {
	Backups []ScheduledBackup `mapstructure:"backups" yaml:"backups,omitempty"`
}

// ScheduledBackup is one database backed up on a cron expression.
type ScheduledBackup struct {
	Database string `mapstructure:"database" yaml:"database"`
	Cron     string `mapstructure:"cron"     yaml:"cron"`
}

func setDefaults(v *viper.Viper) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.request_timeout", "60m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("mongodb.uri", "")
	v.SetDefault("backup.directory", filepath.Join(cwd, "backups"))
	v.SetDefault("backup.keep_backups", 7)
	v.SetDefault("backup.keep_snapshots", 10)
	v.SetDefault("backup.temp_directory", os.TempDir())
	v.SetDefault("tools.mongodump", "mongodump")
	v.SetDefault("tools.mongorestore", "mongorestore")
	v.SetDefault("tools.mongosh", "mongosh")
	v.SetDefault("tools.timeout", "30m")
	v.SetDefault("restore.strict_drop_check", false)
	v.SetDefault("audit.backend", "mongo")
	v.SetDefault("audit.database", "mongodb_manager")
	v.SetDefault("audit.collection", "api_history")
	v.SetDefault("audit.sqlite_path", "mongokeeper_audit.db")
	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.email_header", "X-Forwarded-Email")
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, applies environment overrides and
// unmarshals into the Config struct. An empty path loads defaults and
// environment only.
func (c *Config) Load(path string) error {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unprefixed names kept for compatibility with existing deployments.
	_ = v.BindEnv("mongodb.uri", envPrefix+"_MONGODB_URI", "MONGODB_URI")
	_ = v.BindEnv("backup.directory", envPrefix+"_BACKUP_DIRECTORY", "BACKUP_DIR")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		// Read base configuration
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
		}

		// Merge include files (if any)
		for _, inc := range v.GetStringSlice("include") {
			data, err := os.ReadFile(inc)
			if err != nil {
				return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
			}
			if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
				return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
			}
		}
	}

	// Unmarshal into the Config struct
	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	return c.Validate()
}

// Validate checks the values that cannot be corrected by defaults.
func (c *Config) Validate() error {
	if c.Backup.Directory == "" {
		return fmt.Errorf("%w: backup.directory is empty", ErrValidateConfig)
	}
	if c.Backup.KeepBackups < 1 {
		return fmt.Errorf("%w: backup.keep_backups must be positive, got %d",
			ErrValidateConfig, c.Backup.KeepBackups)
	}
	if c.Backup.KeepSnapshots < 1 {
		return fmt.Errorf("%w: backup.keep_snapshots must be positive, got %d",
			ErrValidateConfig, c.Backup.KeepSnapshots)
	}
	if c.Tools.Timeout <= 0 {
		return fmt.Errorf("%w: tools.timeout must be positive", ErrValidateConfig)
	}
	switch c.Audit.Backend {
	case "mongo", "sqlite", "none":
	default:
		return fmt.Errorf("%w: unknown audit backend %q", ErrValidateConfig, c.Audit.Backend)
	}
	for _, sb := range c.Schedule.Backups {
		if sb.Database == "" || sb.Cron == "" {
			return fmt.Errorf("%w: scheduled backup needs database and cron", ErrValidateConfig)
		}
		if _, err := CronParser.Parse(sb.Cron); err != nil {
			return fmt.Errorf("%w: schedule for %s: %v", ErrValidateConfig, sb.Database, err)
		}
	}
	return nil
}

// LoadDotEnv loads environment files into the process environment.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("%w: load env file %s: %v", ErrLoadConfig, p, err)
		}
	}
	return nil
}
