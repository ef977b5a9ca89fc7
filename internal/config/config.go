package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DataDir         string             `mapstructure:"data_dir" validate:"required"`
	InboxPath       string             `mapstructure:"inbox_path" validate:"omitempty,dir"`
	OwnerID         string             `mapstructure:"owner_id" validate:"required"`
	JourneyID       string             `mapstructure:"journey_id" validate:"required"`
	Database        DatabaseConfig     `mapstructure:"database" validate:"-"` // checked by commands that connect
	Remote          RemoteConfig       `mapstructure:"remote"`
	Sync            SyncConfig         `mapstructure:"sync"`
	Reachability    ReachabilityConfig `mapstructure:"reachability"`
	IgnorePatterns  []string           `mapstructure:"ignore_patterns"`
	IncludePatterns []string           `mapstructure:"include_patterns"`
	Log             LogConfig          `mapstructure:"log"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	Database string `mapstructure:"database" validate:"required"`
	Schema   string `mapstructure:"schema"` // Optional: derived from owner id if not specified
	SSLMode  string `mapstructure:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
}

// RemoteConfig holds settings for published blobs
type RemoteConfig struct {
	PublicBaseURL string `mapstructure:"public_base_url" validate:"required,url"`
	MaxBlobSizeMB int    `mapstructure:"max_blob_size_mb" validate:"min=0"`
}

// SyncConfig holds sync behavior settings
type SyncConfig struct {
	MaxRetries int `mapstructure:"max_retries" validate:"min=1"`
	DebounceMs int `mapstructure:"debounce_ms" validate:"min=0"`
}

// ReachabilityConfig controls how connectivity to the backend is probed
type ReachabilityConfig struct {
	Targets    []string `mapstructure:"targets" validate:"dive,hostname_port"`
	IntervalMs int      `mapstructure:"interval_ms" validate:"min=100"`
	TimeoutMs  int      `mapstructure:"timeout_ms" validate:"min=10"`
}

// LogConfig adds an optional rotating log file
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"min=0"`
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     d.Address(),
		Path:     "/" + d.Database,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	if d.User != "" || d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	// Set search_path to use the owner's schema
	if d.Schema != "" {
		u.RawQuery += "&search_path=" + url.QueryEscape(d.Schema) + ",public"
	}
	return u.String()
}

// Address returns host:port of the database server
func (d *DatabaseConfig) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Validate checks the connection settings
func (d *DatabaseConfig) Validate() error {
	if err := validator.New().Struct(d); err != nil {
		return fmt.Errorf("database config validation failed: %w", err)
	}
	return nil
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir:   filepath.Join(getConfigDir(), "queue"),
		OwnerID:   "local",
		JourneyID: "default",
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "require",
		},
		Remote: RemoteConfig{
			PublicBaseURL: "https://blobs.localhost",
			MaxBlobSizeMB: 100,
		},
		Sync: SyncConfig{
			MaxRetries: 3,
			DebounceMs: 2000,
		},
		Reachability: ReachabilityConfig{
			IntervalMs: 15000,
			TimeoutMs:  3000,
		},
		IgnorePatterns: []string{
			"**/.DS_Store",
			"**/.*",
			"**/*.partial",
			"**/*.tmp",
			"**/*~",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	defaults := DefaultConfig()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("owner_id", defaults.OwnerID)
	v.SetDefault("journey_id", defaults.JourneyID)
	v.SetDefault("database.port", defaults.Database.Port)
	v.SetDefault("database.sslmode", defaults.Database.SSLMode)
	v.SetDefault("remote.public_base_url", defaults.Remote.PublicBaseURL)
	v.SetDefault("remote.max_blob_size_mb", defaults.Remote.MaxBlobSizeMB)
	v.SetDefault("sync.max_retries", defaults.Sync.MaxRetries)
	v.SetDefault("sync.debounce_ms", defaults.Sync.DebounceMs)
	v.SetDefault("reachability.interval_ms", defaults.Reachability.IntervalMs)
	v.SetDefault("reachability.timeout_ms", defaults.Reachability.TimeoutMs)
	v.SetDefault("ignore_patterns", defaults.IgnorePatterns)
	v.SetDefault("log.max_size_mb", defaults.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", defaults.Log.MaxBackups)
	v.SetDefault("log.max_age_days", defaults.Log.MaxAgeDays)

	// Bind keys without defaults so AutomaticEnv can see them
	for _, key := range []string{
		"inbox_path", "database.host", "database.user", "database.password",
		"database.database", "database.schema", "log.file",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	// Configure config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search for config in standard locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	// Enable environment variable substitution
	v.SetEnvPrefix("CAPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	// Unmarshal into struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in password
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)

	cfg.DataDir = expandPath(cfg.DataDir)
	if cfg.InboxPath != "" {
		cfg.InboxPath = expandPath(cfg.InboxPath)
	}
	if cfg.Log.File != "" {
		cfg.Log.File = expandPath(cfg.Log.File)
	}

	// Derive schema name from owner if not specified
	if cfg.Database.Schema == "" {
		cfg.Database.Schema = SanitizeIdentifier(cfg.OwnerID)
	}

	// Probe the database server unless told otherwise
	if len(cfg.Reachability.Targets) == 0 && cfg.Database.Host != "" {
		cfg.Reachability.Targets = []string{cfg.Database.Address()}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks everything except the database section
func (c *Config) Validate() error {
	validate := validator.New()

	// Register custom validation for directory existence
	validate.RegisterValidation("dir", func(fl validator.FieldLevel) bool {
		path := fl.Field().String()
		if path == "" {
			return false
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		return info.IsDir()
	})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "capsync")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "capsync")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "capsync")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "capsync")
	}
}

// GetStateDir returns the directory holding config and, by default, the queue
func GetStateDir() (string, error) {
	dir := getConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}

// SanitizeIdentifier converts an owner or journey name into a valid
// PostgreSQL identifier (schema name)
// Rules:
// - Lowercase only
// - Starts with letter or underscore
// - Contains only letters, digits, underscores
// - Spaces and hyphens become underscores
// - Max 63 characters (PostgreSQL limit)
func SanitizeIdentifier(name string) string {
	// Convert to lowercase
	name = strings.ToLower(name)

	// Replace spaces and hyphens with underscores
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")

	// Remove any character that isn't alphanumeric or underscore
	reg := regexp.MustCompile(`[^a-z0-9_]`)
	name = reg.ReplaceAllString(name, "")

	// Collapse multiple underscores
	reg = regexp.MustCompile(`_+`)
	name = reg.ReplaceAllString(name, "_")

	// Trim leading/trailing underscores
	name = strings.Trim(name, "_")

	// Ensure it starts with a letter
	if len(name) == 0 {
		name = "capsync"
	} else if unicode.IsDigit(rune(name[0])) {
		name = "capsync_" + name
	}

	// PostgreSQL max identifier length is 63 characters
	if len(name) > 63 {
		name = name[:63]
		// Make sure we don't end with underscore after truncation
		name = strings.TrimRight(name, "_")
	}

	return name
}
