// Package config manages node configuration and on-disk layout
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDirName is the name of the config directory
	ConfigDirName = ".lanchat"
	// ConfigFileName is the name of the config file
	ConfigFileName = "config.yaml"
	// EnvFileName is an optional dotenv file next to the config file
	EnvFileName = ".env"
	// HomeEnv overrides the config directory
	HomeEnv = "LANCHAT_HOME"
)

// Default HTTP port range used when HTTP.Port is 0
const (
	DefaultPortRangeStart = 51338
	DefaultPortRangeEnd   = 51388
)

// Config holds the node configuration
type Config struct {
	// Name is the display name announced to peers
	Name string `yaml:"name"`
	// AvatarPath is an image announced as our avatar
	AvatarPath string `yaml:"avatar_path,omitempty"`

	HTTP    HTTPConfig    `yaml:"http"`
	API     APIConfig     `yaml:"api"`
	Network NetworkConfig `yaml:"network"`
	Outbox  OutboxConfig  `yaml:"outbox"`
	History HistoryConfig `yaml:"history"`
	Log     LogConfig     `yaml:"log"`
}

// HTTPConfig controls the attachment and API listener
type HTTPConfig struct {
	// Port 0 picks the first free port in [PortRangeStart, PortRangeEnd]
	Port           int    `yaml:"port"`
	PortRangeStart int    `yaml:"port_range_start"`
	PortRangeEnd   int    `yaml:"port_range_end"`
	BindAddress    string `yaml:"bind_address"`
}

// APIConfig controls the local command gateway
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
}

// NetworkConfig controls the multicast engine and presence
type NetworkConfig struct {
	Group           string        `yaml:"group"`
	Port            int           `yaml:"port"`
	BeaconInterval  time.Duration `yaml:"beacon_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	TypingTTL       time.Duration `yaml:"typing_ttl"`
	TypingThrottle  time.Duration `yaml:"typing_throttle"`
}

// OutboxConfig controls the offline queue
type OutboxConfig struct {
	Limit       int           `yaml:"limit"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// HistoryConfig controls the message log
type HistoryConfig struct {
	MaxMessages   int           `yaml:"max_messages"`
	RetentionCron string        `yaml:"retention_cron"`
	DedupCapacity int           `yaml:"dedup_capacity"`
	DedupTTL      time.Duration `yaml:"dedup_ttl"`
}

// LogConfig controls logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Paths holds commonly used paths
type Paths struct {
	// ConfigDir is ~/.lanchat
	ConfigDir string
	// ConfigFile is ~/.lanchat/config.yaml
	ConfigFile string
	// EnvFile is ~/.lanchat/.env
	EnvFile string
	// PeerIDFile is ~/.lanchat/peer_id
	PeerIDFile string
	// DataDir is ~/.lanchat/data
	DataDir string
	// DBDir is ~/.lanchat/data/db
	DBDir string
	// FilesDir is ~/.lanchat/data/files
	FilesDir string
	// DownloadsDir is ~/.lanchat/downloads
	DownloadsDir string
	// LogsDir is ~/.lanchat/logs
	LogsDir string
}

// GetPaths returns the standard paths, rooted at $LANCHAT_HOME when set
func GetPaths() (*Paths, error) {
	configDir := os.Getenv(HomeEnv)
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ConfigDirName)
	}
	return PathsAt(configDir), nil
}

// PathsAt returns the layout rooted at dir
func PathsAt(dir string) *Paths {
	dataDir := filepath.Join(dir, "data")
	return &Paths{
		ConfigDir:    dir,
		ConfigFile:   filepath.Join(dir, ConfigFileName),
		EnvFile:      filepath.Join(dir, EnvFileName),
		PeerIDFile:   filepath.Join(dir, "peer_id"),
		DataDir:      dataDir,
		DBDir:        filepath.Join(dataDir, "db"),
		FilesDir:     filepath.Join(dataDir, "files"),
		DownloadsDir: filepath.Join(dir, "downloads"),
		LogsDir:      filepath.Join(dir, "logs"),
	}
}

// EnsureDirectories creates all required directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.FilesDir, p.DownloadsDir, p.LogsDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Default returns a new Config with default values
func Default() *Config {
	name, _ := os.Hostname()
	if name == "" {
		name = "lanchat"
	}
	return &Config{
		Name: name,
		HTTP: HTTPConfig{
			PortRangeStart: DefaultPortRangeStart,
			PortRangeEnd:   DefaultPortRangeEnd,
			BindAddress:    "0.0.0.0",
		},
		API: APIConfig{
			Enabled:        true,
			RequestTimeout: 10 * time.Second,
			MaxBodyBytes:   64 * 1024,
			RateLimit:      20,
			RateBurst:      40,
		},
		Network: NetworkConfig{
			Group:           "239.255.77.77",
			Port:            51337,
			BeaconInterval:  2 * time.Second,
			SweepInterval:   time.Second,
			LivenessTimeout: 8 * time.Second,
			TypingTTL:       4 * time.Second,
			TypingThrottle:  500 * time.Millisecond,
		},
		Outbox: OutboxConfig{
			Limit:       200,
			MaxAttempts: 8,
			BaseBackoff: 500 * time.Millisecond,
			MaxBackoff:  30 * time.Second,
		},
		History: HistoryConfig{
			MaxMessages:   500,
			RetentionCron: "@hourly",
			DedupCapacity: 2000,
			DedupTTL:      15 * time.Minute,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the .env file and config file under paths, then applies
// LANCHAT_* environment overrides. A missing config file yields defaults.
func Load(paths *Paths) (*Config, error) {
	if err := godotenv.Load(paths.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", paths.EnvFile, err)
	}

	config := Default()
	data, err := os.ReadFile(paths.ConfigFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LANCHAT_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("LANCHAT_AVATAR"); v != "" {
		c.AvatarPath = v
	}
	if v := os.Getenv("LANCHAT_API_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("LANCHAT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LANCHAT_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LANCHAT_HTTP_PORT %q: %w", v, err)
		}
		c.HTTP.Port = port
	}
	if v := os.Getenv("LANCHAT_API_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LANCHAT_API_ENABLED %q: %w", v, err)
		}
		c.API.Enabled = enabled
	}
	return nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var errs []error
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.Port == 0 && (c.HTTP.PortRangeStart <= 0 || c.HTTP.PortRangeEnd < c.HTTP.PortRangeStart || c.HTTP.PortRangeEnd > 65535) {
		errs = append(errs, fmt.Errorf("http port range %d..%d is invalid", c.HTTP.PortRangeStart, c.HTTP.PortRangeEnd))
	}
	if c.Network.Port <= 0 || c.Network.Port > 65535 {
		errs = append(errs, fmt.Errorf("network.port %d out of range", c.Network.Port))
	}
	if c.API.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("api.max_body_bytes must be positive"))
	}
	if c.History.MaxMessages < 0 {
		errs = append(errs, errors.New("history.max_messages must not be negative"))
	}
	if c.History.RetentionCron != "" && !gronx.New().IsValid(c.History.RetentionCron) {
		errs = append(errs, fmt.Errorf("history.retention_cron %q is not a valid cron expression", c.History.RetentionCron))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// Save writes the configuration to paths.ConfigFile
func (c *Config) Save(paths *Paths) error {
	if err := os.MkdirAll(filepath.Dir(paths.ConfigFile), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(paths.ConfigFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// EnsureToken generates and saves an API token when none is configured.
// It reports whether a new token was created.
func (c *Config) EnsureToken(paths *Paths) (bool, error) {
	if c.API.Token != "" {
		return false, nil
	}
	token, err := GenerateToken()
	if err != nil {
		return false, err
	}
	c.API.Token = token
	return true, c.Save(paths)
}

// GenerateToken returns a random URL-safe API token
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
