package orchestrator

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/socialpilot/shield"
)

// Browser modes.
const (
	BrowserLocal  = "local"
	BrowserRemote = "remote"
)

// Config holds the whole service configuration. Environment variables
// override the YAML file.
type Config struct {
	Port         string `yaml:"port"`
	DBPath       string `yaml:"db_path"`
	ArtifactsDir string `yaml:"artifacts_dir"`

	JWTSecret     string `yaml:"jwt_secret"`
	RefreshPepper string `yaml:"refresh_pepper"`
	CredentialKey string `yaml:"credential_key"`

	Auth        AuthConfig        `yaml:"auth"`
	Browser     BrowserConfig     `yaml:"browser"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Login       LoginConfig       `yaml:"login"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Admin       AdminConfig       `yaml:"admin"`
	Log         LogConfig         `yaml:"log"`

	// RateLimits replaces shield.DefaultRules when set.
	RateLimits map[string]shield.RateLimitRule `yaml:"rate_limits"`
}

// AuthConfig controls token lifetimes.
type AuthConfig struct {
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// BrowserConfig selects the automation backend.
type BrowserConfig struct {
	// Mode is local (Chrome driven in process) or remote (a browser node).
	Mode      string `yaml:"mode"`
	NodeURL   string `yaml:"node_url"`
	NodeToken string `yaml:"node_token"`
	// ChromeRemoteURL attaches the local mode to an external Chrome.
	ChromeRemoteURL string `yaml:"chrome_remote_url"`
	Headless        bool   `yaml:"headless"`
	Display         string `yaml:"display"`
	RemoteViewURL   string `yaml:"remote_view_url"`
}

// SchedulerConfig controls the schedule poller.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Batch    int           `yaml:"batch"`
}

// ExecutorConfig controls the account run workers.
type ExecutorConfig struct {
	Workers     int           `yaml:"workers"`
	Visibility  time.Duration `yaml:"visibility"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	// MaxDeliveries fails an account run whose job was claimed and lost
	// this many times. Deferrals do not count.
	MaxDeliveries int `yaml:"max_deliveries"`
}

// LoginConfig controls login sessions.
type LoginConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	AutoCapture  bool          `yaml:"auto_capture"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MaintenanceConfig controls the retention loop.
type MaintenanceConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// AdminConfig seeds the first admin when no admin exists.
type AdminConfig struct {
	Email     string `yaml:"email"`
	Password  string `yaml:"password"`
	Workspace string `yaml:"workspace"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Config) defaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.DBPath == "" {
		c.DBPath = "data/socialpilot.db"
	}
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = "data/artifacts"
	}
	if c.Auth.AccessTTL <= 0 {
		c.Auth.AccessTTL = 30 * time.Minute
	}
	if c.Auth.RefreshTTL <= 0 {
		c.Auth.RefreshTTL = 14 * 24 * time.Hour
	}
	if c.Browser.Mode == "" {
		c.Browser.Mode = BrowserLocal
	}
	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = 30 * time.Second
	}
	if c.Executor.Workers <= 0 {
		c.Executor.Workers = 4
	}
	if c.Executor.Visibility <= 0 {
		c.Executor.Visibility = 5 * time.Minute
	}
	if c.Executor.LeaseTTL <= 0 {
		c.Executor.LeaseTTL = 2 * time.Minute
	}
	if c.Executor.MaxAttempts <= 0 {
		c.Executor.MaxAttempts = 3
	}
	if c.Executor.BaseBackoff <= 0 {
		c.Executor.BaseBackoff = 2 * time.Second
	}
	if c.Executor.MaxDeliveries <= 0 {
		c.Executor.MaxDeliveries = 5
	}
	if c.Login.TTL <= 0 {
		c.Login.TTL = 30 * time.Minute
	}
	if c.Login.PollInterval <= 0 {
		c.Login.PollInterval = 3 * time.Second
	}
	if c.Maintenance.Interval <= 0 {
		c.Maintenance.Interval = 24 * time.Hour
	}
	if c.Admin.Workspace == "" {
		c.Admin.Workspace = "default"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if len(c.RateLimits) == 0 {
		c.RateLimits = shield.DefaultRules()
	}
}

// LoadConfig reads the optional YAML file at path, applies the environment
// and fills defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("orchestrator: parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.defaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Port = env("PORT", c.Port)
	c.DBPath = env("DB_PATH", c.DBPath)
	c.ArtifactsDir = env("ARTIFACTS_DIR", c.ArtifactsDir)
	c.JWTSecret = env("JWT_SECRET", c.JWTSecret)
	c.RefreshPepper = env("REFRESH_PEPPER", c.RefreshPepper)
	c.CredentialKey = env("CREDENTIAL_KEY", c.CredentialKey)
	c.Browser.Mode = strings.ToLower(env("BROWSER_MODE", c.Browser.Mode))
	c.Browser.NodeURL = env("BROWSER_NODE_URL", c.Browser.NodeURL)
	c.Browser.NodeToken = env("BROWSER_NODE_TOKEN", c.Browser.NodeToken)
	c.Browser.ChromeRemoteURL = env("CHROME_REMOTE_URL", c.Browser.ChromeRemoteURL)
	c.Browser.Display = env("BROWSER_DISPLAY", c.Browser.Display)
	c.Browser.RemoteViewURL = env("BROWSER_REMOTE_VIEW_URL", c.Browser.RemoteViewURL)
	c.Admin.Email = env("ADMIN_EMAIL", c.Admin.Email)
	c.Admin.Password = env("ADMIN_PASSWORD", c.Admin.Password)
	c.Log.Level = env("LOG_LEVEL", c.Log.Level)
	c.Log.Format = env("LOG_FORMAT", c.Log.Format)

	var err error
	if c.Browser.Headless, err = envBool("BROWSER_HEADLESS", c.Browser.Headless); err != nil {
		return err
	}
	if c.Login.AutoCapture, err = envBool("LOGIN_AUTO_CAPTURE", c.Login.AutoCapture); err != nil {
		return err
	}
	if c.Scheduler.Interval, err = envDuration("SCHEDULER_INTERVAL", c.Scheduler.Interval); err != nil {
		return err
	}
	if c.Executor.Workers, err = envInt("EXECUTOR_WORKERS", c.Executor.Workers); err != nil {
		return err
	}
	return nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.RefreshPepper == "" {
		errs = append(errs, errors.New("REFRESH_PEPPER is required"))
	}
	if c.CredentialKey == "" {
		errs = append(errs, errors.New("CREDENTIAL_KEY is required"))
	}
	switch c.Browser.Mode {
	case BrowserLocal:
	case BrowserRemote:
		if c.Browser.NodeURL == "" || c.Browser.NodeToken == "" {
			errs = append(errs, errors.New("BROWSER_NODE_URL and BROWSER_NODE_TOKEN are required in remote mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BROWSER_MODE %q", c.Browser.Mode))
	}
	return errors.Join(errs...)
}

// JWTKey derives the 32-byte signing key from JWTSecret with SHA-256, so
// any passphrase satisfies horosafe.MinSecretLen.
func (c *Config) JWTKey() []byte {
	sum := sha256.Sum256([]byte(c.JWTSecret))
	return sum[:]
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("orchestrator: %s: %w", key, err)
	}
	return b, nil
}

// envDuration accepts Go durations ("45s") or a bare number of seconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: %s: %w", key, err)
	}
	return d, nil
}
