// Package config loads the matan-ntfy configuration: yaml file with
// code-side defaults and MATAN_NTFY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultBaseURL is the ntfy-style server events are published to and
	// subscribed from.
	DefaultBaseURL = "https://ntfy.sh"

	// Default topic names for the three event channels.
	DefaultStartTopic = "mshtep-start-ml-runs"
	DefaultMainTopic  = "mshtep-ml-runs"
	DefaultURLTopic   = "mshtep-url-ml-runs"

	// DefaultURLPattern extracts the experiment-tracking URL from run
	// output; the first capture group is the URL itself.
	DefaultURLPattern = `wandb:.*?(https://wandb\.ai/\S+)`

	// DefaultRefreshInterval is how often the dashboard re-renders.
	DefaultRefreshInterval = 3 * time.Second

	// DefaultCategoryLimit is how many runs each category displays.
	DefaultCategoryLimit = 6

	// DefaultReconnectDelay is the fixed listener reconnect backoff.
	DefaultReconnectDelay = 5 * time.Second

	// Defaults for the embedded feed server.
	DefaultFeedListen        = ":8090"
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultPublishLimit      = 60
)

// DefaultTriggers are the output phrases every launch watches for.
var DefaultTriggers = []string{
	"Ray debugger is listening",
	"CUDA out of memory",
}

// Config is the root configuration for matan-ntfy.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Topics    TopicsConfig    `yaml:"topics" mapstructure:"topics"`
	Launcher  LauncherConfig  `yaml:"launcher" mapstructure:"launcher"`
	Dashboard DashboardConfig `yaml:"dashboard" mapstructure:"dashboard"`
	Feed      FeedConfig      `yaml:"feed" mapstructure:"feed"`
}

// ServerConfig points launcher and dashboard at the event server.
type ServerConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// TopicsConfig names the three event channels.
type TopicsConfig struct {
	Start string `yaml:"start" mapstructure:"start"`
	Main  string `yaml:"main" mapstructure:"main"`
	URL   string `yaml:"url" mapstructure:"url"`
}

// LauncherConfig contains launch-side settings.
type LauncherConfig struct {
	Triggers   []string `yaml:"triggers" mapstructure:"triggers"`
	URLPattern string   `yaml:"url_pattern" mapstructure:"url_pattern"`
	LogDir     string   `yaml:"log_dir" mapstructure:"log_dir"`
}

// DashboardConfig contains dashboard-side settings.
type DashboardConfig struct {
	StateFile       string        `yaml:"state_file" mapstructure:"state_file"`
	LogFile         string        `yaml:"log_file" mapstructure:"log_file"`
	RefreshInterval time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval"`
	CategoryLimit   int           `yaml:"category_limit" mapstructure:"category_limit"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay" mapstructure:"reconnect_delay"`
}

// FeedConfig contains settings for the embedded feed server.
type FeedConfig struct {
	Listen             string        `yaml:"listen" mapstructure:"listen"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval" mapstructure:"keepalive_interval"`
	PublishLimitPerMin int           `yaml:"publish_limit_per_minute" mapstructure:"publish_limit_per_minute"`
}

// Dir returns the directory holding the config file, snapshot, and logs.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".matan-ntfy"
	}

	return filepath.Join(home, ".matan-ntfy")
}

// File returns the default config file path.
func File() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads the configuration from path, or from the default location when
// path is empty. A missing default file yields the built-in defaults; a
// missing explicit path is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(Dir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("MATAN_NTFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.expandPaths()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", DefaultBaseURL)
	v.SetDefault("topics.start", DefaultStartTopic)
	v.SetDefault("topics.main", DefaultMainTopic)
	v.SetDefault("topics.url", DefaultURLTopic)
	v.SetDefault("launcher.triggers", DefaultTriggers)
	v.SetDefault("launcher.url_pattern", DefaultURLPattern)
	v.SetDefault("launcher.log_dir", filepath.Join(Dir(), "logs"))
	v.SetDefault("dashboard.state_file", filepath.Join(Dir(), "dashboard.json"))
	v.SetDefault("dashboard.log_file", filepath.Join(Dir(), "dashboard.log"))
	v.SetDefault("dashboard.refresh_interval", DefaultRefreshInterval)
	v.SetDefault("dashboard.category_limit", DefaultCategoryLimit)
	v.SetDefault("dashboard.reconnect_delay", DefaultReconnectDelay)
	v.SetDefault("feed.listen", DefaultFeedListen)
	v.SetDefault("feed.keepalive_interval", DefaultKeepaliveInterval)
	v.SetDefault("feed.publish_limit_per_minute", DefaultPublishLimit)
}

func (c *Config) expandPaths() {
	c.Launcher.LogDir = expandHome(c.Launcher.LogDir)
	c.Dashboard.StateFile = expandHome(c.Dashboard.StateFile)
	c.Dashboard.LogFile = expandHome(c.Dashboard.LogFile)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	topics := []struct {
		key   string
		value string
	}{
		{"topics.start", c.Topics.Start},
		{"topics.main", c.Topics.Main},
		{"topics.url", c.Topics.URL},
	}

	seen := make(map[string]string, len(topics))

	for _, topic := range topics {
		if topic.value == "" {
			return fmt.Errorf("%s is required", topic.key)
		}

		if other, exists := seen[topic.value]; exists {
			return fmt.Errorf("%s and %s must name distinct topics", other, topic.key)
		}

		seen[topic.value] = topic.key
	}

	if c.Launcher.URLPattern != "" {
		if _, err := regexp.Compile(c.Launcher.URLPattern); err != nil {
			return fmt.Errorf("launcher.url_pattern: %w", err)
		}
	}

	if c.Launcher.LogDir == "" {
		return fmt.Errorf("launcher.log_dir is required")
	}

	if c.Dashboard.StateFile == "" {
		return fmt.Errorf("dashboard.state_file is required")
	}

	if c.Dashboard.RefreshInterval <= 0 {
		return fmt.Errorf("dashboard.refresh_interval must be positive")
	}

	if c.Dashboard.CategoryLimit <= 0 {
		return fmt.Errorf("dashboard.category_limit must be positive")
	}

	if c.Dashboard.ReconnectDelay <= 0 {
		return fmt.Errorf("dashboard.reconnect_delay must be positive")
	}

	if c.Feed.Listen == "" {
		return fmt.Errorf("feed.listen is required")
	}

	if c.Feed.KeepaliveInterval <= 0 {
		return fmt.Errorf("feed.keepalive_interval must be positive")
	}

	if c.Feed.PublishLimitPerMin <= 0 {
		return fmt.Errorf("feed.publish_limit_per_minute must be positive")
	}

	return nil
}

// URLRegexp compiles the launcher's side-channel URL pattern. An empty
// pattern disables URL detection.
func (c *Config) URLRegexp() (*regexp.Regexp, error) {
	if c.Launcher.URLPattern == "" {
		return nil, nil
	}

	re, err := regexp.Compile(c.Launcher.URLPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling url pattern: %w", err)
	}

	return re, nil
}

// Dump renders the configuration as yaml, for `config show` and for writing
// a starter config file.
func (c *Config) Dump() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	return data, nil
}
