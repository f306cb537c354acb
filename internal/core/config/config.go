// Package config reads and writes the downaria config file at
// ~/.config/downaria/config.yml (APPDATA on Windows).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ConfigFileName = "config.yml"
	AppDirName     = "downaria"
)

// ConfigDir returns the standard config directory.
// Windows: %APPDATA%\downaria\
// macOS/Linux: ~/.config/downaria/
func ConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppDirName), nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", AppDirName), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

type Config struct {
	// Default output directory for downloads
	OutputDir string `yaml:"output_dir,omitempty"`

	// Default quality preference ("best", "1080p", "720p", "audio")
	Quality string `yaml:"quality,omitempty"`

	// HD asks platforms for their no-watermark / HD variants where the
	// platform API distinguishes (TikTok)
	HD bool `yaml:"hd,omitempty"`

	// AllowGaps switches HLS downloads to best-effort segment assembly
	AllowGaps bool `yaml:"allow_gaps,omitempty"`

	// Cookies holds per-platform cookie strings for content that needs a
	// logged-in session (Instagram stories, Weibo, private Facebook posts)
	Cookies map[string]string `yaml:"cookies,omitempty"`

	// Twitter/X auth, kept separate because it is a single token rather
	// than a full cookie string
	Twitter TwitterConfig `yaml:"twitter,omitempty"`

	// CobaltURL overrides the Douyin delegate endpoint
	CobaltURL string `yaml:"cobalt_url,omitempty"`

	// CacheTTL overrides the per-platform scrape cache lifetimes,
	// e.g. {youtube: 24h, instagram: 2h}
	CacheTTL map[string]time.Duration `yaml:"cache_ttl,omitempty"`

	// Server configuration for `downaria serve`
	Server ServerConfig `yaml:"server,omitempty"`
}

// TwitterConfig holds Twitter/X authentication settings.
type TwitterConfig struct {
	// AuthToken is the auth_token cookie value from a logged-in browser
	// session (needed for NSFW/age-gated tweets)
	AuthToken string `yaml:"auth_token,omitempty"`
}

// ServerConfig holds HTTP server settings for `downaria serve`.
type ServerConfig struct {
	// Port is the HTTP listen port (default: 8080)
	Port int `yaml:"port,omitempty"`

	// MaxConcurrent is the max number of concurrent download jobs (default: 10)
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`

	// APIKey, when set, requires every request to carry it in X-API-Key
	APIKey string `yaml:"api_key,omitempty"`
}

// CookieFor returns the configured cookie for a platform. Twitter's
// auth_token is folded into cookie form here so callers only deal with
// cookie strings.
func (c *Config) CookieFor(platform string) string {
	if platform == "twitter" && c.Twitter.AuthToken != "" {
		return "auth_token=" + c.Twitter.AuthToken
	}
	if c.Cookies == nil {
		return ""
	}
	return c.Cookies[platform]
}

// SetCookie stores a platform cookie.
func (c *Config) SetCookie(platform, cookie string) {
	if c.Cookies == nil {
		c.Cookies = make(map[string]string)
	}
	c.Cookies[platform] = cookie
}

// DefaultDownloadDir returns the default download directory.
func DefaultDownloadDir() string {
	if IsRunningInDocker() {
		return "/home/downaria/downloads"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./downloads"
	}
	switch runtime.GOOS {
	case "darwin", "windows":
		return filepath.Join(home, "Downloads", AppDirName)
	default:
		return filepath.Join(home, "downloads")
	}
}

// IsRunningInDocker detects a container environment.
func IsRunningInDocker() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		if strings.Contains(content, "docker") || strings.Contains(content, "containerd") {
			return true
		}
	}
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OutputDir: DefaultDownloadDir(),
		Quality:   "best",
	}
}

// Exists checks if the config file exists.
func Exists() bool {
	path, err := ConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Load reads the config file.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.OutputDir = expandPath(cfg.OutputDir)
	return cfg, nil
}

// expandPath expands a leading tilde to the user's home directory. Both
// slash styles are accepted so configs copied between platforms keep
// working.
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~") {
		if len(path) == 1 || path[1] == '/' || path[1] == '\\' {
			home, err := os.UserHomeDir()
			if err == nil {
				subPath := path[1:]
				if len(subPath) > 0 && (subPath[0] == '/' || subPath[0] == '\\') {
					subPath = subPath[1:]
				}
				return filepath.Join(home, subPath)
			}
		}
	}
	return path
}

// Save writes the config file, creating the directory as needed.
func Save(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	configPath, err := ConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	header := "# downaria configuration file\n# Run 'downaria init' to regenerate with defaults\n\n"
	return os.WriteFile(configPath, []byte(header+string(data)), 0o644)
}

// Init creates a new config.yml with default values.
func Init() error {
	if Exists() {
		path, _ := ConfigPath()
		return fmt.Errorf("%s already exists", path)
	}
	return Save(DefaultConfig())
}

// LoadOrDefault loads config if it exists, otherwise returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = DefaultConfig()
	}
	return cfg
}
