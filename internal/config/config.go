package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCacheDir     = ".studio"
	DefaultOnceTTL      = 2 * time.Minute
	DefaultSessionTTL   = 12 * time.Hour
	DefaultPollInterval = 2 * time.Second
	DefaultAddr         = "127.0.0.1:8765"
)

type Config struct {
	DataDir    string `yaml:"-"`
	DBPath     string `yaml:"-"`
	ConfigPath string `yaml:"-"`

	AllowedRoots []string `yaml:"allowed_roots"`
	DefaultRoot  string   `yaml:"default_root"`
	CacheDir     string   `yaml:"cache_dir"`
	LogLevel     string   `yaml:"log_level"`

	Worker      WorkerConfig      `yaml:"worker"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Server      ServerConfig      `yaml:"server"`
	Queue       QueueConfig       `yaml:"queue"`
}

type WorkerConfig struct {
	// Command is the worker argv prefix; stage and run flags are appended.
	Command []string `yaml:"command"`
}

type PermissionsConfig struct {
	OnceTTL    time.Duration `yaml:"once_ttl"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type QueueConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

func Default() *Config {
	return &Config{
		CacheDir: DefaultCacheDir,
		LogLevel: "info",
		Worker: WorkerConfig{
			Command: []string{"noctune"},
		},
		Permissions: PermissionsConfig{
			OnceTTL:    DefaultOnceTTL,
			SessionTTL: DefaultSessionTTL,
		},
		Server: ServerConfig{Addr: DefaultAddr},
		Queue:  QueueConfig{PollInterval: DefaultPollInterval},
	}
}

// New resolves the data directory from the environment and loads the config
// file from it (or from STUDIO_CONFIG) when present.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("STUDIO_DATA_DIR", filepath.Join(homeDir, ".studio"))
	configPath := getEnv("STUDIO_CONFIG", filepath.Join(dataDir, "config.yaml"))

	return Load(dataDir, configPath)
}

// Load reads configPath over the defaults. A missing file is not an error.
func Load(dataDir, configPath string) (*Config, error) {
	c := Default()
	c.DataDir = dataDir
	c.DBPath = filepath.Join(dataDir, "studio.db")
	c.ConfigPath = configPath

	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", configPath, err)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	if len(c.Worker.Command) == 0 || strings.TrimSpace(c.Worker.Command[0]) == "" {
		return fmt.Errorf("worker.command cannot be empty")
	}
	if c.Permissions.OnceTTL <= 0 || c.Permissions.SessionTTL <= 0 {
		return fmt.Errorf("permission TTLs must be > 0")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be > 0")
	}
	if c.CacheDir == "" || filepath.IsAbs(c.CacheDir) || strings.ContainsRune(c.CacheDir, filepath.Separator) || c.CacheDir == "." || c.CacheDir == ".." {
		return fmt.Errorf("cache_dir must be a single relative directory name")
	}
	for _, root := range c.AllowedRoots {
		if strings.TrimSpace(root) == "" {
			return fmt.Errorf("allowed_roots cannot contain empty entries")
		}
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// ComputedDefaultRoot is the extra allow-list entry: default_root when set,
// otherwise the working directory.
func (c *Config) ComputedDefaultRoot() string {
	if c.DefaultRoot != "" {
		return c.DefaultRoot
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
