// Package config provides configuration loading, validation, and defaults for
// the questsync server and desktop agent. Configuration is a single YAML file;
// values not present fall back to defaults chosen for interactive editing
// workloads.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the change detector.
const (
	DefaultDebounceWindow  = 500 * time.Millisecond
	DefaultMaxContentBytes = 1 << 20 // 1 MiB content attach ceiling
)

// DefaultTextExtensions is the allow-list of extensions whose content is
// attached to change events.
var DefaultTextExtensions = []string{
	".js", ".jsx", ".ts", ".tsx", ".py", ".go", ".rb", ".java", ".c", ".h",
	".cpp", ".cs", ".php", ".rs", ".kt", ".swift", ".html", ".css", ".scss",
	".json", ".yaml", ".yml", ".toml", ".md", ".txt", ".sql", ".sh",
}

// DefaultExcludedDirs are dropped unconditionally before buffering.
var DefaultExcludedDirs = []string{
	".git", "node_modules", "vendor", "dist", "build", "target", "__pycache__",
	".idea", ".vscode",
}

// ServerConfig holds settings for the questsyncd process.
type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	StatusAddr   string `yaml:"status_addr"`
	DatabasePath string `yaml:"database_path"`
	// TokenSecretEnv names the environment variable holding the HMAC secret
	// used to verify identity tokens. The secret itself never lives in the
	// config file.
	TokenSecretEnv string `yaml:"token_secret_env"`
	AuditLogDir    string `yaml:"audit_log_dir"`
}

// WatcherConfig holds change-detector tuning shared by server-side tests and
// the desktop agent.
type WatcherConfig struct {
	DebounceMs      int      `yaml:"debounce_ms"`
	MaxContentBytes int64    `yaml:"max_content_bytes"`
	TextExtensions  []string `yaml:"text_extensions"`
	ExcludeGlobs    []string `yaml:"exclude_globs"`
}

// AgentConfig holds settings for the questsync-agent process.
type AgentConfig struct {
	ServerURL string `yaml:"server_url"`
	ProjectID string `yaml:"project_id"`
	RootPath  string `yaml:"root_path"`
	TokenFile string `yaml:"token_file"`
}

// MetricsConfig holds settings for the Prometheus query service.
type MetricsConfig struct {
	PrometheusURL string `yaml:"prometheus_url"`
}

// Config is the root configuration document.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Watcher WatcherConfig `yaml:"watcher"`
	Agent   AgentConfig   `yaml:"agent"`
	Metrics MetricsConfig `yaml:"metrics"`
}

//nolint:gochecknoglobals // Intentional singleton, set once at startup
var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// LoadConfig reads and validates the YAML config at path and installs it as
// the process-wide configuration. An empty path installs pure defaults.
func LoadConfig(path string) error {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
	return nil
}

// GetConfig returns the installed configuration.
func GetConfig() (*Config, error) {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalConfig == nil {
		return nil, fmt.Errorf("config not loaded: call LoadConfig first")
	}
	return globalConfig, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":8700",
			StatusAddr:     ":8701",
			DatabasePath:   "progress.db",
			TokenSecretEnv: "QUESTSYNC_TOKEN_SECRET",
			AuditLogDir:    "logs/audit",
		},
	}
}

// applyDefaults fills zero values left after unmarshalling a partial file.
func applyDefaults(cfg *Config) {
	if cfg.Watcher.DebounceMs <= 0 {
		cfg.Watcher.DebounceMs = int(DefaultDebounceWindow / time.Millisecond)
	}
	if cfg.Watcher.MaxContentBytes <= 0 {
		cfg.Watcher.MaxContentBytes = DefaultMaxContentBytes
	}
	if len(cfg.Watcher.TextExtensions) == 0 {
		cfg.Watcher.TextExtensions = append([]string{}, DefaultTextExtensions...)
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8700"
	}
	if cfg.Server.StatusAddr == "" {
		cfg.Server.StatusAddr = ":8701"
	}
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = "progress.db"
	}
	if cfg.Server.TokenSecretEnv == "" {
		cfg.Server.TokenSecretEnv = "QUESTSYNC_TOKEN_SECRET"
	}
}

func validate(cfg *Config) error {
	if cfg.Watcher.DebounceMs > 60_000 {
		return fmt.Errorf("watcher.debounce_ms %d exceeds 60s ceiling", cfg.Watcher.DebounceMs)
	}
	if cfg.Watcher.MaxContentBytes > 64<<20 {
		return fmt.Errorf("watcher.max_content_bytes %d exceeds 64 MiB ceiling", cfg.Watcher.MaxContentBytes)
	}
	if cfg.Agent.ServerURL != "" && cfg.Agent.ProjectID == "" {
		return fmt.Errorf("agent.project_id is required when agent.server_url is set")
	}
	return nil
}

// DebounceWindow returns the watcher debounce duration.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Watcher.DebounceMs) * time.Millisecond
}

// TokenSecret resolves the identity-token HMAC secret from the environment.
func (c *Config) TokenSecret() ([]byte, error) {
	secret := os.Getenv(c.Server.TokenSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("token secret not set: export %s", c.Server.TokenSecretEnv)
	}
	return []byte(secret), nil
}

// Reset clears the installed configuration. Tests only.
func Reset() {
	configMu.Lock()
	globalConfig = nil
	configMu.Unlock()
}
