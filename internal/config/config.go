package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the root configuration for wxhelper.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Server    ServerConfig    `json:"server"`
	Backend   BackendConfig   `json:"backend"`
	Session   SessionConfig   `json:"session"`
	Updates   UpdatesConfig   `json:"updates"`
	Webhook   WebhookConfig   `json:"webhook"`
	Files     FilesConfig     `json:"files"`
	Store     StoreConfig     `json:"store"`
	Commands  CommandsConfig  `json:"commands"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Mirror    MirrorConfig    `json:"mirror"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir" env:"WXHELPER_DATA_DIR"`
	LogLevel  string `json:"logLevel" env:"WXHELPER_LOG_LEVEL"`
	LogFormat string `json:"logFormat" env:"WXHELPER_LOG_FORMAT"` // "text" | "json"
	LogFile   string `json:"logFile,omitempty" env:"WXHELPER_LOG_FILE"`
}

type ServerConfig struct {
	Host string `json:"host" env:"WXHELPER_HOST"`
	Port int    `json:"port" env:"WXHELPER_PORT"`
	// BotToken is the token clients put in /bot{token}/ URLs.
	BotToken string `json:"botToken" env:"WXHELPER_BOT_TOKEN"`
	// AdminToken guards the management routes. Empty disables them.
	AdminToken string `json:"adminToken,omitempty" env:"WXHELPER_ADMIN_TOKEN"`
	BotName    string `json:"botName"`
	BotUser    string `json:"botUsername"`
}

type BackendConfig struct {
	Kind       string `json:"kind" env:"WXHELPER_BACKEND"` // "browser" | "loopback"
	URL        string `json:"url,omitempty"`
	ProfileDir string `json:"profileDir,omitempty" env:"WXHELPER_PROFILE_DIR"`
	Headless   bool   `json:"headless" env:"WXHELPER_HEADLESS"`
	// Echo makes the loopback backend reflect sent text back as inbound messages.
	Echo bool `json:"echo,omitempty"`
}

type SessionConfig struct {
	HeartbeatSeconds      int `json:"heartbeatSeconds"`
	ReconnectDelaySeconds int `json:"reconnectDelaySeconds"`
	MaxReconnectAttempts  int `json:"maxReconnectAttempts"`
	ChallengeTTLSeconds   int `json:"challengeTTLSeconds"`
	SendTimeoutSeconds    int `json:"sendTimeoutSeconds"`
	SaveIntervalSeconds   int `json:"saveIntervalSeconds"`
}

type UpdatesConfig struct {
	MaxRetained          int  `json:"maxRetained"`
	MaxAgeHours          int  `json:"maxAgeHours"`
	PollerTTLMinutes     int  `json:"pollerTTLMinutes"`
	MaxPollTimeout       int  `json:"maxPollTimeout"`
	PreloadCount         int  `json:"preloadCount"`
	DeliverSystemNotices bool `json:"deliverSystemNotices"`
}

type WebhookConfig struct {
	TimeoutSeconds int    `json:"timeoutSeconds"`
	SigningSecret  string `json:"signingSecret,omitempty" env:"WXHELPER_WEBHOOK_SIGNING_SECRET"`
}

type FilesConfig struct {
	Backend       string   `json:"backend" env:"WXHELPER_FILES_BACKEND"` // "local" | "s3"
	Dir           string   `json:"dir"`
	RetentionDays int      `json:"retentionDays"`
	MaxUploadMB   int      `json:"maxUploadMB"`
	S3            S3Config `json:"s3"`
}

type S3Config struct {
	Bucket    string `json:"bucket" env:"WXHELPER_S3_BUCKET"`
	Region    string `json:"region" env:"WXHELPER_S3_REGION"`
	Endpoint  string `json:"endpoint,omitempty" env:"WXHELPER_S3_ENDPOINT"`
	Prefix    string `json:"prefix,omitempty"`
	AccessKey string `json:"accessKey,omitempty" env:"WXHELPER_S3_ACCESS_KEY"`
	SecretKey string `json:"secretKey,omitempty" env:"WXHELPER_S3_SECRET_KEY"`
	PathStyle bool   `json:"pathStyle,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath" env:"WXHELPER_DB_PATH"`
}

type CommandsConfig struct {
	Prefixes       []string `json:"prefixes"`
	Concurrency    int      `json:"concurrency"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	PacksDir       string   `json:"packsDir"`
	// HTTPAllow lists hosts /httpget may reach. Empty disables the command.
	HTTPAllow []string `json:"httpAllow,omitempty"`
	// ChatURL receives plain (non-command) text while chat mode is on; its
	// answer is sent back as a reply.
	ChatURL  string `json:"chatURL,omitempty" env:"WXHELPER_CHAT_URL"`
	ChatMode bool   `json:"chatMode" env:"WXHELPER_CHAT_MODE"`
}

type SchedulerConfig struct {
	Enabled     bool `json:"enabled"`
	TickSeconds int  `json:"tickSeconds"`
}

type MirrorConfig struct {
	Enabled        bool     `json:"enabled" env:"WXHELPER_MIRROR_ENABLED"`
	URL            string   `json:"url,omitempty" env:"WXHELPER_AMQP_URL"`
	Queue          string   `json:"queue"`
	AllowedUpdates []string `json:"allowedUpdates,omitempty"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// Seconds converts a config seconds field.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// DefaultConfigDir returns the default config directory (~/.wxhelper).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wxhelper"
	}
	return filepath.Join(home, ".wxhelper")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config file, applies .env and environment overrides, and
// validates the result. A .env next to the config file (or in the working
// directory) is loaded first; variables already set win.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.resolvePaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadDefaults is Load without a config file: defaults plus .env and
// environment overrides.
func LoadDefaults() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg := Defaults()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.resolvePaths()
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// resolvePaths expands ~ and places relative data paths under general.dataDir.
func (c *Config) resolvePaths() {
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	under := func(p string) string {
		p = ExpandPath(p)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.General.DataDir, p)
	}
	c.Store.DBPath = under(c.Store.DBPath)
	c.Files.Dir = under(c.Files.Dir)
	c.Commands.PacksDir = under(c.Commands.PacksDir)
	c.Backend.ProfileDir = under(c.Backend.ProfileDir)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset VAR
// without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""
		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be text or json")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if strings.ContainsAny(cfg.Server.BotToken, "/ ") {
		errs = append(errs, "server.botToken must not contain '/' or spaces")
	}

	switch cfg.Backend.Kind {
	case "browser", "loopback":
	default:
		errs = append(errs, "backend.kind must be browser or loopback")
	}

	if cfg.Session.HeartbeatSeconds < 1 {
		errs = append(errs, "session.heartbeatSeconds must be >= 1")
	}
	if cfg.Session.MaxReconnectAttempts < 1 {
		errs = append(errs, "session.maxReconnectAttempts must be >= 1")
	}
	if cfg.Session.ReconnectDelaySeconds < 0 {
		errs = append(errs, "session.reconnectDelaySeconds must be >= 0")
	}

	if cfg.Updates.MaxRetained < 1 {
		errs = append(errs, "updates.maxRetained must be >= 1")
	}
	if cfg.Updates.MaxPollTimeout < 0 || cfg.Updates.MaxPollTimeout > 300 {
		errs = append(errs, "updates.maxPollTimeout must be between 0 and 300")
	}

	switch cfg.Files.Backend {
	case "local":
	case "s3":
		if cfg.Files.S3.Bucket == "" {
			errs = append(errs, "files.s3.bucket is required for the s3 backend")
		}
	default:
		errs = append(errs, "files.backend must be local or s3")
	}
	if cfg.Files.RetentionDays < 0 {
		errs = append(errs, "files.retentionDays must be >= 0")
	}

	if cfg.Commands.Concurrency < 1 || cfg.Commands.Concurrency > 100 {
		errs = append(errs, "commands.concurrency must be between 1 and 100")
	}
	for _, p := range cfg.Commands.Prefixes {
		if p == "" || strings.ContainsAny(p, " \t\n") {
			errs = append(errs, fmt.Sprintf("commands.prefixes: invalid prefix %q", p))
		}
	}

	if u := cfg.Commands.ChatURL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		errs = append(errs, "commands.chatURL must be an http(s) URL")
	}

	if cfg.Mirror.Enabled && cfg.Mirror.URL == "" {
		errs = append(errs, "mirror.url is required when the mirror is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
