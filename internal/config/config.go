// Package config loads Panther's application settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"panther/internal/models"
)

const (
	// DefaultPort is the HTTP port when neither settings nor environment pick one.
	DefaultPort = 3001
	// PortEnv overrides server.port.
	PortEnv = "PANTHER_HTTP_PORT"
	// PassphraseEnv carries the master passphrase for encrypted storage.
	PassphraseEnv = "PANTHER_MASTER_PASSPHRASE"

	EncryptionNone       = "none"
	EncryptionPassphrase = "passphrase"

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"

	appDirName = "panther"
	dbFileName = "panther.db"
)

// AppSettings is the parsed settings file.
type AppSettings struct {
	Server                 ServerConfig             `yaml:"server" toml:"server" json:"server"`
	Storage                StorageConfig            `yaml:"storage" toml:"storage" json:"storage"`
	Executor               ExecutorConfig           `yaml:"executor" toml:"executor" json:"executor"`
	Cache                  CacheConfig              `yaml:"cache" toml:"cache" json:"cache"`
	Training               TrainingConfig           `yaml:"training" toml:"training" json:"training"`
	AutoTraining           AutoTrainingConfig       `yaml:"auto_training" toml:"auto_training" json:"auto_training"`
	Retrieval              RetrievalConfig          `yaml:"retrieval" toml:"retrieval" json:"retrieval"`
	Providers              []models.ProviderAccount `yaml:"providers" toml:"providers" json:"providers"`
	GlobalSystemPromptFile string                   `yaml:"global_system_prompt_file" toml:"global_system_prompt_file" json:"global_system_prompt_file,omitempty"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port               int     `yaml:"port" toml:"port" json:"port"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second" toml:"rate_limit_per_second" json:"rate_limit_per_second"`
	RateBurst          int     `yaml:"rate_burst" toml:"rate_burst" json:"rate_burst"`
}

// StorageConfig locates the database and selects at-rest encryption.
type StorageConfig struct {
	Path       string `yaml:"path" toml:"path" json:"path"`
	Encryption string `yaml:"encryption" toml:"encryption" json:"encryption"`
}

// ExecutorConfig bounds provider calls.
type ExecutorConfig struct {
	TimeoutSeconds           int `yaml:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds"`
	ValidationTimeoutSeconds int `yaml:"validation_timeout_seconds" toml:"validation_timeout_seconds" json:"validation_timeout_seconds"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Backend    string `yaml:"backend" toml:"backend" json:"backend"`
	TTLSeconds int    `yaml:"ttl_seconds" toml:"ttl_seconds" json:"ttl_seconds"`
	MaxEntries int    `yaml:"max_entries" toml:"max_entries" json:"max_entries"`
	RedisURL   string `yaml:"redis_url" toml:"redis_url" json:"redis_url,omitempty"`
}

// TrainingConfig is carried for the desktop shell; the router does not act on it.
type TrainingConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	DatasetDir  string `yaml:"dataset_dir" toml:"dataset_dir" json:"dataset_dir,omitempty"`
	MaxExamples int    `yaml:"max_examples" toml:"max_examples" json:"max_examples"`
}

// AutoTrainingConfig is carried for the desktop shell; the router does not act on it.
type AutoTrainingConfig struct {
	Enabled         bool `yaml:"enabled" toml:"enabled" json:"enabled"`
	IntervalMinutes int  `yaml:"interval_minutes" toml:"interval_minutes" json:"interval_minutes"`
	MinNewExamples  int  `yaml:"min_new_examples" toml:"min_new_examples" json:"min_new_examples"`
}

// RetrievalConfig sizes project-context retrieval.
type RetrievalConfig struct {
	K int `yaml:"k" toml:"k" json:"k"`
}

// Default returns settings with every default applied.
func Default() AppSettings {
	var s AppSettings
	s.applyDefaults()
	return s
}

func (s *AppSettings) applyDefaults() {
	if s.Server.Port == 0 {
		s.Server.Port = DefaultPort
	}
	if s.Server.RateLimitPerSecond == 0 {
		s.Server.RateLimitPerSecond = 5
	}
	if s.Server.RateBurst == 0 {
		s.Server.RateBurst = 10
	}
	if s.Storage.Encryption == "" {
		s.Storage.Encryption = EncryptionNone
	}
	if s.Executor.TimeoutSeconds == 0 {
		s.Executor.TimeoutSeconds = 120
	}
	if s.Executor.ValidationTimeoutSeconds == 0 {
		s.Executor.ValidationTimeoutSeconds = 5
	}
	if s.Cache.Backend == "" {
		s.Cache.Backend = CacheBackendMemory
	}
	if s.Cache.TTLSeconds == 0 {
		s.Cache.TTLSeconds = 600
	}
	if s.Cache.MaxEntries == 0 {
		s.Cache.MaxEntries = 256
	}
	if s.Retrieval.K == 0 {
		s.Retrieval.K = 8
	}
}

// applyEnv lets the environment override the listener port.
func (s *AppSettings) applyEnv() error {
	raw := strings.TrimSpace(os.Getenv(PortEnv))
	if raw == "" {
		return nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s must be a number, got %q", PortEnv, raw)
	}
	s.Server.Port = port
	return nil
}

// Validate performs strict sanity checks on the settings.
func (s AppSettings) Validate() error {
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", s.Server.Port)
	}
	if s.Server.RateLimitPerSecond < 0 || s.Server.RateBurst < 0 {
		return errors.New("server rate limits must not be negative")
	}
	switch s.Storage.Encryption {
	case EncryptionNone, EncryptionPassphrase:
	default:
		return fmt.Errorf("storage.encryption %q must be one of %q or %q", s.Storage.Encryption, EncryptionNone, EncryptionPassphrase)
	}
	if s.Executor.TimeoutSeconds < 0 || s.Executor.ValidationTimeoutSeconds < 0 {
		return errors.New("executor timeouts must not be negative")
	}
	switch s.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if s.Cache.Enabled && strings.TrimSpace(s.Cache.RedisURL) == "" {
			return errors.New("cache.redis_url must be provided for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend %q must be one of %q or %q", s.Cache.Backend, CacheBackendMemory, CacheBackendRedis)
	}
	if s.Retrieval.K < 0 {
		return fmt.Errorf("retrieval.k must not be negative, got %d", s.Retrieval.K)
	}

	seen := make(map[string]bool, len(s.Providers))
	for _, p := range s.Providers {
		if err := validateProvider(p); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

func validateProvider(p models.ProviderAccount) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("provider id must not be empty")
	}
	if !p.ProviderType.Valid() {
		return fmt.Errorf("provider %s: provider_type %q is not supported", p.ID, p.ProviderType)
	}
	headers, _ := p.ProviderMetadata["headers"].(map[string]any)
	for headerKey := range headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", p.ID, headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}

// LoadEnv loads a .env file into the process environment. A missing file
// is not an error; existing variables are never overridden.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// DataDir is the per-user application directory.
func DataDir() (string, error) {
	base := os.Getenv("HOME")
	if runtime.GOOS == "windows" {
		base = os.Getenv("APPDATA")
	}
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate data directory: %w", err)
		}
		base = home
	}
	return filepath.Join(base, appDirName), nil
}

// DatabasePath returns storage.path or the default location in DataDir.
func (s AppSettings) DatabasePath() (string, error) {
	if s.Storage.Path != "" {
		return s.Storage.Path, nil
	}
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, dbFileName), nil
}

// WorkspaceRoot resolves relative settings paths: the parent of an
// enclosing src directory, else wd itself.
func WorkspaceRoot(wd string) string {
	for dir := filepath.Clean(wd); ; {
		if filepath.Base(dir) == "src" {
			return filepath.Dir(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.Clean(wd)
		}
		dir = parent
	}
}

// Gateway owns the settings file and the last successfully loaded settings.
type Gateway struct {
	path    string
	workDir string

	mu      sync.RWMutex
	current AppSettings
}

// NewGateway returns a gateway for the settings file at path. An empty
// path means defaults only.
func NewGateway(path string) *Gateway {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return &Gateway{path: path, workDir: wd, current: Default()}
}

// Path returns the settings file location.
func (g *Gateway) Path() string { return g.path }

// Current returns the last loaded settings.
func (g *Gateway) Current() AppSettings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

// Load reads and validates the settings file. YAML and TOML are chosen by
// extension.
func (g *Gateway) Load() (AppSettings, error) {
	var s AppSettings
	if g.path != "" {
		absPath, err := filepath.Abs(g.path)
		if err != nil {
			return AppSettings{}, fmt.Errorf("resolve config path: %w", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return AppSettings{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}
		if err := decode(absPath, data, &s); err != nil {
			return AppSettings{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	s.applyDefaults()
	if err := s.applyEnv(); err != nil {
		return AppSettings{}, err
	}
	if err := s.Validate(); err != nil {
		return AppSettings{}, err
	}

	g.mu.Lock()
	g.current = s
	g.mu.Unlock()
	return s, nil
}

func decode(path string, data []byte, s *AppSettings) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), s)
		return err
	case ".yaml", ".yml", ".json", "":
		return yaml.Unmarshal(data, s)
	default:
		return fmt.Errorf("unsupported settings format %q", filepath.Ext(path))
	}
}

// ReadGlobalPrompt returns the global system prompt named by the current
// settings. A missing setting, a missing file and blank content all
// resolve to none.
func (g *Gateway) ReadGlobalPrompt() (string, bool, error) {
	name := strings.TrimSpace(g.Current().GlobalSystemPromptFile)
	if name == "" {
		return "", false, nil
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(WorkspaceRoot(g.workDir), name)
	}

	data, err := os.ReadFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read global prompt: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", false, nil
	}
	return text, true, nil
}
