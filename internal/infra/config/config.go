package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Model         ModelConfig         `yaml:"model"`
	Store         StoreConfig         `yaml:"store"`
	Knowledge     KnowledgeConfig     `yaml:"knowledge"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Cluster       *ClusterConfig      `yaml:"cluster,omitempty"` // nil = standalone
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Logger        LoggerConfig        `yaml:"logger"`
	Tracer        TracerConfig        `yaml:"tracer"`
}

// ServerConfig holds the streaming gateway settings.
type ServerConfig struct {
	Addr           string     `yaml:"addr"`
	AuthToken      string     `yaml:"auth_token"`
	AllowedOrigins []string   `yaml:"allowed_origins,omitempty"`
	Rate           RateConfig `yaml:"rate"`
}

// RateConfig holds per-client-IP rate limit settings.
type RateConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// ModelConfig holds model gateway settings.
type ModelConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	RequestTimeout  time.Duration        `yaml:"request_timeout"`
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	Failover        FailoverConfig       `yaml:"failover"`
}

// ProviderConfig defines one model backend.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"` // "anthropic", "openai", "bedrock"
	APIKey    string `yaml:"api_key,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	Model     string `yaml:"model"`
	Region    string `yaml:"region,omitempty"` // bedrock only
	MaxTokens int    `yaml:"max_tokens,omitempty"`
}

// CircuitBreakerConfig guards each provider against cascading failures.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// FailoverConfig routes to fallback providers when the default fails.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks,omitempty"`
}

// StoreConfig selects and tunes the checkpoint store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
	// RetainVersions bounds per-thread history during maintenance
	// sweeps. 0 keeps everything.
	RetainVersions int `yaml:"retain_versions"`
}

// KnowledgeConfig tunes the retrieval index backing kb_search.
type KnowledgeConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	DefaultTopK int    `yaml:"default_top_k"`
}

// ConversationsConfig holds the turn loop settings and the per-kind
// conversation definitions.
type ConversationsConfig struct {
	DefaultKind   string                `yaml:"default_kind"`
	StepLimit     int                   `yaml:"step_limit"`
	ToolTimeout   time.Duration         `yaml:"tool_timeout"`
	ParallelTools bool                  `yaml:"parallel_tools"`
	// MaxContextTokens bounds the estimated prompt size per model call.
	// 0 picks a conservative default.
	MaxContextTokens int                   `yaml:"max_context_tokens,omitempty"`
	Kinds            map[string]KindConfig `yaml:"kinds"`
}

// KindConfig defines one conversation kind: its directive, its bound
// tools, and (for data-collection kinds) the field specs and artifact
// destination.
type KindConfig struct {
	Directive    string      `yaml:"directive"`
	Tools        []string    `yaml:"tools"`
	Fields       []FieldSpec `yaml:"fields,omitempty"`
	ArtifactsDir string      `yaml:"artifacts_dir,omitempty"`
}

// FieldSpec constrains one collected domain field.
type FieldSpec struct {
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type" json:"type"` // "string" or "number"
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool     `yaml:"required" json:"required"`
	Enum        []string `yaml:"enum,omitempty" json:"enum,omitempty"`
	Min         *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// ClusterConfig holds multi-instance coordination settings.
type ClusterConfig struct {
	Enabled  bool   `yaml:"enabled"`
	NodeID   string `yaml:"node_id"`   // auto-generated if empty
	RedisURL string `yaml:"redis_url"` // e.g. "redis://localhost:6379"
	LockTTL  string `yaml:"lock_ttl"`  // duration string (default: 30s)
}

// MaintenanceConfig schedules background sweeps.
type MaintenanceConfig struct {
	Enabled           bool   `yaml:"enabled"`
	RetentionSchedule string `yaml:"retention_schedule"` // cron expression
}

// LoggerConfig controls structured logging.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TracerConfig controls OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// Defaults returns a Config with sane defaults for a local run.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Addr: ":8090",
			Rate: RateConfig{
				Enabled: true,
				RPS:     10,
				Burst:   20,
			},
		},
		Model: ModelConfig{
			DefaultProvider: "anthropic",
			RequestTimeout:  60 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     false,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Store: StoreConfig{
			Driver:         "sqlite",
			Path:           filepath.Join(dataDir, "checkpoints.db"),
			RetainVersions: 0,
		},
		Knowledge: KnowledgeConfig{
			Enabled:     false,
			Path:        filepath.Join(dataDir, "knowledge.db"),
			DefaultTopK: 5,
		},
		Conversations: ConversationsConfig{
			DefaultKind:   "chat",
			StepLimit:     8,
			ToolTimeout:   30 * time.Second,
			ParallelTools: false,
			Kinds: map[string]KindConfig{
				"chat": {
					Directive: "You are a helpful assistant. Use the available tools when they help answer the user.",
					Tools:     []string{"kb_search", "profile_get", "profile_update"},
				},
			},
		},
		Maintenance: MaintenanceConfig{
			Enabled:           false,
			RetentionSchedule: "0 3 * * *",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// defaultDataDir picks a per-user data directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "parley")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "parley")
	}
	return filepath.Join(home, ".local", "share", "parley")
}

// Load reads a YAML config file, applies env var overrides, and
// decrypts secrets. A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("PARLEY_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps PARLEY_* env vars onto config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARLEY_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PARLEY_SERVER_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("PARLEY_MODEL_DEFAULT_PROVIDER"); v != "" {
		cfg.Model.DefaultProvider = v
	}
	if v := os.Getenv("PARLEY_MODEL_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Model.RequestTimeout = d
		}
	}
	if v := os.Getenv("PARLEY_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("PARLEY_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PARLEY_KNOWLEDGE_ENABLED"); v == "true" {
		cfg.Knowledge.Enabled = true
	}
	if v := os.Getenv("PARLEY_KNOWLEDGE_PATH"); v != "" {
		cfg.Knowledge.Path = v
	}
	if v := os.Getenv("PARLEY_STEP_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Conversations.StepLimit = n
		}
	}
	if v := os.Getenv("PARLEY_TOOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Conversations.ToolTimeout = d
		}
	}
	if v := os.Getenv("PARLEY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("PARLEY_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("PARLEY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("PARLEY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	// Per-provider API keys: PARLEY_PROVIDER_<NAME>_API_KEY.
	for i := range cfg.Model.Providers {
		name := strings.ToUpper(strings.ReplaceAll(cfg.Model.Providers[i].Name, "-", "_"))
		if v := os.Getenv("PARLEY_PROVIDER_" + name + "_API_KEY"); v != "" {
			cfg.Model.Providers[i].APIKey = v
		}
	}
}

// decryptSecrets finds "enc:..." values and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Model.Providers {
		key := cfg.Model.Providers[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("provider %s api_key: %w", cfg.Model.Providers[i].Name, err)
			}
			cfg.Model.Providers[i].APIKey = decrypted
		}
	}
	if strings.HasPrefix(cfg.Server.AuthToken, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Server.AuthToken, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("server auth_token: %w", err)
		}
		cfg.Server.AuthToken = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or other.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		return fmt.Errorf("config file %s has permissions %04o; must not be writable by group or other", path, perm)
	}
	return nil
}
