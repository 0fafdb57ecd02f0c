// Package config loads runtime settings. CONFIG_PHASE (default "local")
// selects config/config-<phase>.yaml and CONFIG_FILE overrides the path.
// Nested YAML keys flatten to UPPER_SNAKE names; environment variables
// always win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"

	"github.com/atmx/perp-engine/internal/registry"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

type KeeperConfig struct {
	Enabled bool
	// Address is the keeper signer. It must hold ORDER_KEEPER.
	Address           solana.PublicKey
	PollInterval      time.Duration
	MaxActionsPerTick int
	RatePerSec        float64
	ScanLiquidations  bool
}

type ServerConfig struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string

	// StoreBackend is memory, postgres or sqlite.
	StoreBackend string
	DatabaseURL  string
	SQLiteDSN    string
	RedisURL     string
	RedisTTL     time.Duration

	SolanaRPCURL string
	ProgramID    solana.PublicKey
	MarketsFile  string

	Keeper KeeperConfig
	Log    LogConfig
}

// ClientConfig is read by gmctl.
type ClientConfig struct {
	ServerURL string
	Signer    string
	Timeout   time.Duration
}

var storeBackends = []string{"memory", "postgres", "sqlite"}

func LoadServerConfig() (ServerConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ServerConfig{}, err
	}

	readTimeout, err := envDuration("SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}
	writeTimeout, err := envDuration("SERVER_WRITE_TIMEOUT", 15*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}
	idleTimeout, err := envDuration("SERVER_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}
	requestTimeout, err := envDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	backend := strings.ToLower(envOrDefault("STORE_BACKEND", "memory"))
	if !contains(storeBackends, backend) {
		return ServerConfig{}, fmt.Errorf("invalid STORE_BACKEND %q (expected %s)", backend, strings.Join(storeBackends, "|"))
	}
	databaseURL := envOrDefault("DATABASE_URL", "")
	if backend == "postgres" && databaseURL == "" {
		return ServerConfig{}, errors.New("DATABASE_URL is required when STORE_BACKEND=postgres")
	}
	redisTTL, err := envDuration("REDIS_TTL", 30*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	programID, err := envPubkey("STORE_PROGRAM_ID", registry.DefaultProgramID)
	if err != nil {
		return ServerConfig{}, err
	}

	keeper, err := loadKeeperConfig()
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{
		ListenAddr:     envOrDefault("SERVER_LISTEN_ADDR", ":8080"),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		RequestTimeout: requestTimeout,
		AllowedOrigins: parseCSVEnv(envOrDefault("SERVER_ALLOWED_ORIGINS", "*"), []string{"*"}),
		StoreBackend:   backend,
		DatabaseURL:    databaseURL,
		SQLiteDSN:      envOrDefault("SQLITE_DSN", "file:perp-engine.db?_pragma=busy_timeout(5000)"),
		RedisURL:       envOrDefault("REDIS_URL", ""),
		RedisTTL:       redisTTL,
		SolanaRPCURL:   envOrDefault("SOLANA_RPC_URL", ""),
		ProgramID:      programID,
		MarketsFile:    envOrDefault("MARKETS_FILE", ""),
		Keeper:         keeper,
		Log:            buildLogConfig("SERVER", "perp-server"),
	}, nil
}

func loadKeeperConfig() (KeeperConfig, error) {
	enabled, err := envBool("KEEPER_ENABLED", false)
	if err != nil {
		return KeeperConfig{}, err
	}
	address, err := envPubkey("KEEPER_ADDRESS", solana.PublicKey{})
	if err != nil {
		return KeeperConfig{}, err
	}
	if enabled && address.IsZero() {
		return KeeperConfig{}, errors.New("KEEPER_ADDRESS is required when KEEPER_ENABLED=true")
	}
	pollInterval, err := envDuration("KEEPER_POLL_INTERVAL", 1500*time.Millisecond)
	if err != nil {
		return KeeperConfig{}, err
	}
	maxActions, err := envInt("KEEPER_MAX_ACTIONS_PER_TICK", 32)
	if err != nil {
		return KeeperConfig{}, err
	}
	ratePerSec, err := envFloat("KEEPER_RATE_PER_SEC", 20)
	if err != nil {
		return KeeperConfig{}, err
	}
	scan, err := envBool("KEEPER_SCAN_LIQUIDATIONS", true)
	if err != nil {
		return KeeperConfig{}, err
	}
	return KeeperConfig{
		Enabled:           enabled,
		Address:           address,
		PollInterval:      pollInterval,
		MaxActionsPerTick: maxActions,
		RatePerSec:        ratePerSec,
		ScanLiquidations:  scan,
	}, nil
}

func LoadClientConfig() (ClientConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ClientConfig{}, err
	}
	timeout, err := envDuration("GMCTL_TIMEOUT", 15*time.Second)
	if err != nil {
		return ClientConfig{}, err
	}
	return ClientConfig{
		ServerURL: strings.TrimRight(envOrDefault("GMCTL_SERVER_URL", "http://127.0.0.1:8080"), "/"),
		Signer:    envOrDefault("GMCTL_SIGNER", ""),
		Timeout:   timeout,
	}, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE_PATH", envOrDefault("LOG_FILE_PATH", filepath.Join("logs", serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid %s: must be >= 0", key)
	}
	return v, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func parseCSVEnv(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(body, &raw); err != nil {
			runtimeConfigErr = fmt.Errorf("parse config file %q: %w", configPath, err)
			return
		}

		flattened, err := flattenConfig(raw)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("flatten config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int64, uint64, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}
