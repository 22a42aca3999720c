package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix is used when no app identity prefix is available.
const DefaultEnvPrefix = "INSURECHAT"

// Defaults applied before any file or environment layer.
var defaults = map[string]any{
	"server.host":             "0.0.0.0",
	"server.port":             8000,
	"server.read_timeout":     "30s",
	"server.write_timeout":    "60s",
	"server.idle_timeout":     "120s",
	"server.shutdown_timeout": "10s",

	"server.trust_proxy_headers": false,
	"server.trusted_proxies":     "",

	"provider.api_key":             "",
	"provider.project":             "",
	"provider.base_url":            "https://api.openai.com/v1",
	"provider.api_mode":            "chat",
	"provider.requests_per_second": 0.0,

	"chat.model":              "gpt-4o-mini",
	"chat.max_tokens":         500,
	"chat.temperature":        0.3,
	"chat.history_limit":      8,
	"chat.system_prompt_file": "",
	"chat.timeout":            "30s",
	"chat.retries":            1,
	"chat.backoff":            "1500ms",

	"cors.origins":           "*",
	"cors.allow_credentials": true,

	"rate_limit.enabled":        true,
	"rate_limit.window":         "60s",
	"rate_limit.max_requests":   30,
	"rate_limit.sweep_interval": "5m",

	"logging.level":   "info",
	"logging.profile": "structured",

	"metrics.enabled": true,
	"metrics.port":    9090,
}

// legacyEnv maps config keys to the un-prefixed variable names existing
// deployments already set. The prefixed name always wins.
var legacyEnv = map[string][]string{
	"server.port":             {"PORT"},
	"provider.api_key":        {"OPENAI_API_KEY"},
	"provider.project":        {"OPENAI_PROJECT"},
	"provider.base_url":       {"OPENAI_BASE_URL"},
	"chat.model":              {"MODEL_NAME"},
	"chat.max_tokens":         {"MAX_TOKENS"},
	"chat.temperature":        {"TEMPERATURE"},
	"chat.history_limit":      {"HISTORY_LIMIT"},
	"cors.origins":            {"CORS_ORIGINS"},
	"rate_limit.window":       {"RATE_LIMIT_WINDOW_SECONDS"},
	"rate_limit.max_requests": {"RATE_LIMIT_MAX_REQUESTS"},
}

var (
	appConfig *Config
	configMu  sync.RWMutex
)

// SetDefaults registers every known key with its default on v.
func SetDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// BindEnv binds each key to PREFIX_SECTION_KEY and its legacy names.
func BindEnv(v *viper.Viper, prefix string) error {
	prefix = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(prefix)), "_")
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	for key := range defaults {
		names := []string{EnvName(prefix, key)}
		names = append(names, legacyEnv[key]...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

// EnvName returns the prefixed environment variable for key.
func EnvName(prefix, key string) string {
	return prefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// LegacyEnvNames returns the un-prefixed names accepted for key.
func LegacyEnvNames(key string) []string {
	return legacyEnv[key]
}

// Keys returns every configuration key.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for key := range defaults {
		keys = append(keys, key)
	}
	return keys
}

// LoadDotEnv loads variables from the given files (default ".env") without
// overriding anything already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load decodes the merged settings of v into a Config and stores it as the
// current configuration. It does not validate.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.CORS.Origins = normalizeOrigins(cfg.CORS.Origins)
	cfg.Provider.APIKey = strings.TrimSpace(cfg.Provider.APIKey)
	cfg.Provider.Project = strings.TrimSpace(cfg.Provider.Project)
	cfg.Provider.APIMode = strings.ToLower(strings.TrimSpace(cfg.Provider.APIMode))

	setConfig(cfg)
	return cfg, nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// ErrMissingAPIKey is reported when no provider credential is configured.
var ErrMissingAPIKey = errors.New("provider api key is required (set OPENAI_API_KEY)")

// ValidationError lists every problem found in a Config.
type ValidationError struct {
	Problems []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.Error())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() []error {
	return e.Problems
}

// Validate checks the settings the service cannot run without.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Problems: []error{errors.New("configuration not loaded")}}
	}

	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if cfg.Provider.APIKey == "" {
		problems = append(problems, ErrMissingAPIKey)
	}
	switch cfg.Provider.APIMode {
	case "chat", "responses":
	default:
		add("provider.api_mode %q must be chat or responses", cfg.Provider.APIMode)
	}
	if cfg.Provider.RequestsPerSecond < 0 {
		add("provider.requests_per_second must not be negative")
	}
	if strings.TrimSpace(cfg.Chat.Model) == "" {
		add("chat.model is required")
	}
	if cfg.Chat.MaxTokens <= 0 {
		add("chat.max_tokens must be positive, got %d", cfg.Chat.MaxTokens)
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		add("chat.temperature must be within [0, 2], got %g", cfg.Chat.Temperature)
	}
	if cfg.Chat.HistoryLimit < 0 {
		add("chat.history_limit must not be negative, got %d", cfg.Chat.HistoryLimit)
	}
	if cfg.Chat.Retries < 0 {
		add("chat.retries must not be negative, got %d", cfg.Chat.Retries)
	}
	if cfg.Chat.Timeout <= 0 {
		add("chat.timeout must be positive")
	}
	if cfg.Chat.Backoff < 0 {
		add("chat.backoff must not be negative")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Window <= 0 {
			add("rate_limit.window must be positive")
		}
		if cfg.RateLimit.MaxRequests <= 0 {
			add("rate_limit.max_requests must be positive, got %d", cfg.RateLimit.MaxRequests)
		}
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		add("server.port %d out of range", cfg.Server.Port)
	}
	if _, err := cfg.Server.TrustedProxyPrefixes(); err != nil {
		problems = append(problems, err)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			out = append(out, origin)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// secondsToDurationHookFunc reads bare numbers as seconds so that
// RATE_LIMIT_WINDOW_SECONDS=60 and window: 60 both mean one minute.
func secondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			s := strings.TrimSpace(v)
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return s, nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}
