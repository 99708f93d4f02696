// Package config provides configuration loading and validation for the mockup server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/mockup/internal/finish"
)

// Frame store drivers.
const (
	FrameStoreMemory   = "memory"
	FrameStorePostgres = "postgres"
	FrameStoreFile     = "file"
)

// Photo store drivers.
const (
	PhotoStoreS3  = "s3"
	PhotoStoreDir = "dir"
)

// Config holds all configuration values for the mockup server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database and cache
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// Frame store
	FrameStoreDriver string `koanf:"frame_store_driver"`
	FrameStoreDir    string `koanf:"frame_store_dir"`

	// Photo store
	PhotoStoreDriver string `koanf:"photo_store_driver"`
	PhotoStoreDir    string `koanf:"photo_store_dir"`
	DeletePhotos     bool   `koanf:"delete_photos"` // Remove the photo object when its template is deleted

	// R2 (Cloudflare Object Storage)
	R2BucketName      string `koanf:"r2_bucket_name"`
	R2AccessKeyID     string `koanf:"r2_access_key_id"`
	R2SecretAccessKey string `koanf:"r2_secret_access_key"`
	R2Endpoint        string `koanf:"r2_endpoint"`
	R2MaxUploadSizeMB int    `koanf:"r2_max_upload_size_mb"` // Default: 25MB

	// JWT Authentication for calibration writes. JWTSecretPrevious keeps
	// tokens signed before a rotation valid.
	JWTSecret         string `koanf:"jwt_secret"`
	JWTSecretPrevious string `koanf:"jwt_secret_previous"`

	// OpenRouter (text-to-image)
	OpenRouterAPIKey      string `koanf:"openrouter_api_key"`
	OpenRouterModel       string `koanf:"openrouter_model"`
	OpenRouterBaseURL     string `koanf:"openrouter_base_url"`
	OpenRouterAspectRatio string `koanf:"openrouter_aspect_ratio"`

	// Rendered output
	OutputFormat  string `koanf:"output_format"`
	OutputQuality int    `koanf:"output_quality"`

	// Generation API limits
	MaxCreativeUploadMB int           `koanf:"max_creative_upload_mb"`
	CORSAllowedOrigins  []string      `koanf:"cors_allowed_origins"`
	RateLimitRequests   int           `koanf:"rate_limit_requests"`
	RateLimitWindow     time.Duration `koanf:"-"` // From rate_limit_window_seconds

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporterType string  `koanf:"tracing_exporter_type"`
	TracingOTLPEndpoint string  `koanf:"tracing_otlp_endpoint"`
	TracingSampleRate   float64 `koanf:"tracing_sample_rate"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`

	// Profiling exposes /debug/pprof outside production.
	ProfilingEnabled bool `koanf:"profiling_enabled"`

	// Finish defaults
	FinishDepthEnabled  bool    `koanf:"finish_depth_enabled"`
	FinishDepthStrength float64 `koanf:"finish_depth_strength"`
	FinishToneStrength  float64 `koanf:"finish_tone_strength"`
	FinishTintStrength  float64 `koanf:"finish_tint_strength"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL       = errors.New("DATABASE_URL is required for the postgres frame store")
	ErrMissingFrameStoreDir     = errors.New("FRAME_STORE_DIR is required for the file frame store")
	ErrMissingPhotoStoreDir     = errors.New("PHOTO_STORE_DIR is required for the dir photo store")
	ErrMissingJWTSecret         = errors.New("JWT_SECRET is required")
	ErrMissingR2BucketName      = errors.New("R2_BUCKET_NAME is required")
	ErrMissingR2AccessKeyID     = errors.New("R2_ACCESS_KEY_ID is required")
	ErrMissingR2SecretAccessKey = errors.New("R2_SECRET_ACCESS_KEY is required")
	ErrMissingR2Endpoint        = errors.New("R2_ENDPOINT is required")
	ErrInvalidFrameStoreDriver  = errors.New("FRAME_STORE_DRIVER must be memory, postgres or file")
	ErrInvalidPhotoStoreDriver  = errors.New("PHOTO_STORE_DRIVER must be s3 or dir")
	ErrInvalidOutputFormat      = errors.New("OUTPUT_FORMAT must be jpeg, png or webp")
	ErrInvalidOutputQuality     = errors.New("OUTPUT_QUALITY must be within [1, 100]")
	ErrInvalidPort              = errors.New("PORT must be a valid integer")
	ErrInvalidNumber            = errors.New("value must be a valid number")
	ErrInvalidLimit             = errors.New("limit must be positive")
)

// Default values for non-secret configuration.
const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultFrameStoreDriver    = FrameStoreMemory
	DefaultPhotoStoreDriver    = PhotoStoreDir
	DefaultPhotoStoreDir       = "./data/photos"
	DefaultR2MaxUploadSizeMB   = 25
	DefaultOutputFormat        = "jpeg"
	DefaultOutputQuality       = 85
	DefaultMaxCreativeUploadMB = 15
	DefaultRateLimitRequests   = 30
	DefaultRateLimitWindow     = time.Minute
	DefaultTracingExporterType = "otlp-http"
	DefaultTracingSampleRate   = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(v int, err error) int {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}
	collectFloat := func(v float64, err error) float64 {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}

	// Try MOCKUP_PORT first, then PORT
	port := collect(getEnvIntOrDefaultMulti([]string{"MOCKUP_PORT", "PORT"}, k.Int("port"), DefaultPort))
	maxUpload := collect(getEnvIntOrDefault("R2_MAX_UPLOAD_SIZE_MB", k.Int("r2_max_upload_size_mb"), DefaultR2MaxUploadSizeMB))
	maxCreative := collect(getEnvIntOrDefault("MAX_CREATIVE_UPLOAD_MB", k.Int("max_creative_upload_mb"), DefaultMaxCreativeUploadMB))
	quality := collect(getEnvIntOrDefault("OUTPUT_QUALITY", k.Int("output_quality"), DefaultOutputQuality))
	rateRequests := collect(getEnvIntOrDefault("RATE_LIMIT_REQUESTS", k.Int("rate_limit_requests"), DefaultRateLimitRequests))
	rateWindowSec := collect(getEnvIntOrDefault("RATE_LIMIT_WINDOW_SECONDS", k.Int("rate_limit_window_seconds"), int(DefaultRateLimitWindow/time.Second)))

	fd := finish.DefaultDefaults()

	cfg := &Config{
		Port:                  port,
		Env:                   getEnvOrDefaultMulti([]string{"MOCKUP_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:           getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:              getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		FrameStoreDriver:      strings.ToLower(getEnvOrDefault("FRAME_STORE_DRIVER", k.String("frame_store_driver"), DefaultFrameStoreDriver)),
		FrameStoreDir:         getEnvOrKoanf("FRAME_STORE_DIR", k, "frame_store_dir"),
		PhotoStoreDriver:      strings.ToLower(getEnvOrDefault("PHOTO_STORE_DRIVER", k.String("photo_store_driver"), DefaultPhotoStoreDriver)),
		PhotoStoreDir:         getEnvOrDefault("PHOTO_STORE_DIR", k.String("photo_store_dir"), DefaultPhotoStoreDir),
		DeletePhotos:          getEnvBoolOrDefault("DELETE_PHOTOS", k, "delete_photos", false),
		R2BucketName:          getEnvOrKoanf("R2_BUCKET_NAME", k, "r2_bucket_name"),
		R2AccessKeyID:         getEnvOrKoanf("R2_ACCESS_KEY_ID", k, "r2_access_key_id"),
		R2SecretAccessKey:     getEnvOrKoanf("R2_SECRET_ACCESS_KEY", k, "r2_secret_access_key"),
		R2Endpoint:            getEnvOrKoanf("R2_ENDPOINT", k, "r2_endpoint"),
		R2MaxUploadSizeMB:     maxUpload,
		JWTSecret:             getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTSecretPrevious:     getEnvOrKoanf("JWT_SECRET_PREVIOUS", k, "jwt_secret_previous"),
		OpenRouterAPIKey:      getEnvOrKoanf("OPENROUTER_API_KEY", k, "openrouter_api_key"),
		OpenRouterModel:       getEnvOrKoanf("OPENROUTER_MODEL", k, "openrouter_model"),
		OpenRouterBaseURL:     getEnvOrKoanf("OPENROUTER_BASE_URL", k, "openrouter_base_url"),
		OpenRouterAspectRatio: getEnvOrKoanf("OPENROUTER_ASPECT_RATIO", k, "openrouter_aspect_ratio"),
		OutputFormat:          strings.ToLower(getEnvOrDefault("OUTPUT_FORMAT", k.String("output_format"), DefaultOutputFormat)),
		OutputQuality:         quality,
		MaxCreativeUploadMB:   maxCreative,
		CORSAllowedOrigins:    getEnvListOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
		RateLimitRequests:     rateRequests,
		RateLimitWindow:       time.Duration(rateWindowSec) * time.Second,
		TracingEnabled:        getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporterType:   getEnvOrDefault("TRACING_EXPORTER_TYPE", k.String("tracing_exporter_type"), DefaultTracingExporterType),
		TracingOTLPEndpoint:   getEnvOrKoanf("TRACING_OTLP_ENDPOINT", k, "tracing_otlp_endpoint"),
		TracingSampleRate:     collectFloat(getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k, "tracing_sample_rate", DefaultTracingSampleRate)),
		TracingInsecure:       getEnvBoolOrDefault("TRACING_INSECURE", k, "tracing_insecure", false),
		ProfilingEnabled:      getEnvBoolOrDefault("PROFILING_ENABLED", k, "profiling_enabled", false),
		FinishDepthEnabled:    getEnvBoolOrDefault("FINISH_DEPTH_ENABLED", k, "finish_depth_enabled", fd.DepthEnabled),
		FinishDepthStrength:   collectFloat(getEnvFloatOrDefault("FINISH_DEPTH_STRENGTH", k, "finish_depth_strength", fd.DepthStrength)),
		FinishToneStrength:    collectFloat(getEnvFloatOrDefault("FINISH_TONE_STRENGTH", k, "finish_tone_strength", fd.ToneStrength)),
		FinishTintStrength:    collectFloat(getEnvFloatOrDefault("FINISH_TINT_STRENGTH", k, "finish_tint_strength", fd.TintStrength)),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvListOrKoanf reads a comma-separated environment variable, otherwise the koanf list.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	raw := k.Strings(koanfKey)
	if val := os.Getenv(envKey); val != "" {
		raw = strings.Split(val, ",")
	}
	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidNumber)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value
// when the key exists, or default. A zero in the file is honored.
func getEnvFloatOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return defaultVal, fmt.Errorf("%s must be a valid float: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
}

// getEnvBoolOrDefault returns the environment variable as bool if it holds a recognized value,
// otherwise the koanf value when the key exists, or default.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		// Env var takes precedence over file config
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			result = true
		case "false", "0", "no", "off":
			result = false
		}
	}
	return result
}

// FinishDefaults returns the service-wide finishing parameters.
func (c *Config) FinishDefaults() finish.Defaults {
	d := finish.DefaultDefaults()
	d.DepthEnabled = c.FinishDepthEnabled
	d.DepthStrength = c.FinishDepthStrength
	d.ToneStrength = c.FinishToneStrength
	d.TintStrength = c.FinishTintStrength
	return d
}

// JWTSecrets returns the current and previous signing secrets. previous is
// empty when no rotation is in progress.
func (c *Config) JWTSecrets() (current, previous string) {
	return c.JWTSecret, c.JWTSecretPrevious
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range: %w", c.Port, ErrInvalidPort))
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}

	switch c.FrameStoreDriver {
	case FrameStoreMemory:
	case FrameStorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, ErrMissingDatabaseURL)
		}
	case FrameStoreFile:
		if c.FrameStoreDir == "" {
			errs = append(errs, ErrMissingFrameStoreDir)
		}
	default:
		errs = append(errs, ErrInvalidFrameStoreDriver)
	}

	switch c.PhotoStoreDriver {
	case PhotoStoreDir:
		if c.PhotoStoreDir == "" {
			errs = append(errs, ErrMissingPhotoStoreDir)
		}
	case PhotoStoreS3:
		if c.R2BucketName == "" {
			errs = append(errs, ErrMissingR2BucketName)
		}
		if c.R2AccessKeyID == "" {
			errs = append(errs, ErrMissingR2AccessKeyID)
		}
		if c.R2SecretAccessKey == "" {
			errs = append(errs, ErrMissingR2SecretAccessKey)
		}
		if c.R2Endpoint == "" {
			errs = append(errs, ErrMissingR2Endpoint)
		}
	default:
		errs = append(errs, ErrInvalidPhotoStoreDriver)
	}

	switch c.OutputFormat {
	case "jpeg", "png", "webp":
	default:
		errs = append(errs, ErrInvalidOutputFormat)
	}
	if c.OutputQuality < 1 || c.OutputQuality > 100 {
		errs = append(errs, ErrInvalidOutputQuality)
	}

	if c.R2MaxUploadSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("R2_MAX_UPLOAD_SIZE_MB: %w", ErrInvalidLimit))
	}
	if c.MaxCreativeUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CREATIVE_UPLOAD_MB: %w", ErrInvalidLimit))
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW_SECONDS: %w", ErrInvalidLimit))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACING_SAMPLE_RATE must be within [0, 1], got %v", c.TracingSampleRate))
	}

	errs = append(errs, c.FinishDefaults().Validate()...)

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                   strconv.Itoa(c.Port),
		"env":                    c.Env,
		"database_url":           maskDatabaseURL(c.DatabaseURL),
		"redis_url":              maskDatabaseURL(c.RedisURL),
		"frame_store_driver":     c.FrameStoreDriver,
		"frame_store_dir":        c.FrameStoreDir,
		"photo_store_driver":     c.PhotoStoreDriver,
		"photo_store_dir":        c.PhotoStoreDir,
		"delete_photos":          strconv.FormatBool(c.DeletePhotos),
		"r2_bucket_name":         c.R2BucketName,
		"r2_access_key_id":       maskSecret(c.R2AccessKeyID),
		"r2_secret_access_key":   maskSecret(c.R2SecretAccessKey),
		"r2_endpoint":            c.R2Endpoint,
		"r2_max_upload_size_mb":  strconv.Itoa(c.R2MaxUploadSizeMB),
		"jwt_secret":             maskSecret(c.JWTSecret),
		"jwt_secret_previous":    maskSecret(c.JWTSecretPrevious),
		"openrouter_api_key":     maskAPIKey(c.OpenRouterAPIKey),
		"openrouter_model":       c.OpenRouterModel,
		"output_format":          c.OutputFormat,
		"output_quality":         strconv.Itoa(c.OutputQuality),
		"max_creative_upload_mb": strconv.Itoa(c.MaxCreativeUploadMB),
		"cors_allowed_origins":   strings.Join(c.CORSAllowedOrigins, ","),
		"rate_limit":             fmt.Sprintf("%d/%s", c.RateLimitRequests, c.RateLimitWindow),
		"tracing_enabled":        strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter_type":  c.TracingExporterType,
		"tracing_sample_rate":    strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
		"profiling_enabled":      strconv.FormatBool(c.ProfilingEnabled),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskAPIKey masks an OpenRouter key, preserving its prefix (sk-or-v1-).
func maskAPIKey(s string) string {
	if s == "" {
		return "<not set>"
	}
	const prefix = "sk-or-v1-"
	if strings.HasPrefix(s, prefix) {
		return prefix + "****"
	}
	return maskSecret(s)
}

// maskDatabaseURL masks the password in a database or redis URL.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
