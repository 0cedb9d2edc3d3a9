package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/tts-gateway/internal/tts"
)

// Config holds all configuration for the TTS gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Shared secret the chat host presents on /plugin/ws. Empty disables the check.
	PluginToken string `envconfig:"PLUGIN_TOKEN"`

	// gRPC health endpoint for hosts that health-check plugins over gRPC. Empty disables it.
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""`

	// XFYun credentials. Optional at boot: the /apicfg chat command can supply them later.
	XFYunAppID     string `envconfig:"XFYUN_APP_ID"`
	XFYunAPIKey    string `envconfig:"XFYUN_API_KEY"`
	XFYunAPISecret string `envconfig:"XFYUN_API_SECRET"`

	// XFYun endpoint
	XFYunTTSURL             string `envconfig:"XFYUN_TTS_URL" default:"wss://tts-api.xfyun.cn/v2/tts"`
	XFYunTTSHost            string `envconfig:"XFYUN_TTS_HOST" default:"ws-api.xfyun.cn"` // Host value included in the signature
	XFYunInsecureSkipVerify bool   `envconfig:"XFYUN_INSECURE_SKIP_VERIFY" default:"false"`

	// Voice parameters. -1 leaves the numeric ones at the provider default.
	XFYunAUE    string `envconfig:"XFYUN_AUE" default:"raw"`
	XFYunAUF    string `envconfig:"XFYUN_AUF" default:"audio/L16;rate=16000"`
	XFYunVCN    string `envconfig:"XFYUN_VCN" default:"xiaoyan"`
	XFYunTTE    string `envconfig:"XFYUN_TTE" default:"utf8"`
	XFYunSpeed  int    `envconfig:"XFYUN_SPEED" default:"-1"`
	XFYunVolume int    `envconfig:"XFYUN_VOLUME" default:"-1"`
	XFYunPitch  int    `envconfig:"XFYUN_PITCH" default:"-1"`

	// Synthesis
	TTSTimeout    int    `envconfig:"TTS_TIMEOUT" default:"10"`              // seconds
	TTSStorageDir string `envconfig:"TTS_STORAGE_DIR" default:"tts_temp"`    // Artifact directory, emptied on shutdown
	SettingsPath  string `envconfig:"SETTINGS_PATH" default:"settings.yaml"` // Settings written by chat commands

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks value ranges. Credentials are not required here.
func (c *Config) Validate() error {
	if c.TTSTimeout <= 0 {
		return fmt.Errorf("TTS_TIMEOUT must be positive, got %d", c.TTSTimeout)
	}
	for name, v := range map[string]int{
		"XFYUN_SPEED":  c.XFYunSpeed,
		"XFYUN_VOLUME": c.XFYunVolume,
		"XFYUN_PITCH":  c.XFYunPitch,
	} {
		if v < -1 || v > 100 {
			return fmt.Errorf("%s must be between 0 and 100 (or -1 for default), got %d", name, v)
		}
	}
	if c.CircuitBreakerMaxFailures <= 0 {
		return fmt.Errorf("CIRCUIT_BREAKER_MAX_FAILURES must be positive, got %d", c.CircuitBreakerMaxFailures)
	}
	if c.CircuitBreakerResetTimeout <= 0 {
		return fmt.Errorf("CIRCUIT_BREAKER_RESET_TIMEOUT must be positive, got %d", c.CircuitBreakerResetTimeout)
	}
	return nil
}

// Credentials returns the XFYun credentials from the environment.
func (c *Config) Credentials() tts.Credentials {
	return tts.Credentials{
		AppID:     c.XFYunAppID,
		APIKey:    c.XFYunAPIKey,
		APISecret: c.XFYunAPISecret,
	}
}

// VoiceParameters returns the voice parameters from the environment.
func (c *Config) VoiceParameters() tts.VoiceParameters {
	return tts.VoiceParameters{
		AUE:    c.XFYunAUE,
		AUF:    c.XFYunAUF,
		VCN:    c.XFYunVCN,
		TTE:    c.XFYunTTE,
		Speed:  optionalInt(c.XFYunSpeed),
		Volume: optionalInt(c.XFYunVolume),
		Pitch:  optionalInt(c.XFYunPitch),
	}
}

// SynthesisTimeout returns TTS_TIMEOUT as a duration.
func (c *Config) SynthesisTimeout() time.Duration {
	return time.Duration(c.TTSTimeout) * time.Second
}

// CircuitBreakerReset returns CIRCUIT_BREAKER_RESET_TIMEOUT as a duration.
func (c *Config) CircuitBreakerReset() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

func optionalInt(v int) *int {
	if v < 0 {
		return nil
	}
	return &v
}
