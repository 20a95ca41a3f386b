// Package config loads abrcore configuration using Viper. Values come
// from defaults, an optional YAML file, an optional .env file and
// ABRCORE_ prefixed environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. ABRCORE_DRM_KEY_SYSTEM.
const EnvPrefix = "ABRCORE"

// Default configuration values.
const (
	defaultHTTPTimeout       = 30 * time.Second
	defaultRetryAttempts     = 3
	defaultRetryDelay        = time.Second
	defaultRetryMaxDelay     = 30 * time.Second
	defaultCircuitThreshold  = 5
	defaultCircuitTimeout    = 30 * time.Second
	defaultMaxResponseSize   = "64MB"
	defaultUserAgent         = "abrcore/1.0"
	defaultLiveDelay         = 16 * time.Second
	defaultChallengePolls    = 10
	defaultChallengeInterval = 100 * time.Millisecond
	defaultMetricsAddr       = "127.0.0.1:9464"
)

// Config holds all configuration for the application.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Manifest  ManifestConfig  `mapstructure:"manifest"`
	Selection SelectionConfig `mapstructure:"selection"`
	DRM       DRMConfig       `mapstructure:"drm"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// HTTPConfig configures the client used for manifests, segments, keys
// and licenses.
type HTTPConfig struct {
	Timeout          Duration `mapstructure:"timeout"`
	RetryAttempts    int      `mapstructure:"retry_attempts"`
	RetryDelay       Duration `mapstructure:"retry_delay"`
	RetryMaxDelay    Duration `mapstructure:"retry_max_delay"`
	CircuitThreshold int      `mapstructure:"circuit_threshold"`
	CircuitTimeout   Duration `mapstructure:"circuit_timeout"`
	UserAgent        string   `mapstructure:"user_agent"`
	// MaxResponseSize accepts values like "64MB".
	MaxResponseSize ByteSize `mapstructure:"max_response_size"`
	Cookies         bool     `mapstructure:"cookies"`
}

// ManifestConfig configures manifest loading and live refresh.
type ManifestConfig struct {
	// Headers are sent with manifest and playlist requests.
	Headers map[string]string `mapstructure:"headers"`
	// Params is a query string appended to the manifest URL.
	Params string `mapstructure:"params"`
	// StreamParams is a query string appended to segment URLs.
	StreamParams string `mapstructure:"stream_params"`
	// UpdateParam is the live update query, e.g. "start=$START_NUMBER$", or "full".
	UpdateParam string `mapstructure:"update_param"`
	// UpdateInterval overrides the refresh interval of live manifests; 0 keeps the announced one.
	UpdateInterval Duration `mapstructure:"update_interval"`
	LiveDelay      Duration `mapstructure:"live_delay"`
}

// SelectionConfig configures stream selection.
type SelectionConfig struct {
	Mode                   string   `mapstructure:"mode"` // auto, manual-video, manual
	MaxBandwidth           uint32   `mapstructure:"max_bandwidth"`
	MaxResolution          string   `mapstructure:"max_resolution"`
	MaxSecureResolution    string   `mapstructure:"max_secure_resolution"`
	IgnoreScreenResolution bool     `mapstructure:"ignore_screen_resolution"`
	IncludedTypes          []string `mapstructure:"included_types"` // video, audio, subtitle
}

// DRMConfig configures content decryption.
type DRMConfig struct {
	Backend   string `mapstructure:"backend"`
	KeySystem string `mapstructure:"key_system"`
	// LicenseKey is the license template "url|headers|body|response".
	LicenseKey string `mapstructure:"license_key"`
	// LicenseData is base64 init data replacing the manifest's.
	LicenseData string `mapstructure:"license_data"`
	// ServerCertificate is a base64 service certificate.
	ServerCertificate string `mapstructure:"server_certificate"`
	// PreInitData is "psshB64|kidB64".
	PreInitData          string            `mapstructure:"pre_init_data"`
	HDCPOverride         bool              `mapstructure:"hdcp_override"`
	DisableSecureDecoder bool              `mapstructure:"disable_secure_decoder"`
	ForceSecureDecoder   bool              `mapstructure:"force_secure_decoder"`
	ClearKeys            map[string]string `mapstructure:"clear_keys"`
	ModuleDir            string            `mapstructure:"module_dir"`
	ProfileDir           string            `mapstructure:"profile_dir"`
	SecurityLevel        string            `mapstructure:"security_level"`
	DebugLicenseDir      string            `mapstructure:"debug_license_dir"`
	ChallengePolls       int               `mapstructure:"challenge_polls"`
	ChallengeInterval    Duration          `mapstructure:"challenge_interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads configuration from configPath, or when empty from
// abrcore.yaml in the working directory or $HOME/.abrcore. A .env file
// in the working directory is loaded into the environment first.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("abrcore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.abrcore")
	}
	if err := LoadEnvFile(); err != nil {
		return nil, err
	}
	BindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return Unmarshal(v)
}

// LoadEnvFile loads the given .env files, ".env" by default, into the
// process environment. Missing files are ignored; variables already set
// win.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// BindEnv makes v read ABRCORE_ prefixed environment variables, with
// underscores for nesting: drm.key_system is ABRCORE_DRM_KEY_SYSTEM.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Unmarshal decodes and validates the configuration held by v.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults registers the default of every option. Every key needs a
// default for environment overrides to apply.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("http.timeout", defaultHTTPTimeout.String())
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay.String())
	v.SetDefault("http.retry_max_delay", defaultRetryMaxDelay.String())
	v.SetDefault("http.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("http.circuit_timeout", defaultCircuitTimeout.String())
	v.SetDefault("http.user_agent", defaultUserAgent)
	v.SetDefault("http.max_response_size", defaultMaxResponseSize)
	v.SetDefault("http.cookies", true)

	v.SetDefault("manifest.headers", map[string]string{})
	v.SetDefault("manifest.params", "")
	v.SetDefault("manifest.stream_params", "")
	v.SetDefault("manifest.update_param", "")
	v.SetDefault("manifest.update_interval", "0s")
	v.SetDefault("manifest.live_delay", defaultLiveDelay.String())

	v.SetDefault("selection.mode", "auto")
	v.SetDefault("selection.max_bandwidth", 0)
	v.SetDefault("selection.max_resolution", "")
	v.SetDefault("selection.max_secure_resolution", "")
	v.SetDefault("selection.ignore_screen_resolution", false)
	v.SetDefault("selection.included_types", []string{})

	v.SetDefault("drm.backend", "")
	v.SetDefault("drm.key_system", "")
	v.SetDefault("drm.license_key", "")
	v.SetDefault("drm.license_data", "")
	v.SetDefault("drm.server_certificate", "")
	v.SetDefault("drm.pre_init_data", "")
	v.SetDefault("drm.hdcp_override", false)
	v.SetDefault("drm.disable_secure_decoder", false)
	v.SetDefault("drm.force_secure_decoder", false)
	v.SetDefault("drm.clear_keys", map[string]string{})
	v.SetDefault("drm.module_dir", "")
	v.SetDefault("drm.profile_dir", "")
	v.SetDefault("drm.security_level", "")
	v.SetDefault("drm.debug_license_dir", "")
	v.SetDefault("drm.challenge_polls", defaultChallengePolls)
	v.SetDefault("drm.challenge_interval", defaultChallengeInterval.String())

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", defaultMetricsAddr)
}

var (
	validLevels    = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validFormats   = map[string]bool{"json": true, "text": true}
	validModes     = map[string]bool{"auto": true, "manual-video": true, "manual": true}
	validTypes     = map[string]bool{"video": true, "audio": true, "subtitle": true}
	validPlatforms = map[string]bool{"": true, "L1": true, "L2": true, "L3": true, "SL2000": true, "SL3000": true}
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if c.HTTP.RetryAttempts < 0 {
		return fmt.Errorf("http.retry_attempts must not be negative")
	}
	if c.HTTP.MaxResponseSize < 0 {
		return fmt.Errorf("http.max_response_size must not be negative")
	}

	if c.Manifest.UpdateInterval < 0 || c.Manifest.LiveDelay < 0 {
		return fmt.Errorf("manifest durations must not be negative")
	}

	if !validModes[strings.ToLower(c.Selection.Mode)] {
		return fmt.Errorf("selection.mode must be one of: auto, manual-video, manual")
	}
	for _, t := range c.Selection.IncludedTypes {
		if !validTypes[strings.ToLower(t)] {
			return fmt.Errorf("selection.included_types: unknown type %q", t)
		}
	}

	if c.DRM.ForceSecureDecoder && c.DRM.DisableSecureDecoder {
		return fmt.Errorf("drm.force_secure_decoder and drm.disable_secure_decoder are exclusive")
	}
	if !validPlatforms[c.DRM.SecurityLevel] {
		return fmt.Errorf("drm.security_level %q is not supported", c.DRM.SecurityLevel)
	}
	if c.DRM.ChallengePolls < 0 {
		return fmt.Errorf("drm.challenge_polls must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	return nil
}
