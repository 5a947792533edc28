package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "MARKUP"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = "sqlite"
	defaultDatabasePath     = "markup.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultAuthIssuer       = "markup"
	defaultCookieName       = "markup_session"
	defaultTokenTTLMinutes  = 720
	defaultBlobBucket       = "markup"
	defaultSettleWindow     = 1500 * time.Millisecond
	defaultRenderMultiplier = 2.0
	defaultPageWidth        = 794.0
	defaultPageHeight       = 1123.0
	defaultHistoryDepth     = 100
	defaultSessionIdleTTL   = 30 * time.Minute
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	LogFormat   string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration

	BlobEndpoint      string
	BlobAccessKey     string
	BlobSecretKey     string
	BlobBucket        string
	BlobUseSSL        bool
	BlobPublicBaseURL string

	RedisURL string

	ReviewSettleWindow time.Duration
	RenderMultiplier   float64
	PageWidth          float64
	PageHeight         float64
	HistoryMaxDepth    int
	SessionIdleTTL     time.Duration

	CORSAllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("blob.endpoint", "")
	configViper.SetDefault("blob.access_key", "")
	configViper.SetDefault("blob.secret_key", "")
	configViper.SetDefault("blob.bucket", defaultBlobBucket)
	configViper.SetDefault("blob.use_ssl", false)
	configViper.SetDefault("blob.public_base_url", "")
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("review.settle_window", defaultSettleWindow)
	configViper.SetDefault("render.multiplier", defaultRenderMultiplier)
	configViper.SetDefault("canvas.page_width", defaultPageWidth)
	configViper.SetDefault("canvas.page_height", defaultPageHeight)
	configViper.SetDefault("history.max_depth", defaultHistoryDepth)
	configViper.SetDefault("sessions.idle_ttl", defaultSessionIdleTTL)
	configViper.SetDefault("cors.allowed_origins", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthCookieName:     configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		BlobEndpoint:       configViper.GetString("blob.endpoint"),
		BlobAccessKey:      configViper.GetString("blob.access_key"),
		BlobSecretKey:      configViper.GetString("blob.secret_key"),
		BlobBucket:         configViper.GetString("blob.bucket"),
		BlobUseSSL:         configViper.GetBool("blob.use_ssl"),
		BlobPublicBaseURL:  configViper.GetString("blob.public_base_url"),
		RedisURL:           configViper.GetString("redis.url"),
		ReviewSettleWindow: configViper.GetDuration("review.settle_window"),
		RenderMultiplier:   configViper.GetFloat64("render.multiplier"),
		PageWidth:          configViper.GetFloat64("canvas.page_width"),
		PageHeight:         configViper.GetFloat64("canvas.page_height"),
		HistoryMaxDepth:    configViper.GetInt("history.max_depth"),
		SessionIdleTTL:     configViper.GetDuration("sessions.idle_ttl"),
		CORSAllowedOrigins: splitList(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres")
	}
	if c.BlobEndpoint != "" && strings.TrimSpace(c.BlobBucket) == "" {
		return fmt.Errorf("blob.bucket is required when blob.endpoint is set")
	}
	if c.ReviewSettleWindow < 0 {
		return fmt.Errorf("review.settle_window must not be negative")
	}
	if c.RenderMultiplier <= 0 {
		return fmt.Errorf("render.multiplier must be positive")
	}
	if c.PageWidth <= 0 || c.PageHeight <= 0 {
		return fmt.Errorf("canvas.page_width and canvas.page_height must be positive")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("sessions.idle_ttl must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated value.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
