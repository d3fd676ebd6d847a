package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Supabase   SupabaseConfig   `yaml:"supabase" mapstructure:"supabase"`
	PocketBase PocketBaseConfig `yaml:"pocketbase" mapstructure:"pocketbase"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Funnel     FunnelConfig     `yaml:"funnel" mapstructure:"funnel"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Meta       MetaConfig       `yaml:"meta" mapstructure:"meta"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the funnel HTTP API.
type ServerConfig struct {
	Port           int           `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	SecureCookies  bool          `yaml:"secure_cookies" mapstructure:"secure_cookies"`
}

// StoreConfig configures the lead store backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Table       string            `yaml:"table" mapstructure:"table"`
	Columns     map[string]string `yaml:"columns" mapstructure:"columns"`
	MaxConns    int32             `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32             `yaml:"min_conns" mapstructure:"min_conns"`
}

// SupabaseConfig holds PostgREST endpoint settings for the supabase driver.
type SupabaseConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
	Key string `yaml:"key" mapstructure:"key"`
}

// PocketBaseConfig holds the records API endpoint for the pocketbase driver.
// Token is optional; collections with open create rules accept anonymous writes.
type PocketBaseConfig struct {
	URL        string `yaml:"url" mapstructure:"url"`
	Token      string `yaml:"token" mapstructure:"token"`
	Collection string `yaml:"collection" mapstructure:"collection"`
}

// NotionConfig holds Notion API credentials and the lead database ID.
type NotionConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	LeadDB string `yaml:"lead_db" mapstructure:"lead_db"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID  string  `yaml:"client_id" mapstructure:"client_id"`
	Username  string  `yaml:"username" mapstructure:"username"`
	KeyPath   string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL  string  `yaml:"login_url" mapstructure:"login_url"`
	Object    string  `yaml:"object" mapstructure:"object"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// FunnelConfig configures the quiz flow and the deferred lead save.
type FunnelConfig struct {
	DeferWindow    time.Duration `yaml:"defer_window" mapstructure:"defer_window"`
	SessionTTL     time.Duration `yaml:"session_ttl" mapstructure:"session_ttl"`
	SessionKey     string        `yaml:"session_key" mapstructure:"session_key"`
	CreateOnEntry  bool          `yaml:"create_on_entry" mapstructure:"create_on_entry"`
	FlowPath       string        `yaml:"flow_path" mapstructure:"flow_path"`
	ContactNumber  string        `yaml:"contact_number" mapstructure:"contact_number"`
	ContactMessage string        `yaml:"contact_message" mapstructure:"contact_message"`
}

// DispatchConfig bounds the background persistence calls.
type DispatchConfig struct {
	MaxConcurrent int64         `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	TaskTimeout   time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"`
}

// MetaConfig holds Meta Conversions API settings.
type MetaConfig struct {
	PixelID       string  `yaml:"pixel_id" mapstructure:"pixel_id"`
	AccessToken   string  `yaml:"access_token" mapstructure:"access_token"`
	APIVersion    string  `yaml:"api_version" mapstructure:"api_version"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	TestEventCode string  `yaml:"test_event_code" mapstructure:"test_event_code"`
	RateLimit     float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// MonitoringConfig configures funnel health alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinSessions          int     `yaml:"min_sessions" mapstructure:"min_sessions"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADFUNNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.table", "simulation_leads")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("pocketbase.collection", "leads")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.object", "Lead")
	v.SetDefault("salesforce.rate_limit", 5)
	v.SetDefault("funnel.defer_window", 10*time.Minute)
	v.SetDefault("funnel.session_ttl", 24*time.Hour)
	v.SetDefault("funnel.session_key", "silvermont_funnel")
	v.SetDefault("funnel.contact_message", "Olá! Acabei de fazer a simulação e gostaria de falar com um especialista.")
	v.SetDefault("dispatch.max_concurrent", 16)
	v.SetDefault("dispatch.task_timeout", 15*time.Second)
	v.SetDefault("meta.api_version", "v19.0")
	v.SetDefault("meta.base_url", "https://graph.facebook.com")
	v.SetDefault("meta.rate_limit", 10)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.min_sessions", 20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs before it starts.
// Supported modes: "serve" and "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Funnel.DeferWindow <= 0 {
			errs = append(errs, "funnel.defer_window must be > 0")
		}
		if c.Funnel.SessionTTL <= c.Funnel.DeferWindow {
			errs = append(errs, "funnel.session_ttl must exceed funnel.defer_window")
		}
		if c.Funnel.SessionKey == "" {
			errs = append(errs, "funnel.session_key is required")
		}
		if c.Dispatch.MaxConcurrent < 1 || c.Dispatch.MaxConcurrent > 256 {
			errs = append(errs, "dispatch.max_concurrent must be between 1 and 256")
		}
		if c.Dispatch.TaskTimeout <= 0 {
			errs = append(errs, "dispatch.task_timeout must be > 0")
		}
		if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
			errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
		}
		errs = append(errs, c.validateStore()...)
	case "migrate":
		if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
			errs = append(errs, "store.driver must be postgres or sqlite to migrate")
		}
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
		if c.Store.Table == "" {
			errs = append(errs, "store.table is required")
		}
	case "supabase":
		if c.Supabase.URL == "" {
			errs = append(errs, "supabase.url is required")
		}
		if c.Supabase.Key == "" {
			errs = append(errs, "supabase.key is required")
		}
		if c.Store.Table == "" {
			errs = append(errs, "store.table is required")
		}
	case "pocketbase":
		if c.PocketBase.URL == "" {
			errs = append(errs, "pocketbase.url is required")
		}
		if c.PocketBase.Collection == "" {
			errs = append(errs, "pocketbase.collection is required")
		}
	case "notion":
		if c.Notion.Token == "" {
			errs = append(errs, "notion.token is required")
		}
		if c.Notion.LeadDB == "" {
			errs = append(errs, "notion.lead_db is required")
		}
	case "salesforce":
		if c.Salesforce.ClientID == "" {
			errs = append(errs, "salesforce.client_id is required")
		}
		if c.Salesforce.Username == "" {
			errs = append(errs, "salesforce.username is required")
		}
		if c.Salesforce.KeyPath == "" {
			errs = append(errs, "salesforce.key_path is required")
		}
	case "memory":
	default:
		errs = append(errs, "store.driver must be one of postgres, supabase, pocketbase, sqlite, notion, salesforce, memory")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
