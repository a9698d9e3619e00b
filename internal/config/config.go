package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates all runtime settings required by the application.
type Config struct {
	AppName     string
	Environment string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Storage     StorageConfig
	Events      EventsConfig
	Workflow    WorkflowConfig
	DNS         DNSConfig
	SMTP        SMTPConfig
	Context     ContextConfig
	Logger      LoggerConfig
	Migrations  MigrationsConfig
}

type HTTPConfig struct {
	Host          string
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	MaxConn       int
	EnablePprof   bool
	EnableMetrics bool
}

type DatabaseConfig struct {
	URL             string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	MaxOpenConns    int
	MaxIdleConns    int
	MaxConnLifetime time.Duration
	SSLMode         string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration
	// Disabled leaves the API routes open; only honoured outside production.
	Disabled bool
}

// StorageConfig selects the event store backend: "postgres" or "memory".
type StorageConfig struct {
	Driver string
}

type EventsConfig struct {
	MaxOrderingRetries   int
	OrderingRetryBackoff time.Duration
	MaxCascadeDepth      int
	SweepInterval        time.Duration
	SweepBatchSize       int
	PermissionCacheTTL   time.Duration
}

type WorkflowConfig struct {
	JournalPath         string
	JournalRetention    time.Duration
	ActivityTimeout     time.Duration
	ActivityAttempts    int
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	VerifyAttempts      int
	VerifyInterval      time.Duration
	Quorum              int
	LockTTL             time.Duration
	CompensationTimeout time.Duration
	InvitationTTL       time.Duration
}

type DNSConfig struct {
	// Provider is "http" for the REST provider or "none" to disable subdomain steps.
	Provider     string
	APIURL       string
	APIToken     string
	Zone         string
	BaseDomain   string
	RecordTarget string
	Resolvers    []string
	Timeout      time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// InviteURL is prefixed to the invitation token in outgoing mail.
	InviteURL string
}

type ContextConfig struct {
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type LoggerConfig struct {
	Level    string
	Encoding string
}

type MigrationsConfig struct {
	Enabled bool
	Path    string
}

// Load reads configuration from environment variables (optionally .env)
// and applies sane defaults so the service can boot in any environment.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		AppName:     getString("APP_NAME", "orgcore"),
		Environment: getString("APP_ENV", "development"),
		HTTP: HTTPConfig{
			Host:          getString("SERVER_HOST", "0.0.0.0"),
			Port:          getString("SERVER_PORT", "8080"),
			ReadTimeout:   getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:  getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:   getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			MaxConn:       getInt("SERVER_MAX_CONN", 0),
			EnablePprof:   getBool("SERVER_ENABLE_PPROF", false),
			EnableMetrics: getBool("SERVER_ENABLE_METRICS", false),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			Host:            getString("DB_HOST", "localhost"),
			Port:            getString("DB_PORT", "5432"),
			Name:            getString("DB_NAME", "orgcore"),
			User:            getString("DB_USER", "orgcore"),
			Password:        os.Getenv("DB_PASSWORD"),
			MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 10),
			MaxConnLifetime: getDuration("DB_CONN_LIFETIME", time.Hour),
			SSLMode:         getString("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL:      getString("REDIS_URL", "redis://localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:   os.Getenv("JWT_SECRET"),
			Issuer:   getString("JWT_ISSUER", "orgcore"),
			TokenTTL: getDuration("JWT_TOKEN_TTL", time.Hour),
			Disabled: getBool("JWT_DISABLED", false),
		},
		Storage: StorageConfig{
			Driver: getString("STORAGE_DRIVER", "postgres"),
		},
		Events: EventsConfig{
			MaxOrderingRetries:   getInt("EVENTS_MAX_ORDERING_RETRIES", 5),
			OrderingRetryBackoff: getDuration("EVENTS_ORDERING_BACKOFF", 10*time.Millisecond),
			MaxCascadeDepth:      getInt("EVENTS_MAX_CASCADE_DEPTH", 8),
			SweepInterval:        getDuration("EVENTS_SWEEP_INTERVAL", 30*time.Second),
			SweepBatchSize:       getInt("EVENTS_SWEEP_BATCH", 50),
			PermissionCacheTTL:   getDuration("PERMISSION_CACHE_TTL", 10*time.Minute),
		},
		Workflow: WorkflowConfig{
			JournalPath:         getString("WORKFLOW_JOURNAL_PATH", "./data/workflows.db"),
			JournalRetention:    getDuration("WORKFLOW_JOURNAL_RETENTION", 7*24*time.Hour),
			ActivityTimeout:     getDuration("WORKFLOW_ACTIVITY_TIMEOUT", 30*time.Second),
			ActivityAttempts:    getInt("WORKFLOW_ACTIVITY_ATTEMPTS", 3),
			BackoffInitial:      getDuration("WORKFLOW_BACKOFF_INITIAL", time.Second),
			BackoffMax:          getDuration("WORKFLOW_BACKOFF_MAX", 30*time.Second),
			VerifyAttempts:      getInt("WORKFLOW_VERIFY_ATTEMPTS", 10),
			VerifyInterval:      getDuration("WORKFLOW_VERIFY_INTERVAL", 10*time.Second),
			Quorum:              getInt("WORKFLOW_VERIFY_QUORUM", 0),
			LockTTL:             getDuration("WORKFLOW_LOCK_TTL", 30*time.Minute),
			CompensationTimeout: getDuration("WORKFLOW_COMPENSATION_TIMEOUT", 2*time.Minute),
			InvitationTTL:       getDuration("WORKFLOW_INVITATION_TTL", 7*24*time.Hour),
		},
		DNS: DNSConfig{
			Provider:     getString("DNS_PROVIDER", "none"),
			APIURL:       os.Getenv("DNS_API_URL"),
			APIToken:     os.Getenv("DNS_API_TOKEN"),
			Zone:         os.Getenv("DNS_ZONE"),
			BaseDomain:   os.Getenv("DNS_BASE_DOMAIN"),
			RecordTarget: os.Getenv("DNS_RECORD_TARGET"),
			Resolvers:    getList("DNS_RESOLVERS", []string{"1.1.1.1:53", "8.8.8.8:53", "9.9.9.9:53"}),
			Timeout:      getDuration("DNS_TIMEOUT", 5*time.Second),
		},
		SMTP: SMTPConfig{
			Host:      os.Getenv("SMTP_HOST"),
			Port:      getInt("SMTP_PORT", 587),
			Username:  os.Getenv("SMTP_USERNAME"),
			Password:  os.Getenv("SMTP_PASSWORD"),
			From:      getString("SMTP_FROM", "no-reply@localhost"),
			InviteURL: getString("INVITE_URL", "http://localhost:8080/invitations/"),
		},
		Context: ContextConfig{
			RequestTimeout:  getDuration("REQUEST_TIMEOUT_SECONDS", 5*time.Second),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT_SECONDS", 15*time.Second),
		},
		Logger: LoggerConfig{
			Level:    getString("LOG_LEVEL", "info"),
			Encoding: getString("LOG_ENCODING", "json"),
		},
		Migrations: MigrationsConfig{
			Enabled: getBool("RUN_MIGRATIONS", true),
			Path:    getString("MIGRATIONS_PATH", "./assets/migrations"),
		},
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = buildPostgresURL(cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}
	switch c.DNS.Provider {
	case "none":
	case "http":
		if c.DNS.APIURL == "" || c.DNS.BaseDomain == "" || c.DNS.RecordTarget == "" {
			return fmt.Errorf("DNS_PROVIDER=http requires DNS_API_URL, DNS_BASE_DOMAIN and DNS_RECORD_TARGET")
		}
	default:
		return fmt.Errorf("unknown DNS_PROVIDER %q", c.DNS.Provider)
	}
	if c.JWT.Secret == "" && !c.JWT.Disabled {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.JWT.Disabled && c.Environment == "production" {
		return fmt.Errorf("JWT_DISABLED is not allowed in production")
	}
	return nil
}

// MustLoad panics if configuration cannot be loaded.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func buildPostgresURL(cfg *Config) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)
}

func getString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

// Address returns the HTTP listen address for the fasthttp server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.HTTP.Host, c.HTTP.Port)
}
