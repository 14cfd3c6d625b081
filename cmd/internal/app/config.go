package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("SKILLSWAP_HTTP_ADDR", "0.0.0.0:4005"),
		LogLevel:  EnvString("SKILLSWAP_LOG_LEVEL", "info"),
		LogPretty: EnvBool("SKILLSWAP_LOG_PRETTY", false),

		ReadHeaderTimeout: EnvDuration("SKILLSWAP_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SKILLSWAP_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SKILLSWAP_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SKILLSWAP_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("SKILLSWAP_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("SKILLSWAP_DATABASE_URL", ""),
		DBSchema:    EnvString("SKILLSWAP_DB_SCHEMA", "skillswap"),
		DBMaxConns:  EnvInt32("SKILLSWAP_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("SKILLSWAP_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("SKILLSWAP_READINESS_REQUIRE_DB", false),
	}
}
