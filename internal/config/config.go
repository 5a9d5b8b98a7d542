package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	HTTP    HTTPConfig    `yaml:"http"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Redis   RedisConfig   `yaml:"redis"`
	Auth    AuthConfig    `yaml:"auth"`
	Cleanup CleanupConfig `yaml:"cleanup"`
}

type HTTPConfig struct {
	Port        int           `yaml:"port" env-default:"8080"`
	Timeout     time.Duration `yaml:"timeout" env-default:"10s"`
	CORSOrigins []string      `yaml:"cors_origins"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" env:"MONGO_URI" env-required:"true"`
	Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"authcore"`
}

// RedisConfig enables the shared login-attempt counter. With Enabled false
// the limiter falls back to its in-process store, which only throttles per
// instance.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled" env:"REDIS_ENABLED" env-default:"false"`
	Addr    string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
}

type AuthConfig struct {
	AccessSecret  string        `yaml:"access_secret" env:"ACCESS_TOKEN_SECRET" env-required:"true"`
	RefreshSecret string        `yaml:"refresh_secret" env:"REFRESH_TOKEN_SECRET" env-required:"true"`
	AccessTTL     time.Duration `yaml:"access_ttl" env-default:"15m"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl" env-default:"168h"`
	SessionCap    time.Duration `yaml:"session_cap" env-default:"25m"`
	MaxAttempts   int           `yaml:"max_attempts" env-default:"5"`
	AttemptWindow time.Duration `yaml:"attempt_window" env-default:"30m"`
	// FingerprintPepper is mixed into token fingerprints before hashing so
	// a leaked store cannot be matched against captured tokens.
	FingerprintPepper string `yaml:"fingerprint_pepper" env:"FINGERPRINT_PEPPER"`
	// AllowUnlistedRefresh auto-enrolls a verifying refresh token that has
	// no whitelist record. Migration aid for tokens issued before the
	// whitelist existed; leave off otherwise.
	AllowUnlistedRefresh bool `yaml:"allow_unlisted_refresh" env-default:"false"`
	// Extractors orders the token extraction strategies: "bearer", "cookie".
	Extractors []string `yaml:"extractors" env-default:"bearer,cookie"`
}

type CleanupConfig struct {
	SessionInterval time.Duration `yaml:"session_interval" env-default:"1h"`
	RevokedInterval time.Duration `yaml:"revoked_interval" env-default:"24h"`
	BatchSize       int           `yaml:"batch_size" env-default:"500"`
}

func LoadConfig(path string) *Config {
	var cfg Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found: " + path)
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	if cfg.Auth.AccessSecret == cfg.Auth.RefreshSecret {
		panic("access and refresh token secrets must differ")
	}

	return &cfg
}
