package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Store        StoreConfig        `mapstructure:"store"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Realtime     RealtimeConfig     `mapstructure:"realtime"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Gamification GamificationConfig `mapstructure:"gamification"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// Store driver selection
type StoreConfig struct {
	Driver        string `mapstructure:"driver"` // "memory", "sqlite" or "mongo"
	SQLitePath    string `mapstructure:"sqlite_path"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
}

type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	Issuer        string        `mapstructure:"issuer"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	SessionSecret string        `mapstructure:"session_secret"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// Bootstrap superadmin, created at startup when both are set.
	AdminEmail    string `mapstructure:"admin_email"`
	AdminPassword string `mapstructure:"admin_password"`
}

type RealtimeConfig struct {
	SendBuffer      int           `mapstructure:"send_buffer"`
	DropBudget      int           `mapstructure:"drop_budget"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	AreaPrecision   int           `mapstructure:"area_precision"`
	RecheckEvery    time.Duration `mapstructure:"recheck_every"`
}

type RateLimitConfig struct {
	ConnectionCapacity int           `mapstructure:"connection_capacity"`
	ConnectionRefill   time.Duration `mapstructure:"connection_refill"`
	IdentityCapacity   int           `mapstructure:"identity_capacity"`
	IdentityRefill     time.Duration `mapstructure:"identity_refill"`
	LoginCapacity      int           `mapstructure:"login_capacity"`
	LoginRefill        time.Duration `mapstructure:"login_refill"`
}

type GamificationConfig struct {
	DailyReward   int64         `mapstructure:"daily_reward"`
	DailyInterval time.Duration `mapstructure:"daily_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:8080"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "./dengue.db")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_database", "dengue_tracker")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.jwt_secret", "change-this-secret-in-production")
	v.SetDefault("auth.issuer", "dengue-tracker-api")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.session_secret", "your-secret-key-change-this-in-production")
	v.SetDefault("auth.sweep_interval", time.Hour)
	v.SetDefault("auth.admin_email", "")
	v.SetDefault("auth.admin_password", "")

	v.SetDefault("realtime.send_buffer", 256)
	v.SetDefault("realtime.drop_budget", 32)
	v.SetDefault("realtime.write_wait", 10*time.Second)
	v.SetDefault("realtime.pong_wait", 60*time.Second)
	v.SetDefault("realtime.max_message_bytes", 8192)
	v.SetDefault("realtime.area_precision", 2)
	v.SetDefault("realtime.recheck_every", 30*time.Second)

	v.SetDefault("ratelimit.connection_capacity", 5)
	v.SetDefault("ratelimit.connection_refill", time.Second)
	v.SetDefault("ratelimit.identity_capacity", 20)
	v.SetDefault("ratelimit.identity_refill", 500*time.Millisecond)
	v.SetDefault("ratelimit.login_capacity", 5)
	v.SetDefault("ratelimit.login_refill", 12*time.Minute)

	v.SetDefault("gamification.daily_reward", 10)
	v.SetDefault("gamification.daily_interval", 24*time.Hour)
}

// Load reads config.yaml (and config.local.yaml overrides) from path and the
// working directory, then applies DENGUE_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, use defaults
	}

	// Read local config file for overrides (ignored by git)
	v.SetConfigName("config.local")
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	v.SetEnvPrefix("DENGUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
