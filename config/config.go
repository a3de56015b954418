package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Core     CoreConfig     `mapstructure:"core"`
	Security SecurityConfig `mapstructure:"security"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // memory | sqlite | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
}

type CacheConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	LocalGC       time.Duration `mapstructure:"local_gc_interval"`
	PubSubBuf     int           `mapstructure:"pubsub_buf"`
}

// CoreConfig tunes the character-state core.
type CoreConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"` // dirty-record flush cadence
	EvictAfter    time.Duration `mapstructure:"evict_after"`    // detached-record idle window
	AttribMax     float64       `mapstructure:"attrib_max"`
	BagWidth      int           `mapstructure:"bag_width"`
	BagHeight     int           `mapstructure:"bag_height"`
	MaxCharacters int           `mapstructure:"max_characters"` // per account
	LoadTimeout   time.Duration `mapstructure:"load_timeout"`   // session-start load wait
	ItemsPath     string        `mapstructure:"items_path"`     // item catalog YAML
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTL         time.Duration `mapstructure:"jwt_ttl"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AllowedOrigins lists the WebSocket origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// AdminIPs restricts the admin API to these client IPs when non-empty.
	AdminIPs []string `mapstructure:"admin_ips"`
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/core.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.pubsub_buf", 256)
	v.SetDefault("core.flush_interval", "60s")
	v.SetDefault("core.evict_after", "30m")
	v.SetDefault("core.attrib_max", 100)
	v.SetDefault("core.bag_width", 8)
	v.SetDefault("core.bag_height", 6)
	v.SetDefault("core.max_characters", 5)
	v.SetDefault("core.load_timeout", "10s")
	v.SetDefault("core.items_path", "config/items.yaml")
	v.SetDefault("security.jwt_ttl", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
