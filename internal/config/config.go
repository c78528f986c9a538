// Package config holds the imagehoster configuration.
// Use mapstructure tags for Viper unmarshaling.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration document.
type Config struct {
	Port         int      `mapstructure:"port"`
	NumWorkers   int      `mapstructure:"num_workers"`
	ServiceURL   string   `mapstructure:"service_url"`
	RPCNode      []string `mapstructure:"rpc_node"`
	MaxImageSize int64    `mapstructure:"max_image_size"`

	DefaultAvatar string `mapstructure:"default_avatar"`
	DefaultCover  string `mapstructure:"default_cover"`

	UploadStore  StoreConfig      `mapstructure:"upload_store"`
	ProxyStore   ProxyStoreConfig `mapstructure:"proxy_store"`
	UploadLimits UploadLimits     `mapstructure:"upload_limits"`
	Blacklist    BlacklistConfig  `mapstructure:"blacklist"`
	Redis        RedisConfig      `mapstructure:"redis"`
	Cloudflare   CloudflareConfig `mapstructure:"cloudflare"`
}

// StoreConfig selects and parameterizes a blob store backend.
type StoreConfig struct {
	Type      string `mapstructure:"type"` // fs, s3, memory
	Path      string `mapstructure:"path"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// ProxyStoreConfig is the proxy store plus its dimension policy.
type ProxyStoreConfig struct {
	StoreConfig          `mapstructure:",squash"`
	MaxImageWidth        int `mapstructure:"max_image_width"`
	MaxImageHeight       int `mapstructure:"max_image_height"`
	MaxCustomImageWidth  int `mapstructure:"max_custom_image_width"`
	MaxCustomImageHeight int `mapstructure:"max_custom_image_height"`
}

// UploadLimits parameterizes upload admission.
type UploadLimits struct {
	Duration      time.Duration `mapstructure:"duration"`
	Max           int64         `mapstructure:"max"`
	Reputation    float64       `mapstructure:"reputation"`
	AppAccount    string        `mapstructure:"app_account"`
	AppPostingWif string        `mapstructure:"app_posting_wif"`
}

// BlacklistConfig parameterizes the blacklist refresher.
type BlacklistConfig struct {
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	ImagesURL   string        `mapstructure:"images_url"`
	AccountsURL string        `mapstructure:"accounts_url"`
	SeedFile    string        `mapstructure:"seed_file"`
}

// RedisConfig locates the rate-limiter KV.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CloudflareConfig enables CDN purge when both fields are set.
type CloudflareConfig struct {
	Token string `mapstructure:"token"`
	Zone  string `mapstructure:"zone"`
}

// Load reads configuration from the optional file path plus
// IMAGEHOSTER_-prefixed environment variables, applying defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("IMAGEHOSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.ServiceURL == "" {
		return nil, fmt.Errorf("service_url is required")
	}
	cfg.ServiceURL = strings.TrimRight(cfg.ServiceURL, "/")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8800)
	v.SetDefault("num_workers", 0)
	v.SetDefault("max_image_size", 30_000_000)
	v.SetDefault("rpc_node", []string{"https://api.hive.blog"})

	v.SetDefault("upload_store.type", "fs")
	v.SetDefault("upload_store.path", "data/uploads")
	v.SetDefault("proxy_store.type", "fs")
	v.SetDefault("proxy_store.path", "data/proxied")
	v.SetDefault("proxy_store.max_image_width", 1280)
	v.SetDefault("proxy_store.max_image_height", 1280)
	v.SetDefault("proxy_store.max_custom_image_width", 8000)
	v.SetDefault("proxy_store.max_custom_image_height", 8000)

	v.SetDefault("upload_limits.duration", time.Hour)
	v.SetDefault("upload_limits.max", 10)
	v.SetDefault("upload_limits.reputation", 10)

	v.SetDefault("blacklist.cache_ttl", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
}
