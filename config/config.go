package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Store     StoreConfig
	Signaling SignalingConfig
	Transfer  TransferConfig
	ICE       ICEConfig `mapstructure:"ice"`
}

type ServerConfig struct {
	Port           string
	Environment    string
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// StoreConfig selects the coordination backend: "redis" for multi-instance
// deployments, "memory" for a single process.
type StoreConfig struct {
	Backend string
}

type SignalingConfig struct {
	PresenceTTL     time.Duration `mapstructure:"presence_ttl"`
	BufferSize      int           `mapstructure:"buffer_size"`
	BufferTTL       time.Duration `mapstructure:"buffer_ttl"`
	ReconnectGrace  time.Duration `mapstructure:"reconnect_grace"`
	RoomCapacity    int           `mapstructure:"room_capacity"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	SeqTTL          time.Duration `mapstructure:"seq_ttl"`
}

type TransferConfig struct {
	MaxFileBytes      int64         `mapstructure:"max_file_bytes"`
	MaxActivePerUser  int           `mapstructure:"max_active_per_user"`
	ChunkBytes        int           `mapstructure:"chunk_bytes"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	ReaperInterval    time.Duration `mapstructure:"reaper_interval"`
	RecordTTL         time.Duration `mapstructure:"record_ttl"`
}

// ICEConfig is handed to clients verbatim; Servers holds a JSON array of
// RTCIceServer objects so TURN credentials never need code changes.
type ICEConfig struct {
	Servers         string
	TransportPolicy string `mapstructure:"transport_policy"`
	BundlePolicy    string `mapstructure:"bundle_policy"`
	RTCPMuxPolicy   string `mapstructure:"rtcp_mux_policy"`
}

// Load reads configuration from an optional config.yaml and environment
// variables prefixed with SBDSIGNAL (e.g. SBDSIGNAL_REDIS_HOST).
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("server.jwt_secret", "change-me-in-production")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.backend", "redis")

	v.SetDefault("signaling.presence_ttl", "30s")
	v.SetDefault("signaling.buffer_size", 50)
	v.SetDefault("signaling.buffer_ttl", "5m")
	v.SetDefault("signaling.reconnect_grace", "5m")
	v.SetDefault("signaling.room_capacity", 16)
	v.SetDefault("signaling.max_message_bytes", 128*1024)
	v.SetDefault("signaling.seq_ttl", "24h")

	v.SetDefault("transfer.max_file_bytes", 500*1024*1024)
	v.SetDefault("transfer.max_active_per_user", 5)
	v.SetDefault("transfer.chunk_bytes", 64*1024)
	v.SetDefault("transfer.inactivity_timeout", "1h")
	v.SetDefault("transfer.reaper_interval", "1m")
	v.SetDefault("transfer.record_ttl", "24h")

	v.SetDefault("ice.servers", `[{"urls":["stun:stun.l.google.com:19302"]}]`)
	v.SetDefault("ice.transport_policy", "all")
	v.SetDefault("ice.bundle_policy", "balanced")
	v.SetDefault("ice.rtcp_mux_policy", "require")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SBDSIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		slog.Warn("config file not found, relying on defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
