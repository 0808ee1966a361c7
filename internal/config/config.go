package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/weiawesome/derma-console/pkg/config"
	"github.com/weiawesome/derma-console/pkg/database"
	"github.com/weiawesome/derma-console/pkg/log"
	"github.com/weiawesome/derma-console/pkg/pubsub"
)

type Config struct {
	Server   ServerConfig
	Backend  BackendConfig
	Realtime RealtimeConfig
	Chat     ChatConfig
	Session  SessionConfig
	Database database.Config
	Relay    RelayConfig
	Log      log.Config
}

// ServerConfig is the loopback gateway the UI shell reads from.
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type BackendConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Timeout time.Duration
}

type RealtimeConfig struct {
	URL                string
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	PongWait           time.Duration `mapstructure:"pong_wait"`
	WriteWait          time.Duration `mapstructure:"write_wait"`
	MaxMessageSize     int64         `mapstructure:"max_message_size"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	AuthTimeout        time.Duration `mapstructure:"auth_timeout"`
	Reconnect          ReconnectConfig
	NotificationEvents []string `mapstructure:"notification_events"`
	MessageEvent       string   `mapstructure:"message_event"`
}

type ReconnectConfig struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	Multiplier          float64
	RandomizationFactor float64 `mapstructure:"randomization_factor"`
	// MaxAttempts bounds consecutive failed retries; 0 retries forever.
	MaxAttempts int `mapstructure:"max_attempts"`
}

type ChatConfig struct {
	EchoPolicy  string        `mapstructure:"echo_policy"`
	EchoWindow  time.Duration `mapstructure:"echo_window"`
	TimeLayout  string        `mapstructure:"time_layout"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

type SessionConfig struct {
	PublicRoutes []string `mapstructure:"public_routes"`
}

// RelayConfig controls fan-out of toasts to other local processes.
type RelayConfig struct {
	Enabled       bool
	ChannelPrefix string `mapstructure:"channel_prefix"`
	Redis         pubsub.RedisConfig
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8790)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("backend.base_url", "http://localhost:8080/api")
	v.SetDefault("backend.timeout", "15s")
	v.SetDefault("realtime.url", "ws://localhost:8080/ws")
	v.SetDefault("realtime.ping_interval", "30s")
	v.SetDefault("realtime.pong_wait", "60s")
	v.SetDefault("realtime.write_wait", "10s")
	v.SetDefault("realtime.max_message_size", 65536)
	v.SetDefault("realtime.handshake_timeout", "10s")
	v.SetDefault("realtime.auth_timeout", "10s")
	v.SetDefault("realtime.reconnect.initial_interval", "1s")
	v.SetDefault("realtime.reconnect.max_interval", "30s")
	v.SetDefault("realtime.reconnect.multiplier", 2.0)
	v.SetDefault("realtime.reconnect.randomization_factor", 0.5)
	v.SetDefault("realtime.reconnect.max_attempts", 0)
	v.SetDefault("realtime.notification_events", []string{"new_notification", "notification", "appointment_notification"})
	v.SetDefault("realtime.message_event", "new_message")
	v.SetDefault("chat.echo_policy", "content")
	v.SetDefault("chat.echo_window", "10s")
	v.SetDefault("chat.time_layout", "15:04")
	v.SetDefault("chat.send_timeout", "15s")
	v.SetDefault("session.public_routes", []string{"/login", "/register", "/forgot-password"})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "./data/console.db")
	v.SetDefault("database.log_level", "silent")
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.channel_prefix", "derma")
	v.SetDefault("relay.redis.address", "localhost:6379")
	v.SetDefault("relay.redis.pool_size", 4)
	v.SetDefault("relay.redis.read_timeout", "3s")
	v.SetDefault("relay.redis.write_timeout", "3s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.component", "derma-console")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("backend.base_url", "BACKEND_URL")
	v.BindEnv("realtime.url", "REALTIME_URL")
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.file_path", "DB_FILE")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("relay.redis.address", "REDIS_ADDRESS")
	v.BindEnv("relay.redis.password", "REDIS_PASSWORD")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Server.ShutdownTimeout = parseDuration(v, "server.shutdown_timeout", 10*time.Second)
	cfg.Backend.Timeout = parseDuration(v, "backend.timeout", 15*time.Second)
	cfg.Realtime.PingInterval = parseDuration(v, "realtime.ping_interval", 30*time.Second)
	cfg.Realtime.PongWait = parseDuration(v, "realtime.pong_wait", 60*time.Second)
	cfg.Realtime.WriteWait = parseDuration(v, "realtime.write_wait", 10*time.Second)
	cfg.Realtime.HandshakeTimeout = parseDuration(v, "realtime.handshake_timeout", 10*time.Second)
	cfg.Realtime.AuthTimeout = parseDuration(v, "realtime.auth_timeout", 10*time.Second)
	cfg.Realtime.Reconnect.InitialInterval = parseDuration(v, "realtime.reconnect.initial_interval", time.Second)
	cfg.Realtime.Reconnect.MaxInterval = parseDuration(v, "realtime.reconnect.max_interval", 30*time.Second)
	cfg.Chat.EchoWindow = parseDuration(v, "chat.echo_window", 10*time.Second)
	cfg.Chat.SendTimeout = parseDuration(v, "chat.send_timeout", 15*time.Second)
	cfg.Relay.Redis.ReadTimeout = parseDuration(v, "relay.redis.read_timeout", 3*time.Second)
	cfg.Relay.Redis.WriteTimeout = parseDuration(v, "relay.redis.write_timeout", 3*time.Second)

	// Comma separated env values arrive as a single element.
	cfg.Realtime.NotificationEvents = splitList(cfg.Realtime.NotificationEvents)
	cfg.Session.PublicRoutes = splitList(cfg.Session.PublicRoutes)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
