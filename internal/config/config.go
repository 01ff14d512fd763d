package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DB struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"db"`

	API struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"api"`

	Hub struct {
		SendBuffer      int           `mapstructure:"send_buffer"`
		MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
		WriteWait       time.Duration `mapstructure:"write_wait"`
		PongWait        time.Duration `mapstructure:"pong_wait"`
		PersistTimeout  time.Duration `mapstructure:"persist_timeout"`
		RejectProtocols []string      `mapstructure:"reject_protocols"`
		AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	} `mapstructure:"hub"`

	Query struct {
		RecentLimit int `mapstructure:"recent_limit"`
	} `mapstructure:"query"`

	AMQP struct {
		Enabled  bool     `mapstructure:"enabled"`
		DSN      string   `mapstructure:"dsn"`
		Exchange string   `mapstructure:"exchange"`
		Tag      string   `mapstructure:"tag"`
		Topics   []string `mapstructure:"topics"`
		TLS      bool     `mapstructure:"tls"`
	} `mapstructure:"amqp"`

	Client struct {
		URL               string        `mapstructure:"url"`
		APIURL            string        `mapstructure:"api_url"`
		ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
		MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
		MaxAttempts       uint          `mapstructure:"max_attempts"`
	} `mapstructure:"client"`

	Log struct {
		Env   string `mapstructure:"env"`
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("api.listen", "127.0.0.1:8080")
	v.SetDefault("hub.send_buffer", 64)
	v.SetDefault("hub.max_message_bytes", 4096)
	v.SetDefault("hub.write_wait", 10*time.Second)
	v.SetDefault("hub.pong_wait", 60*time.Second)
	v.SetDefault("hub.persist_timeout", 5*time.Second)
	v.SetDefault("hub.reject_protocols", []string{"vite-hmr"})
	v.SetDefault("hub.allowed_origins", []string{})
	v.SetDefault("query.recent_limit", 50)
	v.SetDefault("amqp.enabled", false)
	v.SetDefault("amqp.exchange", "occupancy")
	v.SetDefault("amqp.tag", "default")
	v.SetDefault("amqp.topics", []string{"occupancy.#"})
	v.SetDefault("amqp.tls", false)
	v.SetDefault("client.url", "ws://127.0.0.1:8080/ws")
	v.SetDefault("client.api_url", "http://127.0.0.1:8080")
	v.SetDefault("client.reconnect_delay", 3*time.Second)
	v.SetDefault("client.max_reconnect_delay", 30*time.Second)
	v.SetDefault("client.max_attempts", 5)
	v.SetDefault("log.env", "production")
	v.SetDefault("log.level", "info")

	// Env overrides
	v.SetEnvPrefix("OCCUPANCY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("db.dsn", "OCCUPANCY_DB_DSN")
	_ = v.BindEnv("api.listen", "OCCUPANCY_API_LISTEN")
	_ = v.BindEnv("amqp.dsn", "OCCUPANCY_AMQP_DSN")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	switch c.DB.Driver {
	case "postgres", "sqlite3", "mysql":
	default:
		return nil, fmt.Errorf("db.driver %q: want postgres, sqlite3 or mysql", c.DB.Driver)
	}
	if c.Hub.SendBuffer <= 0 {
		return nil, fmt.Errorf("hub.send_buffer must be positive")
	}
	if c.AMQP.Enabled && c.AMQP.DSN == "" {
		return nil, fmt.Errorf("amqp.dsn is required when amqp.enabled (set OCCUPANCY_AMQP_DSN or config file)")
	}
	return &c, nil
}

// RequireDB reports a missing DSN for commands that open the store.
func (c *Config) RequireDB() error {
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required (set OCCUPANCY_DB_DSN or config file)")
	}
	return nil
}
