package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host         string `yaml:"host"`
		Port         int    `yaml:"port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
		RateLimit    struct {
			PerMinute int `yaml:"per_minute"`
			Burst     int `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Database struct {
		Path           string `yaml:"path"`
		WALMode        bool   `yaml:"wal_mode"`
		MaxConnections int    `yaml:"max_connections"`
	} `yaml:"database"`
	Engine struct {
		HighPriorityThreshold int    `yaml:"high_priority_threshold"`
		RegexTimeout          string `yaml:"regex_timeout"`
		HistoryWindow         int    `yaml:"history_window"`
	} `yaml:"engine"`
	Dispatcher struct {
		QueueSize        int    `yaml:"queue_size"`
		PollInterval     string `yaml:"poll_interval"`
		EnqueueTimeout   string `yaml:"enqueue_timeout"`
		HandlerTimeout   string `yaml:"handler_timeout"`
		StopTimeout      string `yaml:"stop_timeout"`
		SummarizeLatency string `yaml:"summarize_latency"`
		SearchLatency    string `yaml:"search_latency"`
	} `yaml:"dispatcher"`
	Broadcast struct {
		// Mode is "memory" for a single instance or "nats" to fan out
		// through NATS to every instance.
		Mode                 string `yaml:"mode"`
		ChannelBufferSize    int    `yaml:"channel_buffer_size"`
		PersistAgentMessages bool   `yaml:"persist_agent_messages"`
		NATS                 struct {
			URL           string `yaml:"url"`
			SubjectPrefix string `yaml:"subject_prefix"`
		} `yaml:"nats"`
	} `yaml:"broadcast"`
	State struct {
		// Backend keeps trigger counters in the rule store ("store") or in
		// Redis ("redis") so several dispatchers share them.
		Backend string `yaml:"backend"`
		Redis   struct {
			URL       string `yaml:"url"`
			KeyPrefix string `yaml:"key_prefix"`
			TTL       string `yaml:"ttl"`
		} `yaml:"redis"`
	} `yaml:"state"`
	Rules struct {
		File  string `yaml:"file"`
		Watch bool   `yaml:"watch"`
	} `yaml:"rules"`
	Maintenance struct {
		Enabled              bool   `yaml:"enabled"`
		Schedule             string `yaml:"schedule"`
		InteractionRetention string `yaml:"interaction_retention"`
		HistoryRetention     string `yaml:"history_retention"`
	} `yaml:"maintenance"`
	MCP struct {
		Enabled bool `yaml:"enabled"`
		HTTP    struct {
			Enabled bool   `yaml:"enabled"`
			Path    string `yaml:"path"`
		} `yaml:"http"`
		Tools struct {
			ExposeAdmin bool `yaml:"expose_admin"`
		} `yaml:"tools"`
	} `yaml:"mcp"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func Default() Config {
	cfg := Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = "30s"
	cfg.Server.WriteTimeout = "30s"
	cfg.Server.RateLimit.PerMinute = 1000
	cfg.Server.RateLimit.Burst = 200
	cfg.Database.Path = "./agentlisten.db"
	cfg.Database.WALMode = true
	cfg.Database.MaxConnections = 10
	cfg.Engine.HighPriorityThreshold = 5
	cfg.Engine.RegexTimeout = "100ms"
	cfg.Engine.HistoryWindow = 10
	cfg.Dispatcher.QueueSize = 1000
	cfg.Dispatcher.PollInterval = "1s"
	cfg.Dispatcher.EnqueueTimeout = "2s"
	cfg.Dispatcher.HandlerTimeout = "30s"
	cfg.Dispatcher.StopTimeout = "5s"
	cfg.Dispatcher.SummarizeLatency = "2s"
	cfg.Dispatcher.SearchLatency = "1s"
	cfg.Broadcast.Mode = "memory"
	cfg.Broadcast.ChannelBufferSize = 256
	cfg.Broadcast.PersistAgentMessages = true
	cfg.Broadcast.NATS.URL = "nats://127.0.0.1:4222"
	cfg.Broadcast.NATS.SubjectPrefix = "agentlisten"
	cfg.State.Backend = "store"
	cfg.State.Redis.URL = "redis://127.0.0.1:6379/0"
	cfg.State.Redis.KeyPrefix = "agentlisten:rule:"
	cfg.State.Redis.TTL = "720h"
	cfg.Rules.Watch = true
	cfg.Maintenance.Enabled = true
	cfg.Maintenance.Schedule = "@every 1h"
	cfg.Maintenance.InteractionRetention = "720h"
	cfg.Maintenance.HistoryRetention = "168h"
	cfg.MCP.Enabled = true
	cfg.MCP.HTTP.Enabled = true
	cfg.MCP.HTTP.Path = "/mcp"
	cfg.MCP.Tools.ExposeAdmin = true
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	overrideFromEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Addr(cfg Config) string {
	return cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
}

func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func ReadTimeout(cfg Config) time.Duration  { return duration(cfg.Server.ReadTimeout, 30*time.Second) }
func WriteTimeout(cfg Config) time.Duration { return duration(cfg.Server.WriteTimeout, 30*time.Second) }
func RegexTimeout(cfg Config) time.Duration { return duration(cfg.Engine.RegexTimeout, 100*time.Millisecond) }

func PollInterval(cfg Config) time.Duration {
	return duration(cfg.Dispatcher.PollInterval, time.Second)
}

func EnqueueTimeout(cfg Config) time.Duration {
	return duration(cfg.Dispatcher.EnqueueTimeout, 2*time.Second)
}

func HandlerTimeout(cfg Config) time.Duration {
	return duration(cfg.Dispatcher.HandlerTimeout, 30*time.Second)
}

func StopTimeout(cfg Config) time.Duration {
	return duration(cfg.Dispatcher.StopTimeout, 5*time.Second)
}

// Latencies of the simulated actions. Zero disables the delay.
func SummarizeLatency(cfg Config) time.Duration { return duration(cfg.Dispatcher.SummarizeLatency, 0) }
func SearchLatency(cfg Config) time.Duration    { return duration(cfg.Dispatcher.SearchLatency, 0) }

func StateTTL(cfg Config) time.Duration { return duration(cfg.State.Redis.TTL, 0) }

func InteractionRetention(cfg Config) time.Duration {
	return duration(cfg.Maintenance.InteractionRetention, 0)
}

func HistoryRetention(cfg Config) time.Duration {
	return duration(cfg.Maintenance.HistoryRetention, 0)
}

func envBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("AGENTLISTEN_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("AGENTLISTEN_SERVER_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = i
		}
	}
	if v := os.Getenv("AGENTLISTEN_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("AGENTLISTEN_DISPATCHER_QUEUE_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.QueueSize = i
		}
	}
	if v := os.Getenv("AGENTLISTEN_BROADCAST_MODE"); v != "" {
		cfg.Broadcast.Mode = v
	}
	if v := os.Getenv("AGENTLISTEN_NATS_URL"); v != "" {
		cfg.Broadcast.NATS.URL = v
	}
	if v := os.Getenv("AGENTLISTEN_STATE_BACKEND"); v != "" {
		cfg.State.Backend = v
	}
	if v := os.Getenv("AGENTLISTEN_REDIS_URL"); v != "" {
		cfg.State.Redis.URL = v
	}
	if v := os.Getenv("AGENTLISTEN_RULES_FILE"); v != "" {
		cfg.Rules.File = v
	}
	if v := os.Getenv("AGENTLISTEN_MCP_ENABLED"); v != "" {
		cfg.MCP.Enabled = envBool(v)
	}
	if v := os.Getenv("AGENTLISTEN_MCP_HTTP_ENABLED"); v != "" {
		cfg.MCP.HTTP.Enabled = envBool(v)
	}
	if v := os.Getenv("AGENTLISTEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AGENTLISTEN_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("invalid server.port")
	}
	if cfg.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if cfg.Engine.HighPriorityThreshold < 0 {
		return errors.New("engine.high_priority_threshold must be >= 0")
	}
	if cfg.Engine.HistoryWindow < 0 {
		return errors.New("engine.history_window must be >= 0")
	}
	if cfg.Dispatcher.QueueSize <= 0 {
		return errors.New("dispatcher.queue_size must be > 0")
	}
	for name, v := range map[string]string{
		"dispatcher.poll_interval":   cfg.Dispatcher.PollInterval,
		"dispatcher.enqueue_timeout": cfg.Dispatcher.EnqueueTimeout,
		"dispatcher.handler_timeout": cfg.Dispatcher.HandlerTimeout,
		"dispatcher.stop_timeout":    cfg.Dispatcher.StopTimeout,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	switch cfg.Broadcast.Mode {
	case "memory":
	case "nats":
		if strings.TrimSpace(cfg.Broadcast.NATS.URL) == "" {
			return errors.New("broadcast.nats.url is required in nats mode")
		}
	default:
		return fmt.Errorf("invalid broadcast.mode: %s", cfg.Broadcast.Mode)
	}
	if cfg.Broadcast.ChannelBufferSize <= 0 {
		return errors.New("broadcast.channel_buffer_size must be > 0")
	}
	switch cfg.State.Backend {
	case "store":
	case "redis":
		if strings.TrimSpace(cfg.State.Redis.URL) == "" {
			return errors.New("state.redis.url is required with the redis backend")
		}
	default:
		return fmt.Errorf("invalid state.backend: %s", cfg.State.Backend)
	}
	if strings.TrimSpace(cfg.MCP.HTTP.Path) == "" || cfg.MCP.HTTP.Path[0] != '/' {
		return errors.New("mcp.http.path must start with '/'")
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %s", cfg.Logging.Format)
	}
	return nil
}
