package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Sources   []string        `mapstructure:"sources"`
	Triggers  TriggersConfig  `mapstructure:"triggers"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Retention RetentionConfig `mapstructure:"retention"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	State     StateConfig     `mapstructure:"state"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Supabase  SupabaseConfig  `mapstructure:"supabase"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

type TriggersConfig struct {
	AutoTrainThreshold int64         `mapstructure:"auto_train_threshold"`
	ScrapeWindow       time.Duration `mapstructure:"scrape_window"`
	ScrapeMinRecent    int64         `mapstructure:"scrape_min_recent"`
	ProcessBacklog     int           `mapstructure:"process_backlog"`
	TrainCooldown      time.Duration `mapstructure:"train_cooldown"`
}

type ScheduleConfig struct {
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	CleanupTime     string        `mapstructure:"cleanup_time"`
	Timezone        string        `mapstructure:"timezone"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	StatsWindow     time.Duration `mapstructure:"stats_window"`
}

type RetentionConfig struct {
	Jobs      time.Duration `mapstructure:"jobs"`
	UsageLogs time.Duration `mapstructure:"usage_logs"`
	Archive   bool          `mapstructure:"archive"`
}

type TimeoutsConfig struct {
	Scrape  time.Duration `mapstructure:"scrape"`
	Process time.Duration `mapstructure:"process"`
	Train   time.Duration `mapstructure:"train"`
}

// State Repository backends.
const (
	BackendGorm      = "gorm"
	BackendPostgREST = "postgrest"
)

// StateConfig selects the State Repository backend.
type StateConfig struct {
	Backend string `mapstructure:"backend"` // gorm, postgrest
}

type SupabaseConfig struct {
	URL            string `mapstructure:"url"`
	ServiceRoleKey string `mapstructure:"service_role_key"`
}

type RedisConfig struct {
	URL       string `mapstructure:"url"`
	Password  string `mapstructure:"password"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`
}

// Load reads configuration from an optional YAML file, .env and the environment.
func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Names kept from the worker deployments' environment
	v.BindEnv("sources", "SOURCES")
	v.BindEnv("triggers.auto_train_threshold", "AUTO_TRAIN_THRESHOLD")
	v.BindEnv("schedule.monitor_interval", "MONITOR_INTERVAL")
	v.BindEnv("schedule.cleanup_time", "CLEANUP_TIME")
	v.BindEnv("schedule.timezone", "SCHEDULER_TZ")
	v.BindEnv("state.backend", "STATE_BACKEND")
	v.BindEnv("supabase.url", "SUPABASE_URL")
	v.BindEnv("supabase.service_role_key", "SUPABASE_SERVICE_ROLE_KEY")
	v.BindEnv("redis.url", "REDIS_URL")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("server.port", "METRICS_PORT")
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.region", "STORAGE_REGION")

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Sources = normalizeSources(cfg.Sources)

	return &cfg, nil
}

// secondsDurationHook decodes durations from Go duration strings ("30m")
// and from bare numbers, which are read as seconds ("1800", 1800).
func secondsDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType {
			return data, nil
		}
		switch d := data.(type) {
		case time.Duration:
			return d, nil
		case string:
			s := strings.TrimSpace(d)
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return time.ParseDuration(s)
		case int:
			return time.Duration(d) * time.Second, nil
		case int64:
			return time.Duration(d) * time.Second, nil
		case uint64:
			return time.Duration(d) * time.Second, nil
		case float64:
			return time.Duration(d * float64(time.Second)), nil
		}
		return data, nil
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sources", []string{"tech_news", "ai_research", "programming_blogs"})

	v.SetDefault("triggers.auto_train_threshold", 1000)
	v.SetDefault("triggers.scrape_window", 6*time.Hour)
	v.SetDefault("triggers.scrape_min_recent", 10)
	v.SetDefault("triggers.process_backlog", 5)
	v.SetDefault("triggers.train_cooldown", 24*time.Hour)

	v.SetDefault("schedule.monitor_interval", 30*time.Minute)
	v.SetDefault("schedule.cleanup_time", "02:00")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("schedule.request_timeout", 30*time.Second)
	v.SetDefault("schedule.stats_window", 24*time.Hour)

	v.SetDefault("retention.jobs", 7*24*time.Hour)
	v.SetDefault("retention.usage_logs", 30*24*time.Hour)
	v.SetDefault("retention.archive", false)

	v.SetDefault("timeouts.scrape", time.Hour)
	v.SetDefault("timeouts.process", 2*time.Hour)
	v.SetDefault("timeouts.train", 6*time.Hour)

	v.SetDefault("state.backend", BackendGorm)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/pipeline.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.key_prefix", "pipeline")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8004)
	v.SetDefault("server.mode", "release")

	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.bucket", "pipeline-archive")
	v.SetDefault("storage.prefix", "archive")
}

// normalizeSources splits comma-separated entries (as delivered by the
// SOURCES env var) and trims whitespace. Empty names are dropped.
func normalizeSources(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, name := range strings.Split(entry, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// JobTimeout returns the execution timeout for the named stage.
func (c *TimeoutsConfig) JobTimeout(stage string) time.Duration {
	switch stage {
	case "scrape":
		return c.Scrape
	case "process":
		return c.Process
	case "train":
		return c.Train
	default:
		return 0
	}
}
