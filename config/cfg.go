package config

import (
	"fmt"
	"os"
	"strings"

	httpapi "github.com/jekabolt/o2o-ledger/internal/api/http"
	"github.com/jekabolt/o2o-ledger/internal/bucket"
	"github.com/jekabolt/o2o-ledger/internal/columnar"
	"github.com/jekabolt/o2o-ledger/internal/ingest"
	"github.com/jekabolt/o2o-ledger/internal/preagg"
	"github.com/jekabolt/o2o-ledger/internal/router"
	"github.com/jekabolt/o2o-ledger/internal/store"
	"github.com/jekabolt/o2o-ledger/internal/telemetry"
	"github.com/jekabolt/o2o-ledger/log"
	"github.com/spf13/viper"
)

// AggregatorConfig controls how order lines collapse into orders.
type AggregatorConfig struct {
	Validate bool `mapstructure:"validate"`
	// Epsilon is the tolerated difference between order-level amounts of one order.
	Epsilon          string `mapstructure:"epsilon"`
	MarketingFormula string `mapstructure:"marketing_formula"`
	// Timezone applies to timestamps without an offset.
	Timezone string `mapstructure:"timezone"`
	// FieldsFile replaces the embedded field registry when set.
	FieldsFile string `mapstructure:"fields_file"`
}

// ChannelsConfig lists channels by commission behaviour. Unlisted channels do
// not charge commission.
type ChannelsConfig struct {
	Commission []string `mapstructure:"commission"`
	Free       []string `mapstructure:"free"`
}

// Config represents the global configuration for the service.
type Config struct {
	DB         store.Config     `mapstructure:"db"`
	Logger     log.Config       `mapstructure:"logger"`
	HTTP       httpapi.Config   `mapstructure:"http"`
	Columnar   columnar.Config  `mapstructure:"columnar"`
	Bucket     bucket.Config    `mapstructure:"bucket"`
	Cache      preagg.Config    `mapstructure:"cache"`
	Router     router.Config    `mapstructure:"router"`
	Ingest     ingest.Config    `mapstructure:"ingest"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Channels   ChannelsConfig   `mapstructure:"channels"`
	Telemetry  telemetry.Config `mapstructure:"telemetry"`
}

// LoadConfig loads the configuration from a file and/or environment variables.
// Environment variables take precedence over config file values.
// Nested config keys use double underscore, e.g. DB__DSN for db.dsn.
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__", "-", "__"))
	bindEnvVars(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %v", err)
			}
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/config/o2o-ledger")
		v.AddConfigPath("/etc/o2o-ledger")
		_ = v.ReadInConfig()
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config into struct: %v", err)
	}

	// MySQL DSN from individual env vars when no DSN is set
	if config.DB.DSN == "" && config.DB.Driver == store.DriverMySQL {
		host := os.Getenv("MYSQL_HOST")
		port := os.Getenv("MYSQL_PORT")
		user := os.Getenv("MYSQL_USER")
		password := os.Getenv("MYSQL_PASSWORD")
		database := os.Getenv("MYSQL_DATABASE")
		if host != "" && user != "" && password != "" && database != "" {
			if port == "" {
				port = "3306"
			}
			config.DB.DSN = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8&parseTime=true",
				user, password, host, port, database)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.driver", store.DriverSQLite)
	v.SetDefault("db.dsn", "file:data/ledger.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	v.SetDefault("db.automigrate", true)

	v.SetDefault("logger.level", 0)
	v.SetDefault("logger.format", "json")

	hc := httpapi.DefaultConfig()
	v.SetDefault("http.port", hc.Port)
	v.SetDefault("http.address", hc.Address)
	v.SetDefault("http.request_timeout", hc.RequestTimeout)
	v.SetDefault("http.max_body_bytes", hc.MaxBodyBytes)
	v.SetDefault("http.write_rate_limit", hc.WriteRateLimit)
	v.SetDefault("http.write_rate_window", hc.WriteRateWindow)

	cc := columnar.DefaultConfig()
	v.SetDefault("columnar.dir", cc.Dir)
	v.SetDefault("columnar.retain_generations", cc.RetainGenerations)
	v.SetDefault("columnar.scan_parallelism", cc.ScanParallelism)

	pc := preagg.DefaultConfig()
	v.SetDefault("cache.modes", pc.Modes)
	v.SetDefault("cache.parallelism", pc.Parallelism)
	v.SetDefault("cache.closed_days", pc.ClosedDays)
	v.SetDefault("cache.closed_days_schedule", pc.ClosedDaysSchedule)
	v.SetDefault("cache.today_schedule", pc.TodaySchedule)
	v.SetDefault("cache.lock_backend", pc.LockBackend)
	v.SetDefault("cache.lock_ttl", pc.LockTTL)
	v.SetDefault("cache.redis_prefix", pc.RedisPrefix)

	rc := router.DefaultConfig()
	v.SetDefault("router.switch_threshold", rc.SwitchThreshold)
	v.SetDefault("router.oltp_pool_size", rc.OLTPPoolSize)
	v.SetDefault("router.olap_pool_size", rc.OLAPPoolSize)
	v.SetDefault("router.query_timeout", rc.QueryTimeout)
	v.SetDefault("router.use_cache", rc.UseCache)
	v.SetDefault("router.rebuild_on_miss", rc.RebuildOnMiss)
	v.SetDefault("router.max_rebuild_days", rc.MaxRebuildDays)

	ic := ingest.DefaultConfig()
	v.SetDefault("ingest.rebuild_on_ingest", ic.RebuildOnIngest)
	v.SetDefault("ingest.partitions", ic.Partitions)

	v.SetDefault("aggregator.validate", true)
	v.SetDefault("aggregator.epsilon", "0.01")
	v.SetDefault("aggregator.marketing_formula", "v3.1")
	v.SetDefault("aggregator.timezone", "UTC")

	v.SetDefault("channels.commission", []string{"meituan", "eleme", "jddj"})

	tc := telemetry.DefaultConfig()
	v.SetDefault("telemetry.enabled", tc.Enabled)
	v.SetDefault("telemetry.service_name", tc.ServiceName)
	v.SetDefault("telemetry.otlp_endpoint", tc.OTLPEndpoint)
	v.SetDefault("telemetry.sample_rate", tc.SampleRate)
	v.SetDefault("telemetry.export_interval", tc.ExportInterval)
}

// bindEnvVars binds flat environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	// DB
	v.BindEnv("db.driver", "DB_DRIVER")
	v.BindEnv("db.dsn", "DB_DSN")
	v.BindEnv("db.automigrate", "DB_AUTOMIGRATE")
	v.BindEnv("db.max_open_connections", "DB_MAX_OPEN_CONNECTIONS")
	v.BindEnv("db.max_idle_connections", "DB_MAX_IDLE_CONNECTIONS")
	v.BindEnv("db.tls_ca_path", "DB_TLS_CA_PATH")

	// Logger
	v.BindEnv("logger.level", "LOG_LEVEL")
	v.BindEnv("logger.add_source", "LOG_ADD_SOURCE")
	v.BindEnv("logger.format", "LOG_FORMAT")

	// HTTP
	v.BindEnv("http.port", "HTTP_PORT")
	v.BindEnv("http.address", "HTTP_ADDRESS")
	v.BindEnv("http.allowed_origins", "HTTP_ALLOWED_ORIGINS")

	// Columnar
	v.BindEnv("columnar.dir", "COLUMNAR_DIR")

	// Bucket
	v.BindEnv("bucket.enabled", "BUCKET_ENABLED")
	v.BindEnv("bucket.s3AccessKey", "BUCKET_S3_ACCESS_KEY")
	v.BindEnv("bucket.s3SecretAccessKey", "BUCKET_S3_SECRET_ACCESS_KEY")
	v.BindEnv("bucket.s3Endpoint", "BUCKET_S3_ENDPOINT")
	v.BindEnv("bucket.s3BucketName", "BUCKET_S3_BUCKET_NAME")
	v.BindEnv("bucket.s3BucketLocation", "BUCKET_S3_BUCKET_LOCATION")
	v.BindEnv("bucket.baseFolder", "BUCKET_BASE_FOLDER")

	// Cache
	v.BindEnv("cache.lock_backend", "CACHE_LOCK_BACKEND")
	v.BindEnv("cache.redis_addr", "CACHE_REDIS_ADDR")
	v.BindEnv("cache.redis_password", "CACHE_REDIS_PASSWORD")

	// Router
	v.BindEnv("router.switch_threshold", "ROUTER_SWITCH_THRESHOLD")
	v.BindEnv("router.use_cache", "ROUTER_USE_CACHE")
	v.BindEnv("router.rebuild_on_miss", "ROUTER_REBUILD_ON_MISS")

	// Telemetry
	v.BindEnv("telemetry.enabled", "OTEL_ENABLED")
	v.BindEnv("telemetry.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	v.BindEnv("telemetry.insecure", "OTEL_EXPORTER_OTLP_INSECURE")
}
