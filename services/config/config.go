package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "GATEWAY"

// Config holds all configuration for the gateway.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	HTTPPort string `mapstructure:"http_port"`

	Database struct {
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
		ReadingsTable   string        `mapstructure:"readings_table"`
	} `mapstructure:"database"`

	Transport struct {
		// Kind is "mqtt" or "nats".
		Kind               string        `mapstructure:"kind"`
		BrokerURL          string        `mapstructure:"broker_url"`
		ClientIDPrefix     string        `mapstructure:"client_id_prefix"`
		Username           string        `mapstructure:"username"`
		Password           string        `mapstructure:"password"`
		CACertFile         string        `mapstructure:"ca_cert_file"`
		ClientCertFile     string        `mapstructure:"client_cert_file"`
		ClientKeyFile      string        `mapstructure:"client_key_file"`
		InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
		Topics             []string      `mapstructure:"topics"`
		ConfigRequestTopic string        `mapstructure:"config_request_topic"`
		TimeProbeTopic     string        `mapstructure:"time_probe_topic"`
		KeepAlive          time.Duration `mapstructure:"keep_alive"`
		ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
		Reconnect          struct {
			InitialInterval time.Duration `mapstructure:"initial_interval"`
			MaxInterval     time.Duration `mapstructure:"max_interval"`
			MaxAttempts     uint          `mapstructure:"max_attempts"`
		} `mapstructure:"reconnect"`
	} `mapstructure:"transport"`

	Listener struct {
		ChannelCapacity int           `mapstructure:"channel_capacity"`
		Workers         int           `mapstructure:"workers"`
		HandleTimeout   time.Duration `mapstructure:"handle_timeout"`
		// TimeZone formats the local time in time-probe replies.
		TimeZone string `mapstructure:"time_zone"`
	} `mapstructure:"listener"`

	Processor struct {
		Interval        time.Duration `mapstructure:"interval"`
		BatchLimit      int           `mapstructure:"batch_limit"`
		Workers         int           `mapstructure:"workers"`
		RowTimeout      time.Duration `mapstructure:"row_timeout"`
		StaleClaimAfter time.Duration `mapstructure:"stale_claim_after"`
		StatsInterval   time.Duration `mapstructure:"stats_interval"`
	} `mapstructure:"processor"`

	Retention struct {
		Enabled       bool          `mapstructure:"enabled"`
		MaxAge        time.Duration `mapstructure:"max_age"`
		Interval      time.Duration `mapstructure:"interval"`
		BatchSize     int           `mapstructure:"batch_size"`
		ArchiveBucket string        `mapstructure:"archive_bucket"`
		ArchivePrefix string        `mapstructure:"archive_prefix"`
	} `mapstructure:"retention"`

	Readings struct {
		BigQueryEnabled bool          `mapstructure:"bigquery_enabled"`
		ProjectID       string        `mapstructure:"project_id"`
		DatasetID       string        `mapstructure:"dataset_id"`
		TableID         string        `mapstructure:"table_id"`
		BatchSize       int           `mapstructure:"batch_size"`
		FlushTimeout    time.Duration `mapstructure:"flush_timeout"`
	} `mapstructure:"readings"`

	Notify struct {
		Enabled   bool   `mapstructure:"enabled"`
		ProjectID string `mapstructure:"project_id"`
		TopicID   string `mapstructure:"topic_id"`
	} `mapstructure:"notify"`

	DeviceConfig struct {
		// Source is "database" or "firestore".
		Source     string `mapstructure:"source"`
		ProjectID  string `mapstructure:"project_id"`
		Collection string `mapstructure:"collection"`
	} `mapstructure:"device_config"`

	// CredentialsFile is used by every Google client when set.
	CredentialsFile string `mapstructure:"credentials_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", ":8080")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.readings_table", "readings")

	v.SetDefault("transport.kind", "mqtt")
	v.SetDefault("transport.broker_url", "tcp://localhost:1883")
	v.SetDefault("transport.client_id_prefix", "iot-gateway-")
	v.SetDefault("transport.username", "")
	v.SetDefault("transport.password", "")
	v.SetDefault("transport.ca_cert_file", "")
	v.SetDefault("transport.client_cert_file", "")
	v.SetDefault("transport.client_key_file", "")
	v.SetDefault("transport.insecure_skip_verify", false)
	v.SetDefault("transport.topics", []string{"sensor/+/telemetry", "sensor/+/rs485", "sensor/+/boot"})
	v.SetDefault("transport.config_request_topic", "get_config/+")
	v.SetDefault("transport.time_probe_topic", "cek_waktu")
	v.SetDefault("transport.keep_alive", 60*time.Second)
	v.SetDefault("transport.connect_timeout", 10*time.Second)
	v.SetDefault("transport.reconnect.initial_interval", 5*time.Second)
	v.SetDefault("transport.reconnect.max_interval", 60*time.Second)
	v.SetDefault("transport.reconnect.max_attempts", 10)

	v.SetDefault("listener.channel_capacity", 1000)
	v.SetDefault("listener.workers", 5)
	v.SetDefault("listener.handle_timeout", 30*time.Second)
	v.SetDefault("listener.time_zone", "Local")

	v.SetDefault("processor.interval", 30*time.Second)
	v.SetDefault("processor.batch_limit", 100)
	v.SetDefault("processor.workers", 1)
	v.SetDefault("processor.row_timeout", 30*time.Second)
	v.SetDefault("processor.stale_claim_after", 10*time.Minute)
	v.SetDefault("processor.stats_interval", 5*time.Minute)

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.max_age", 30*24*time.Hour)
	v.SetDefault("retention.interval", time.Hour)
	v.SetDefault("retention.batch_size", 500)
	v.SetDefault("retention.archive_bucket", "")
	v.SetDefault("retention.archive_prefix", "raw-messages")

	v.SetDefault("readings.bigquery_enabled", false)
	v.SetDefault("readings.project_id", "")
	v.SetDefault("readings.dataset_id", "")
	v.SetDefault("readings.batch_size", 100)
	v.SetDefault("readings.flush_timeout", 5*time.Second)
	v.SetDefault("readings.table_id", "readings")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic_id", "")

	v.SetDefault("device_config.source", "database")
	v.SetDefault("device_config.project_id", "")
	v.SetDefault("device_config.collection", "device_configs")
	v.SetDefault("credentials_file", "")
}

// RegisterFlags adds the command-line overrides to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "config.yaml", "Path to config file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("http-port", ":8080", "HTTP API listen address")
	flags.String("database-dsn", "", "Postgres connection string")
	flags.String("transport", "mqtt", "Message transport (mqtt, nats)")
	flags.String("broker-url", "tcp://localhost:1883", "Broker URL")
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"log-level":    "log_level",
	"http-port":    "http_port",
	"database-dsn": "database.dsn",
	"transport":    "transport.kind",
	"broker-url":   "transport.broker_url",
}

// LoadConfig builds the configuration from defaults, an optional YAML file,
// GATEWAY_* environment variables and flags, in increasing priority.
// flags may be nil.
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := "config.yaml"
	if flags != nil {
		for flagName, key := range flagKeys {
			if f := flags.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flagName, err)
				}
			}
		}
		if f := flags.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}

	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// SetConfigFile reports a missing path as a plain fs error.
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch c.Transport.Kind {
	case "mqtt", "nats":
		if c.Transport.BrokerURL == "" {
			errs = append(errs, errors.New("transport.broker_url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind must be mqtt or nats, got %q", c.Transport.Kind))
	}
	if c.Listener.Workers <= 0 {
		errs = append(errs, errors.New("listener.workers must be positive"))
	}
	if c.Processor.Interval <= 0 {
		errs = append(errs, errors.New("processor.interval must be positive"))
	}
	if c.Processor.Workers <= 0 {
		errs = append(errs, errors.New("processor.workers must be positive"))
	}
	if c.Retention.Enabled && c.Retention.MaxAge <= 0 {
		errs = append(errs, errors.New("retention.max_age must be positive when retention is enabled"))
	}
	if c.Readings.BigQueryEnabled && (c.Readings.ProjectID == "" || c.Readings.DatasetID == "" || c.Readings.TableID == "") {
		errs = append(errs, errors.New("readings.project_id, dataset_id and table_id are required when the BigQuery mirror is enabled"))
	}
	if c.Notify.Enabled && (c.Notify.ProjectID == "" || c.Notify.TopicID == "") {
		errs = append(errs, errors.New("notify.project_id and notify.topic_id are required when notifications are enabled"))
	}
	switch c.DeviceConfig.Source {
	case "database":
	case "firestore":
		if c.DeviceConfig.ProjectID == "" || c.DeviceConfig.Collection == "" {
			errs = append(errs, errors.New("device_config.project_id and collection are required for the firestore source"))
		}
	default:
		errs = append(errs, fmt.Errorf("device_config.source must be database or firestore, got %q", c.DeviceConfig.Source))
	}
	return errors.Join(errs...)
}
