package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const (
	configFileENV      = "CONFIG_FILE"
	defaultConfigFile  = "/config/samplesync.yaml"
	environmentENV     = "ENVIRONMENT"
	koanfTag           = "koanf"
	environmentDevelop = "development"
)

type Config struct {
	// Database
	DatabaseConnectRetryCount int           `koanf:"database_connect_retry_count" default:"5"`
	DatabaseConnectRetryDelay time.Duration `koanf:"database_connect_retry_delay" default:"2s"`
	DatabaseBusyTimeout       time.Duration `koanf:"database_busy_timeout" default:"5s"`
	DatabaseMaxRetries        int           `koanf:"database_max_retries" default:"5"`
	DatabaseDebug             bool          `koanf:"database_debug"`
	DatabaseFilePath          string        `koanf:"database_file_path" validate:"required"`

	// Server
	Environment   string `koanf:"environment" default:"development"`
	Hostname      string `koanf:"-"`
	ServerHost    string `koanf:"server_host" default:"0.0.0.0"`
	ServerPort    int    `koanf:"server_port" default:"3689"`
	JWTSecret     string `koanf:"jwt_secret" validate:"required"`
	WebhookSecret string `koanf:"webhook_secret"`

	// LIMS
	LIMSBaseURL          string        `koanf:"lims_base_url" validate:"required"`
	LIMSAPIKey           string        `koanf:"lims_api_key"`
	LIMSSchemaID         string        `koanf:"lims_schema_id"`
	LIMSRegistryID       string        `koanf:"lims_registry_id"`
	LIMSFolderID         string        `koanf:"lims_folder_id"`
	LIMSRequestTimeout   time.Duration `koanf:"lims_request_timeout" default:"30s"`
	LIMSPageSize         int           `koanf:"lims_page_size" default:"50"`
	RegistryPrefix       string        `koanf:"registry_prefix" default:"EBM"`
	TaskPollMaxAttempts  int           `koanf:"task_poll_max_attempts" default:"8"`
	TaskPollBaseDelay    time.Duration `koanf:"task_poll_base_delay" default:"1s"`
	BulkChunkSize        int           `koanf:"bulk_chunk_size" default:"100"`
	StatusCacheTTL       time.Duration `koanf:"status_cache_ttl" default:"10s"`
	SyncQueueBatchSize   int           `koanf:"sync_queue_batch_size" default:"25"`
	SyncQueueMaxAttempts int           `koanf:"sync_queue_max_attempts" default:"5"`
	SyncQueueRetryDelay  time.Duration `koanf:"sync_queue_retry_delay" default:"30s"`
	SyncQueueStaleAfter  time.Duration `koanf:"sync_queue_stale_after" default:"30m"`

	// Worker
	WorkerProcesses       int           `koanf:"worker_processes" default:"2"`
	WorkerPollInterval    time.Duration `koanf:"worker_poll_interval" default:"5s"`
	ImportIntervalMinutes int           `koanf:"import_interval_minutes"`
}

// New loads the configuration from struct defaults, the optional YAML file
// named by CONFIG_FILE, and finally environment variables.
func New() (*Config, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	k := koanf.New(".")

	configFile := os.Getenv(configFileENV)
	if configFile == "" {
		configFile = defaultConfigFile
	}
	if _, err := os.Stat(configFile); err == nil {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", configFile)
		}
	}

	err = k.Load(env.Provider("", ".", strings.ToLower), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load environment config")
	}

	err = k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: koanfTag})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	cfg.Hostname = hostname

	if cfg.Environment == environmentDevelop {
		loadDevelopmentConfig(cfg)
	}

	if err := validateRequired(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRequired reports every missing required key with both its
// environment variable and file key spelling.
func validateRequired(cfg *Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.WithStack(err)
	}

	t := reflect.TypeOf(*cfg)
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		key := fe.StructField()
		if f, ok := t.FieldByName(fe.StructField()); ok {
			key = f.Tag.Get(koanfTag)
		}
		missing = append(missing, fmt.Sprintf("%s (%s)", strings.ToUpper(key), key))
	}

	return errors.Errorf("missing required config: %s", strings.Join(missing, ", "))
}

func (cfg *Config) IsTest() bool {
	return cfg.Environment == "test"
}
