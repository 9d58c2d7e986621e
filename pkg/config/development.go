package config

import (
	"os"
	"strconv"
	"time"
)

func loadDevelopmentConfig(cfg *Config) {
	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err == nil {
		cfg.ServerPort = port
	}
}

// NewForTest returns a configuration suitable for tests: an in-memory
// database, no queue backoff and fast task polling.
func NewForTest() *Config {
	return &Config{
		DatabaseFilePath:     ":memory:",
		Environment:          "test",
		ServerHost:           "127.0.0.1",
		JWTSecret:            "test-secret-key",
		WebhookSecret:        "test-webhook-secret",
		LIMSBaseURL:          "http://127.0.0.1:0",
		LIMSSchemaID:         "ts_sample",
		LIMSRegistryID:       "src_registry",
		LIMSFolderID:         "lib_samples",
		LIMSRequestTimeout:   5 * time.Second,
		LIMSPageSize:         50,
		RegistryPrefix:       "EBM",
		TaskPollMaxAttempts:  5,
		TaskPollBaseDelay:    time.Millisecond,
		BulkChunkSize:        100,
		SyncQueueBatchSize:   25,
		SyncQueueMaxAttempts: 3,
		WorkerProcesses:      1,
		WorkerPollInterval:   10 * time.Millisecond,
	}
}
