package config

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// View is the subset of the configuration that admins can inspect. Secrets
// are reported only as whether they're set.
type View struct {
	Environment           string `json:"environment"`
	LIMSBaseURL           string `json:"lims_base_url"`
	LIMSSchemaID          string `json:"lims_schema_id"`
	LIMSRegistryID        string `json:"lims_registry_id"`
	LIMSFolderID          string `json:"lims_folder_id"`
	LIMSAPIKeySet         bool   `json:"lims_api_key_set"`
	WebhookSecretSet      bool   `json:"webhook_secret_set"`
	RegistryPrefix        string `json:"registry_prefix"`
	SyncQueueBatchSize    int    `json:"sync_queue_batch_size"`
	SyncQueueMaxAttempts  int    `json:"sync_queue_max_attempts"`
	SyncQueueRetryDelay   string `json:"sync_queue_retry_delay"`
	TaskPollMaxAttempts   int    `json:"task_poll_max_attempts"`
	TaskPollBaseDelay     string `json:"task_poll_base_delay"`
	WorkerProcesses       int    `json:"worker_processes"`
	ImportIntervalMinutes int    `json:"import_interval_minutes"`
}

func (cfg *Config) View() *View {
	return &View{
		Environment:           cfg.Environment,
		LIMSBaseURL:           cfg.LIMSBaseURL,
		LIMSSchemaID:          cfg.LIMSSchemaID,
		LIMSRegistryID:        cfg.LIMSRegistryID,
		LIMSFolderID:          cfg.LIMSFolderID,
		LIMSAPIKeySet:         cfg.LIMSAPIKey != "",
		WebhookSecretSet:      cfg.WebhookSecret != "",
		RegistryPrefix:        cfg.RegistryPrefix,
		SyncQueueBatchSize:    cfg.SyncQueueBatchSize,
		SyncQueueMaxAttempts:  cfg.SyncQueueMaxAttempts,
		SyncQueueRetryDelay:   cfg.SyncQueueRetryDelay.String(),
		TaskPollMaxAttempts:   cfg.TaskPollMaxAttempts,
		TaskPollBaseDelay:     cfg.TaskPollBaseDelay.String(),
		WorkerProcesses:       cfg.WorkerProcesses,
		ImportIntervalMinutes: cfg.ImportIntervalMinutes,
	}
}

type handler struct {
	config *Config
}

func (h *handler) retrieve(c echo.Context) error {
	return errors.WithStack(c.JSON(http.StatusOK, h.config.View()))
}
