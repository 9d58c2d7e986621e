package lims

import "time"

// Field names of the sample schema.
const (
	FieldClientName   = "client_name"
	FieldSampleType   = "sample_type"
	FieldSampleFormat = "sample_format"
	FieldSampleDate   = "sample_date"
	FieldStatus       = "status"
)

const (
	TaskStatusPending   = "PENDING"
	TaskStatusRunning   = "RUNNING"
	TaskStatusSucceeded = "SUCCEEDED"
	TaskStatusFailed    = "FAILED"
)

// Field is a single schema-tagged value of a custom entity.
type Field struct {
	Value string `json:"value"`
}

// Fields maps schema field names to their values.
type Fields map[string]Field

// Entity is a custom entity as returned by the LIMS.
type Entity struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	EntityRegistryID string    `json:"entityRegistryId"`
	SchemaID         string    `json:"schemaId,omitempty"`
	RegistryID       string    `json:"registryId,omitempty"`
	FolderID         string    `json:"folderId,omitempty"`
	Fields           Fields    `json:"fields"`
	CreatedAt        time.Time `json:"createdAt"`
	ModifiedAt       time.Time `json:"modifiedAt"`
}

// EntityInput is the body of a create request.
type EntityInput struct {
	SchemaID         string `json:"schemaId"`
	RegistryID       string `json:"registryId"`
	Name             string `json:"name"`
	FolderID         string `json:"folderId"`
	EntityRegistryID string `json:"entityRegistryId,omitempty"`
	Fields           Fields `json:"fields"`
}

// EntityUpdate is one element of a bulk update.
type EntityUpdate struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Task is the state of an asynchronous bulk job.
type Task struct {
	ID     string    `json:"id,omitempty"`
	Status string    `json:"status"`
	Data   *TaskData `json:"data,omitempty"`
	Error  string    `json:"error,omitempty"`
}

type TaskData struct {
	CustomEntities []*Entity `json:"customEntities"`
}

// Entities returns the entities a finished task produced, if any.
func (t *Task) Entities() []*Entity {
	if t == nil || t.Data == nil {
		return nil
	}
	return t.Data.CustomEntities
}

type listResponse struct {
	CustomEntities []*Entity `json:"customEntities"`
	NextToken      string    `json:"nextToken,omitempty"`
}

type bulkCreateRequest struct {
	CustomEntities []EntityInput `json:"customEntities"`
}

type bulkUpdateRequest struct {
	CustomEntities []EntityUpdate `json:"customEntities"`
}

type taskResponse struct {
	TaskID string `json:"taskId"`
}

type updateRequest struct {
	Fields Fields `json:"fields"`
}
