package lims

import (
	"bytes"
	"context"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ebmlabs/samplesync/pkg/config"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

const maxErrorBodyLen = 512

// Observer is told about every request the client makes.
type Observer interface {
	ObserveLIMSRequest(operation string, duration time.Duration, err error)
}

// Client talks to the LIMS custom-entity REST API.
type Client struct {
	baseURL        string
	apiKey         string
	schemaID       string
	registryID     string
	folderID       string
	registryPrefix string
	pageSize       int

	httpClient *http.Client
	observer   Observer
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:        strings.TrimRight(cfg.LIMSBaseURL, "/"),
		apiKey:         cfg.LIMSAPIKey,
		schemaID:       cfg.LIMSSchemaID,
		registryID:     cfg.LIMSRegistryID,
		folderID:       cfg.LIMSFolderID,
		registryPrefix: cfg.RegistryPrefix,
		pageSize:       cfg.LIMSPageSize,
		httpClient:     &http.Client{Timeout: cfg.LIMSRequestTimeout},
	}
}

// SetObserver registers o to be told about every request.
func (c *Client) SetObserver(o Observer) {
	c.observer = o
}

// RegistryPrefix is the prefix every registry code managed by this service
// carries.
func (c *Client) RegistryPrefix() string {
	return c.registryPrefix
}

// NewEntityInput builds a create request for a sample with the given
// registry code.
func (c *Client) NewEntityInput(registryCode string, fields Fields) EntityInput {
	return EntityInput{
		SchemaID:         c.schemaID,
		RegistryID:       c.registryID,
		Name:             registryCode,
		FolderID:         c.folderID,
		EntityRegistryID: registryCode,
		Fields:           fields,
	}
}

// FetchByID returns ErrNotFound when the entity doesn't exist.
func (c *Client) FetchByID(ctx context.Context, id string) (*Entity, error) {
	e := &Entity{}
	err := c.do(ctx, "fetch", http.MethodGet, "/custom-entities/"+url.PathEscape(id), nil, nil, e)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// FetchByRegistryCode returns ErrNotFound when no entity carries code.
func (c *Client) FetchByRegistryCode(ctx context.Context, code string) (*Entity, error) {
	resp := &listResponse{}
	q := url.Values{}
	q.Set("entityRegistryIds.anyOf", code)
	err := c.do(ctx, "fetch_by_registry_code", http.MethodGet, "/custom-entities", q, nil, resp)
	if err != nil {
		return nil, err
	}
	for _, e := range resp.CustomEntities {
		if e.EntityRegistryID == code {
			return e, nil
		}
	}
	return nil, errors.WithStack(ErrNotFound)
}

// ListAll walks every page of the sample schema, following the server's
// cursor until it stops returning one. Entities whose registry code doesn't
// carry the configured prefix are skipped since the listing endpoint can't
// filter on it. Each call starts a new walk. The sequence stops after the
// first error.
func (c *Client) ListAll(ctx context.Context, pageSize int) iter.Seq2[*Entity, error] {
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	return func(yield func(*Entity, error) bool) {
		cursor := ""
		for {
			q := url.Values{}
			q.Set("schemaId", c.schemaID)
			q.Set("pageSize", strconv.Itoa(pageSize))
			if cursor != "" {
				q.Set("nextToken", cursor)
			}

			page := &listResponse{}
			err := c.do(ctx, "list", http.MethodGet, "/custom-entities", q, nil, page)
			if err != nil {
				yield(nil, err)
				return
			}

			for _, e := range page.CustomEntities {
				if !strings.HasPrefix(e.EntityRegistryID, c.registryPrefix) {
					continue
				}
				if !yield(e, nil) {
					return
				}
			}

			if page.NextToken == "" {
				return
			}
			cursor = page.NextToken
		}
	}
}

func (c *Client) Create(ctx context.Context, input EntityInput) (*Entity, error) {
	e := &Entity{}
	err := c.do(ctx, "create", http.MethodPost, "/custom-entities", nil, input, e)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (c *Client) Update(ctx context.Context, id string, fields Fields) (*Entity, error) {
	e := &Entity{}
	err := c.do(ctx, "update", http.MethodPatch, "/custom-entities/"+url.PathEscape(id), nil, updateRequest{Fields: fields}, e)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Delete returns ErrNotFound when the entity is already gone.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, "delete", http.MethodDelete, "/custom-entities/"+url.PathEscape(id), nil, nil, nil)
}

// BulkCreate starts an asynchronous create and returns its task id.
func (c *Client) BulkCreate(ctx context.Context, inputs []EntityInput) (string, error) {
	resp := &taskResponse{}
	err := c.do(ctx, "bulk_create", http.MethodPost, "/custom-entities:bulk-create", nil, bulkCreateRequest{CustomEntities: inputs}, resp)
	if err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// BulkUpdate starts an asynchronous update and returns its task id.
func (c *Client) BulkUpdate(ctx context.Context, updates []EntityUpdate) (string, error) {
	resp := &taskResponse{}
	err := c.do(ctx, "bulk_update", http.MethodPost, "/custom-entities:bulk-update", nil, bulkUpdateRequest{CustomEntities: updates}, resp)
	if err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

func (c *Client) PollTask(ctx context.Context, taskID string) (*Task, error) {
	t := &Task{}
	err := c.do(ctx, "poll_task", http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, nil, t)
	if err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = taskID
	}
	return t, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveLIMSRequest(op, time.Since(start), err)
		}
	}()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.WithStack(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.SetBasicAuth(c.apiKey, "")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.WithStack(ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		msg := readErrorMessage(resp.Body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &TransportError{Op: op, StatusCode: resp.StatusCode, Message: msg}
		}
		return &ValidationError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "failed to decode response")}
	}
	return nil
}

// readErrorMessage pulls error.message out of an error body, falling back to
// the raw text.
func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyLen))
	payload := struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}{}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return strings.TrimSpace(string(data))
}
