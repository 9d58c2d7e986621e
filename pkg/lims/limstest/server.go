// Package limstest provides an in-memory LIMS for tests.
package limstest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ebmlabs/samplesync/pkg/config"
	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/segmentio/encoding/json"
)

type task struct {
	status   string
	entities []*lims.Entity
	errMsg   string
	// pendingPolls is how many more polls report RUNNING.
	pendingPolls int
	polls        int
}

// Server is a fake LIMS speaking the custom-entity REST API.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	seq      int
	entities map[string]*lims.Entity
	order    []string
	tasks    map[string]*task
	requests map[string]int

	pageSize     int
	failStatus   int
	failCount    int
	failTasks    string
	pendingPolls int

	// Now stamps createdAt/modifiedAt. Tests may replace it.
	Now func() time.Time
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		entities: map[string]*lims.Entity{},
		tasks:    map[string]*task{},
		requests: map[string]int{},
		Now:      func() time.Time { return time.Now().UTC() },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /custom-entities/{id}", s.handleFetch)
	mux.HandleFunc("GET /custom-entities", s.handleList)
	mux.HandleFunc("POST /custom-entities", s.handleCreate)
	mux.HandleFunc("PATCH /custom-entities/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /custom-entities/{id}", s.handleDelete)
	mux.HandleFunc("POST /custom-entities:bulk-create", s.handleBulkCreate)
	mux.HandleFunc("POST /custom-entities:bulk-update", s.handleBulkUpdate)
	mux.HandleFunc("GET /tasks/{id}", s.handleTask)

	s.Server = httptest.NewServer(s.failing(mux))
	t.Cleanup(s.Close)
	return s
}

// Configure points cfg at this server.
func (s *Server) Configure(cfg *config.Config) {
	cfg.LIMSBaseURL = s.URL
}

// SetPageSize caps the page size the server answers with, regardless of what
// the client asks for. Zero means no cap.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// FailNext makes the next n requests answer with status.
func (s *Server) FailNext(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
	s.failCount = n
}

// FailTasks makes every new bulk task end FAILED with msg without applying
// its changes. An empty msg restores normal behavior.
func (s *Server) FailTasks(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTasks = msg
}

// SetPendingPolls makes every new task report RUNNING for n polls before it
// finishes.
func (s *Server) SetPendingPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPolls = n
}

// Put stores e as is, assigning an id when it has none.
func (s *Server) Put(e *lims.Entity) *lims.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = s.nextID()
	}
	if e.Fields == nil {
		e.Fields = lims.Fields{}
	}
	if e.ModifiedAt.IsZero() {
		e.ModifiedAt = s.Now()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.ModifiedAt
	}
	if _, ok := s.entities[e.ID]; !ok {
		s.order = append(s.order, e.ID)
	}
	s.entities[e.ID] = copyEntity(e)
	return copyEntity(e)
}

// Mutate edits an entity the way lab staff would.
func (s *Server) Mutate(id string, fields lims.Fields, modifiedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		panic("limstest: no entity " + id)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	e.ModifiedAt = modifiedAt
}

// Entity returns a copy of the stored entity, or nil.
func (s *Server) Entity(id string) *lims.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil
	}
	return copyEntity(e)
}

// EntityByRegistryCode returns a copy of the entity carrying code, or nil.
func (s *Server) EntityByRegistryCode(code string) *lims.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if e, ok := s.entities[id]; ok && e.EntityRegistryID == code {
			return copyEntity(e)
		}
	}
	return nil
}

// Len is the number of stored entities.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// Requests is how many requests of an operation were served. Operations are
// named like the client's: fetch, list, create, update, delete, bulk_create,
// bulk_update and poll_task.
func (s *Server) Requests(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[op]
}

// Polls is how many times a task was polled.
func (s *Server) Polls(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		return t.polls
	}
	return 0
}

// AddTask registers a task with a fixed status, for polling tests.
func (s *Server) AddTask(id, status, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = &task{status: status, errMsg: errMsg}
}

func (s *Server) failing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := 0
		if s.failCount > 0 {
			s.failCount--
			status = s.failStatus
		}
		s.mu.Unlock()
		if status != 0 {
			writeError(w, status, "forced failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["fetch"]++

	e, ok := s.entities[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := r.URL.Query()
	if codes := q.Get("entityRegistryIds.anyOf"); codes != "" {
		s.requests["fetch_by_registry_code"]++
		wanted := map[string]bool{}
		for _, c := range strings.Split(codes, ",") {
			wanted[c] = true
		}
		out := []*lims.Entity{}
		for _, id := range s.order {
			if e, ok := s.entities[id]; ok && wanted[e.EntityRegistryID] {
				out = append(out, e)
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"customEntities": out})
		return
	}

	s.requests["list"]++
	size, _ := strconv.Atoi(q.Get("pageSize"))
	if size <= 0 || (s.pageSize > 0 && size > s.pageSize) {
		size = s.pageSize
	}
	if size <= 0 {
		size = 50
	}
	start := 0
	if tok := q.Get("nextToken"); tok != "" {
		n, err := strconv.Atoi(tok)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid nextToken")
			return
		}
		start = n
	}

	ids := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if _, ok := s.entities[id]; ok {
			ids = append(ids, id)
		}
	}

	end := start + size
	if end > len(ids) {
		end = len(ids)
	}
	page := []*lims.Entity{}
	for _, id := range ids[min(start, len(ids)):end] {
		page = append(page, s.entities[id])
	}
	resp := map[string]interface{}{"customEntities": page}
	if end < len(ids) {
		resp["nextToken"] = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	input := lims.EntityInput{}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["create"]++

	e, err := s.create(input)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Fields lims.Fields `json:"fields"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["update"]++

	e, ok := s.update(r.PathValue("id"), body.Fields)
	if !ok {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["delete"]++

	id := r.PathValue("id")
	if _, ok := s.entities[id]; !ok {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	delete(s.entities, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBulkCreate(w http.ResponseWriter, r *http.Request) {
	body := struct {
		CustomEntities []lims.EntityInput `json:"customEntities"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["bulk_create"]++

	t := s.newTask()
	if t.errMsg == "" {
		for _, input := range body.CustomEntities {
			e, err := s.create(input)
			if err != nil {
				t.errMsg = err.Error()
				t.entities = nil
				break
			}
			t.entities = append(t.entities, e)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": s.taskID(t)})
}

func (s *Server) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	body := struct {
		CustomEntities []lims.EntityUpdate `json:"customEntities"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["bulk_update"]++

	t := s.newTask()
	if t.errMsg == "" {
		for _, u := range body.CustomEntities {
			e, ok := s.update(u.ID, u.Fields)
			if !ok {
				t.errMsg = "entity " + u.ID + " not found"
				t.entities = nil
				break
			}
			t.entities = append(t.entities, e)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": s.taskID(t)})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["poll_task"]++

	id := r.PathValue("id")
	t, ok := s.tasks[id]
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	t.polls++

	resp := lims.Task{ID: id, Status: t.status}
	switch {
	case t.status != "":
	case t.pendingPolls > 0:
		t.pendingPolls--
		resp.Status = lims.TaskStatusRunning
	case t.errMsg != "":
		resp.Status = lims.TaskStatusFailed
	default:
		resp.Status = lims.TaskStatusSucceeded
	}
	if resp.Status == lims.TaskStatusFailed {
		resp.Error = t.errMsg
	}
	if resp.Status == lims.TaskStatusSucceeded {
		resp.Data = &lims.TaskData{CustomEntities: t.entities}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) create(input lims.EntityInput) (*lims.Entity, error) {
	code := input.EntityRegistryID
	if code != "" {
		for _, e := range s.entities {
			if e.EntityRegistryID == code {
				return nil, fmt.Errorf("registry id %s already exists", code)
			}
		}
	}

	now := s.Now()
	e := &lims.Entity{
		ID:               s.nextID(),
		Name:             input.Name,
		EntityRegistryID: code,
		SchemaID:         input.SchemaID,
		RegistryID:       input.RegistryID,
		FolderID:         input.FolderID,
		Fields:           lims.Fields{},
		CreatedAt:        now,
		ModifiedAt:       now,
	}
	for k, v := range input.Fields {
		e.Fields[k] = v
	}
	if e.EntityRegistryID == "" {
		e.EntityRegistryID = fmt.Sprintf("LIMS%04d", s.seq)
	}
	s.entities[e.ID] = e
	s.order = append(s.order, e.ID)
	return copyEntity(e), nil
}

func (s *Server) update(id string, fields lims.Fields) (*lims.Entity, bool) {
	e, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	e.ModifiedAt = s.Now()
	return copyEntity(e), true
}

func (s *Server) newTask() *task {
	return &task{errMsg: s.failTasks, pendingPolls: s.pendingPolls}
}

func (s *Server) taskID(t *task) string {
	s.seq++
	id := "task_" + strconv.Itoa(s.seq)
	s.tasks[id] = t
	return id
}

func (s *Server) nextID() string {
	s.seq++
	return "bfi_" + strconv.Itoa(s.seq)
}

func copyEntity(e *lims.Entity) *lims.Entity {
	cp := *e
	cp.Fields = make(lims.Fields, len(e.Fields))
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	return &cp
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"message": msg},
	})
}
