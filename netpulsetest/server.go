package netpulsetest

// Package netpulsetest runs an in-process NetPulse API for tests. Jobs move
// from queued to started to a terminal state as they are polled, so client
// code can be exercised end to end without a real controller.

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tkspuk/netpulse-sdk/model"
)

const DefaultAPIKey = "test-api-key"

// Outcome is the terminal state a job reaches.
type Outcome struct {
	Status model.Status
	// Raw result document: {"type", "retval", "error"}
	Result map[string]any
}

// OutcomeFunc decides how the job for host ends.
type OutcomeFunc func(host string, commands []string) Outcome

// Request is a request the server received.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   map[string]any
}

type fakeJob struct {
	id        string
	host      string
	commands  []string
	queue     string
	taskID    string
	status    model.Status
	polls     int
	outcome   Outcome
	createdAt time.Time
}

// Server is a fake NetPulse API.
type Server struct {
	URL    string
	APIKey string

	srv *httptest.Server

	mu         sync.Mutex
	seq        int
	jobs       map[string]*fakeJob
	order      []string
	polls      int
	outcome    OutcomeFunc
	rejected   map[string]string
	bulkEcho   bool
	flaky      map[string]int
	probeCodes map[string]int
	workers    []model.Worker
	tasks      map[string]*model.DetachedTask
	taskOrder  []string
	files      map[string][]byte
	requests   []Request
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey sets the key clients must send.
func WithAPIKey(key string) Option {
	return func(s *Server) {
		s.APIKey = key
	}
}

// WithPolls sets how many status polls a job needs to become terminal.
func WithPolls(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.polls = n
		}
	}
}

// WithOutcome replaces the default outcome, which finishes every command
// with "<host>: <command>" as stdout.
func WithOutcome(fn OutcomeFunc) Option {
	return func(s *Server) {
		s.outcome = fn
	}
}

// WithRejectedHost makes bulk submissions reject host with reason.
func WithRejectedHost(host, reason string) Option {
	return func(s *Server) {
		s.rejected[host] = reason
	}
}

// WithoutBulkEcho omits connection_args from bulk job documents so clients
// must name jobs from the submitted device list.
func WithoutBulkEcho() Option {
	return func(s *Server) {
		s.bulkEcho = false
	}
}

// WithFlakyPath answers the first n requests to path with 503.
func WithFlakyPath(path string, n int) Option {
	return func(s *Server) {
		s.flaky[path] = n
	}
}

// WithProbeStatus answers connection tests for host with an HTTP error.
func WithProbeStatus(host string, code int) Option {
	return func(s *Server) {
		s.probeCodes[host] = code
	}
}

// WithWorker registers a worker.
func WithWorker(w model.Worker) Option {
	return func(s *Server) {
		s.workers = append(s.workers, w)
	}
}

// WithDetachedTask registers a detached task.
func WithDetachedTask(t model.DetachedTask) Option {
	return func(s *Server) {
		s.tasks[t.TaskID] = &t
		s.taskOrder = append(s.taskOrder, t.TaskID)
	}
}

// WithFile serves data under /files/<name>.
func WithFile(name string, data []byte) Option {
	return func(s *Server) {
		s.files[name] = data
	}
}

// New starts a server that is closed when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	s := &Server{
		APIKey:     DefaultAPIKey,
		jobs:       make(map[string]*fakeJob),
		polls:      2,
		outcome:    DefaultOutcome,
		rejected:   make(map[string]string),
		bulkEcho:   true,
		flaky:      make(map[string]int),
		probeCodes: make(map[string]int),
		tasks:      make(map[string]*model.DetachedTask),
		files:      make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.srv = httptest.NewServer(s.Router())
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)
	return s
}

// DefaultOutcome finishes every command successfully.
func DefaultOutcome(host string, commands []string) Outcome {
	items := make([]any, 0, len(commands))
	for _, c := range commands {
		items = append(items, map[string]any{
			"command":     c,
			"stdout":      fmt.Sprintf("%s: %s", host, c),
			"stderr":      "",
			"exit_status": 0,
			"metadata":    map[string]any{"host": host},
		})
	}
	return Outcome{
		Status: model.StatusFinished,
		Result: map[string]any{"type": 1, "retval": items},
	}
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record, s.auth, s.flakiness)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Post("/device/exec", s.handleExec)
	r.Post("/device/bulk", s.handleBulk)
	r.Post("/device/test-connection", s.handleTestConnection)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Delete("/jobs/{id}", s.handleDeleteJob)
	r.Get("/job", s.handleListJobs)
	r.Delete("/job", s.handleCancelJobs)
	r.Get("/worker", s.handleListWorkers)
	r.Route("/detached-tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Delete("/{id}", s.handleCancelTask)
	})
	r.Get("/files/*", s.handleFile)
	return r
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// LastRequest returns the most recent request to path.
func (s *Server) LastRequest(method, path string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].Method == method && s.requests[i].Path == path {
			return s.requests[i], true
		}
	}
	return Request{}, false
}

// JobStatus returns the server-side status of a job.
func (s *Server) JobStatus(id string) model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.status
	}
	return ""
}

// CompleteTask marks a detached task as completed with the given output.
func (s *Server) CompleteTask(id, stdout string, exitStatus int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Status = "completed"
		t.Stdout = stdout
		t.ExitStatus = &exitStatus
	}
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
		}
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			_ = r.Body.Close()
			if len(data) > 0 {
				_ = json.Unmarshal(data, &req.Body)
			}
			r.Body = io.NopCloser(strings.NewReader(string(data)))
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != s.APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) flakiness(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		remaining := s.flaky[r.URL.Path]
		if remaining > 0 {
			s.flaky[r.URL.Path] = remaining - 1
		}
		s.mu.Unlock()
		if remaining > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"detail": "try again"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submission struct {
	Driver         string           `json:"driver"`
	ConnectionArgs map[string]any   `json:"connection_args"`
	Devices        []map[string]any `json:"devices"`
	Command        model.StringList `json:"command"`
	Config         model.StringList `json:"config"`
	TTL            int              `json:"ttl"`
	QueueStrategy  string           `json:"queue_strategy"`
	Detach         bool             `json:"detach"`
}

func (s *Server) decodeSubmission(w http.ResponseWriter, r *http.Request) (submission, bool) {
	var sub submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid JSON body"})
		return sub, false
	}
	if len(sub.Command) == 0 && len(sub.Config) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": []any{
			map[string]any{"loc": []any{"body", "command"}, "msg": "command or config is required"},
		}})
		return sub, false
	}
	return sub, true
}

func (sub submission) operations() []string {
	if len(sub.Command) > 0 {
		return sub.Command
	}
	return sub.Config
}

// newJob must be called with s.mu held.
func (s *Server) newJob(host string, sub submission) *fakeJob {
	s.seq++
	queue := "fifo"
	if sub.QueueStrategy == "pinned" {
		queue = "pinned_" + host
	}
	j := &fakeJob{
		id:        fmt.Sprintf("job-%04d-%s", s.seq, strings.ReplaceAll(host, ".", "-")),
		host:      host,
		commands:  sub.operations(),
		queue:     queue,
		status:    model.StatusQueued,
		outcome:   s.outcome(host, sub.operations()),
		createdAt: time.Date(2024, 5, 1, 10, 0, s.seq, 0, time.UTC),
	}
	if sub.Detach {
		j.taskID = "task-" + j.id
		task := &model.DetachedTask{
			TaskID:   j.taskID,
			JobID:    j.id,
			Status:   "running",
			Command:  model.StringList(j.commands),
			Metadata: map[string]any{"host": host},
		}
		s.tasks[task.TaskID] = task
		s.taskOrder = append(s.taskOrder, task.TaskID)
	}
	s.jobs[j.id] = j
	s.order = append(s.order, j.id)
	return j
}

func (j *fakeJob) doc(echo bool) map[string]any {
	d := map[string]any{
		"id":          j.id,
		"status":      string(j.status),
		"queue":       j.queue,
		"created_at":  j.createdAt.Format(time.RFC3339),
		"enqueued_at": j.createdAt.Format(time.RFC3339),
	}
	if echo {
		d["connection_args"] = map[string]any{"host": j.host}
	}
	if j.taskID != "" {
		d["task_id"] = j.taskID
	}
	if j.status != model.StatusQueued {
		d["worker"] = "worker-1"
		d["started_at"] = j.createdAt.Add(time.Second).Format(time.RFC3339)
	}
	if j.status.IsTerminal() {
		d["ended_at"] = j.createdAt.Add(3 * time.Second).Format(time.RFC3339)
		d["duration"] = 2.0
		d["queue_time"] = 1.0
		if j.status != model.StatusCanceled {
			d["result"] = j.outcome.Result
		}
	}
	return d
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.decodeSubmission(w, r)
	if !ok {
		return
	}
	host, _ := sub.ConnectionArgs["host"].(string)
	if host == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": "connection_args.host is required"})
		return
	}

	s.mu.Lock()
	j := s.newJob(host, sub)
	doc := j.doc(true)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, envelope(doc))
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.decodeSubmission(w, r)
	if !ok {
		return
	}

	succeeded := []any{}
	failed := []any{}
	s.mu.Lock()
	for _, d := range sub.Devices {
		host, _ := d["host"].(string)
		if reason, rejected := s.rejected[host]; rejected {
			failed = append(failed, map[string]any{"host": host, "reason": reason})
			continue
		}
		succeeded = append(succeeded, s.newJob(host, sub).doc(s.bulkEcho))
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, envelope(map[string]any{
		"succeeded": succeeded,
		"failed":    failed,
	}))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Job not found"})
		return
	}
	if !j.status.IsTerminal() {
		j.polls++
		if j.polls >= s.polls {
			j.status = j.outcome.Status
		} else {
			j.status = model.StatusStarted
		}
	}
	writeJSON(w, http.StatusOK, j.doc(true))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Job not found"})
		return
	}
	if j.status != model.StatusQueued {
		writeJSON(w, http.StatusOK, envelope(false))
		return
	}
	j.status = model.StatusCanceled
	writeJSON(w, http.StatusOK, envelope(true))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	s.mu.Lock()
	defer s.mu.Unlock()
	docs := []any{}
	for _, id := range s.order {
		j := s.jobs[id]
		if v := q.Get("id"); v != "" && v != j.id {
			continue
		}
		if v := q.Get("status"); v != "" && v != string(j.status) {
			continue
		}
		if v := q.Get("queue"); v != "" && v != j.queue {
			continue
		}
		docs = append(docs, j.doc(true))
	}
	writeJSON(w, http.StatusOK, envelope(docs))
}

func (s *Server) handleCancelJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	s.mu.Lock()
	defer s.mu.Unlock()
	canceled := []string{}
	for _, id := range s.order {
		j := s.jobs[id]
		if j.status != model.StatusQueued {
			continue
		}
		if v := q.Get("id"); v != "" && v != j.id {
			continue
		}
		if v := q.Get("queue"); v != "" && v != j.queue {
			continue
		}
		j.status = model.StatusCanceled
		canceled = append(canceled, j.id)
	}
	writeJSON(w, http.StatusOK, envelope(canceled))
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Driver         string         `json:"driver"`
		ConnectionArgs map[string]any `json:"connection_args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid JSON body"})
		return
	}
	host, _ := body.ConnectionArgs["host"].(string)

	s.mu.Lock()
	code := s.probeCodes[host]
	reason, rejected := s.rejected[host]
	s.mu.Unlock()

	if code != 0 {
		writeJSON(w, code, map[string]any{"detail": "probe failed for " + host})
		return
	}
	result := map[string]any{
		"ok":          !rejected,
		"host":        host,
		"driver":      body.Driver,
		"duration_ms": 50,
		"timestamp":   "2024-05-01T10:00:00Z",
	}
	if rejected {
		result["error"] = reason
	} else {
		result["latency"] = 0.05
		result["prompt"] = host + "#"
	}
	writeJSON(w, http.StatusOK, envelope(result))
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("queue")

	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Worker{}
	for _, wk := range s.workers {
		if queue == "" || slices.Contains(wk.Queues, queue) {
			out = append(out, wk)
		}
	}
	writeJSON(w, http.StatusOK, envelope(out))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.DetachedTask{}
	for _, id := range s.taskOrder {
		out = append(out, *s.tasks[id])
	}
	writeJSON(w, http.StatusOK, envelope(out))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Task not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope(t))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Task not found"})
		return
	}
	if t.Status != "running" {
		writeJSON(w, http.StatusOK, envelope(false))
		return
	}
	t.Status = "killed"
	writeJSON(w, http.StatusOK, envelope(true))
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")

	s.mu.Lock()
	data, ok := s.files[name]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "File not found"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func envelope(data any) map[string]any {
	return map[string]any{"code": 200, "message": "success", "data": data}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
