// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/gdamore/nodevisor"
	"github.com/gdamore/nodevisor/config"
	"github.com/gdamore/nodevisor/history"
)

// HistorySource supplies the run history.  *history.Store implements it.
type HistorySource interface {
	List(ctx context.Context, limit int) ([]history.Run, error)
}

// Options tune a Handler.  The zero value is usable.
type Options struct {
	Logger       nodevisor.Logger
	History      HistorySource
	WebSocket    config.WebSocketConfig
	Auth         config.AuthConfig
	MaxBodyBytes int64
}

// Handler wraps a Supervisor, adding http.Handler functionality.
type Handler struct {
	s       *nodevisor.Supervisor
	r       *mux.Router
	root    http.Handler
	hub     *Hub
	history HistorySource
	logger  nodevisor.Logger
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	h.writeError(w, &Error{http.StatusInternalServerError, e.Error()})
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		http.Error(w, e.Error(), http.StatusInternalServerError)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// errorFor maps a supervisor error to its HTTP form.
func errorFor(e error) *Error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(e, nodevisor.ErrAccessDenied):
		code = http.StatusForbidden
	case errors.Is(e, nodevisor.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(e, nodevisor.ErrAlreadyRunning),
		errors.Is(e, nodevisor.ErrNotRunning),
		errors.Is(e, nodevisor.ErrEmptyCommand):
		code = http.StatusBadRequest
	case errors.Is(e, nodevisor.ErrShutdown):
		code = http.StatusServiceUnavailable
	}
	return &Error{code, e.Error()}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, e error) {
	err := errorFor(e)
	if err.Code >= http.StatusInternalServerError {
		h.logger.Warn("request failed", "path", r.URL.Path, "error", e,
			"request_id", RequestId(r.Context()))
	}
	h.writeError(w, err)
}

// readJson decodes the body into v.  An empty body leaves v untouched.
func (h *Handler) readJson(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if e := json.NewDecoder(r.Body).Decode(v); e != nil && e != io.EOF {
		h.writeError(w, &Error{http.StatusBadRequest, "Invalid JSON: " + e.Error()})
		return false
	}
	return true
}

func (h *Handler) startDefault(w http.ResponseWriter, r *http.Request) {
	if p, e := h.s.StartDefault(); e != nil {
		h.fail(w, r, e)
	} else {
		h.writeJson(w, Result{Success: true, ProcessId: p.Id()})
	}
}

func (h *Handler) stopDefault(w http.ResponseWriter, r *http.Request) {
	if e := h.s.StopDefault(); e != nil {
		h.fail(w, r, e)
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) restartDefault(w http.ResponseWriter, r *http.Request) {
	if p, e := h.s.RestartDefault(r.Context()); e != nil {
		h.fail(w, r, e)
	} else {
		h.writeJson(w, Result{Success: true, ProcessId: p.Id()})
	}
}

func (h *Handler) runProject(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !h.readJson(w, r, &req) {
		return
	}
	if p, e := h.s.Spawn(req.ProjectPath, req.MainFile); e != nil {
		h.fail(w, r, e)
	} else {
		h.writeJson(w, Result{Success: true, ProcessId: p.Id()})
	}
}

func (h *Handler) stopProcess(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if e := h.s.Stop(vars["id"]); e != nil {
		h.fail(w, r, e)
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) restartProcess(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if p, e := h.s.Restart(r.Context(), vars["id"]); e != nil {
		h.fail(w, r, e)
	} else {
		h.writeJson(w, Result{Success: true, ProcessId: p.Id()})
	}
}

func (h *Handler) restartProject(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !h.readJson(w, r, &req) {
		return
	}
	if p, e := h.s.RestartPath(r.Context(), req.ProjectPath, req.MainFile); e != nil {
		h.fail(w, r, e)
	} else {
		h.writeJson(w, Result{Success: true, ProcessId: p.Id()})
	}
}

func (h *Handler) listProcesses(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, h.s.Processes())
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !h.readJson(w, r, &req) {
		return
	}
	if e := h.s.Execute(req.Command, req.Cwd); e != nil {
		h.fail(w, r, e)
	} else {
		h.writeJson(w, ok)
	}
}

// getLogs returns the retained log as display lines.
func (h *Handler) getLogs(w http.ResponseWriter, r *http.Request) {
	recs := h.s.Broadcaster().Ring().Records(nodevisor.MaxLogRecords)
	lines := make([]string, 0, len(recs))
	for _, rec := range recs {
		lines = append(lines, rec.Line())
	}
	h.writeJson(w, lines)
}

func formatEtag(id int64) string {
	return `"` + strconv.FormatInt(id, 10) + `"`
}

func parseEtag(s string) int64 {
	s = strings.TrimPrefix(strings.TrimSpace(s), "W/")
	id, e := strconv.ParseInt(strings.Trim(s, `"`), 10, 64)
	if e != nil {
		return 0
	}
	return id
}

// getLogRecords returns the retained records, with an etag.  Given the
// etag of an earlier reply, it answers 304 if nothing changed, and with a
// wait it holds the request until something does.
func (h *Handler) getLogRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	etag := q.Get("etag")
	if etag == "" {
		etag = r.Header.Get(PollEtagHeader)
	}
	if etag == "" {
		etag = r.Header.Get("If-None-Match")
	}
	wait := q.Get("wait")
	if wait == "" {
		wait = r.Header.Get(PollTimeHeader)
	}
	secs, _ := strconv.Atoi(wait)
	if secs > MaxPollTime {
		secs = MaxPollTime
	}

	ring := h.s.Broadcaster().Ring()
	last := parseEtag(etag)
	if last != 0 && secs > 0 {
		ring.Watch(last, time.Duration(secs)*time.Second)
	}
	recs, id := ring.GetRecords(last)
	w.Header().Set("Etag", formatEtag(id))
	if recs == nil && last != 0 {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.writeJson(w, recs)
}

func (h *Handler) clearLogs(w http.ResponseWriter, r *http.Request) {
	h.s.ClearLogs()
	h.writeJson(w, ok)
}

func (h *Handler) getStartupConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, h.s.StartupConfig())
}

func (h *Handler) setStartupConfig(w http.ResponseWriter, r *http.Request) {
	sc := h.s.StartupConfig()
	if !h.readJson(w, r, &sc) {
		return
	}
	h.s.SetStartupConfig(sc)
	h.writeJson(w, h.s.StartupConfig())
}

func (h *Handler) getSystem(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, h.s.SystemInfo())
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, &Error{http.StatusNotFound, "History is not enabled"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, e := h.history.List(r.Context(), limit)
	if e != nil {
		h.internalError(w, e)
		return
	}
	h.writeJson(w, runs)
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, Health{
		Status:      "ok",
		Default:     h.s.DefaultStatus(),
		Processes:   len(h.s.Processes()),
		Subscribers: h.s.Broadcaster().Subscribers(),
		LiveClients: h.hub.ClientCount(),
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.root.ServeHTTP(w, req)
}

// Close disconnects every live channel client.
func (h *Handler) Close() {
	h.hub.Close()
}

// NewHandler returns a Handler serving s.
func NewHandler(s *nodevisor.Supervisor, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	r := mux.NewRouter()
	h := &Handler{
		s:       s,
		r:       r,
		history: opts.History,
		logger:  logger,
	}
	h.hub = NewHub(s, opts.WebSocket, logger)

	r.HandleFunc("/start", h.startDefault).Methods("POST")
	r.HandleFunc("/stop", h.stopDefault).Methods("POST")
	r.HandleFunc("/restart", h.restartDefault).Methods("POST")
	r.HandleFunc("/execute", h.execute).Methods("POST")
	r.HandleFunc("/clear-logs", h.clearLogs).Methods("POST")
	r.HandleFunc("/startup-config", h.getStartupConfig).Methods("GET")
	r.HandleFunc("/startup-config", h.setStartupConfig).Methods("POST")
	r.HandleFunc("/ws", h.hub.ServeHTTP).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/run", h.runProject).Methods("POST")
	api.HandleFunc("/stop/{id}", h.stopProcess).Methods("POST")
	api.HandleFunc("/restart", h.restartProject).Methods("POST")
	api.HandleFunc("/restart/{id}", h.restartProcess).Methods("POST")
	api.HandleFunc("/processes", h.listProcesses).Methods("GET")
	api.HandleFunc("/execute", h.execute).Methods("POST")
	api.HandleFunc("/logs", h.getLogs).Methods("GET")
	api.HandleFunc("/logs/records", h.getLogRecords).Methods("GET")
	api.HandleFunc("/logs/clear", h.clearLogs).Methods("POST")
	api.HandleFunc("/system", h.getSystem).Methods("GET")
	api.HandleFunc("/history", h.getHistory).Methods("GET")
	api.HandleFunc("/health", h.getHealth).Methods("GET")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, &Error{http.StatusNotFound, "Not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, &Error{http.StatusMethodNotAllowed, "Method not allowed"})
	})

	var root http.Handler = r
	root = bodyLimit(root, opts.MaxBodyBytes)
	root = basicAuth(root, opts.Auth, logger)
	root = recovery(root, logger)
	root = logRequests(root, logger)
	root = requestId(root)
	h.root = root
	return h
}
