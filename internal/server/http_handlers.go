package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sanonone/branchgraph/pkg/branch"
	"github.com/sanonone/branchgraph/pkg/engine"
	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/graphstore"
	"github.com/sanonone/branchgraph/pkg/migration"
	"github.com/sanonone/branchgraph/pkg/storage"
)

const maxBodyBytes = 4 << 20

func (s *Server) registerHTTPHandlers(mux *http.ServeMux) {
	// Branches
	mux.HandleFunc("GET /branches", s.handleListBranches)
	mux.HandleFunc("POST /branches", s.handleCreateBranch)
	mux.HandleFunc("GET /branches/{name}", s.handleGetBranch)
	mux.HandleFunc("POST /branches/{name}/rebase", s.handleRebaseBranch)
	mux.HandleFunc("POST /branches/{name}/close", s.handleCloseBranch)

	// Data
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("POST /nodes", s.handleCreateNode)
	mux.HandleFunc("GET /nodes/{id}/attributes/{name}", s.handleGetAttribute)
	mux.HandleFunc("PUT /nodes/{id}/attributes/{name}", s.handleSetAttribute)
	mux.HandleFunc("GET /nodes/{id}/edges", s.handleNodeEdges)

	// Schema and migrations
	mux.HandleFunc("GET /schema/version", s.handleSchemaVersion)
	mux.HandleFunc("GET /schema/{kind}", s.handleSchema)
	mux.HandleFunc("POST /migrations/run", s.handleRunMigrations)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)

	// System
	mux.HandleFunc("POST /system/save", s.handleSave)
	mux.HandleFunc("POST /system/log-rewrite", s.handleLogRewrite)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Branches ---

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, BranchListResponse{Branches: s.Engine.Branches.List()})
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req CreateBranchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	at, err := graph.ParseTimestamp(req.At)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.Engine.Branches.Create(r.Context(), req.Name, branch.CreateOptions{
		From:        req.From,
		At:          at,
		Isolated:    req.Isolated,
		Description: req.Description,
	})
	if err != nil {
		s.writeGraphError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusCreated, b)
}

func (s *Server) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	b, err := s.Engine.Branches.Resolve(r.PathValue("name"))
	if err != nil {
		s.writeGraphError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, b)
}

func (s *Server) handleRebaseBranch(w http.ResponseWriter, r *http.Request) {
	var req RebaseBranchRequest
	if !s.decodeOptionalBody(w, r, &req) {
		return
	}
	at, err := graph.ParseTimestamp(req.At)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.Engine.Branches.Rebase(r.Context(), r.PathValue("name"), at)
	if err != nil {
		s.writeGraphError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, b)
}

func (s *Server) handleCloseBranch(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.Engine.Branches.Close(r.Context(), name); err != nil {
		s.writeGraphError(w, r, err)
		return
	}
	b, err := s.Engine.Branches.Resolve(name)
	if err != nil {
		s.writeGraphError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, b)
}

// --- Data ---

// view reads the branch and at query parameters. Branch defaults to main,
// at to now.
func (s *Server) view(r *http.Request) (string, graph.Timestamp, error) {
	q := r.URL.Query()
	name := q.Get("branch")
	if name == "" {
		name = graph.DefaultBranch
	}
	at, err := graph.ParseTimestamp(q.Get("at"))
	if err != nil {
		return "", 0, err
	}
	if at == 0 {
		at = graph.Now()
	}
	return name, at, nil
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	name, at, err := s.view(r)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		s.writeHTTPError(w, http.StatusBadRequest, "the 'kind' query parameter is required")
		return
	}
	nodes, err := s.Engine.Store.FindEntities(r.Context(), storage.VertexQuery{Class: graph.ClassNode, Kind: kind}, name, at)
	if err != nil {
		s.writeGraphError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []graph.Entity{}
	}
	s.writeHTTPResponse(w, http.StatusOK, NodeListResponse{Nodes: nodes})
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Kind == "" {
		s.writeHTTPError(w, http.StatusBadRequest, "kind is required")
		return
	}
	at, err := graph.ParseTimestamp(req.At)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Branch == "" {
		req.Branch = graph.DefaultBranch
	}
	node, err := s.Engine.Store.CreateNode(r.Context(), req.Kind, req.Attributes, req.Branch, at)
	if err != nil {
		s.writeGraphError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusCreated, node)
}

func (s *Server) handleGetAttribute(w http.ResponseWriter, r *http.Request) {
	name, at, err := s.view(r)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}
	node, attr := r.PathValue("id"), r.PathValue("name")
	v, err := s.Engine.Store.AttributeValue(r.Context(), node, attr, name, at)
	if err != nil {
		s.writeGraphError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, AttributeResponse{
		Node:   node,
		Name:   attr,
		Value:  v,
		Branch: name,
		At:     at,
	})
}

func (s *Server) handleSetAttribute(w http.ResponseWriter, r *http.Request) {
	var req SetAttributeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	at, err := graph.ParseTimestamp(req.At)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Branch == "" {
		req.Branch = graph.DefaultBranch
	}
	if err := s.Engine.Store.SetAttribute(r.Context(), r.PathValue("id"), r.PathValue("name"), req.Value, req.Branch, at); err != nil {
		s.writeGraphError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNodeEdges lists the edges around a node. Without history=true only
// the edges active for (branch, at) are returned.
func (s *Server) handleNodeEdges(w http.ResponseWriter, r *http.Request) {
	name, at, err := s.view(r)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	m := graphstore.Match{
		Vertex:    r.PathValue("id"),
		Direction: graph.Outbound,
		Type:      graph.EdgeType(q.Get("type")),
	}
	switch q.Get("direction") {
	case "", "outbound":
	case "inbound":
		m.Direction = graph.Inbound
	case "both":
		m.Direction = graph.Both
	default:
		s.writeHTTPError(w, http.StatusBadRequest, "direction must be outbound, inbound or both")
		return
	}

	var edges []graph.Edge
	if q.Get("history") == "true" {
		edges, err = s.Engine.Store.History(r.Context(), m)
	} else {
		edges, err = s.Engine.Store.ActiveEdges(r.Context(), m, name, at)
	}
	if err != nil {
		s.writeGraphError(w, r, err)
		return
	}
	if edges == nil {
		edges = []graph.Edge{}
	}
	s.writeHTTPResponse(w, http.StatusOK, EdgeListResponse{Edges: edges})
}

// --- Schema and migrations ---

func (s *Server) handleSchemaVersion(w http.ResponseWriter, r *http.Request) {
	v, hash, err := s.Engine.SchemaVersion(r.Context())
	if err != nil {
		s.writeGraphError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, SchemaVersionResponse{Version: v, Hash: hash})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	name, at, err := s.view(r)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind := r.PathValue("kind")
	elements, err := s.Engine.Store.SchemaElements(r.Context(), kind, name, at)
	if err != nil {
		s.writeGraphError(w, r, err)
		return
	}
	resp := SchemaResponse{Kind: kind, Elements: make([]SchemaElementResponse, 0, len(elements))}
	for _, el := range elements {
		resp.Elements = append(resp.Elements, SchemaElementResponse{
			ID:   el.Entity.ID,
			Name: el.Name,
			Type: string(el.Type),
		})
	}
	s.writeHTTPResponse(w, http.StatusOK, resp)
}

// handleRunMigrations starts a migration run in the background. A YAML
// manifest in the body takes precedence over the configured one.
func (s *Server) handleRunMigrations(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	var m *migration.Manifest
	if len(body) > 0 {
		m, err = migration.ParseManifest(body)
	} else {
		m, err = s.Engine.LoadMigrations()
	}
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}

	task := s.taskManager.NewTask("migration")
	go s.runMigrationTask(s.baseCtx, task, m)

	s.writeHTTPResponse(w, http.StatusAccepted, TaskResponse{TaskID: task.ID, Status: TaskStatusStarted})
}

func (s *Server) runMigrationTask(ctx context.Context, task *Task, m *migration.Manifest) {
	task.SetStatus(TaskStatusRunning)
	task.SetProgress(fmt.Sprintf("running %d migrations", len(m.Migrations)))

	st, err := s.Engine.Migrate(ctx, m)
	task.SetResult(st)
	if err != nil {
		s.logger.Error("Migration task failed", "task", task.ID, "error", err)
		task.SetError(err)
		return
	}
	task.SetProgress(fmt.Sprintf("graph at version %d", st.Version))
	task.SetStatus(TaskStatusCompleted)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, map[string]any{"tasks": s.taskManager.List()})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.taskManager.GetTask(r.PathValue("id"))
	if !ok {
		s.writeHTTPError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, task.View())
}

// --- System ---

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	s.maintenance(w, r, "snapshot", s.Engine.SaveSnapshot)
}

func (s *Server) handleLogRewrite(w http.ResponseWriter, r *http.Request) {
	s.maintenance(w, r, "log rewrite", s.Engine.RewriteLog)
}

func (s *Server) maintenance(w http.ResponseWriter, r *http.Request, what string, fn func() error) {
	if err := fn(); err != nil {
		if errors.Is(err, engine.ErrNotSupported) {
			s.writeHTTPError(w, http.StatusNotImplemented, fmt.Sprintf("%s: %v", what, err))
			return
		}
		s.writeGraphError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK", "message": what + " completed"})
}

// --- Helpers ---

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody that accepts an empty body.
func (s *Server) decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeHTTPResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("Error encoding JSON response", "error", err)
		}
	}
}

func (s *Server) writeHTTPError(w http.ResponseWriter, statusCode int, message string) {
	s.writeHTTPResponse(w, statusCode, map[string]string{"error": message})
}

// writeGraphError maps store errors onto HTTP status codes.
func (s *Server) writeGraphError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case graph.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, graph.ErrInvalidBranchName):
		status = http.StatusBadRequest
	case errors.Is(err, graph.ErrBranchExists),
		errors.Is(err, graph.ErrBranchClosed),
		errors.Is(err, graph.ErrTopologyConflict),
		errors.Is(err, graph.ErrImmutableHistory):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeHTTPError(w, status, err.Error())
}
