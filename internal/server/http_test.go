package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/branchgraph/pkg/config"
	"github.com/sanonone/branchgraph/pkg/engine"
	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/graphstore"
)

const testToken = "test-secret-token"

type harness struct {
	t   *testing.T
	srv *httptest.Server
	eng *engine.Engine
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Storage.DataDir = t.TempDir()
	eng, err := engine.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	s, err := NewServer(eng, "127.0.0.1:0", token)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.cancel()
	})
	return &harness{t: t, srv: srv, eng: eng}
}

func (h *harness) do(method, path string, body any, out any) int {
	h.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(h.t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthzAndAuth(t *testing.T) {
	h := newHarness(t, testToken)

	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.srv.URL + "/branches")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/branches", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var list BranchListResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/branches", nil, &list))
	assert.Len(t, list.Branches, 2)
}

func TestNoTokenDisablesAuth(t *testing.T) {
	h := newHarness(t, "")
	resp, err := http.Get(h.srv.URL + "/branches")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBranchLifecycle(t *testing.T) {
	h := newHarness(t, testToken)

	var b struct {
		Name       string          `json:"name"`
		Level      int             `json:"hierarchy_level"`
		Status     string          `json:"status"`
		BranchedAt graph.Timestamp `json:"branched_at"`
	}
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/branches",
		CreateBranchRequest{Name: "feature", At: "10", Isolated: true}, &b))
	assert.Equal(t, 2, b.Level)

	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/branches", CreateBranchRequest{Name: "feature"}, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/branches", CreateBranchRequest{Name: "Bad Name"}, nil))
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/branches/nope", nil, nil))

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/branches/feature/rebase", RebaseBranchRequest{At: "500"}, &b))
	assert.Equal(t, graph.Timestamp(500), b.BranchedAt)

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/branches/feature/close", nil, &b))
	assert.Equal(t, "closed", b.Status)
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/branches/feature/rebase", nil, nil))
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/branches/main/close", nil, nil))
}

func TestAttributeResolution(t *testing.T) {
	h := newHarness(t, testToken)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/branches", CreateBranchRequest{Name: "feature", At: "10"}, nil))

	var node graph.Entity
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/nodes", CreateNodeRequest{
		Kind:       "CoreAccount",
		Attributes: map[string]any{"name": "A"},
		At:         "100",
	}, &node))
	require.Equal(t, http.StatusNoContent, h.do(http.MethodPut, "/nodes/"+node.ID+"/attributes/name",
		SetAttributeRequest{Value: "B", Branch: "feature", At: "200"}, nil))

	var attr AttributeResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/nodes/"+node.ID+"/attributes/name?branch=feature&at=300", nil, &attr))
	assert.Equal(t, "B", attr.Value)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/nodes/"+node.ID+"/attributes/name?at=300", nil, &attr))
	assert.Equal(t, "A", attr.Value)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/nodes/"+node.ID+"/attributes/name?at=50", nil, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/nodes/"+node.ID+"/attributes/name?at=yesterday", nil, nil))

	var nodes NodeListResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/nodes?kind=CoreAccount", nil, &nodes))
	assert.Len(t, nodes.Nodes, 1)

	var edges EdgeListResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/nodes/"+node.ID+"/edges?type=HAS_ATTRIBUTE", nil, &edges))
	assert.Len(t, edges.Edges, 1)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/nodes/"+node.ID+"/edges?direction=up", nil, nil))
}

func TestMigrationTask(t *testing.T) {
	h := newHarness(t, testToken)
	var node graph.Entity
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/nodes", CreateNodeRequest{
		Kind:       "CoreAccount",
		Attributes: map[string]any{"type": "admin"},
		At:         "100",
	}, &node))

	// Without a configured manifest the body is mandatory.
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/migrations/run", nil, nil))

	manifest := `
migrations:
  - name: rename-type
    version: 3
    operations:
      - attribute_rename: {node_kind: CoreAccount, previous_name: type, new_name: account_type}
`
	var accepted TaskResponse
	require.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/migrations/run", manifest, &accepted))
	require.NotEmpty(t, accepted.TaskID)

	var task TaskView
	require.Eventually(t, func() bool {
		h.do(http.MethodGet, "/tasks/"+accepted.TaskID, nil, &task)
		return task.Status == TaskStatusCompleted || task.Status == TaskStatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, TaskStatusCompleted, task.Status, task.Error)

	var version SchemaVersionResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/schema/version", nil, &version))
	assert.Equal(t, 3, version.Version)
	assert.NotEmpty(t, version.Hash)

	var attr AttributeResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/nodes/"+node.ID+"/attributes/account_type", nil, &attr))
	assert.Equal(t, "admin", attr.Value)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/tasks/unknown", nil, nil))
}

func TestSchemaEndpoint(t *testing.T) {
	h := newHarness(t, testToken)
	_, err := h.eng.Store.DefineKind(context.Background(), graphstoreKind(), graph.DefaultBranch, 10)
	require.NoError(t, err)

	var schema SchemaResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/schema/CoreAccount", nil, &schema))
	require.Len(t, schema.Elements, 2)
	assert.Equal(t, "name", schema.Elements[0].Name)
	assert.Equal(t, "owner", schema.Elements[1].Name)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/schema/Missing", nil, nil))
}

func TestMaintenanceEndpoints(t *testing.T) {
	h := newHarness(t, testToken)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/system/save", nil, nil))
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/system/log-rewrite", nil, nil))
}

func graphstoreKind() graphstore.KindDefinition {
	return graphstore.KindDefinition{
		Kind:          "CoreAccount",
		Attributes:    []string{"name"},
		Relationships: []string{"owner"},
	}
}
