package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zheng/codectx/internal/engine"
	"github.com/zheng/codectx/internal/export"
	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/impact"
)

func setupTestServer(t *testing.T) http.Handler {
	t.Helper()
	eng := engine.New(engine.DefaultOptions())
	t.Cleanup(eng.Close)

	fn := func(path, name, desc string) graph.Entity {
		return graph.Entity{ID: graph.NewEntityID(path, name), Kind: graph.KindFunction, Name: name, Path: path, Description: desc}
	}
	rel := func(src, dst string) graph.Relationship {
		return graph.Relationship{ID: src + "->calls->" + dst, Source: src, Target: dst, Kind: graph.RelCalls}
	}
	require.NoError(t, eng.Load([]graph.ScopeData{
		{
			ID: "cart.js",
			Entities: []graph.Entity{
				fn("cart.js", "total", "Sums the cart."),
				fn("cart.js", "withTax", "Adds tax to an amount."),
			},
			Relationships: []graph.Relationship{
				rel("cart.js::total", "cart.js::withTax"),
				rel("cart.js::withTax", "cart.js::total"),
			},
		},
		{
			ID:       "checkout.js",
			Entities: []graph.Entity{fn("checkout.js", "total", "Checkout total.")},
			Relationships: []graph.Relationship{
				rel("checkout.js::total", "cart.js::total"),
			},
		},
	}, nil))
	return NewServer(eng, ":0", nil).Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleQuery(t *testing.T) {
	h := setupTestServer(t)

	w := do(t, h, http.MethodPost, "/api/query", QueryRequest{Query: "tax amount"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res engine.QueryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotEmpty(t, res.Closure.Entities)
	assert.Equal(t, "cart.js::withTax", res.Closure.Entities[0].Entity.ID)

	w = do(t, h, http.MethodPost, "/api/query", map[string]string{"query": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleTrace(t *testing.T) {
	h := setupTestServer(t)

	w := do(t, h, http.MethodGet, "/api/trace?entity=withTax&direction=in", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report impact.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "cart.js::withTax", report.Target.ID)

	w = do(t, h, http.MethodGet, "/api/trace?entity=withTax&format=markdown", nil)
	assert.Contains(t, w.Body.String(), "变更影响分析")

	w = do(t, h, http.MethodGet, "/api/trace?entity=total", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &er))
	assert.Equal(t, "AMBIGUOUS", er.Code)
	assert.ElementsMatch(t, []string{"cart.js::total", "checkout.js::total"}, er.Matches)

	w = do(t, h, http.MethodGet, "/api/trace?entity=nothing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/trace?entity=withTax&direction=up-ish", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSearchAndEntity(t *testing.T) {
	h := setupTestServer(t)

	w := do(t, h, http.MethodGet, "/api/search?q=total", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sr SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sr))
	assert.Len(t, sr.Entities, 2)

	w = do(t, h, http.MethodGet, "/api/search?q=zzz", nil)
	assert.JSONEq(t, `{"pattern":"zzz","entities":[]}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/entity?id=cart.js::total", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ent graph.Entity
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ent))
	assert.Equal(t, "total", ent.Name)

	w = do(t, h, http.MethodGet, "/api/entity?id=missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGraphAnalysis(t *testing.T) {
	h := setupTestServer(t)

	w := do(t, h, http.MethodGet, "/api/stats", nil)
	var st engine.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 3, st.Entities)

	w = do(t, h, http.MethodGet, "/api/cycles", nil)
	var cr CyclesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cr))
	require.Len(t, cr.Cycles, 1)
	assert.ElementsMatch(t, []string{"cart.js::total", "cart.js::withTax"}, cr.Cycles[0])

	w = do(t, h, http.MethodGet, "/api/path?from=checkout.js::total&to=withTax", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var path graph.Path
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &path))
	assert.Equal(t, 2, path.Len())

	w = do(t, h, http.MethodGet, "/api/hubs?limit=1", nil)
	var hubs []graph.Hub
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hubs))
	require.Len(t, hubs, 1)
	assert.Equal(t, "cart.js::total", hubs[0].Entity.ID)

	w = do(t, h, http.MethodGet, "/api/export", nil)
	doc, err := export.Read(w.Body)
	require.NoError(t, err)
	assert.Len(t, doc.Nodes, 3)
	assert.Len(t, doc.Edges, 3)
}

func TestMetricsAndHealth(t *testing.T) {
	h := setupTestServer(t)
	do(t, h, http.MethodPost, "/api/query", QueryRequest{Query: "cart"})

	w := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "codectx_")

	w = do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, "ok", w.Body.String())
}
