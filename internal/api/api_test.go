package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/elax-db/elax/internal/nsmanager"
	"github.com/elax-db/elax/internal/objectstore"
	"github.com/elax-db/elax/internal/sharding"
	"github.com/elax-db/elax/internal/types"
)

func intPtr(n int) *int { return &n }

func schemaFixture() types.Schema {
	return types.Schema{Dim: 3, Metric: types.MetricCosine}
}

func docFixtures() []types.Document {
	return []types.Document{
		{ID: 1, Vector: []float32{1, 0, 0}},
		{ID: 2, Vector: []float32{0, 1, 0}},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	manager := nsmanager.New(store, t.TempDir(), "node-0", nsmanager.WALModeLocal, nil, nil)
	router, err := sharding.New(1, 0, true, false)
	require.NoError(t, err)
	return New(manager, router, store, "node-0", "test", nil)
}

func TestHealthReportsLoadedNamespaces(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()
	ctx := context.Background()

	_, _, err := s.manager.Create(ctx, "ns1", schemaFixture())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "node-0", resp.NodeID)
	require.Contains(t, resp.Namespaces, "ns1")
}

func TestCreateNamespaceIsIdempotentOverHTTP(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	body, err := json.Marshal(createNamespaceRequest{Schema: schemaFixture()})
	require.NoError(t, err)

	req1 := httptest.NewRequest(http.MethodPut, "/v1/namespaces/ns1", bytes.NewReader(body))
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)
	var resp1 createNamespaceResponse
	require.NoError(t, json.Unmarshal(rec1.Body.Bytes(), &resp1))
	require.True(t, resp1.Created)

	req2 := httptest.NewRequest(http.MethodPut, "/v1/namespaces/ns1", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	var resp2 createNamespaceResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp2))
	require.False(t, resp2.Created)
}

func TestUpsertThenQueryOverHTTP(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	createBody, err := json.Marshal(createNamespaceRequest{Schema: schemaFixture()})
	require.NoError(t, err)
	createReq := httptest.NewRequest(http.MethodPut, "/v1/namespaces/ns1", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	handler.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusOK, createRec.Code)

	upsertBody, err := json.Marshal(upsertRequest{Documents: docFixtures()})
	require.NoError(t, err)
	upsertReq := httptest.NewRequest(http.MethodPost, "/v1/namespaces/ns1/upsert", bytes.NewReader(upsertBody))
	upsertRec := httptest.NewRecorder()
	handler.ServeHTTP(upsertRec, upsertReq)
	require.Equal(t, http.StatusOK, upsertRec.Code)
	var upsertResp upsertResponse
	require.NoError(t, json.Unmarshal(upsertRec.Body.Bytes(), &upsertResp))
	require.Equal(t, 2, upsertResp.Count)

	queryBody, err := json.Marshal(queryRequest{
		Vector: []float32{1, 0, 0},
		TopK:   intPtr(2),
		AnnParams: &annParamsRequest{
			SmallPartFallback: true,
			PerPartLimit:      10,
			RerankPrecision:   "fp32",
		},
	})
	require.NoError(t, err)
	queryReq := httptest.NewRequest(http.MethodPost, "/v1/namespaces/ns1/query", bytes.NewReader(queryBody))
	queryRec := httptest.NewRecorder()
	handler.ServeHTTP(queryRec, queryReq)
	require.Equal(t, http.StatusOK, queryRec.Code)

	var queryResp queryResponse
	require.NoError(t, json.Unmarshal(queryRec.Body.Bytes(), &queryResp))
	require.Len(t, queryResp.Results, 2)
	require.Equal(t, uint64(1), uint64(queryResp.Results[0].ID))
}

func TestUpsertDeletesDocumentOverHTTP(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	createBody, err := json.Marshal(createNamespaceRequest{Schema: schemaFixture()})
	require.NoError(t, err)
	createReq := httptest.NewRequest(http.MethodPut, "/v1/namespaces/ns1", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	handler.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusOK, createRec.Code)

	upsertBody, err := json.Marshal(upsertRequest{Documents: docFixtures()})
	require.NoError(t, err)
	upsertReq := httptest.NewRequest(http.MethodPost, "/v1/namespaces/ns1/upsert", bytes.NewReader(upsertBody))
	upsertRec := httptest.NewRecorder()
	handler.ServeHTTP(upsertRec, upsertReq)
	require.Equal(t, http.StatusOK, upsertRec.Code)

	deleteBody, err := json.Marshal(upsertRequest{Deletes: []types.DocID{1}})
	require.NoError(t, err)
	deleteReq := httptest.NewRequest(http.MethodPost, "/v1/namespaces/ns1/upsert", bytes.NewReader(deleteBody))
	deleteRec := httptest.NewRecorder()
	handler.ServeHTTP(deleteRec, deleteReq)
	require.Equal(t, http.StatusOK, deleteRec.Code)
	var deleteResp upsertResponse
	require.NoError(t, json.Unmarshal(deleteRec.Body.Bytes(), &deleteResp))
	require.Equal(t, 1, deleteResp.Count)

	queryBody, err := json.Marshal(queryRequest{
		Vector: []float32{1, 0, 0},
		TopK:   intPtr(2),
		AnnParams: &annParamsRequest{
			SmallPartFallback: true,
			PerPartLimit:      10,
			RerankPrecision:   "fp32",
		},
	})
	require.NoError(t, err)
	queryReq := httptest.NewRequest(http.MethodPost, "/v1/namespaces/ns1/query", bytes.NewReader(queryBody))
	queryRec := httptest.NewRecorder()
	handler.ServeHTTP(queryRec, queryReq)
	require.Equal(t, http.StatusOK, queryRec.Code)

	var queryResp queryResponse
	require.NoError(t, json.Unmarshal(queryRec.Body.Bytes(), &queryResp))
	for _, r := range queryResp.Results {
		require.NotEqual(t, types.DocID(1), r.ID)
	}
}

func TestQueryTopKZeroReturnsEmptyResults(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	createBody, err := json.Marshal(createNamespaceRequest{Schema: schemaFixture()})
	require.NoError(t, err)
	createReq := httptest.NewRequest(http.MethodPut, "/v1/namespaces/ns1", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	handler.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusOK, createRec.Code)

	upsertBody, err := json.Marshal(upsertRequest{Documents: docFixtures()})
	require.NoError(t, err)
	upsertReq := httptest.NewRequest(http.MethodPost, "/v1/namespaces/ns1/upsert", bytes.NewReader(upsertBody))
	upsertRec := httptest.NewRecorder()
	handler.ServeHTTP(upsertRec, upsertReq)
	require.Equal(t, http.StatusOK, upsertRec.Code)

	queryBody, err := json.Marshal(queryRequest{
		Vector: []float32{1, 0, 0},
		TopK:   intPtr(0),
		AnnParams: &annParamsRequest{
			SmallPartFallback: true,
			PerPartLimit:      10,
			RerankPrecision:   "fp32",
		},
	})
	require.NoError(t, err)
	queryReq := httptest.NewRequest(http.MethodPost, "/v1/namespaces/ns1/query", bytes.NewReader(queryBody))
	queryRec := httptest.NewRecorder()
	handler.ServeHTTP(queryRec, queryReq)
	require.Equal(t, http.StatusOK, queryRec.Code)

	var queryResp queryResponse
	require.NoError(t, json.Unmarshal(queryRec.Body.Bytes(), &queryResp))
	require.Empty(t, queryResp.Results)
}

func TestQueryRejectsUnmetMinWalSequence(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	createBody, err := json.Marshal(createNamespaceRequest{Schema: schemaFixture()})
	require.NoError(t, err)
	createReq := httptest.NewRequest(http.MethodPut, "/v1/namespaces/ns1", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	handler.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusOK, createRec.Code)

	queryBody, err := json.Marshal(queryRequest{
		Vector:         []float32{1, 0, 0},
		TopK:           intPtr(1),
		MinWalSequence: 100,
	})
	require.NoError(t, err)
	queryReq := httptest.NewRequest(http.MethodPost, "/v1/namespaces/ns1/query", bytes.NewReader(queryBody))
	queryRec := httptest.NewRecorder()
	handler.ServeHTTP(queryRec, queryReq)
	require.Equal(t, http.StatusServiceUnavailable, queryRec.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(queryRec.Body.Bytes(), &errResp))
	require.Equal(t, "consistency", errResp.Kind)
}

func TestWriteRedirectsToOwningIndexer(t *testing.T) {
	store, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	manager := nsmanager.New(store, t.TempDir(), "node-0", nsmanager.WALModeLocal, nil, nil)
	router, err := sharding.New(4, 0, false, false)
	require.NoError(t, err)
	s := New(manager, router, store, "node-0", "test", nil)
	handler := s.Handler()

	decision := router.RouteWrite("some-namespace-name")
	if decision.ServeLocally {
		t.Skip("namespace happens to hash to node 0; redirect path not exercised")
	}

	body, err := json.Marshal(createNamespaceRequest{Schema: schemaFixture()})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/v1/namespaces/some-namespace-name", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Correct-Indexer"))
}
