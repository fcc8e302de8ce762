package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tanmay-xvx/inmem-pubsub/internal/broker"
	"github.com/tanmay-xvx/inmem-pubsub/internal/metrics"
)

func newTestHandler(t *testing.T, strict bool) (*Handler, *broker.Registry) {
	t.Helper()
	reg := broker.NewRegistry(100, 64, 0)
	mr := metrics.NewRegistry()
	logger := zaptest.NewLogger(t)
	return NewHandler(reg, mr, nil, logger, strict, 1000), reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_CreateListDeleteHealth(t *testing.T) {
	h, _ := newTestHandler(t, false)
	router := h.Router()

	rec := doJSON(t, router, http.MethodPost, "/topics", map[string]any{"name": "orders"})
	require.Equal(t, http.StatusOK, rec.Code)
	var created statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "created", created.Status)

	rec = doJSON(t, router, http.MethodPost, "/topics", map[string]any{"name": "orders"})
	require.Equal(t, http.StatusOK, rec.Code)
	var exists statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exists))
	assert.Equal(t, "exists", exists.Status)

	rec = doJSON(t, router, http.MethodGet, "/topics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []topicSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "orders", list[0].Name)

	rec = doJSON(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.True(t, health.OK)
	assert.Equal(t, 1, health.Topics)

	rec = doJSON(t, router, http.MethodDelete, "/topics/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/topics/orders", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_StrictModeRejectsExisting(t *testing.T) {
	h, _ := newTestHandler(t, true)
	router := h.Router()

	rec := doJSON(t, router, http.MethodPost, "/topics", map[string]any{"name": "orders"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/topics", map[string]any{"name": "orders"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdmin_InvalidName(t *testing.T) {
	h, _ := newTestHandler(t, false)
	router := h.Router()

	rec := doJSON(t, router, http.MethodPost, "/topics", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, string(broker.CodeInvalidName), errResp.Code)
}
