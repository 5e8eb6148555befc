package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/biz/usecase"
	"github.com/anthropics/feishu-relay/internal/data"
	"github.com/anthropics/feishu-relay/internal/infra/estop"
)

type fixture struct {
	store  repo.Store
	flag   *estop.Flag
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := data.NewSQLiteStore(filepath.Join(dir, "relay.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	flag, err := estop.New(dir, zerolog.Nop())
	require.NoError(t, err)

	admin := usecase.NewAdminUsecase(store, nil, flag, nil, nil)
	srv := NewServer(admin, "127.0.0.1:0", zerolog.Nop())
	return &fixture{store: store, flag: flag, router: srv.Router()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// failInbound leaves an inbound item in error status
func (f *fixture) failInbound(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.EnqueueInbound(ctx, &domain.InboundItem{ID: id, ChannelID: "C1", Text: "what is AI?"}))
	claimed, err := f.store.ClaimInbound(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, f.store.CompleteInbound(ctx, id, domain.InboundError, "generation failed"))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRequestIDPassthrough(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.failInbound(t, "m1")

	rec := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queue struct {
			Inbound map[string]int `json:"inbound"`
		} `json:"queue"`
		EmergencyStop estop.Status `json:"emergency_stop"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Queue.Inbound["error"])
	assert.False(t, body.EmergencyStop.Active)
}

func TestEmergencyStop(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/emergency-stop", `{"reason":"runaway replies"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.flag.Active())

	var st estop.Status
	rec = f.do(t, http.MethodGet, "/api/emergency-stop", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Active)
	assert.Equal(t, "runaway replies", st.Reason)

	rec = f.do(t, http.MethodDelete, "/api/emergency-stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.flag.Active())

	rec = f.do(t, http.MethodPost, "/api/emergency-stop", `{bad`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryInbound(t *testing.T) {
	f := newFixture(t)
	f.failInbound(t, "m1")

	rec := f.do(t, http.MethodGet, "/api/inbound", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "generation failed")

	rec = f.do(t, http.MethodPost, "/api/inbound/m1/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)

	pending, err := f.store.ListInbound(context.Background(), domain.InboundPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m1", pending[0].ID)

	// already pending
	rec = f.do(t, http.MethodPost, "/api/inbound/m1/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/inbound/missing/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBadStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/outbound?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/threads?limit=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/health", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_http_requests_total")
}
