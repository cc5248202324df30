package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstakhov/wbsync/internal/domain"
	"github.com/mstakhov/wbsync/internal/scheduler"
	"github.com/mstakhov/wbsync/internal/synclog"
	"github.com/mstakhov/wbsync/internal/tenant"
)

type fakeTenants struct {
	tenants map[string]*domain.Tenant
	paused  map[string]bool
}

func (f *fakeTenants) List(context.Context) ([]*domain.Tenant, error) {
	var out []*domain.Tenant
	for _, t := range f.tenants {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTenants) Get(_ context.Context, id string) (*domain.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return t, nil
}

func (f *fakeTenants) SetPaused(_ context.Context, id string, paused bool) error {
	if _, ok := f.tenants[id]; !ok {
		return tenant.ErrNotFound
	}
	f.paused[id] = paused
	return nil
}

type fakeLogs struct {
	latest *domain.SyncLog
	recent []*domain.SyncLog
}

func (f *fakeLogs) Latest(_ context.Context, tenantID string) (*domain.SyncLog, error) {
	if f.latest == nil {
		return nil, synclog.ErrNotFound
	}
	return f.latest, nil
}

func (f *fakeLogs) Recent(context.Context, string, int) ([]*domain.SyncLog, error) {
	return f.recent, nil
}

type fakeDispatcher struct {
	err       error
	triggered []string
}

func (f *fakeDispatcher) Trigger(tenantID string, _ domain.SyncTrigger) error {
	if f.err != nil {
		return f.err
	}
	f.triggered = append(f.triggered, tenantID)
	return nil
}

func newTestServer(tenants *fakeTenants, logs *fakeLogs, dispatcher *fakeDispatcher) *Server {
	return New(Config{
		Port:       0,
		Tenants:    tenants,
		Logs:       logs,
		Dispatcher: dispatcher,
		Log:        zerolog.Nop(),
	})
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func testTenant(id string) *domain.Tenant {
	return &domain.Tenant{
		ID:                  id,
		Name:                "Tenant " + id,
		Marketplace:         domain.MarketplaceWildberries,
		MarketplaceCredsEnc: []byte{0xde, 0xad},
		SpreadsheetCredsEnc: []byte{0xbe, 0xef},
		SpreadsheetID:       "sp-" + id,
		WorksheetName:       "Stock",
		SyncInterval:        24 * time.Hour,
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeTenants{}, &fakeLogs{}, &fakeDispatcher{})

	rec := doRequest(t, s, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestListTenants_HidesCredentials(t *testing.T) {
	tenants := &fakeTenants{
		tenants: map[string]*domain.Tenant{"t1": testTenant("t1")},
		paused:  map[string]bool{},
	}
	s := newTestServer(tenants, &fakeLogs{}, &fakeDispatcher{})

	rec := doRequest(t, s, http.MethodGet, "/api/tenants")
	assert.Equal(t, http.StatusOK, rec.Code)

	raw := rec.Body.String()
	assert.Contains(t, raw, "sp-t1")
	assert.NotContains(t, raw, "creds")
	assert.NotContains(t, raw, "3q0") // base64 of the credential bytes
}

func TestTriggerSync_Accepted(t *testing.T) {
	tenants := &fakeTenants{
		tenants: map[string]*domain.Tenant{"t1": testTenant("t1")},
		paused:  map[string]bool{},
	}
	dispatcher := &fakeDispatcher{}
	s := newTestServer(tenants, &fakeLogs{}, dispatcher)

	rec := doRequest(t, s, http.MethodPost, "/api/tenants/t1/sync")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"t1"}, dispatcher.triggered)
}

func TestTriggerSync_NotFound(t *testing.T) {
	s := newTestServer(&fakeTenants{tenants: map[string]*domain.Tenant{}}, &fakeLogs{}, &fakeDispatcher{})

	rec := doRequest(t, s, http.MethodPost, "/api/tenants/ghost/sync")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerSync_BackpressureIs429(t *testing.T) {
	tenants := &fakeTenants{
		tenants: map[string]*domain.Tenant{"t1": testTenant("t1")},
		paused:  map[string]bool{},
	}

	for _, cause := range []error{scheduler.ErrQueueFull, scheduler.ErrTenantBusy} {
		s := newTestServer(tenants, &fakeLogs{}, &fakeDispatcher{err: cause})
		rec := doRequest(t, s, http.MethodPost, "/api/tenants/t1/sync")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, cause.Error())
	}
}

func TestTriggerSync_PausedTenantConflicts(t *testing.T) {
	paused := testTenant("t1")
	paused.Paused = true
	tenants := &fakeTenants{
		tenants: map[string]*domain.Tenant{"t1": paused},
		paused:  map[string]bool{},
	}
	s := newTestServer(tenants, &fakeLogs{}, &fakeDispatcher{})

	rec := doRequest(t, s, http.MethodPost, "/api/tenants/t1/sync")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPauseResume(t *testing.T) {
	tenants := &fakeTenants{
		tenants: map[string]*domain.Tenant{"t1": testTenant("t1")},
		paused:  map[string]bool{},
	}
	s := newTestServer(tenants, &fakeLogs{}, &fakeDispatcher{})

	rec := doRequest(t, s, http.MethodPost, "/api/tenants/t1/pause")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, tenants.paused["t1"])

	rec = doRequest(t, s, http.MethodPost, "/api/tenants/t1/resume")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, tenants.paused["t1"])
}

func TestLatestLog(t *testing.T) {
	logs := &fakeLogs{latest: &domain.SyncLog{
		ID:       "l1",
		TenantID: "t1",
		Status:   domain.SyncSuccess,
	}}
	s := newTestServer(&fakeTenants{}, logs, &fakeDispatcher{})

	rec := doRequest(t, s, http.MethodGet, "/api/tenants/t1/synclogs/latest")
	assert.Equal(t, http.StatusOK, rec.Code)

	s = newTestServer(&fakeTenants{}, &fakeLogs{}, &fakeDispatcher{})
	rec = doRequest(t, s, http.MethodGet, "/api/tenants/t1/synclogs/latest")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecentLogs_DaysValidation(t *testing.T) {
	s := newTestServer(&fakeTenants{}, &fakeLogs{}, &fakeDispatcher{})

	rec := doRequest(t, s, http.MethodGet, "/api/tenants/t1/synclogs?days=30")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(30), decodeBody(t, rec)["days"])

	rec = doRequest(t, s, http.MethodGet, "/api/tenants/t1/synclogs?days=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/tenants/t1/synclogs?days=nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
