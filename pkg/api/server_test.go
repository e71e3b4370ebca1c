package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulseekd/soulseekd/pkg/transfers"
)

type fakeController struct {
	cancelled []string
	live      map[string]bool
}

func (c *fakeController) TryCancel(id string) bool {
	c.cancelled = append(c.cancelled, id)
	return c.live[id]
}

func newTestRouter(t *testing.T, ctrl *fakeController) (http.Handler, *transfers.Store) {
	t.Helper()
	store, err := transfers.NewStore(&transfers.DatabaseConfig{
		Type:   transfers.DatabaseTypeSQLite,
		SQLite: transfers.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	return NewRouter(store, ctrl), store
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t, &fakeController{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeResponse(t, rec).Status)
}

func TestListUploads(t *testing.T) {
	router, store := newTestRouter(t, &fakeController{})
	ctx := context.Background()

	require.NoError(t, store.AddOrSupersede(ctx, transfers.NewUpload("alice", `music\a.flac`, "/srv/a.flac", 100)))
	require.NoError(t, store.AddOrSupersede(ctx, transfers.NewUpload("bob", `music\b.flac`, "/srv/b.flac", 200)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v0/transfers/uploads?username=alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	records, ok := resp.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, records, 1)
}

func TestListUploadsRejectsBadLimit(t *testing.T) {
	router, _ := newTestRouter(t, &fakeController{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v0/transfers/uploads?limit=nope", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUpload(t *testing.T) {
	router, store := newTestRouter(t, &fakeController{})

	upload := transfers.NewUpload("alice", `music\a.flac`, "/srv/a.flac", 100)
	require.NoError(t, store.AddOrSupersede(context.Background(), upload))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v0/transfers/uploads/"+upload.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v0/transfers/uploads/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelUpload(t *testing.T) {
	ctrl := &fakeController{live: map[string]bool{"live-id": true}}
	router, _ := newTestRouter(t, ctrl)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v0/transfers/uploads/live-id", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v0/transfers/uploads/gone", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, []string{"live-id", "gone"}, ctrl.cancelled)
}
