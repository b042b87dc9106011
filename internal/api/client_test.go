package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go-civitai-manager/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("test-key", srv.Client())
	c.BaseUrl = srv.URL
	return c
}

func TestGetModelsCursorPagination(t *testing.T) {
	var gotCursor, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		gotAuth = r.Header.Get("Authorization")
		resp := models.ApiResponse{
			Items:    []models.Model{{ID: 1, Name: "First"}},
			Metadata: models.PaginationMetadata{NextCursor: "abc123"},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	next, page, err := c.GetModels("", models.QueryParameters{Limit: 10, Sort: "Newest", Period: "AllTime"})
	require.NoError(t, err)
	assert.Empty(t, gotCursor, "first page must not send a cursor")
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "abc123", next)
	require.Len(t, page.Items, 1)

	_, _, err = c.GetModels(next, models.QueryParameters{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, "abc123", gotCursor)
}

func TestGetModelVersionByHash(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Hashes are normalized to upper case on the wire.
		assert.Equal(t, "/model-versions/by-hash/ABCDEF", r.URL.Path)
		_ = json.NewEncoder(w).Encode(models.ModelVersion{
			ID:      42,
			ModelId: 7,
			Model:   models.BaseModelInfo{ID: 7, Name: "Stub", Type: "LORA"},
		})
	})

	version, err := c.GetModelVersionByHash("abcdef")
	require.NoError(t, err)
	assert.Equal(t, 42, version.ID)
	assert.Equal(t, 7, version.Model.ID)
}

func TestGetModelNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := c.GetModel(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetModelUnauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.GetModel(1)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
