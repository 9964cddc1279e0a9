package dimension

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rowsJSON = `[
  {"id":"greenhouse_north","name":"North Greenhouse","crop_type":"tomato","lat":52.1,"lon":5.3},
  {"id":"greenhouse_south","name":"South Greenhouse","crop_type":"basil","lat":52.0,"lon":5.2}
]`

func TestFileFetcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.json")
	require.NoError(t, os.WriteFile(path, []byte(rowsJSON), 0o644))

	rows, err := NewFileFetcher(path).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "greenhouse_north", rows[0].ID)
	assert.Equal(t, "basil", rows[1].CropType)
}

func TestFileFetcherMissingFile(t *testing.T) {
	_, err := NewFileFetcher(filepath.Join(t.TempDir(), "absent.json")).Fetch(context.Background())
	require.Error(t, err)
}

func TestFileFetcherInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.json")
	require.NoError(t, os.WriteFile(path, []byte("{not an array"), 0o644))

	_, err := NewFileFetcher(path).Fetch(context.Background())
	require.Error(t, err)
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(rowsJSON))
	}))
	defer srv.Close()

	rows, err := NewHTTPFetcher(srv.URL, time.Second).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "greenhouse_south", rows[1].ID)
}

func TestHTTPFetcherNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(srv.URL, time.Second).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
