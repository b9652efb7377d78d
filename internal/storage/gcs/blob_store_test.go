package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/storage/gcs"
)

func newTestStore(t *testing.T, cfg gcs.Config, handler http.Handler) *gcs.BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg.Endpoint = server.URL
	store, err := gcs.Dial(context.Background(), cfg, option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	var (
		mu       sync.Mutex
		gotName  string
		gotBody  string
		gotPaths []string
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPaths = append(gotPaths, r.URL.Path)
		gotName = r.URL.Query().Get("name")
		gotBody = string(body)
		mu.Unlock()
		fmt.Fprintf(w, `{"name":%q,"bucket":"bylaws"}`, r.URL.Query().Get("name"))
	})

	store := newTestStore(t, gcs.Config{Bucket: "bylaws", Prefix: "/runs/"}, handler)
	uri, err := store.PutObject(context.Background(), "jobs/2/job-1.json", "application/json", strings.NewReader(`{"state":"completed"}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://bylaws/runs/jobs/2/job-1.json", uri)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, gotPaths)
	assert.Contains(t, gotPaths[0], "/upload/storage/v1/b/bylaws/o")
	assert.Equal(t, "runs/jobs/2/job-1.json", gotName)
	assert.Contains(t, gotBody, `{"state":"completed"}`)
}

func TestPutObjectSurfacesServerErrors(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, gcs.Config{Bucket: "bylaws"}, handler)
	_, err := store.PutObject(context.Background(), "batches/b.json", "application/json", strings.NewReader("{}"))
	require.Error(t, err)
}

func TestNewValidatesInputs(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = gcs.New(client, gcs.Config{})
	require.Error(t, err)

	store, err := gcs.New(client, gcs.Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader(""))
	require.Error(t, err)
}
