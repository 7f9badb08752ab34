package gcs

import (
	"context"
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
)

// fakeBucket stands in for the JSON upload API and honors ifGenerationMatch=0.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]string
	status  int
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, `{"error":{"code":403,"message":"forbidden"}}`)
		return
	}
	name := r.URL.Query().Get("name")
	if !strings.Contains(r.URL.Path, "/upload/storage/v1/b/archive/o") || name == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("ifGenerationMatch") == "0" {
		if _, exists := f.objects[name]; exists {
			w.WriteHeader(http.StatusPreconditionFailed)
			_, _ = io.WriteString(w, `{"error":{"code":412,"message":"conditionNotMet"}}`)
			return
		}
	}
	body, _ := io.ReadAll(r.Body)
	f.objects[name] = string(body)
	_, _ = io.WriteString(w, `{"bucket":"archive","name":"`+name+`","generation":"1"}`)
}

func newTestStore(t *testing.T, bucket *fakeBucket) *BlobStore {
	t.Helper()
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	store, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)
	return store
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "archive"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{Bucket: " "})
	require.Error(t, err)
}

func TestPutObjectUploadsOnce(t *testing.T) {
	bucket := &fakeBucket{objects: map[string]string{}}
	store := newTestStore(t, bucket)
	ctx := context.Background()

	key := "sitemaps/site-1/map-1/abc.xml"
	uri, err := store.PutObject(ctx, key, "application/xml", []byte("<urlset/>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://archive/"+key, uri)
	assert.Contains(t, bucket.objects[key], "<urlset/>")

	// The same digest again hits the precondition and is treated as stored.
	uri, err = store.PutObject(ctx, key, "application/xml", []byte("<urlset/>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://archive/"+key, uri)
	assert.Len(t, bucket.objects, 1)
}

func TestPutObjectErrors(t *testing.T) {
	store := newTestStore(t, &fakeBucket{objects: map[string]string{}, status: http.StatusForbidden})

	_, err := store.PutObject(context.Background(), "", "application/xml", []byte("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "k.xml", "application/xml", []byte("x"))
	require.Error(t, err)
	assert.False(t, alreadyStored(err))
}
