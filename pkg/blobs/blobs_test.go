package blobs

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2/ktesting"
)

func TestHTTPBlobReader(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/graphs/mlp.json":
			w.Write([]byte(`{"tensors": []}`))
		case "/graphs/broken.json":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	base, err := url.Parse(server.URL + "/graphs/")
	require.NoError(t, err)
	reader := &HTTPBlobReader{BaseURL: base, Client: server.Client()}

	dest := filepath.Join(t.TempDir(), "mlp.json")
	require.NoError(t, reader.Download(ctx, BlobInfo{Key: "mlp.json"}, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, `{"tensors": []}`, string(data))

	err = reader.Download(ctx, BlobInfo{Key: "missing.json"}, filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)

	err = reader.Download(ctx, BlobInfo{Key: "broken.json"}, filepath.Join(t.TempDir(), "broken.json"))
	require.ErrorContains(t, err, "500")
	require.NotErrorIs(t, err, os.ErrNotExist)
}

func TestFileBlobstore(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	store := &FileBlobstore{Dir: t.TempDir()}

	src := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(src, []byte("first"), 0o644))
	require.NoError(t, store.Upload(ctx, src, BlobInfo{Key: "plans/a.json"}))

	// Existing keys are left alone.
	require.NoError(t, os.WriteFile(src, []byte("second"), 0o644))
	require.NoError(t, store.Upload(ctx, src, BlobInfo{Key: "plans/a.json"}))

	dest := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, store.Download(ctx, BlobInfo{Key: "plans/a.json"}, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "first", string(data))

	err = store.Download(ctx, BlobInfo{Key: "plans/b.json"}, dest)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.ErrorContains(t, store.Upload(ctx, src, BlobInfo{Key: "../escape.json"}), "invalid blob key")
	require.ErrorContains(t, store.Download(ctx, BlobInfo{Key: ""}, dest), "invalid blob key")
}

func TestParseLocation(t *testing.T) {
	reader, info, err := ParseLocation("gs://models/graphs/mlp.json")
	require.NoError(t, err)
	require.Equal(t, &GCSBlobstore{Bucket: "models"}, reader)
	require.Equal(t, "graphs/mlp.json", info.Key)
	require.Equal(t, "gs://models/graphs/mlp.json", reader.(*GCSBlobstore).URL(info))

	reader, info, err = ParseLocation("https://example.com/graphs/mlp.yaml")
	require.NoError(t, err)
	require.Equal(t, "mlp.yaml", info.Key)
	require.Equal(t, "https://example.com/graphs/", reader.(*HTTPBlobReader).BaseURL.String())

	reader, info, err = ParseLocation("testdata/mlp.json")
	require.NoError(t, err)
	require.Equal(t, &FileBlobstore{Dir: "testdata/"}, reader)
	require.Equal(t, "mlp.json", info.Key)

	reader, info, err = ParseLocation("mlp.json")
	require.NoError(t, err)
	require.Equal(t, &FileBlobstore{Dir: "."}, reader)
	require.Equal(t, "mlp.json", info.Key)

	for _, bad := range []string{"", "gs://bucket", "gs:///key", "http://example.com/graphs/"} {
		_, _, err := ParseLocation(bad)
		require.Error(t, err, bad)
	}
}

func TestGCSObjectKey(t *testing.T) {
	store := &GCSBlobstore{Bucket: "b", Prefix: "plans"}
	require.Equal(t, "gs://b/plans/x.plan.json", store.URL(BlobInfo{Key: "x.plan.json"}))
	require.Equal(t, "application/json", contentType("x.plan.json"))
	require.Equal(t, "application/yaml", contentType("x.yml"))
}
