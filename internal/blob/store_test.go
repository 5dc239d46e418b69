package blob

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibi-app/alibi/internal/fingerprint"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()
	data := []byte("scan of the signed lease")

	loc, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, LocatorFor(fingerprint.Compute(data)), loc)

	again, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, loc, again, "identical content must share a locator")

	got, err := store.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, store.Delete(ctx, loc))
	_, err = store.Get(ctx, loc)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, loc), "deleting a missing blob is not an error")

	_, err = store.Get(ctx, Locator("../../etc/passwd"))
	assert.ErrorIs(t, err, ErrInvalidLocator)

	assert.True(t, store.Available(ctx))
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)

	exerciseStore(t, store)

	loc, err := store.Put(context.Background(), []byte("x"))
	require.NoError(t, err)
	key, _ := loc.key()
	_, err = os.Stat(filepath.Join(dir, key[:2], key))
	assert.NoError(t, err, "blob should be fanned out by prefix")
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)

	store.SetAvailable(false)
	_, err := store.Put(context.Background(), []byte("x"))
	assert.Error(t, err)
	assert.False(t, store.Available(context.Background()))
}

func TestLocatorFingerprint(t *testing.T) {
	fp := fingerprint.Compute([]byte("receipt"))
	loc := LocatorFor(fp)
	assert.True(t, strings.HasPrefix(loc.String(), "sha256/"))

	parsed, err := loc.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp, parsed)

	_, err = Locator("md5/abcd").Fingerprint()
	assert.ErrorIs(t, err, ErrInvalidLocator)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{uri: "mem://", want: "mem"},
		{uri: "file://" + dir, want: "file:" + dir},
		{uri: "s3://evidence/uploads?region=eu-central-1&endpoint=http://localhost:9000", want: "s3:evidence"},
		{uri: "s3:///nobucket", wantErr: true},
		{uri: "ftp://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			store, err := Open(tt.uri, Options{S3AccessKey: "key", S3SecretKey: "secret"}, testLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, store.Name())
		})
	}
}

// fakeS3 serves the handful of path-style S3 calls the store makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Write(body)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	store, err := NewS3Store(S3Config{
		Bucket:         "evidence",
		Prefix:         "uploads",
		Region:         "us-east-1",
		Endpoint:       srv.URL,
		AccessKey:      "key",
		SecretKey:      "secret",
		ForcePathStyle: true,
	}, testLogger())
	require.NoError(t, err)

	exerciseStore(t, store)

	loc, err := store.Put(context.Background(), []byte("photo"))
	require.NoError(t, err)
	key, _ := loc.key()
	fake.mu.Lock()
	_, ok := fake.objects["evidence/uploads/"+key]
	fake.mu.Unlock()
	assert.True(t, ok, "object should be written under the bucket prefix")
}
