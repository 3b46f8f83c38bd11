package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type uploadRecorder struct {
	mu     sync.Mutex
	names  []string
	bodies []string
}

func (u *uploadRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	name := r.URL.Query().Get("name")
	u.mu.Lock()
	u.names = append(u.names, name)
	u.bodies = append(u.bodies, string(body))
	u.mu.Unlock()
	fmt.Fprintf(w, `{"name": %q, "bucket": "snapshots"}`, name)
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	t.Parallel()
	rec := &uploadRecorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	store, err := Dial(context.Background(), Config{Bucket: "snapshots", Prefix: "/pages/"},
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	uri, err := store.PutObject(context.Background(), "7/abc.html", "text/html", strings.NewReader("<html>hi</html>"))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots/pages/7/abc.html", uri)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []string{"pages/7/abc.html"}, rec.names)
	require.Contains(t, rec.bodies[0], "<html>hi</html>")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	_, err = Dial(context.Background(), Config{}, option.WithoutAuthentication())
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()
	store, err := Dial(context.Background(), Config{Bucket: "b"}, option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader(""))
	require.Error(t, err)
}
