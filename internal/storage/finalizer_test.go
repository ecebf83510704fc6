package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// memStore records Put calls in memory.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Put(_ context.Context, path string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.objects[path] = data
	return "https://cdn.example.com/" + path, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func testFinalizer(store Store) *Finalizer {
	f := NewFinalizer(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.RetryWait = 0
	return f
}

func TestFinalize_Success(t *testing.T) {
	payload := []byte("png-bytes")
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer src.Close()

	store := newMemStore()
	postID := uuid.New()

	url, err := testFinalizer(store).Finalize(context.Background(), postID, src.URL)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !strings.HasPrefix(url, "https://cdn.example.com/posts/"+postID.String()+"/") {
		t.Errorf("durable url should live under the post prefix, got %q", url)
	}
	if !strings.HasSuffix(url, ".png") {
		t.Errorf("durable url should carry the content-type extension, got %q", url)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.objects) != 1 {
		t.Fatalf("stored objects: got %d, want 1", len(store.objects))
	}
	for _, data := range store.objects {
		if string(data) != string(payload) {
			t.Error("stored bytes should match the downloaded result")
		}
	}
}

func TestFinalize_RetriesTransientDownload(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "image/webp")
		w.Write([]byte("ok"))
	}))
	defer src.Close()

	store := newMemStore()
	if _, err := testFinalizer(store).Finalize(context.Background(), uuid.New(), src.URL); err != nil {
		t.Fatalf("Finalize should survive one transient failure: %v", err)
	}
	if store.count() != 1 {
		t.Errorf("stored objects: got %d, want 1", store.count())
	}
}

func TestFinalize_DownloadFailure(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer src.Close()

	store := newMemStore()
	_, err := testFinalizer(store).Finalize(context.Background(), uuid.New(), src.URL)
	if !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed, got: %v", err)
	}
	if store.count() != 0 {
		t.Error("nothing may be stored when the download fails")
	}
}

func TestFinalize_StoreFailure(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("ok"))
	}))
	defer src.Close()

	store := newMemStore()
	store.err = errors.New("bucket unavailable")

	_, err := testFinalizer(store).Finalize(context.Background(), uuid.New(), src.URL)
	if !errors.Is(err, ErrStorageWriteFailed) {
		t.Fatalf("expected ErrStorageWriteFailed, got: %v", err)
	}
}

func TestHTTPStore_Put(t *testing.T) {
	var gotPath, gotAuth, gotType string
	var gotBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	store := NewHTTPStore(backend.URL, "posts", "secret-token")
	url, err := store.Put(context.Background(), "a/b.png", []byte("data"), "image/png")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if gotPath != "/object/posts/a/b.png" {
		t.Errorf("request path: got %q", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("auth header: got %q", gotAuth)
	}
	if gotType != "image/png" {
		t.Errorf("content type: got %q", gotType)
	}
	if string(gotBody) != "data" {
		t.Errorf("body: got %q", gotBody)
	}
	if want := backend.URL + "/object/public/posts/a/b.png"; url != want {
		t.Errorf("public url: got %q, want %q", url, want)
	}
}
