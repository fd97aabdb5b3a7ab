package utils

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeSupabase serves the object endpoints and refuses overwrites unless x-upsert is true.
type fakeSupabase struct {
	mu      sync.Mutex
	objects map[string][]byte
	upserts []string
}

func (f *fakeSupabase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/storage/v1/object/")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		upsert := r.Header.Get("x-upsert")
		f.upserts = append(f.upserts, upsert)
		if _, exists := f.objects[key]; exists && upsert != "true" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"Duplicate","message":"The resource already exists"}`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		_, _ = io.WriteString(w, `{"Key":"`+key+`"}`)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"not_found","message":"Object not found"}`)
			return
		}
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestSupabaseStoreRetriedUploadReplacesObject(t *testing.T) {
	fake := &fakeSupabase{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	store := NewSupabaseStore(srv.URL+"/", "service-key")
	ctx := context.Background()
	name := "uploads/documents/u1/notes.txt"

	if err := store.Upload(ctx, "recall", name, "text/plain", nil, []byte("first draft")); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if err := store.Upload(ctx, "recall", name, "text/plain", nil, []byte("second draft")); err != nil {
		t.Fatalf("retry of the same file must succeed: %v", err)
	}
	for _, h := range fake.upserts {
		if h != "true" {
			t.Fatalf("uploads must be sent with x-upsert=true, got %q", h)
		}
	}

	got, err := store.Download(ctx, "recall", name)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(got) != "second draft" {
		t.Fatalf("expected the retried content, got %q", got)
	}
	if store.EmitsFinalizeEvents() {
		t.Fatalf("supabase has no finalize events")
	}
}
