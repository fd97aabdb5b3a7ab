package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	storage_go "github.com/supabase-community/storage-go"
)

// MaxObjectBytes caps how much of one object is read into memory.
const MaxObjectBytes = 64 << 20

var ErrObjectTooLarge = errors.New("object exceeds download limit")

// ObjectStore reads and writes uploaded objects.
type ObjectStore interface {
	Download(ctx context.Context, bucket, name string) ([]byte, error)
	// metadata is attached to the object where the provider supports it.
	Upload(ctx context.Context, bucket, name, contentType string, metadata map[string]string, data []byte) error
	// EmitsFinalizeEvents reports whether the provider notifies the backend
	// of new objects on its own.
	EmitsFinalizeEvents() bool
}

type GCSStore struct {
	client *storage.Client
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client}, nil
}

func (s *GCSStore) Close() error { return s.client.Close() }

func (s *GCSStore) Download(ctx context.Context, bucket, name string) ([]byte, error) {
	r, err := s.client.Bucket(bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", bucket, name, err)
	}
	defer r.Close()
	return readLimited(r)
}

func (s *GCSStore) Upload(ctx context.Context, bucket, name, contentType string, metadata map[string]string, data []byte) error {
	w := s.client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = metadata
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", bucket, name, err)
	}
	return nil
}

func (s *GCSStore) EmitsFinalizeEvents() bool { return true }

type SupabaseStore struct {
	mu     sync.Mutex // the client keeps upload options in shared headers
	client *storage_go.Client
}

func NewSupabaseStore(supabaseURL, key string) *SupabaseStore {
	return &SupabaseStore{
		client: storage_go.NewClient(strings.TrimRight(supabaseURL, "/")+"/storage/v1", key, nil),
	}
}

func (s *SupabaseStore) Download(_ context.Context, bucket, name string) ([]byte, error) {
	data, err := s.client.DownloadFile(bucket, name)
	if err != nil {
		return nil, fmt.Errorf("download %s/%s from supabase: %w", bucket, name, err)
	}
	if len(data) > MaxObjectBytes {
		return nil, ErrObjectTooLarge
	}
	return data, nil
}

// Upload ignores metadata; Supabase uploads are dispatched with the event in hand.
func (s *SupabaseStore) Upload(_ context.Context, bucket, name, contentType string, _ map[string]string, data []byte) error {
	// a retried upload of the same file replaces the earlier object
	upsert := true
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.client.UploadFile(bucket, name, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s to supabase: %w", bucket, name, err)
	}
	return nil
}

// Supabase Storage has no finalize notifications; uploads are dispatched by the API.
func (s *SupabaseStore) EmitsFinalizeEvents() bool { return false }

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxObjectBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxObjectBytes {
		return nil, ErrObjectTooLarge
	}
	return data, nil
}
