package upload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type memoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (m *memoryStorage) Upload(_ context.Context, key string, r io.Reader, size int64, contentType string) error {
	if m.err != nil {
		return m.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
		m.types = map[string]string{}
	}
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func writeResult(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "100-200.result")
	if err := os.WriteFile(p, []byte(`{"originalFile":"100-200.proof"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestMirrorPut(t *testing.T) {
	store := &memoryStorage{}
	m := NewMirror(store, "converted")
	local := writeResult(t)

	key, err := m.Put(context.Background(), local)
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if key != "converted/100-200.result" {
		t.Fatalf("key = %s", key)
	}
	if string(store.objects[key]) != `{"originalFile":"100-200.proof"}` {
		t.Fatalf("object body = %s", store.objects[key])
	}
	if store.types[key] != "application/json" {
		t.Fatalf("content type = %s", store.types[key])
	}
}

func TestMirrorKeyWithoutPrefix(t *testing.T) {
	if got := NewMirror(nil, "").Key("/out/1-2.result"); got != "1-2.result" {
		t.Fatalf("Key = %s", got)
	}
}

func TestMirrorPutErrors(t *testing.T) {
	m := NewMirror(&memoryStorage{err: errors.New("access denied")}, "")
	if _, err := m.Put(context.Background(), writeResult(t)); err == nil {
		t.Fatal("expected upload error")
	}
	if _, err := m.Put(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	cases := map[string]string{
		"https://minio.local:9000/":   "minio.local:9000",
		"http://10.0.0.1:9000/bucket": "10.0.0.1:9000",
		"s3.eu-west-1.amazonaws.com":  "s3.eu-west-1.amazonaws.com",
		"":                            "",
	}
	for in, want := range cases {
		if got := normalizeEndpoint(in); got != want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewS3StorageRequiresBucket(t *testing.T) {
	if _, err := NewS3Storage(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
