package upload

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
)

// Mirror copies finished result files into object storage under an optional
// key prefix.
type Mirror struct {
	store  ObjectStorage
	prefix string
}

func NewMirror(store ObjectStorage, prefix string) *Mirror {
	return &Mirror{store: store, prefix: prefix}
}

// Key is the object key used for the local file at localPath.
func (m *Mirror) Key(localPath string) string {
	name := filepath.Base(localPath)
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

// Put uploads the file at localPath and returns its object key.
func (m *Mirror) Put(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, err)
	}

	key := m.Key(localPath)
	if err := m.store.Upload(ctx, key, f, info.Size(), "application/json"); err != nil {
		return key, err
	}
	return key, nil
}
