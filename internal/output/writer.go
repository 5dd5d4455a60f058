// Package output persists converted proofs where the settlement process reads them.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tendant/proof-converter/internal/artifact"
	"github.com/tendant/proof-converter/internal/process"
	"github.com/tendant/proof-converter/pkg/schema"
)

type Writer struct {
	dir       string
	pattern   *artifact.Pattern
	resultExt string
	now       func() time.Time
	syncDir   func(dir string) error
}

func NewWriter(dir string, pattern *artifact.Pattern, resultExt string) *Writer {
	return &Writer{dir: dir, pattern: pattern, resultExt: resultExt, now: time.Now, syncDir: fsyncDir}
}

func (w *Writer) Dir() string { return w.dir }

// OutputPath is where the result for ref is written.
func (w *Writer) OutputPath(ref artifact.Ref) string {
	return filepath.Join(w.dir, w.pattern.OutputName(ref, w.resultExt))
}

// Write stores the converted proof for ref atomically: readers see either no
// file or the complete document. The directory is synced after the rename so
// the new entry survives a crash.
func (w *Writer) Write(ref artifact.Ref, converted *schema.ConvertedArtifact) (string, error) {
	final := w.OutputPath(ref)
	doc := schema.OutputDocument{
		Timestamp:      w.now().UTC().Format(time.RFC3339),
		OriginalFile:   converted.OriginalFile,
		ConvertedProof: converted.Payload,
	}
	if doc.OriginalFile == "" {
		doc.OriginalFile = ref.Name
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", w.fail(ref, "encode output", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(w.dir, "."+filepath.Base(final)+".tmp-*")
	if err != nil {
		return "", w.fail(ref, "create temp file", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", w.fail(ref, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", w.fail(ref, "sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", w.fail(ref, "close temp file", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return "", w.fail(ref, "chmod temp file", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return "", w.fail(ref, "rename output", err)
	}
	if err := w.syncDir(w.dir); err != nil {
		return "", w.fail(ref, "sync output directory", err)
	}
	return final, nil
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func (w *Writer) fail(ref artifact.Ref, op string, err error) error {
	return &process.Error{Kind: process.KindOutputPersistFailed, Op: op, File: ref.Name, Err: fmt.Errorf("%s: %w", w.dir, err)}
}
