package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tendant/proof-converter/internal/process"
	"github.com/tendant/proof-converter/internal/testutil"
)

func subdir(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestResolverFallsThroughMissingCandidates(t *testing.T) {
	good := testutil.FakeTranscoder(t, subdir(t, "good"), testutil.TranscoderOptions{})
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	r := NewResolver([]string{missing, good}, nil)
	out := filepath.Join(t.TempDir(), "out.json")
	inv, err := r.Run(context.Background(), "--input", "x", "--output", out)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if inv.Path != good {
		t.Fatalf("resolved %s, want %s", inv.Path, good)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected output written: %v", err)
	}
}

func TestResolverSkipsNonExecutable(t *testing.T) {
	dir := subdir(t, "plain")
	plain := filepath.Join(dir, "sp1-proof-to-json")
	if err := os.WriteFile(plain, []byte("#!/bin/sh\nexit 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	good := testutil.FakeTranscoder(t, subdir(t, "good"), testutil.TranscoderOptions{})

	inv, err := NewResolver([]string{plain, good}, nil).Run(context.Background(), "--output", filepath.Join(dir, "o.json"))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if inv.Path != good {
		t.Fatalf("resolved %s, want %s", inv.Path, good)
	}
}

func TestResolverAllCandidatesUnavailable(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver([]string{filepath.Join(dir, "a"), filepath.Join(dir, "b")}, nil)

	_, err := r.Run(context.Background(), "--input", "x")
	if !errors.Is(err, process.ErrTranscodeExecutableUnavailable) {
		t.Fatalf("expected ErrTranscodeExecutableUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), filepath.Join(dir, "b")) {
		t.Fatalf("error should mention the last candidate: %v", err)
	}
}

func TestResolverNoCandidates(t *testing.T) {
	_, err := NewResolver(nil, nil).Run(context.Background())
	if !errors.Is(err, process.ErrTranscodeExecutableUnavailable) {
		t.Fatalf("expected ErrTranscodeExecutableUnavailable, got %v", err)
	}
}

func TestResolverNonZeroExitStopsSearch(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	failing := testutil.FakeTranscoder(t, subdir(t, "bad"), testutil.TranscoderOptions{ExitCode: 3, Stderr: "bad proof header"})
	good := testutil.FakeTranscoder(t, subdir(t, "good"), testutil.TranscoderOptions{Marker: marker})

	_, err := NewResolver([]string{failing, good}, nil).Run(context.Background(), "--input", "x", "--output", "/dev/null")
	if !errors.Is(err, process.ErrTranscodeFailed) {
		t.Fatalf("expected ErrTranscodeFailed, got %v", err)
	}
	var perr *process.Error
	if !errors.As(err, &perr) || !strings.Contains(perr.Detail, "bad proof header") {
		t.Fatalf("expected stderr in detail, got %#v", err)
	}
	if !strings.Contains(err.Error(), "exit status 3") {
		t.Fatalf("expected exit status in error: %v", err)
	}
	if n := testutil.CountLines(t, marker); n != 0 {
		t.Fatalf("later candidate ran %d times after a launched failure", n)
	}
}

func TestResolverTimeout(t *testing.T) {
	slow := testutil.FakeTranscoder(t, subdir(t, "slow"), testutil.TranscoderOptions{Sleep: "10"})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewResolver([]string{slow}, nil).Run(ctx, "--output", "/dev/null")
	if !errors.Is(err, process.ErrTranscodeFailed) {
		t.Fatalf("expected ErrTranscodeFailed, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in chain, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}
