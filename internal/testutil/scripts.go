// Package testutil writes stand-in executables for the transcoder and the
// conversion engine so pipeline code can be tested without the real tools.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// PlonkDocument is a minimal intermediate document with a Plonk proof.
const PlonkDocument = `{
  "proof": {
    "Plonk": {
      "public_inputs": ["1", "2"],
      "encoded_proof": "0a0b0c",
      "raw_proof": "0d0e",
      "plonk_vkey_hash": [1, 2, 3]
    }
  },
  "public_values": {"buffer": {"data": [7, 8, 9]}},
  "sp1_version": "v4.0.0-rc.3",
  "metadata": {"start_block": 0, "end_block": 0}
}`

// EngineResult is what the fake engine prints on success.
const EngineResult = `{"proofData":{"publicInputs":["1","2"],"proof":"converted"},"vkData":{"hash":"00"}}`

// WriteScript writes an executable shell script and returns its path.
func WriteScript(t testing.TB, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

// TranscoderOptions control how a fake transcoder behaves.
type TranscoderOptions struct {
	// Document is written to --output. Defaults to PlonkDocument.
	Document string
	// SkipOutput exits 0 without writing anything.
	SkipOutput bool
	ExitCode   int
	Stderr     string
	// Marker, when set, gets one line appended per invocation holding the --input value.
	Marker string
	// Sleep delays the script, in seconds (fractions allowed where sleep supports them).
	Sleep string
	// FailFor makes the script exit 1 when the --input path ends with this name.
	FailFor string
}

// FakeTranscoder writes a script accepting --input/--output like sp1-proof-to-json.
func FakeTranscoder(t testing.TB, dir string, opts TranscoderOptions) string {
	t.Helper()
	doc := opts.Document
	if doc == "" {
		doc = PlonkDocument
	}

	var b strings.Builder
	b.WriteString(`in=""
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --input) in="$2"; shift 2 ;;
    --output) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
`)
	if opts.Marker != "" {
		fmt.Fprintf(&b, "echo \"$in\" >> %s\n", shellQuote(opts.Marker))
	}
	if opts.Sleep != "" {
		fmt.Fprintf(&b, "sleep %s\n", opts.Sleep)
	}
	if opts.FailFor != "" {
		fmt.Fprintf(&b, "case \"$in\" in\n  */%s) echo 'unsupported proof version' >&2; exit 1 ;;\nesac\n", opts.FailFor)
	}
	if opts.Stderr != "" {
		fmt.Fprintf(&b, "echo %s >&2\n", shellQuote(opts.Stderr))
	}
	if opts.ExitCode != 0 {
		fmt.Fprintf(&b, "exit %d\n", opts.ExitCode)
	}
	if !opts.SkipOutput {
		fmt.Fprintf(&b, "cat > \"$out\" <<'EOF'\n%s\nEOF\n", doc)
	}
	b.WriteString("exit 0\n")

	return WriteScript(t, dir, "sp1-proof-to-json", b.String())
}

// EngineOptions control how a fake conversion engine behaves.
type EngineOptions struct {
	// Stdout is printed on success. Defaults to EngineResult.
	Stdout   string
	ExitCode int
	Stderr   string
	// InputCopy, when set, receives the document read from stdin.
	InputCopy string
	// EnvCopy, when set, receives the value of MAX_PROCESSES.
	EnvCopy string
	Sleep   string
}

// FakeEngine writes a script that reads a document on stdin and prints a result.
func FakeEngine(t testing.TB, dir string, opts EngineOptions) string {
	t.Helper()
	out := opts.Stdout
	if out == "" {
		out = EngineResult
	}

	var b strings.Builder
	if opts.InputCopy != "" {
		fmt.Fprintf(&b, "cat > %s\n", shellQuote(opts.InputCopy))
	} else {
		b.WriteString("cat > /dev/null\n")
	}
	if opts.EnvCopy != "" {
		fmt.Fprintf(&b, "printf '%%s' \"$MAX_PROCESSES\" > %s\n", shellQuote(opts.EnvCopy))
	}
	if opts.Sleep != "" {
		fmt.Fprintf(&b, "sleep %s\n", opts.Sleep)
	}
	if opts.Stderr != "" {
		fmt.Fprintf(&b, "echo %s >&2\n", shellQuote(opts.Stderr))
	}
	if opts.ExitCode != 0 {
		fmt.Fprintf(&b, "exit %d\n", opts.ExitCode)
	}
	fmt.Fprintf(&b, "printf '%%s' %s\n", shellQuote(out))

	return WriteScript(t, dir, "engine", b.String())
}

// CountLines returns the number of lines in path, or 0 if it does not exist.
func CountLines(t testing.TB, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Count(string(data), "\n")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
