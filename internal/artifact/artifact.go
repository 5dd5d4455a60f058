// Package artifact parses the filenames the upstream prover writes. A proof
// blob is named after the block range it covers, e.g. "100-200.proof".
package artifact

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var ErrInvalidName = errors.New("invalid artifact name")

// Ref identifies one proof artifact by filename and the block range encoded in it.
type Ref struct {
	Name  string
	Start uint64
	End   uint64
}

// Pattern describes the artifact filename layout {start}{delimiter}{end}{ext}.
type Pattern struct {
	Delimiter string
	Ext       string
	re        *regexp.Regexp
}

// NewPattern compiles a filename pattern. ext must start with a dot.
func NewPattern(delimiter, ext string) (*Pattern, error) {
	if delimiter == "" {
		return nil, fmt.Errorf("artifact delimiter must not be empty")
	}
	if strings.ContainsAny(delimiter, "0123456789") {
		return nil, fmt.Errorf("artifact delimiter %q must not contain digits", delimiter)
	}
	if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
		return nil, fmt.Errorf("artifact extension %q must start with '.'", ext)
	}
	re := regexp.MustCompile(`^(\d+)` + regexp.QuoteMeta(delimiter) + `(\d+)` + regexp.QuoteMeta(ext) + `$`)
	return &Pattern{Delimiter: delimiter, Ext: ext, re: re}, nil
}

// Match reports whether name is a valid artifact filename.
func (p *Pattern) Match(name string) bool {
	_, err := p.Parse(name)
	return err == nil
}

// Parse validates a filename (base name or full path) and extracts the block range.
func (p *Pattern) Parse(name string) (Ref, error) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return Ref{}, fmt.Errorf("%w: %s is hidden", ErrInvalidName, base)
	}
	m := p.re.FindStringSubmatch(base)
	if m == nil {
		return Ref{}, fmt.Errorf("%w: %s does not match start%send%s", ErrInvalidName, base, p.Delimiter, p.Ext)
	}
	start, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %s start block: %v", ErrInvalidName, base, err)
	}
	end, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %s end block: %v", ErrInvalidName, base, err)
	}
	if start > end {
		return Ref{}, fmt.Errorf("%w: %s start block %d is after end block %d", ErrInvalidName, base, start, end)
	}
	return Ref{Name: base, Start: start, End: end}, nil
}

// OutputName replaces the artifact extension with resultExt.
func (p *Pattern) OutputName(ref Ref, resultExt string) string {
	return strings.TrimSuffix(ref.Name, p.Ext) + resultExt
}
