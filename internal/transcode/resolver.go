package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tendant/proof-converter/internal/logger"
	"github.com/tendant/proof-converter/internal/process"
)

const (
	stderrTail = 2048
	// waitDelay bounds how long Wait blocks on pipes held open by grandchildren
	// after the transcoder itself has been killed.
	waitDelay = 2 * time.Second
)

// Invocation describes a completed run of one candidate executable.
type Invocation struct {
	Path     string
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Resolver runs the first candidate executable that can be launched.
// Candidates are re-tried on every call so a binary installed after startup is
// picked up without a restart.
type Resolver struct {
	candidates []string
	log        *logger.Logger
}

func NewResolver(candidates []string, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Discard()
	}
	return &Resolver{
		candidates: append([]string(nil), candidates...),
		log:        log.Component("resolver"),
	}
}

func (r *Resolver) Candidates() []string {
	return append([]string(nil), r.candidates...)
}

// Run tries each candidate in order with args. A candidate that fails to start
// falls through to the next one. A candidate that starts and then fails ends
// the search with a TranscodeFailed error.
func (r *Resolver) Run(ctx context.Context, args ...string) (*Invocation, error) {
	var lastErr error
	for _, candidate := range r.candidates {
		if err := ctx.Err(); err != nil {
			return nil, &process.Error{Kind: process.KindTranscodeFailed, Op: "run transcoder", Err: err}
		}

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, candidate, args...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		cmd.WaitDelay = waitDelay

		start := time.Now()
		if err := cmd.Start(); err != nil {
			r.log.WithField(logger.FieldPath, candidate).WithError(err).Debug("transcoder candidate unavailable")
			lastErr = fmt.Errorf("%s: %w", candidate, err)
			continue
		}
		err := cmd.Wait()
		inv := &Invocation{
			Path:     candidate,
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Duration: time.Since(start),
		}
		if err == nil {
			return inv, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return inv, &process.Error{
				Kind:   process.KindTranscodeFailed,
				Op:     "run " + candidate,
				Detail: tail(inv.Stderr),
				Err:    fmt.Errorf("killed after %s: %w", inv.Duration.Round(time.Millisecond), ctxErr),
			}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return inv, &process.Error{
				Kind:   process.KindTranscodeFailed,
				Op:     "run " + candidate,
				Detail: tail(inv.Stderr),
				Err:    fmt.Errorf("exit status %d", exitErr.ExitCode()),
			}
		}
		return inv, &process.Error{Kind: process.KindTranscodeFailed, Op: "run " + candidate, Detail: tail(inv.Stderr), Err: err}
	}

	if lastErr == nil {
		lastErr = errors.New("no transcoder candidates configured")
	}
	return nil, &process.Error{
		Kind: process.KindTranscodeExecutableUnavailable,
		Op:   "resolve transcoder",
		Err:  fmt.Errorf("tried %s: %w", strings.Join(r.candidates, ", "), lastErr),
	}
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
