// Package engine runs the proof conversion engine, an external program that
// turns an intermediate document into the settlement-ready proof.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tendant/proof-converter/internal/logger"
	"github.com/tendant/proof-converter/pkg/schema"
)

// ErrClosed is returned by Convert after Close.
var ErrClosed = errors.New("engine closed")

// Engine converts one intermediate document. Implementations must be safe for
// concurrent use.
type Engine interface {
	Convert(ctx context.Context, doc *schema.IntermediateDocument) (json.RawMessage, error)
	Close() error
}

type Config struct {
	// Command is split on whitespace into argv.
	Command string
	// Workers is exported to the child as MAX_PROCESSES.
	Workers int
}

// CommandEngine starts one engine process per conversion, writing the
// document to stdin and reading the converted proof from stdout.
type CommandEngine struct {
	argv    []string
	workers int
	closed  atomic.Bool
	log     *logger.Logger
}

func NewCommand(cfg Config, log *logger.Logger) (*CommandEngine, error) {
	argv := strings.Fields(cfg.Command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = logger.Discard()
	}
	return &CommandEngine{argv: argv, workers: cfg.Workers, log: log.Component("engine")}, nil
}

func (e *CommandEngine) Convert(ctx context.Context, doc *schema.IntermediateDocument) (json.RawMessage, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	input, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "MAX_PROCESSES="+strconv.Itoa(e.workers))
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("killed after %s: %w", time.Since(start).Round(time.Millisecond), ctxErr)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("run %s: %w: %s", e.argv[0], err, lastLine(msg))
		}
		return nil, fmt.Errorf("run %s: %w", e.argv[0], err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, fmt.Errorf("engine produced no output")
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("engine output is not valid JSON")
	}
	e.log.WithFields(logger.Fields{
		logger.FieldFile:       doc.Metadata.OriginalFile,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Debug("engine conversion finished")
	return json.RawMessage(out), nil
}

// Close stops accepting conversions. Running processes are left to finish.
func (e *CommandEngine) Close() error {
	e.closed.Store(true)
	return nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
