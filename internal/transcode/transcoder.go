// Package transcode turns a binary proof artifact into the intermediate JSON
// document by running the external sp1-proof-to-json tool.
package transcode

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendant/proof-converter/internal/artifact"
	"github.com/tendant/proof-converter/internal/logger"
	"github.com/tendant/proof-converter/internal/process"
	"github.com/tendant/proof-converter/pkg/schema"
)

// Runner executes the transcoder with the given arguments.
type Runner interface {
	Run(ctx context.Context, args ...string) (*Invocation, error)
}

type Config struct {
	ScratchDir string
	Timeout    time.Duration
}

type Transcoder struct {
	runner  Runner
	pattern *artifact.Pattern
	cfg     Config
	log     *logger.Logger
}

func New(cfg Config, runner Runner, pattern *artifact.Pattern, log *logger.Logger) *Transcoder {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Transcoder{runner: runner, pattern: pattern, cfg: cfg, log: log.Component("transcoder")}
}

// Transcode converts the artifact at path. The filename is validated before
// anything touches the disk; the scratch directory is always removed.
func (t *Transcoder) Transcode(ctx context.Context, path string) (*schema.IntermediateDocument, error) {
	name := filepath.Base(path)
	ref, err := t.pattern.Parse(name)
	if err != nil {
		return nil, &process.Error{Kind: process.KindInvalidArtifactName, Op: "transcode", File: name, Err: err}
	}
	log := logger.FromContext(ctx, t.log).WithFields(logger.Fields{
		logger.FieldFile:       ref.Name,
		logger.FieldStartBlock: ref.Start,
		logger.FieldEndBlock:   ref.End,
	})

	scratch, err := os.MkdirTemp(t.cfg.ScratchDir, "transcode-"+strings.TrimSuffix(ref.Name, t.pattern.Ext)+"-")
	if err != nil {
		return nil, &process.Error{Kind: process.KindDirectoryIOFailed, Op: "create scratch dir", File: ref.Name, Err: err}
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.WithError(err).WithField(logger.FieldPath, scratch).Warn("failed to remove scratch dir")
		}
	}()

	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	outPath := filepath.Join(scratch, "proof.json")
	inv, err := t.runner.Run(ctx, "--input", path, "--output", outPath)
	if err != nil {
		return nil, withFile(err, ref.Name)
	}
	log.WithFields(logger.Fields{
		logger.FieldPath:       inv.Path,
		logger.FieldDurationMs: inv.Duration.Milliseconds(),
	}).Debug("transcoder finished")

	doc, err := readDocument(outPath)
	if err != nil {
		return nil, &process.Error{Kind: process.KindTranscodeOutputInvalid, Op: "read transcoder output", File: ref.Name, Err: err}
	}

	doc.Metadata.StartBlock = ref.Start
	doc.Metadata.EndBlock = ref.End
	if doc.Metadata.OriginalFile == "" {
		doc.Metadata.OriginalFile = ref.Name
	}
	if doc.Metadata.FileSize == 0 {
		if info, err := os.Stat(path); err == nil {
			doc.Metadata.FileSize = info.Size()
		}
	}
	return doc, nil
}

func readDocument(path string) (*schema.IntermediateDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("output document is empty")
	}
	var doc schema.IntermediateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse output document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func withFile(err error, file string) error {
	if e, ok := err.(*process.Error); ok && e.File == "" {
		e.File = file
	}
	return err
}
