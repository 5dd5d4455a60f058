// cmd/test-convert runs a single proof artifact through the transcoder and
// the conversion engine without the watcher, ledger or event bus.
//
// Usage:
//
//	./test-convert -input 100-200.proof
//	./test-convert -input 100-200.proof -output ./out
//	./test-convert -input 100-200.proof -probe  # transcode only, show metadata
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendant/proof-converter/internal/artifact"
	"github.com/tendant/proof-converter/internal/config"
	"github.com/tendant/proof-converter/internal/engine"
	"github.com/tendant/proof-converter/internal/logger"
	"github.com/tendant/proof-converter/internal/output"
	"github.com/tendant/proof-converter/internal/process"
	"github.com/tendant/proof-converter/internal/transcode"
	"github.com/tendant/proof-converter/pkg/schema"
)

func main() {
	input := flag.String("input", "", "Input proof artifact (required)")
	outDir := flag.String("output", "", "Output directory (default: directory of the input)")
	probe := flag.Bool("probe", false, "Transcode only and show proof metadata")
	timeout := flag.Duration("timeout", 30*time.Minute, "Overall timeout")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	if *input == "" {
		fmt.Println("Error: -input flag is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(*input); os.IsNotExist(err) {
		log.Fatalf("❌ Input file not found: %s", *input)
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if *outDir == "" {
		*outDir = filepath.Dir(*input)
	}

	lc := logger.DefaultConfig()
	lc.Level = "warn"
	if *verbose {
		lc.Level = "debug"
	}
	lc.Format = "text"
	lg := logger.New(lc)
	defer lg.Close()

	pattern, err := artifact.NewPattern(cfg.Artifact.Delimiter, cfg.Artifact.Extension)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	ref, err := pattern.Parse(filepath.Base(*input))
	if err != nil {
		log.Fatalf("❌ %v\n\nExpected names like 100%s200%s", err, cfg.Artifact.Delimiter, cfg.Artifact.Extension)
	}

	if *verbose {
		fmt.Printf("📄 Input: %s\n", *input)
		fmt.Printf("🔢 Blocks: %d → %d\n", ref.Start, ref.End)
		fmt.Printf("🔧 Transcoders: %s\n", strings.Join(cfg.Transcoder.Candidates, ", "))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	scratch, err := os.MkdirTemp("", "test-convert-")
	if err != nil {
		log.Fatalf("❌ Failed to create scratch directory: %v", err)
	}
	defer os.RemoveAll(scratch)

	fmt.Printf("\n🔄 Transcoding...\n")
	start := time.Now()
	resolver := transcode.NewResolver(cfg.Transcoder.Candidates, lg)
	transcoder := transcode.New(transcode.Config{ScratchDir: scratch, Timeout: cfg.Transcoder.Timeout}, resolver, pattern, lg)
	doc, err := transcoder.Transcode(ctx, *input)
	if err != nil {
		fail("Transcoding failed", err)
	}
	transcodeTime := time.Since(start)

	if *probe {
		fmt.Println("\n📊 Proof Metadata:")
		fmt.Println(strings.Repeat("-", 40))
		printDocument(doc)
		fmt.Printf("⏱️  Time: %v\n", transcodeTime.Round(time.Millisecond))
		fmt.Println()
		return
	}

	fmt.Printf("🎨 Converting (%d engine workers)...\n", cfg.Engine.Workers)
	eng, err := engine.NewCommand(engine.Config{Command: cfg.Engine.Command, Workers: cfg.Engine.Workers}, lg)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer eng.Close()

	convertStart := time.Now()
	convertCtx := ctx
	if cfg.Engine.Timeout > 0 {
		var cancelConvert context.CancelFunc
		convertCtx, cancelConvert = context.WithTimeout(ctx, cfg.Engine.Timeout)
		defer cancelConvert()
	}
	payload, err := eng.Convert(convertCtx, doc)
	if err != nil {
		fail("Conversion failed", err)
	}
	convertTime := time.Since(convertStart)

	path, err := output.NewWriter(*outDir, pattern, cfg.Artifact.ResultExt).Write(ref, &schema.ConvertedArtifact{
		OriginalFile: filepath.Base(*input),
		Payload:      payload,
		ConvertedAt:  time.Now(),
	})
	if err != nil {
		fail("Writing result failed", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		log.Fatalf("❌ Failed to read output file: %v", err)
	}

	fmt.Printf("\n✅ Conversion successful!\n")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("📁 Output: %s\n", path)
	fmt.Printf("📏 Size: %s\n", formatBytes(info.Size()))
	fmt.Printf("⏱️  Transcode: %v\n", transcodeTime.Round(time.Millisecond))
	fmt.Printf("⏱️  Convert: %v\n", convertTime.Round(time.Millisecond))

	if *verbose {
		fmt.Println()
		printDocument(doc)
	}
	fmt.Println()
}

// fail prints the failure type alongside the error and exits.
func fail(msg string, err error) {
	log.Fatalf("❌ %s [%s]: %v", msg, process.Classify(err), err)
}

func printDocument(doc *schema.IntermediateDocument) {
	variant, body := doc.Proof.Variant()
	fmt.Printf("  Proof system: %s\n", variant)
	if doc.SP1Version != "" {
		fmt.Printf("  SP1 version: %s\n", doc.SP1Version)
	}
	fmt.Printf("  Blocks: %d → %d\n", doc.Metadata.StartBlock, doc.Metadata.EndBlock)
	fmt.Printf("  Source size: %s\n", formatBytes(doc.Metadata.FileSize))
	if body != nil {
		fmt.Printf("  Public inputs: %d\n", len(body.PublicInputs))
		fmt.Printf("  Encoded proof: %s\n", formatBytes(int64(len(body.EncodedProof)/2)))
	}
	fmt.Printf("  Public values: %s\n", formatBytes(int64(len(doc.PublicValues.Buffer.Data))))
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
