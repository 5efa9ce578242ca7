// Command pdfbatch sanitizes many PDFs in parallel with the full cleaning
// policy, writing each output under the same name in a directory.
//
// Usage: pdfbatch [flags] <outdir> <input.pdf>...
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wudi/pdfscrub/batch"
	"github.com/wudi/pdfscrub/config"
	"github.com/wudi/pdfscrub/pipeline"
)

const (
	exitOK      = 0
	exitUsage   = 1
	exitFailure = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pdfbatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: pdfbatch [flags] <outdir> <input.pdf>...\n")
		fs.PrintDefaults()
	}
	workers := fs.Int("workers", 0, "Documents processed in parallel (default from configuration)")
	configPath := fs.String("config", "", "YAML configuration file")
	logLevel := fs.String("log-level", "", "Log level, overriding the configuration")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() < 2 || *workers < 0 {
		fs.Usage()
		return exitUsage
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(stderr, "pdfbatch: %v\n", err)
			return exitFailure
		}
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *workers > 0 {
		cfg.Batch.Workers = *workers
	}
	logger := cfg.Logger(stderr)

	outDir := fs.Arg(0)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "pdfbatch: %v\n", err)
		return exitFailure
	}
	jobs, err := batch.Jobs(outDir, fs.Args()[1:])
	if err != nil {
		fmt.Fprintf(stderr, "pdfbatch: %v\n", err)
		return exitUsage
	}
	results, err := batch.Run(ctx, jobs, batch.Config{
		Workers: cfg.Batch.Workers,
		Options: pipeline.Options{
			Policy:    cfg.Policy(),
			Limits:    cfg.SecurityLimits(),
			Validator: cfg.ValidatorConfig(logger),
		},
		Logger: logger,
	})

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(stdout, "FAIL %s: %v\n", res.Input, res.Err)
			continue
		}
		fmt.Fprintf(stdout, "ok   %s -> %s findings=%d cleaned=%d sha256=%s\n",
			res.Input, res.Output, res.Findings, res.Cleaned, res.Digests.SHA256)
	}
	if err != nil || failed > 0 {
		fmt.Fprintf(stderr, "pdfbatch: %d of %d documents failed\n", failed, len(results))
		return exitFailure
	}
	return exitOK
}
