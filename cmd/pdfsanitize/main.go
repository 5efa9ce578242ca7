// Command pdfsanitize removes identifying metadata and XMP from a PDF.
//
// Usage: pdfsanitize [flags] <input.pdf> <output.pdf>
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wudi/pdfscrub/cleaner"
	"github.com/wudi/pdfscrub/observability"
	"github.com/wudi/pdfscrub/pipeline"
)

const (
	exitOK      = 0
	exitUsage   = 1
	exitFailure = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("pdfsanitize", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: pdfsanitize [flags] <input.pdf> <output.pdf>\n")
		fs.PrintDefaults()
	}
	password := fs.String("password", "", "Password to open encrypted input")
	logLevel := fs.String("log-level", "warn", "Log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return exitUsage
	}
	in, out := fs.Arg(0), fs.Arg(1)

	logger := observability.NewLogger(*logLevel, "text", stderr)
	p := pipeline.New(pipeline.Options{
		Policy:   cleaner.MetadataPolicy(),
		Password: *password,
		Logger:   logger,
	})
	if err := sanitize(ctx, p, in, out); err != nil {
		fmt.Fprintf(stderr, "pdfsanitize: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func sanitize(ctx context.Context, p *pipeline.Pipeline, in, out string) error {
	if err := p.Open(ctx, in); err != nil {
		return err
	}
	if err := p.Clean(ctx); err != nil {
		return err
	}
	return p.Save(ctx, out)
}
