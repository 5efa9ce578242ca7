// Command pdfpipe cleans a PDF and optionally injects metadata, encrypts
// the output and prints digests of the verified result.
//
// Usage: pdfpipe [flags] <input.pdf> <output.pdf>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/wudi/pdfscrub/config"
	"github.com/wudi/pdfscrub/pipeline"
)

const (
	exitOK      = 0
	exitUsage   = 1
	exitFailure = 2
)

type options struct {
	in, out      string
	configPath   string
	password     string
	logLevel     string
	reportPath   string
	metadata     metadataFlag
	user, owner  string
	restrict     []string
	md5, sha1    bool
	sha256       bool
	encryptFlags bool
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "pdfpipe: %v\n", err)
		}
		return exitUsage
	}
	if err := process(ctx, opts, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "pdfpipe: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("pdfpipe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: pdfpipe [flags] <input.pdf> <output.pdf>\n")
		fs.PrintDefaults()
	}
	fs.Var(&opts.metadata, "metadata", "Info entry key=value to write after cleaning (repeatable)")
	fs.StringVar(&opts.user, "encrypt-user", "", "User password of the encrypted output")
	fs.StringVar(&opts.owner, "encrypt-owner", "", "Owner password of the encrypted output (random when empty)")
	restrict := fs.String("restrict", "", "Comma-separated operations to deny: print,copy,edit,annotate")
	fs.BoolVar(&opts.md5, "md5", false, "Print the MD5 digest of the output")
	fs.BoolVar(&opts.sha1, "sha1", false, "Print the SHA-1 digest of the output")
	fs.BoolVar(&opts.sha256, "sha256", false, "Print the SHA-256 digest of the output")
	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&opts.reportPath, "report", "", "Write the forensic report to this .md or .html file")
	fs.StringVar(&opts.password, "password", "", "Password to open encrypted input")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level, overriding the configuration")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return options{}, fmt.Errorf("expected input and output paths, got %d arguments", fs.NArg())
	}
	opts.in, opts.out = fs.Arg(0), fs.Arg(1)
	if *restrict != "" {
		opts.restrict = strings.Split(*restrict, ",")
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "encrypt-user", "encrypt-owner", "restrict":
			opts.encryptFlags = true
		}
	})
	if ext := strings.ToLower(filepath.Ext(opts.reportPath)); opts.reportPath != "" && ext != ".md" && ext != ".html" {
		return options{}, fmt.Errorf("report must be a .md or .html file, got %q", opts.reportPath)
	}
	return opts, nil
}

func process(ctx context.Context, opts options, stdout, stderr io.Writer) error {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	logger := cfg.Logger(stderr)

	p := pipeline.New(pipeline.Options{
		Policy:    cfg.Policy(),
		Limits:    cfg.SecurityLimits(),
		Validator: cfg.ValidatorConfig(logger),
		Password:  opts.password,
		Logger:    logger,
	})
	if err := p.Open(ctx, opts.in); err != nil {
		return err
	}
	if err := p.Clean(ctx); err != nil {
		return err
	}
	for _, kv := range opts.metadata {
		if err := p.SetMetadata(kv.key, kv.value); err != nil {
			return err
		}
	}
	if len(opts.metadata) > 0 {
		if err := p.SyncMetadata(); err != nil {
			return err
		}
	}
	if opts.encryptFlags {
		if err := p.SetEncryption(opts.user, opts.owner); err != nil {
			return err
		}
		if err := p.SetRestrictions(opts.restrict); err != nil {
			return err
		}
		if err := p.ApplySecurity(); err != nil {
			return err
		}
	}
	if err := p.Save(ctx, opts.out); err != nil {
		return err
	}
	if err := p.Verify(ctx); err != nil {
		os.Remove(opts.out)
		return err
	}
	if opts.reportPath != "" {
		if err := writeReport(p, opts.reportPath); err != nil {
			return err
		}
	}

	d, err := p.Digests()
	if err != nil {
		return err
	}
	if opts.md5 {
		fmt.Fprintf(stdout, "MD5:    %s\n", d.MD5)
	}
	if opts.sha1 {
		fmt.Fprintf(stdout, "SHA1:   %s\n", d.SHA1)
	}
	if opts.sha256 {
		fmt.Fprintf(stdout, "SHA256: %s\n", d.SHA256)
	}
	return nil
}

func writeReport(p *pipeline.Pipeline, path string) error {
	rep := p.Report()
	data := []byte(rep.Markdown())
	if strings.EqualFold(filepath.Ext(path), ".html") {
		var err error
		if data, err = rep.HTML(); err != nil {
			return fmt.Errorf("render report: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

type keyValue struct{ key, value string }

// metadataFlag collects repeated -metadata key=value flags.
type metadataFlag []keyValue

func (m *metadataFlag) String() string {
	parts := make([]string, len(*m))
	for i, kv := range *m {
		parts[i] = kv.key + "=" + kv.value
	}
	return strings.Join(parts, ",")
}

func (m *metadataFlag) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("metadata must be key=value, got %q", s)
	}
	*m = append(*m, keyValue{key, value})
	return nil
}
