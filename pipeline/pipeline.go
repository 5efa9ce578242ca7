// Package pipeline drives one document through load, clean, optional
// metadata and encryption, save and verify. A Pipeline owns its document and
// is not safe for concurrent use.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wudi/pdfscrub/cleaner"
	"github.com/wudi/pdfscrub/filters"
	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/observability"
	"github.com/wudi/pdfscrub/parser"
	"github.com/wudi/pdfscrub/pdferr"
	"github.com/wudi/pdfscrub/security"
	"github.com/wudi/pdfscrub/validator"
	"github.com/wudi/pdfscrub/writer"
)

type State int

const (
	StateNew State = iota
	StateLoaded
	StateCleaned
	StateMetadataSet
	StateEncrypted
	StateSaved
	StateVerified
)

var stateNames = [...]string{"new", "loaded", "cleaned", "metadata-set", "encrypted", "saved", "verified"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Options struct {
	Policy    cleaner.Policy
	Limits    security.Limits
	Validator validator.Config
	// Password opens encrypted input.
	Password string
	Logger   observability.Logger
}

type Pipeline struct {
	opts    Options
	logger  observability.Logger
	filters *filters.Pipeline
	state   State

	doc      *raw.Document
	findings []forensic.Finding
	report   *forensic.Report

	metaKeys []string
	meta     map[string]string

	userPassword  string
	ownerPassword string
	restrict      []string
	encryptSet    bool
	encDict       *raw.DictObj
	handler       security.Handler

	output []byte
}

func New(opts Options) *Pipeline {
	if opts.Limits == (security.Limits{}) {
		opts.Limits = security.DefaultLimits()
	}
	logger := observability.OrNop(opts.Logger)
	if opts.Validator.Logger == nil {
		opts.Validator.Logger = logger
	}
	fp := filters.NewPipeline(nil, filters.Limits{
		MaxDecompressedSize: opts.Limits.MaxDecompressedSize,
		MaxDecodeTime:       opts.Limits.MaxDecodeTime,
	})
	if opts.Validator.Filters == nil {
		opts.Validator.Filters = fp
	}
	return &Pipeline{opts: opts, logger: logger, filters: fp, meta: make(map[string]string)}
}

func (p *Pipeline) State() State { return p.state }

// Document returns the document being processed, nil before Load.
func (p *Pipeline) Document() *raw.Document { return p.doc }

// Findings returns what the parser and the validator reported on the input.
func (p *Pipeline) Findings() []forensic.Finding {
	return append([]forensic.Finding(nil), p.findings...)
}

// Report returns the cleaning report, nil before Clean.
func (p *Pipeline) Report() *forensic.Report { return p.report }

// Bytes returns the serialized output, nil before WriteTo or Save.
func (p *Pipeline) Bytes() []byte { return p.output }

func (p *Pipeline) require(op string, allowed ...State) error {
	for _, s := range allowed {
		if p.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s called in state %s", pdferr.ErrInvalidState, op, p.state)
}

// Open loads the file at path.
func (p *Pipeline) Open(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", pdferr.ErrIO, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", pdferr.ErrIO, err)
	}
	return p.Load(ctx, f, st.Size())
}

// Load parses and validates the input.
func (p *Pipeline) Load(ctx context.Context, r io.ReaderAt, size int64) error {
	if err := p.require("Load", StateNew); err != nil {
		return err
	}
	dp := parser.NewDocumentParser(parser.Config{
		Limits:   p.opts.Limits,
		Password: p.opts.Password,
		Filters:  p.filters,
		Logger:   p.logger,
	})
	doc, err := dp.Parse(ctx, r)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	found, err := validator.New(p.opts.Validator).Validate(ctx, r, size, doc)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	p.findings = append(dp.Findings(), found...)
	validator.Sort(p.findings)
	p.doc = doc
	p.state = StateLoaded
	p.logger.Info("document loaded",
		observability.Int("objects", len(doc.Objects)),
		observability.Int("revisions", doc.Revisions),
		observability.Int("findings", len(p.findings)))
	return nil
}

// Clean applies the policy to the loaded document.
func (p *Pipeline) Clean(ctx context.Context) error {
	if err := p.require("Clean", StateLoaded); err != nil {
		return err
	}
	rep, err := cleaner.New(cleaner.Config{Policy: p.opts.Policy, Filters: p.filters, Logger: p.logger}).
		Clean(ctx, p.doc, p.findings)
	if err != nil {
		return err
	}
	p.report = rep
	p.state = StateCleaned
	return nil
}

// SetEncryption selects the passwords of the output. An empty owner password
// is replaced by a random one when security is applied.
func (p *Pipeline) SetEncryption(user, owner string) error {
	if err := p.require("SetEncryption", StateCleaned, StateMetadataSet); err != nil {
		return err
	}
	p.userPassword, p.ownerPassword, p.encryptSet = user, owner, true
	return nil
}

// SetRestrictions selects the operations denied to user-password readers:
// print, copy, edit and annotate.
func (p *Pipeline) SetRestrictions(restrict []string) error {
	if err := p.require("SetRestrictions", StateCleaned, StateMetadataSet); err != nil {
		return err
	}
	if _, err := security.PermissionValue(restrict); err != nil {
		return err
	}
	p.restrict = append([]string(nil), restrict...)
	return nil
}

// ApplySecurity keys a Standard security handler for the output.
func (p *Pipeline) ApplySecurity() error {
	if err := p.require("ApplySecurity", StateCleaned, StateMetadataSet); err != nil {
		return err
	}
	if !p.encryptSet {
		return fmt.Errorf("%w: ApplySecurity without SetEncryption", pdferr.ErrInvalidState)
	}
	enc, h, err := security.BuildStandardEncryption(security.EncryptionConfig{
		UserPassword:  p.userPassword,
		OwnerPassword: p.ownerPassword,
		Restrict:      p.restrict,
		FileID:        fileID(p.doc.Trailer),
	})
	if err != nil {
		return err
	}
	p.encDict, p.handler = enc, h
	p.state = StateEncrypted
	p.logger.Info("security applied", observability.Int("restrictions", len(p.restrict)))
	return nil
}

// WriteTo serializes the document to w.
func (p *Pipeline) WriteTo(ctx context.Context, w io.Writer) (int64, error) {
	if err := p.require("WriteTo", StateCleaned, StateMetadataSet, StateEncrypted); err != nil {
		return 0, err
	}
	if err := p.serialize(ctx); err != nil {
		return 0, err
	}
	n, err := w.Write(p.output)
	if err != nil {
		return int64(n), fmt.Errorf("%w: %v", pdferr.ErrIO, err)
	}
	p.state = StateSaved
	return int64(n), nil
}

// Save writes the output next to path and renames it into place, so path
// never holds a partial file.
func (p *Pipeline) Save(ctx context.Context, path string) error {
	if err := p.require("Save", StateCleaned, StateMetadataSet, StateEncrypted); err != nil {
		return err
	}
	if err := p.serialize(ctx); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pdfscrub-*")
	if err != nil {
		return fmt.Errorf("%w: %v", pdferr.ErrIO, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(p.output); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", pdferr.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", pdferr.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", pdferr.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %v", pdferr.ErrIO, err)
	}
	p.state = StateSaved
	p.logger.Info("document saved", observability.String("path", path), observability.Int("bytes", len(p.output)))
	return nil
}

func (p *Pipeline) serialize(ctx context.Context) error {
	w := (&writer.WriterBuilder{}).WithInterceptor(logInterceptor{p.logger}).Build()
	var buf bytes.Buffer
	cfg := writer.Config{Logger: p.logger}
	if p.handler != nil {
		cfg.Security, cfg.Encrypt = p.handler, p.encDict
	}
	if _, err := w.Write(ctx, p.doc, &buf, cfg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	p.output = buf.Bytes()
	return nil
}

type logInterceptor struct{ logger observability.Logger }

func (l logInterceptor) BeforeWrite(context.Context, raw.ObjectRef, raw.Object) error { return nil }

func (l logInterceptor) AfterWrite(_ context.Context, ref raw.ObjectRef, obj raw.Object, n int64) error {
	l.logger.Debug("object written",
		observability.String("object", ref.String()),
		observability.String("type", obj.Type()),
		observability.Int64("bytes", n))
	return nil
}

func fileID(trailer *raw.DictObj) []byte {
	if arr, ok := getOr(trailer, "ID").(*raw.ArrayObj); ok && arr.Len() > 0 {
		if s, ok := arr.Items[0].(raw.StringObj); ok {
			return s.Bytes
		}
	}
	return nil
}

func getOr(d *raw.DictObj, key string) raw.Object {
	if d == nil {
		return raw.NullObj{}
	}
	v, ok := d.Get(key)
	if !ok {
		return raw.NullObj{}
	}
	return v
}
