// Package config loads scanner, limit, cleaner and logging settings from YAML.
//
// Keys missing from the file keep their defaults:
//
//	scan:
//	  buffer_size: 8192
//	  signatures: ["<script", "javascript:"]
//	limits:
//	  max_decompressed_size: 104857600
//	  decode_timeout: 30s
//	cleaner:
//	  font_timestamps: false
//	log:
//	  level: debug
//	batch:
//	  workers: 4
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wudi/pdfscrub/cleaner"
	"github.com/wudi/pdfscrub/observability"
	"github.com/wudi/pdfscrub/security"
	"github.com/wudi/pdfscrub/validator"
)

type Config struct {
	Scan    ScanConfig    `yaml:"scan"`
	Limits  LimitsConfig  `yaml:"limits"`
	Cleaner CleanerConfig `yaml:"cleaner"`
	Log     LogConfig     `yaml:"log"`
	Batch   BatchConfig   `yaml:"batch"`
}

// ScanConfig tunes the validator. Empty signature lists select the built-in
// set.
type ScanConfig struct {
	BufferSize       int      `yaml:"buffer_size"`
	Signatures       []string `yaml:"signatures"`
	StreamSignatures []string `yaml:"stream_signatures"`
}

type LimitsConfig struct {
	MaxDecompressedSize int64         `yaml:"max_decompressed_size"`
	MaxIndirectDepth    int           `yaml:"max_indirect_depth"`
	MaxXRefDepth        int           `yaml:"max_xref_depth"`
	MaxArraySize        int           `yaml:"max_array_size"`
	MaxDictSize         int           `yaml:"max_dict_size"`
	MaxStringLength     int64         `yaml:"max_string_length"`
	MaxStreamLength     int64         `yaml:"max_stream_length"`
	DecodeTimeout       time.Duration `yaml:"decode_timeout"`
	ParseTimeout        time.Duration `yaml:"parse_timeout"`
}

// CleanerConfig mirrors cleaner.Policy.
type CleanerConfig struct {
	Metadata       bool `yaml:"metadata"`
	Automation     bool `yaml:"automation"`
	Extensions     bool `yaml:"extensions"`
	CustomKeys     bool `yaml:"custom_keys"`
	ScriptStreams  bool `yaml:"script_streams"`
	Padding        bool `yaml:"padding"`
	FontTimestamps bool `yaml:"font_timestamps"`
	Structure      bool `yaml:"structure"`
	PruneOrphans   bool `yaml:"prune_orphans"`
	RegenerateID   bool `yaml:"regenerate_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BatchConfig struct {
	Workers int `yaml:"workers"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	l := security.DefaultLimits()
	p := cleaner.DefaultPolicy()
	return &Config{
		Scan: ScanConfig{BufferSize: validator.DefaultBufferSize},
		Limits: LimitsConfig{
			MaxDecompressedSize: l.MaxDecompressedSize,
			MaxIndirectDepth:    l.MaxIndirectDepth,
			MaxXRefDepth:        l.MaxXRefDepth,
			MaxArraySize:        l.MaxArraySize,
			MaxDictSize:         l.MaxDictSize,
			MaxStringLength:     l.MaxStringLength,
			MaxStreamLength:     l.MaxStreamLength,
			DecodeTimeout:       l.MaxDecodeTime,
			ParseTimeout:        l.MaxParseTime,
		},
		Cleaner: CleanerConfig{
			Metadata:       p.Metadata,
			Automation:     p.Automation,
			Extensions:     p.Extensions,
			CustomKeys:     p.CustomKeys,
			ScriptStreams:  p.ScriptStreams,
			Padding:        p.Padding,
			FontTimestamps: p.FontTimestamps,
			Structure:      p.Structure,
			PruneOrphans:   p.PruneOrphans,
			RegenerateID:   p.RegenerateID,
		},
		Log:   LogConfig{Level: "info", Format: "text"},
		Batch: BatchConfig{Workers: runtime.NumCPU()},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Scan.BufferSize < 64:
		return fmt.Errorf("config: scan.buffer_size must be at least 64, got %d", c.Scan.BufferSize)
	case c.Batch.Workers < 1:
		return fmt.Errorf("config: batch.workers must be positive, got %d", c.Batch.Workers)
	case c.Limits.MaxDecompressedSize < 0 || c.Limits.MaxStreamLength < 0 || c.Limits.MaxStringLength < 0:
		return fmt.Errorf("config: limits must not be negative")
	}
	for _, s := range append(append([]string(nil), c.Scan.Signatures...), c.Scan.StreamSignatures...) {
		if s == "" {
			return fmt.Errorf("config: empty signature")
		}
	}
	return nil
}

// SecurityLimits converts the limits section.
func (c *Config) SecurityLimits() security.Limits {
	l := security.DefaultLimits()
	l.MaxDecompressedSize = c.Limits.MaxDecompressedSize
	l.MaxIndirectDepth = c.Limits.MaxIndirectDepth
	l.MaxXRefDepth = c.Limits.MaxXRefDepth
	l.MaxArraySize = c.Limits.MaxArraySize
	l.MaxDictSize = c.Limits.MaxDictSize
	l.MaxStringLength = c.Limits.MaxStringLength
	l.MaxStreamLength = c.Limits.MaxStreamLength
	l.MaxDecodeTime = c.Limits.DecodeTimeout
	l.MaxParseTime = c.Limits.ParseTimeout
	return l
}

// Policy converts the cleaner section. Script signatures follow
// scan.stream_signatures, then scan.signatures.
func (c *Config) Policy() cleaner.Policy {
	cc := c.Cleaner
	sigs := c.Scan.StreamSignatures
	if len(sigs) == 0 {
		sigs = c.Scan.Signatures
	}
	return cleaner.Policy{
		Metadata:       cc.Metadata,
		Automation:     cc.Automation,
		Extensions:     cc.Extensions,
		CustomKeys:     cc.CustomKeys,
		ScriptStreams:  cc.ScriptStreams,
		Padding:        cc.Padding,
		FontTimestamps: cc.FontTimestamps,
		Structure:      cc.Structure,
		PruneOrphans:   cc.PruneOrphans,
		RegenerateID:   cc.RegenerateID,
		Signatures:     toBytes(sigs),
	}
}

// ValidatorConfig converts the scan section.
func (c *Config) ValidatorConfig(logger observability.Logger) validator.Config {
	return validator.Config{
		BufferSize:       c.Scan.BufferSize,
		Signatures:       toBytes(c.Scan.Signatures),
		StreamSignatures: toBytes(c.Scan.StreamSignatures),
		Logger:           logger,
	}
}

// Logger builds the configured logger writing to w.
func (c *Config) Logger(w io.Writer) observability.Logger {
	return observability.NewLogger(c.Log.Level, c.Log.Format, w)
}

func toBytes(ss []string) [][]byte {
	if len(ss) == 0 {
		return nil
	}
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}
