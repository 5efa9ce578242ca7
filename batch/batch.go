// Package batch sanitizes many files in parallel. Each worker runs its own
// pipeline over its own document; nothing is shared between them except the
// logger.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/observability"
	"github.com/wudi/pdfscrub/pipeline"
)

type Job struct {
	Input  string
	Output string
}

type Result struct {
	Job
	Findings int
	Cleaned  int
	Digests  pipeline.Digests
	Report   *forensic.Report
	Elapsed  time.Duration
	Err      error
}

type Config struct {
	// Workers bounds the number of documents in flight. Zero selects
	// runtime.NumCPU.
	Workers int
	Options pipeline.Options
	Logger  observability.Logger
}

// Jobs maps every input to a file of the same name in outDir. Two inputs
// with the same base name are rejected.
func Jobs(outDir string, inputs []string) ([]Job, error) {
	seen := make(map[string]string, len(inputs))
	jobs := make([]Job, 0, len(inputs))
	for _, in := range inputs {
		base := filepath.Base(in)
		if prev, ok := seen[base]; ok {
			return nil, fmt.Errorf("inputs %s and %s share the output name %s", prev, in, base)
		}
		seen[base] = in
		jobs = append(jobs, Job{Input: in, Output: filepath.Join(outDir, base)})
	}
	return jobs, nil
}

// Run processes jobs and returns one result per job, in job order. A failing
// document is reported in its Result and does not stop the others; the
// returned error is non-nil only when ctx is canceled.
func Run(ctx context.Context, jobs []Job, cfg Config) ([]Result, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := observability.OrNop(cfg.Logger)
	if cfg.Options.Logger == nil {
		cfg.Options.Logger = logger
	}

	results := make([]Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, job := range jobs {
		if gctx.Err() != nil {
			break
		}
		i, job := i, job
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{Job: job, Err: err}
				return nil
			}
			results[i] = process(gctx, job, cfg.Options)
			if results[i].Err != nil {
				logger.Warn("document failed", observability.String("input", job.Input), observability.Error("error", results[i].Err))
			}
			return nil
		})
	}
	g.Wait()
	for i := range results {
		if results[i].Input == "" && i < len(jobs) {
			results[i] = Result{Job: jobs[i], Err: ctx.Err()}
		}
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func process(ctx context.Context, job Job, opts pipeline.Options) Result {
	start := time.Now()
	res := Result{Job: job}
	p := pipeline.New(opts)
	err := p.Open(ctx, job.Input)
	if err == nil {
		err = p.Clean(ctx)
	}
	if err == nil {
		err = p.Save(ctx, job.Output)
	}
	if err == nil {
		if err = p.Verify(ctx); err != nil {
			os.Remove(job.Output)
		}
	}
	if err == nil {
		res.Digests, err = p.Digests()
	}
	res.Findings = len(p.Findings())
	if rep := p.Report(); rep != nil {
		res.Report = rep
		res.Cleaned = len(rep.Cleaned)
	}
	res.Elapsed = time.Since(start)
	res.Err = err
	return res
}
