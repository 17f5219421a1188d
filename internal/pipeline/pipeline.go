// Package pipeline implements the multi-step streaming pipeline with
// per-step disk caching that every fileDB operation is composed from.
//
// A pipeline is init / open / step… / done. Each stage that declares a
// path template writes its output to cacheDir/<interpolated-template>
// before exposing it downstream; an existing artifact short-circuits the
// stage and everything before it. The same vars always interpolate to the
// same path, and that path always holds a byte-equal artifact for
// identical inputs — cache correctness depends on it.
package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned when init short-circuits: the pipeline's subject
// does not exist.
var ErrNotFound = errors.New("pipeline: not found")

// InitFunc seeds the vars. Returning (false, nil) short-circuits the run
// with ErrNotFound. Must be deterministic in its arguments.
type InitFunc func(ctx context.Context, vars Vars) (bool, error)

// OpenFunc writes the first stage's output to w.
type OpenFunc func(ctx context.Context, vars Vars, w io.Writer) error

// StepFunc consumes the previous stage's stream and writes the next.
type StepFunc func(ctx context.Context, vars Vars, w io.Writer, r io.Reader) error

// DoneFunc applies the last mutation to the returned handle.
type DoneFunc func(vars Vars, h *Handle) (*Handle, error)

// Step is one transforming stage. Template, when non-empty, names the
// stage's cache file relative to the cache dir.
type Step struct {
	Template string
	Run      StepFunc
}

// CacheObserver is notified whether a run was answered by an existing
// final artifact or had to produce one.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// Pipeline is an ordered init / open / steps / done sequence. The final
// step must declare a template: its artifact is the pipeline result.
type Pipeline struct {
	CacheDir string
	Init     InitFunc
	// OpenTemplate optionally caches the open stage's output.
	OpenTemplate string
	Open         OpenFunc
	Steps        []Step
	Done         DoneFunc

	// Flights coalesces concurrent runs for the same artifact. Shared
	// across pipelines so every producer of a path is deduplicated.
	Flights *singleflight.Group

	// Observer, when set, counts final-artifact cache hits and misses.
	Observer CacheObserver
}

// Run executes the pipeline. Concurrent calls that resolve to the same
// artifact path share a single execution.
func (p *Pipeline) Run(ctx context.Context, vars Vars) (*Handle, error) {
	if p.Init != nil {
		ok, err := p.Init(ctx, vars)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
	}

	if len(p.Steps) == 0 || p.Steps[len(p.Steps)-1].Template == "" {
		return nil, errors.New("pipeline: final step must declare a template")
	}

	finalPath, err := p.artifactPath(vars, p.Steps[len(p.Steps)-1].Template)
	if err != nil {
		return nil, err
	}

	run := func() (any, error) {
		if err := p.produce(ctx, vars, finalPath); err != nil {
			return nil, err
		}
		return finalPath, nil
	}

	if p.Flights != nil {
		if _, err, _ := p.Flights.Do(finalPath, run); err != nil {
			return nil, err
		}
	} else if _, err := run(); err != nil {
		return nil, err
	}

	h := &Handle{Path: finalPath}
	if p.Done != nil {
		return p.Done(vars, h)
	}
	return h, nil
}

func (p *Pipeline) artifactPath(vars Vars, template string) (string, error) {
	rel, err := vars.Interpolate(template)
	if err != nil {
		return "", err
	}
	return filepath.Join(p.CacheDir, filepath.FromSlash(rel)), nil
}

// produce builds the final artifact, starting from the most advanced
// cached stage. Stage outputs flow through pipes; cached stages tee their
// output to disk and only promote the file once the stage completes.
func (p *Pipeline) produce(ctx context.Context, vars Vars, finalPath string) error {
	if fileExists(finalPath) {
		if p.Observer != nil {
			p.Observer.CacheHit()
		}
		return nil
	}
	if p.Observer != nil {
		p.Observer.CacheMiss()
	}

	// Resolve every stage's cache path up front.
	type stage struct {
		template string
		path     string // "" when uncached
		open     OpenFunc
		step     StepFunc
	}
	stages := make([]stage, 0, len(p.Steps)+1)
	st := stage{template: p.OpenTemplate, open: p.Open}
	stages = append(stages, st)
	for _, s := range p.Steps {
		stages = append(stages, stage{template: s.Template, step: s.Run})
	}
	for i := range stages {
		if stages[i].template == "" {
			continue
		}
		path, err := p.artifactPath(vars, stages[i].template)
		if err != nil {
			return err
		}
		stages[i].path = path
	}

	// Find the last stage whose artifact already exists; execution resumes
	// after it.
	start := 0
	var input string
	for i := len(stages) - 1; i >= 0; i-- {
		if stages[i].path != "" && fileExists(stages[i].path) {
			start = i + 1
			input = stages[i].path
			break
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	var reader io.ReadCloser
	if input != "" {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		reader = f
	}

	var tmpFiles []string
	cleanup := func() {
		for _, tmp := range tmpFiles {
			_ = os.Remove(tmp)
		}
	}

	for i := start; i < len(stages); i++ {
		s := stages[i]
		last := i == len(stages)-1

		var out io.Writer
		var pw *io.PipeWriter
		var pr *io.PipeReader
		var tmpFile *os.File
		var tmpPath, promotePath string

		if s.path != "" {
			if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
				cleanup()
				return err
			}
			var err error
			tmpFile, err = os.CreateTemp(filepath.Dir(s.path), ".tmp-*")
			if err != nil {
				cleanup()
				return err
			}
			tmpPath = tmpFile.Name()
			promotePath = s.path
			tmpFiles = append(tmpFiles, tmpPath)
		}

		if last {
			// Final stage writes only to its cache file.
			out = tmpFile
		} else {
			pr, pw = io.Pipe()
			if tmpFile != nil {
				out = io.MultiWriter(pw, tmpFile)
			} else {
				out = pw
			}
		}

		in := reader
		stageFn := func() error {
			var err error
			if s.open != nil {
				err = s.open(ctx, vars, out)
			} else {
				err = s.step(ctx, vars, out, in)
			}
			if in != nil {
				_, _ = io.Copy(io.Discard, in)
				_ = in.Close()
			}
			if tmpFile != nil {
				if cerr := tmpFile.Close(); err == nil {
					err = cerr
				}
				if err == nil {
					err = os.Rename(tmpPath, promotePath)
				}
			}
			if pw != nil {
				_ = pw.CloseWithError(err)
			}
			return err
		}
		g.Go(stageFn)
		reader = pr
	}

	if err := g.Wait(); err != nil {
		cleanup()
		// A failed run must not poison future callers.
		_ = os.Remove(finalPath)
		return err
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
