package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/locomote-sh/server/api"
)

func TestVarsInterpolate(t *testing.T) {
	ctx := &api.RequestContext{
		Account: "acme",
		Repo:    "site",
		Auth:    &api.AuthContext{Group: "g1234"},
	}
	vars := Vars{"ctx": ctx, "commit": "abcd123", "category": "pages"}

	got, err := vars.Interpolate("internal/{ctx.account}/{ctx.repo}/records-{commit}.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	want := "internal/acme/site/records-abcd123.jsonl"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	got, err = vars.Interpolate("results-{commit}-{ctx.auth.group}.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	if got != "results-abcd123-g1234.jsonl" {
		t.Errorf("got %q", got)
	}

	if _, err := vars.Interpolate("{missing}"); err == nil {
		t.Error("unresolved reference should error")
	}
}

func newTestPipeline(dir string, opens *int32, steps *int32) *Pipeline {
	return &Pipeline{
		CacheDir: dir,
		Flights:  &singleflight.Group{},
		Open: func(ctx context.Context, vars Vars, w io.Writer) error {
			atomic.AddInt32(opens, 1)
			_, err := io.WriteString(w, "one\ntwo\nthree\n")
			return err
		},
		Steps: []Step{{
			Template: "{name}/upper-{commit}.txt",
			Run: func(ctx context.Context, vars Vars, w io.Writer, r io.Reader) error {
				atomic.AddInt32(steps, 1)
				data, err := io.ReadAll(r)
				if err != nil {
					return err
				}
				_, err = w.Write(bytes.ToUpper(data))
				return err
			},
		}},
	}
}

type countingObserver struct {
	hits, misses int32
}

func (o *countingObserver) CacheHit()  { atomic.AddInt32(&o.hits, 1) }
func (o *countingObserver) CacheMiss() { atomic.AddInt32(&o.misses, 1) }

func TestPipelineRunAndCache(t *testing.T) {
	dir := t.TempDir()
	var opens, steps int32
	p := newTestPipeline(dir, &opens, &steps)
	obs := &countingObserver{}
	p.Observer = obs
	vars := Vars{"name": "a", "commit": "c1"}

	h, err := p.Run(context.Background(), vars.Clone())
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(h.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ONE\nTWO\nTHREE\n" {
		t.Errorf("artifact = %q", data)
	}

	// Second run: artifact exists, nothing re-executes.
	h2, err := p.Run(context.Background(), vars.Clone())
	if err != nil {
		t.Fatal(err)
	}
	if h2.Path != h.Path {
		t.Errorf("same vars must map to same path: %q vs %q", h2.Path, h.Path)
	}
	if opens != 1 || steps != 1 {
		t.Errorf("opens=%d steps=%d, want 1/1", opens, steps)
	}
	if obs.misses != 1 || obs.hits != 1 {
		t.Errorf("observer hits=%d misses=%d, want 1/1", obs.hits, obs.misses)
	}

	// Different commit: a fresh artifact.
	h3, err := p.Run(context.Background(), Vars{"name": "a", "commit": "c2"})
	if err != nil {
		t.Fatal(err)
	}
	if h3.Path == h.Path {
		t.Error("distinct vars must map to distinct paths")
	}
}

func TestPipelineSingleFlight(t *testing.T) {
	dir := t.TempDir()
	var producers int32
	gate := make(chan struct{})
	p := &Pipeline{
		CacheDir: dir,
		Flights:  &singleflight.Group{},
		Open: func(ctx context.Context, vars Vars, w io.Writer) error {
			atomic.AddInt32(&producers, 1)
			<-gate
			_, err := io.WriteString(w, "payload")
			return err
		},
		Steps: []Step{{
			Template: "artifact-{commit}",
			Run: func(ctx context.Context, vars Vars, w io.Writer, r io.Reader) error {
				_, err := io.Copy(w, r)
				return err
			},
		}},
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(context.Background(), Vars{"commit": "x"}); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	// Give all runners time to join the flight before the producer finishes.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if producers != 1 {
		t.Errorf("producer ran %d times, want 1", producers)
	}
}

func TestPipelineErrorRemovesPartial(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("boom")
	p := &Pipeline{
		CacheDir: dir,
		Open: func(ctx context.Context, vars Vars, w io.Writer) error {
			_, _ = io.WriteString(w, "partial")
			return boom
		},
		Steps: []Step{{
			Template: "broken.txt",
			Run: func(ctx context.Context, vars Vars, w io.Writer, r io.Reader) error {
				_, err := io.Copy(w, r)
				return err
			},
		}},
	}

	_, err := p.Run(context.Background(), Vars{})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, serr := os.Stat(filepath.Join(dir, "broken.txt")); !os.IsNotExist(serr) {
		t.Error("partial artifact must be removed on failure")
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestPipelineInitShortCircuit(t *testing.T) {
	p := &Pipeline{
		CacheDir: t.TempDir(),
		Init: func(ctx context.Context, vars Vars) (bool, error) {
			return false, nil
		},
		Open: func(ctx context.Context, vars Vars, w io.Writer) error { return nil },
		Steps: []Step{{
			Template: "x",
			Run:      func(ctx context.Context, vars Vars, w io.Writer, r io.Reader) error { return nil },
		}},
	}
	_, err := p.Run(context.Background(), Vars{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTransformJSONL(t *testing.T) {
	var in bytes.Buffer
	for i := 0; i < 3; i++ {
		rec := &api.FileRecord{Path: fmt.Sprintf("p%d.html", i), Category: "pages", Status: api.StatusPublished}
		if err := WriteRecord(&in, rec); err != nil {
			t.Fatal(err)
		}
	}

	var out bytes.Buffer
	err := TransformJSONL(&out, &in,
		func(rec *api.FileRecord, emit Emit) error {
			if rec.Path == "p1.html" {
				return nil // filtered
			}
			rec.Commit = "c9"
			return emit(rec)
		},
		func(emit Emit) error {
			return emit(&api.FileRecord{Latest: &api.LatestControl{Commit: "c9"}})
		})
	if err != nil {
		t.Fatal(err)
	}

	recs, err := ReadRecords(&out)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].Path != "p0.html" || recs[0].Commit != "c9" {
		t.Errorf("rec0 = %+v", recs[0])
	}
	if recs[1].Path != "p2.html" {
		t.Errorf("rec1 = %+v", recs[1])
	}
	if recs[2].Latest == nil || recs[2].Latest.Commit != "c9" {
		t.Errorf("rec2 should be the $latest control, got %+v", recs[2])
	}
}

func TestHookRegistryOrderAndFilter(t *testing.T) {
	reg := NewHookRegistry()
	var order []string
	reg.Register("updates", Post, "first", func(rec *api.FileRecord, vars Vars) *api.FileRecord {
		order = append(order, "first")
		return rec
	})
	reg.Register("updates", Post, "second", func(rec *api.FileRecord, vars Vars) *api.FileRecord {
		order = append(order, "second")
		if rec.Category == "secret" {
			return nil
		}
		return rec
	})

	rec := reg.Apply("updates", Post, &api.FileRecord{Category: "pages"}, Vars{})
	if rec == nil {
		t.Fatal("record unexpectedly filtered")
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}

	if reg.Apply("updates", Post, &api.FileRecord{Category: "secret"}, Vars{}) != nil {
		t.Error("secret record should be filtered")
	}
}
