// Package convert implements the conversion orchestrator: it turns a
// complete set of subband files into one measurement set via a bounded
// worker pool, concatenation, optional spectral-window merge, and
// finalization into the canonical output tree.
package convert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/dsa110/contimg/pkg/ingest"
	"github.com/dsa110/contimg/pkg/staging"
)

// Writer converts one subband file into its own measurement-set part.
// This is the production strategy's closed variant set: parallelSubbandWriter
// is the only one wired by default, monolithicWriter exists only behind an
// explicit config flag. Adding a third writer means adding a type here, not
// branching inside Converter.
type Writer interface {
	WriteSubband(ctx context.Context, scratchDir string, file ingest.SubbandFile) (partPath string, err error)
}

// Config configures the conversion orchestrator.
type Config struct {
	WriterStrategy        string
	MaxWorkers            int
	ConcurrentConversions int
	ConcatTimeout         time.Duration
	MergeSPWs             bool
	StripSigmaSpectrum    bool
	SubbandTool           string
	ConcatTool            string
	OutputDir             string
}

// Converter runs the per-group conversion pipeline: allocate scratch,
// write subbands in parallel, concatenate, optionally merge/strip, finalize.
type Converter struct {
	cfg     Config
	staging *staging.Manager
	writer  Writer
	sem     chan struct{} // bounds concurrent_conversions across all groups
	log     arbor.ILogger

	mu     sync.Mutex
	active int
}

// NewConverter constructs a Converter using the writer strategy named in
// cfg.WriterStrategy.
func NewConverter(cfg Config, stagingMgr *staging.Manager, log arbor.ILogger) *Converter {
	var w Writer
	switch cfg.WriterStrategy {
	case "monolithic":
		w = &monolithicWriter{tool: cfg.SubbandTool}
	default:
		w = &parallelSubbandWriter{tool: cfg.SubbandTool}
	}

	return &Converter{
		cfg:     cfg,
		staging: stagingMgr,
		writer:  w,
		sem:     make(chan struct{}, cfg.ConcurrentConversions),
		log:     log,
	}
}

// Result is the outcome of converting one subband group.
type Result struct {
	MeasurementSetPath string
	GroupTimestamp     time.Time
}

// Convert runs the full pipeline for one complete (or min-viable) subband
// group. The Converter's concurrent_conversions semaphore is acquired before
// any scratch allocation so the cap holds across every group this Converter
// converts, whether the group came from the watcher or a directly submitted
// job. Each Converter has its own semaphore; separate Converter instances
// do not share the cap.
func (c *Converter) Convert(ctx context.Context, group *ingest.Group) (*Result, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	c.mu.Lock()
	c.active++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	hint := group.Timestamp.UTC().Format("2006-01-02T15:04:05")
	handle, err := c.staging.Allocate(hint)
	if err != nil {
		return nil, fmt.Errorf("allocate scratch: %w", err)
	}
	defer func() {
		if err := c.staging.Release(handle); err != nil {
			c.log.Warn().Err(err).Str("scratch", handle.Dir).Msg("failed to release scratch dir")
		}
	}()

	files := group.Sorted()
	parts, err := c.writeSubbandsParallel(ctx, handle.Dir, files)
	if err != nil {
		return nil, fmt.Errorf("write subbands: %w", err)
	}

	concatPath := filepath.Join(handle.Dir, hint+".ms")
	if err := c.concat(ctx, parts, concatPath); err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}

	if c.cfg.MergeSPWs {
		if err := c.mergeSPWs(ctx, concatPath); err != nil {
			return nil, fmt.Errorf("merge spws: %w", err)
		}
	}

	if c.cfg.StripSigmaSpectrum {
		if err := c.stripSigmaSpectrum(ctx, concatPath); err != nil {
			return nil, fmt.Errorf("strip sigma spectrum: %w", err)
		}
	}

	dateDir := group.Timestamp.UTC().Format("2006-01-02")
	dest := filepath.Join(c.cfg.OutputDir, "science", dateDir, hint)
	concatHandle := &staging.Handle{ID: handle.ID, Dir: concatPath}
	if err := c.staging.Finalize(concatHandle, dest); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}

	return &Result{MeasurementSetPath: dest, GroupTimestamp: group.Timestamp}, nil
}

// writeSubbandsParallel fans out one writer task per subband file, bounded
// by MaxWorkers, using errgroup so the first hard failure cancels the rest.
// Before launching a task it checks whether the scratch output already
// exists with a manifest hash matching what this attempt would produce,
// and skips the write if so. Convert allocates a fresh scratch directory
// for every call and removes it on return, so parts written by an earlier
// Convert call are never found here; the backoff retries inside a task do
// not repeat the check.
func (c *Converter) writeSubbandsParallel(ctx context.Context, scratchDir string, files []ingest.SubbandFile) ([]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxWorkers)

	parts := make([]string, len(files))

	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			expected := filepath.Join(scratchDir, fmt.Sprintf("sb%02d.ms", f.Subband))

			if checkpointValid(expected, f) {
				parts[i] = expected
				return nil
			}

			op := func() error {
				part, err := c.writer.WriteSubband(gctx, scratchDir, f)
				if err != nil {
					return err
				}
				parts[i] = part
				writeCheckpointManifest(part, f)
				return nil
			}

			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			bo.Multiplier = 4
			return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 3), gctx))
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}

// checkpointValid reports whether a prior attempt already wrote this
// subband's output and left a manifest sidecar recording the exact input
// (path, mtime, size) that produced it. A retried conversion only skips the
// write when the input identity hasn't changed since that manifest was
// written.
func checkpointValid(expectedPath string, f ingest.SubbandFile) bool {
	if _, err := os.Stat(expectedPath); err != nil {
		return false
	}
	have, err := os.ReadFile(expectedPath + ".manifest")
	if err != nil {
		return false
	}
	return string(have) == manifestHash(f)
}

// writeCheckpointManifest records the input identity that produced partPath,
// so a later retry can tell whether it's safe to reuse via checkpointValid.
func writeCheckpointManifest(partPath string, f ingest.SubbandFile) {
	_ = os.WriteFile(partPath+".manifest", []byte(manifestHash(f)), 0644)
}

func manifestHash(f ingest.SubbandFile) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%d", f.Path, f.Mtime.UTC().Format(time.RFC3339Nano), f.Size)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (c *Converter) concat(ctx context.Context, parts []string, outPath string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConcatTimeout)
	defer cancel()

	args := append([]string{"-o", outPath}, parts...)
	cmd := exec.CommandContext(ctx, c.cfg.ConcatTool, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", c.cfg.ConcatTool, err, string(out))
	}
	return nil
}

func (c *Converter) mergeSPWs(ctx context.Context, msPath string) error {
	cmd := exec.CommandContext(ctx, c.cfg.ConcatTool, "--merge-spws", msPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("merge spws: %w: %s", err, string(out))
	}
	return nil
}

func (c *Converter) stripSigmaSpectrum(ctx context.Context, msPath string) error {
	cmd := exec.CommandContext(ctx, c.cfg.ConcatTool, "--strip-sigma-spectrum", msPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("strip sigma spectrum: %w: %s", err, string(out))
	}
	return nil
}

// Active returns the number of conversions currently in flight.
func (c *Converter) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
