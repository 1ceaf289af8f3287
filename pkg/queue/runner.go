package queue

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
)

// ErrBadInput marks a job payload that will never succeed no matter how
// many times it is retried (malformed JSON, missing required fields).
type ErrBadInput struct{ Reason string }

func (e *ErrBadInput) Error() string { return "bad input: " + e.Reason }

// JobOutcome is the result of running one job to completion.
type JobOutcome struct {
	Succeeded bool
	Cancelled bool
	Err       error
	Retriable bool
	Artifacts []string
}

// JobSpec fully describes how to run one job type: the command line to
// execute, the working directory, and where to look for output artifacts
// once the command exits successfully.
type JobSpec struct {
	Command          []string
	Dir              string
	Env              []string
	ArtifactDir      string
	ArtifactPatterns []string
}

// Dispatcher builds the JobSpec for a job, keeping the job-type-to-command
// mapping out of Runner itself (the "job-dispatch trait" shape: one small
// method per job type rather than one large switch inside Execute).
type Dispatcher interface {
	Dispatch(job Job) (JobSpec, error)
}

// NativeHandler runs a job type in-process instead of as a subprocess.
// The conversion orchestrator is wired this way: it already drives its own
// subprocesses internally through a multi-step pipeline, so the job runner
// calls it directly rather than shelling out a second time.
type NativeHandler func(ctx context.Context, job Job) JobOutcome

// Runner executes claimed jobs, either via a registered NativeHandler or
// (for job types with none) as a single external-tool subprocess, streaming
// combined stdout/stderr into the durable log store and a live LogBroker.
type Runner struct {
	store       *Store
	broker      *LogBroker
	dispatcher  Dispatcher
	gracePeriod time.Duration
	flushLines  int
	flushMs     time.Duration
	log         arbor.ILogger

	mu      sync.Mutex
	natives map[JobType]NativeHandler
}

// NewRunner constructs a Runner.
func NewRunner(store *Store, broker *LogBroker, dispatcher Dispatcher, gracePeriod time.Duration, flushLines int, flushMs time.Duration, log arbor.ILogger) *Runner {
	return &Runner{
		store:       store,
		broker:      broker,
		dispatcher:  dispatcher,
		gracePeriod: gracePeriod,
		flushLines:  flushLines,
		flushMs:     flushMs,
		log:         log,
		natives:     make(map[JobType]NativeHandler),
	}
}

// RegisterNative wires an in-process handler for a job type, bypassing the
// subprocess dispatch path entirely for that type.
func (r *Runner) RegisterNative(t JobType, h NativeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.natives[t] = h
}

// Execute runs job to completion: a registered native handler if one exists
// for job.Type, otherwise the job's command as a child process with a
// curated environment, streaming output in flushed batches and discovering
// artifacts on success. Context cancellation signals the child with
// SIGTERM, escalating to SIGKILL after the grace period.
func (r *Runner) Execute(ctx context.Context, job Job) JobOutcome {
	r.mu.Lock()
	native, ok := r.natives[job.Type]
	r.mu.Unlock()
	if ok {
		return native(ctx, job)
	}

	spec, err := r.dispatcher.Dispatch(job)
	if err != nil {
		return JobOutcome{Err: &ErrBadInput{Reason: err.Error()}, Retriable: false}
	}
	if len(spec.Command) == 0 {
		return JobOutcome{Err: &ErrBadInput{Reason: "empty command"}, Retriable: false}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.gracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return JobOutcome{Err: fmt.Errorf("stdout pipe: %w", err), Retriable: true}
	}
	cmd.Stderr = cmd.Stdout // combine into the same reader

	if err := cmd.Start(); err != nil {
		return JobOutcome{Err: fmt.Errorf("start job: %w", err), Retriable: true}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.streamOutput(ctx, job.ID, stdout)
	}()

	waitErr := cmd.Wait()
	wg.Wait()

	if waitErr != nil {
		if runCtx.Err() != nil {
			return JobOutcome{Cancelled: true, Err: fmt.Errorf("job cancelled: %w", waitErr), Retriable: false}
		}
		return JobOutcome{Err: fmt.Errorf("job exited with error: %w", waitErr), Retriable: true}
	}

	artifacts, err := discoverArtifacts(spec.ArtifactDir, spec.ArtifactPatterns)
	if err != nil {
		r.log.Warn().Err(err).Str("job_id", job.ID).Msg("artifact discovery failed")
	}

	return JobOutcome{Succeeded: true, Artifacts: artifacts}
}

// streamOutput reads the child's combined output line by line, batching
// lines into the durable log store and pushing each flushed batch to the
// live broker. Batches flush at flushLines lines or flushMs elapsed,
// whichever comes first.
func (r *Runner) streamOutput(ctx context.Context, jobID string, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var batch strings.Builder
	var lines int
	ticker := time.NewTicker(r.flushMs)
	defer ticker.Stop()

	// lineCh is closed by the scanning goroutine once the child's output is
	// exhausted, so the consumer loop below terminates solely on !ok from
	// lineCh — never on a separate signal that could race ahead of buffered
	// lines still sitting in the channel.
	lineCh := make(chan string, 64)
	go func() {
		defer close(lineCh)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
	}()

	flush := func() {
		if batch.Len() == 0 {
			return
		}
		text := batch.String()
		batch.Reset()
		lines = 0
		chunk, err := r.store.AppendLog(ctx, jobID, text)
		if err != nil {
			r.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist log chunk")
			return
		}
		r.broker.Publish(jobID, chunk)
	}

	for {
		select {
		case line, ok := <-lineCh:
			if !ok {
				flush()
				return
			}
			batch.WriteString(line)
			batch.WriteByte('\n')
			lines++
			if lines >= r.flushLines {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// discoverArtifacts scans artifactDir for files matching any of patterns,
// returning their absolute paths.
func discoverArtifacts(artifactDir string, patterns []string) ([]string, error) {
	if artifactDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(artifactDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var found []string
	for _, e := range entries {
		for _, pattern := range patterns {
			ok, err := filepath.Match(pattern, e.Name())
			if err != nil {
				continue
			}
			if ok {
				found = append(found, filepath.Join(artifactDir, e.Name()))
				break
			}
		}
	}
	return found, nil
}
