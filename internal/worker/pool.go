// Package worker spawns isolated child processes that each run Pipeline
// once and stream the result back over a framed stdout pipe (spec §4.G).
package worker

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calview/calview/internal/apperr"
	"github.com/calview/calview/internal/history"
)

// Artifact is what a successful submission resolves to.
type Artifact struct {
	Bytes       []byte
	ContentType string
	ImageType   string
	CRC32       string
	Duration    time.Duration
	EventCount  int
}

// Future is returned by Submit; Wait blocks until the render completes or
// ctx is cancelled.
type Future struct {
	done   chan struct{}
	result Artifact
	err    error
}

// Wait blocks for the submission to resolve, honoring ctx cancellation.
func (f *Future) Wait(ctx context.Context) (Artifact, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Artifact{}, ctx.Err()
	}
}

type inFlight struct {
	future *Future
	cancel context.CancelFunc
}

// spawnFunc runs the render child process and returns its captured stdout
// and stderr. execChild's default spawns a real `<binaryPath> render ...`
// subprocess; tests inject a fake to exercise coalescing, timeout, and
// frame-classification behavior without executing a real child binary.
type spawnFunc func(ctx context.Context, binaryPath string, args []string) (stdout, stderr []byte, err error)

func realSpawn(ctx context.Context, binaryPath string, args []string) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Pool spawns a fresh `<binaryPath> render --id <id> --trigger <trigger>`
// subprocess per submission, coalescing concurrent submissions for the
// same id to a single in-flight Future (I4, P8).
type Pool struct {
	binaryPath    string
	renderTimeout time.Duration
	maxConcurrent int
	logger        *slog.Logger
	spawn         spawnFunc

	mu      sync.Mutex
	running map[string]*inFlight
	sem     chan struct{}
}

// New constructs a Pool. binaryPath is the path to this program's own
// executable, so `render` can be invoked as a fresh child; callers are
// expected to resolve it (e.g. via os.Executable()) before calling New,
// since Pool itself performs no fallback.
func New(binaryPath string, renderTimeout time.Duration, maxConcurrent int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Pool{
		binaryPath:    binaryPath,
		renderTimeout: renderTimeout,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		spawn:         realSpawn,
		running:       make(map[string]*inFlight),
		sem:           make(chan struct{}, maxConcurrent),
	}
}

// Submit starts (or joins) a single-flighted render of id. The returned
// Future resolves once the child process exits and its frame is parsed.
// Each submission mints its own correlation id (independent of any HTTP
// request id, since a scheduled or boot-triggered render has none) so the
// parent's submission/resolution logs and the child's own logs can be
// joined on one value across the process boundary.
func (p *Pool) Submit(ctx context.Context, id string, trigger history.Trigger) *Future {
	p.mu.Lock()
	if existing, ok := p.running[id]; ok {
		p.mu.Unlock()
		return existing.future
	}

	correlationID := uuid.New().String()
	runCtx, cancel := context.WithCancel(context.Background())
	future := &Future{done: make(chan struct{})}
	entry := &inFlight{future: future, cancel: cancel}
	p.running[id] = entry
	p.mu.Unlock()

	p.logger.Info("worker submission starting", "id", id, "trigger", trigger, "correlation_id", correlationID)
	go p.run(runCtx, id, trigger, correlationID, entry)

	return future
}

func (p *Pool) run(ctx context.Context, id string, trigger history.Trigger, correlationID string, entry *inFlight) {
	defer func() {
		p.mu.Lock()
		delete(p.running, id)
		p.mu.Unlock()
		close(entry.future.done)
	}()

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		entry.future.err = ctx.Err()
		return
	}

	if p.renderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.renderTimeout)
		defer cancel()
	}

	artifact, err := p.execChild(ctx, id, trigger, correlationID)
	if err != nil {
		p.logger.Warn("worker submission failed", "id", id, "correlation_id", correlationID, "error", err)
	} else {
		p.logger.Info("worker submission resolved", "id", id, "correlation_id", correlationID, "duration", artifact.Duration)
	}
	entry.future.result = artifact
	entry.future.err = err
}

func (p *Pool) execChild(ctx context.Context, id string, trigger history.Trigger, correlationID string) (Artifact, error) {
	args := []string{"render", "--id", id, "--trigger", string(trigger), "--correlation-id", correlationID}
	stdout, stderr, runErr := p.spawn(ctx, p.binaryPath, args)

	frame, frameErr := ReadFrame(bytes.NewReader(stdout))
	if frameErr != nil {
		p.logger.Error("worker child produced no readable frame", "id", id, "correlation_id", correlationID, "error", runErr, "stderr", string(stderr))
		return Artifact{}, apperr.Wrap(apperr.KindWorkerCrashed, "render subprocess crashed without a result frame", runErr)
	}

	if !frame.OK {
		if frame.Kind != "" {
			return Artifact{}, apperr.New(apperr.Kind(frame.Kind), frame.Error)
		}
		return Artifact{}, apperr.New(apperr.KindWorkerCrashed, frame.Error)
	}

	return Artifact{
		Bytes:       frame.Bytes,
		ContentType: frame.ContentType,
		ImageType:   frame.ImageType,
		CRC32:       frame.CRC32,
		Duration:    time.Duration(frame.DurationMS) * time.Millisecond,
		EventCount:  frame.EventCount,
	}, nil
}

// Cancel terminates an in-flight submission for id, if any. The result is
// reported as a failure and is never retried automatically (the next cron
// tick does that instead, per spec §5).
func (p *Pool) Cancel(id string) {
	p.mu.Lock()
	entry, ok := p.running[id]
	p.mu.Unlock()
	if ok {
		entry.cancel()
	}
}
