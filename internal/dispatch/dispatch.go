package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forPelevin/unmark/internal/domain/plan"
	"github.com/forPelevin/unmark/internal/metrics"
	"github.com/forPelevin/unmark/internal/ports"
	"github.com/forPelevin/unmark/internal/tracing"
	"github.com/forPelevin/unmark/internal/types"
)

type Mode string

const (
	ModeRoundRobin Mode = "round_robin"
	ModeChunked    Mode = "chunked"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeRoundRobin:
		return ModeRoundRobin, nil
	case ModeChunked:
		return ModeChunked, nil
	}
	return "", fmt.Errorf("unknown dispatch mode %q (want %s or %s)", s, ModeRoundRobin, ModeChunked)
}

type Config struct {
	Mode            Mode
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	UnhealthyAfter  int
	RefreshInterval time.Duration
	WorkerWait      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeRoundRobin
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = 3
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 2 * time.Second
	}
	if c.WorkerWait <= 0 {
		c.WorkerWait = time.Minute
	}
	return c
}

// WorkerSource is the part of the worker pool the dispatcher needs.
type WorkerSource interface {
	Available(ctx context.Context) []types.WorkerRef
	MarkUnreachable(port int)
}

type Dispatcher struct {
	inpainter ports.Inpainter
	workers   WorkerSource
	cfg       Config
	log       *zap.Logger

	masks sync.Map // path -> []byte
}

func New(inpainter ports.Inpainter, workers WorkerSource, cfg Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		inpainter: inpainter,
		workers:   workers,
		cfg:       cfg.withDefaults(),
		log:       log.Named("dispatch"),
	}
}

type Request struct {
	Board     *Board
	Workspace types.Workspace
	// Stop drains the run: no new claims, in-flight requests finish.
	Stop       <-chan struct{}
	OnProgress func(done, total int)
}

type Result struct {
	Done    int
	Pending int
	Failed  int
	Total   int
}

func (r Result) Complete() bool { return r.Total > 0 && r.Done == r.Total }

var errRetired = errors.New("worker retired")

// Run executes every pending task on the board. It returns when all tasks are
// done, when Stop is closed and in-flight work has drained, or on the first
// unrecoverable error. Cancelling ctx aborts in-flight requests.
func (d *Dispatcher) Run(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch.run",
		trace.WithAttributes(attribute.String("mode", string(d.cfg.Mode)), attribute.Int("tasks", req.Board.Len())))
	defer span.End()

	// Staged masks are rewritten between jobs under the same path.
	d.masks.Clear()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.copyLoop(gctx, req) })
	if req.Board.Outstanding(types.TaskInpaint) {
		g.Go(func() error { return d.runWorkers(gctx, req) })
	}
	err := g.Wait()

	c := plan.Count(req.Board.Snapshot())
	res := Result{Done: c.Done, Failed: c.Failed, Total: c.Total()}
	res.Pending = res.Total - res.Done - res.Failed
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (d *Dispatcher) copyLoop(ctx context.Context, req Request) error {
	for {
		if stopped(req.Stop) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		t, ok := req.Board.Claim(types.TaskCopy, 0)
		if !ok {
			return nil
		}
		if err := copyFile(req.Workspace.InputFrame(t.Index), req.Workspace.OutputFrame(t.Index)); err != nil {
			req.Board.Revert(t.Index)
			metrics.TasksTotal.WithLabelValues(string(types.TaskCopy), "error").Inc()
			return fmt.Errorf("copy frame %d: %w", t.Index, err)
		}
		metrics.TasksTotal.WithLabelValues(string(types.TaskCopy), "done").Inc()
		done, total := req.Board.Complete(t.Index)
		d.progress(req, done, total)
	}
}

type workerExit struct {
	port int
	err  error
}

// runWorkers keeps one goroutine per live worker and attaches workers that
// appear while inpaint tasks are outstanding.
func (d *Dispatcher) runWorkers(parent context.Context, req Request) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	exits := make(chan workerExit)
	active := map[int]bool{}
	retired := map[int]time.Time{}

	// In chunked mode workers drain leftovers only after every chunk is done.
	gate := make(chan struct{})
	var chunks sync.WaitGroup

	start := func(port int, chunk []int, chunked bool) {
		active[port] = true
		go func() {
			var err error
			if chunked {
				err = d.chunkLoop(ctx, port, chunk, req)
				chunks.Done()
			}
			if err == nil {
				err = d.workerLoop(ctx, port, gate, req)
			}
			exits <- workerExit{port: port, err: err}
		}()
	}
	attach := func() {
		for _, w := range d.workers.Available(ctx) {
			if active[w.Port] {
				continue
			}
			if at, ok := retired[w.Port]; ok && time.Since(at) < d.cfg.MaxBackoff {
				continue
			}
			d.log.Debug("worker attached", zap.Int("port", w.Port))
			start(w.Port, nil, false)
		}
	}

	if d.cfg.Mode == ModeChunked {
		refs := d.workers.Available(ctx)
		split := chunkPositions(req.Board.Pending(types.TaskInpaint), len(refs))
		chunks.Add(len(refs))
		for i, ref := range refs {
			var chunk []int
			if i < len(split) {
				chunk = split[i]
			}
			start(ref.Port, chunk, true)
		}
		go func() {
			chunks.Wait()
			close(gate)
		}()
	} else {
		close(gate)
		attach()
	}

	refresh := time.NewTicker(d.cfg.RefreshInterval)
	defer refresh.Stop()

	var firstErr error
	var idleSince time.Time
	done := ctx.Done()
	for {
		// Stop is only selected while idle; with workers running it is
		// observed by the worker loops as they drain.
		var idleStop <-chan struct{}
		if len(active) == 0 {
			idleStop = req.Stop
			switch {
			case firstErr != nil:
				return firstErr
			case parent.Err() != nil:
				return parent.Err()
			case stopped(req.Stop) || !req.Board.Outstanding(types.TaskInpaint):
				return nil
			}
			if idleSince.IsZero() {
				idleSince = time.Now()
				d.log.Warn("no inpainting workers available, waiting", zap.Duration("timeout", d.cfg.WorkerWait))
			}
			if time.Since(idleSince) >= d.cfg.WorkerWait {
				return fmt.Errorf("%d frames still pending: %w", len(req.Board.Pending(types.TaskInpaint)), types.ErrNoWorkersAvailable)
			}
		} else {
			idleSince = time.Time{}
		}

		select {
		case e := <-exits:
			delete(active, e.port)
			switch {
			case e.err == nil:
			case errors.Is(e.err, errRetired):
				retired[e.port] = time.Now()
			case errors.Is(e.err, context.Canceled) && firstErr != nil:
			default:
				if firstErr == nil {
					firstErr = e.err
					cancel()
				}
			}
		case <-refresh.C:
			if firstErr == nil && !stopped(req.Stop) && ctx.Err() == nil {
				attach()
			}
		case <-idleStop:
		case <-done:
			done = nil
		}
	}
}

// workerLoop pulls tasks for one worker until nothing is left for it.
func (d *Dispatcher) workerLoop(ctx context.Context, port int, gate <-chan struct{}, req Request) error {
	select {
	case <-gate:
	case <-req.Stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	failures := 0
	for {
		if stopped(req.Stop) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		changed := req.Board.Changed()
		t, ok := req.Board.Claim(types.TaskInpaint, port)
		if !ok {
			if !req.Board.Outstanding(types.TaskInpaint) {
				return nil
			}
			select {
			case <-changed:
			case <-req.Stop:
			case <-ctx.Done():
			}
			continue
		}

		if err := d.execute(ctx, port, t, req, &failures); err != nil {
			return err
		}
	}
}

// chunkLoop works through a fixed contiguous range. Tasks it cannot finish
// are released and picked up later by workerLoop.
func (d *Dispatcher) chunkLoop(ctx context.Context, port int, chunk []int, req Request) error {
	failures := 0
	for _, pos := range chunk {
		if stopped(req.Stop) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		t, ok := req.Board.ClaimIndex(pos, port)
		if !ok {
			continue
		}
		if err := d.execute(ctx, port, t, req, &failures); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, port int, t types.FrameTask, req Request, failures *int) error {
	err := d.inpaintOne(ctx, port, t, req.Workspace)
	if err == nil {
		*failures = 0
		metrics.TasksTotal.WithLabelValues(string(types.TaskInpaint), "done").Inc()
		done, total := req.Board.Complete(t.Index)
		d.progress(req, done, total)
		return nil
	}
	if ctx.Err() != nil {
		req.Board.Revert(t.Index)
		return ctx.Err()
	}

	attempts, failed := req.Board.Release(t.Index, port, d.cfg.MaxAttempts)
	metrics.RetryTotal.WithLabelValues(strconv.Itoa(attempts)).Inc()
	d.log.Warn("inpaint failed",
		zap.Int("frame", t.Index),
		zap.Int("port", port),
		zap.Int("attempt", attempts),
		zap.Error(err),
	)
	if failed {
		metrics.TasksTotal.WithLabelValues(string(types.TaskInpaint), "failed").Inc()
		return fmt.Errorf("frame %d failed after %d attempts: %w: %v", t.Index, attempts, types.ErrTaskFailed, err)
	}

	*failures++
	if *failures >= d.cfg.UnhealthyAfter {
		d.workers.MarkUnreachable(port)
		return errRetired
	}
	delay := d.backoff(*failures)
	select {
	case <-time.After(delay):
	case <-req.Stop:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (d *Dispatcher) inpaintOne(ctx context.Context, port int, t types.FrameTask, ws types.Workspace) error {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch.inpaint",
		trace.WithAttributes(attribute.Int("frame", t.Index), attribute.Int("port", port)))
	defer span.End()

	err := func() error {
		frame, err := os.ReadFile(ws.InputFrame(t.Index))
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		mask, err := d.mask(t.MaskPath)
		if err != nil {
			return err
		}
		started := time.Now()
		out, err := d.inpainter.Inpaint(ctx, port, frame, mask)
		metrics.InpaintDuration.Observe(time.Since(started).Seconds())
		if err != nil {
			return err
		}
		return writeFileAtomic(ws.OutputFrame(t.Index), out)
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (d *Dispatcher) mask(path string) ([]byte, error) {
	if v, ok := d.masks.Load(path); ok {
		return v.([]byte), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mask: %w", err)
	}
	d.masks.Store(path, b)
	return b, nil
}

// backoff doubles from BaseBackoff per consecutive failure, capped at MaxBackoff.
func (d *Dispatcher) backoff(failures int) time.Duration {
	delay := d.cfg.BaseBackoff * time.Duration(math.Pow(2, float64(failures-1)))
	if delay > d.cfg.MaxBackoff || delay <= 0 {
		delay = d.cfg.MaxBackoff
	}
	return delay
}

func (d *Dispatcher) progress(req Request, done, total int) {
	if req.OnProgress != nil {
		req.OnProgress(done, total)
	}
}

func chunkPositions(pending []int, k int) [][]int {
	tasks := make([]types.FrameTask, len(pending))
	for i, pos := range pending {
		tasks[i] = types.FrameTask{Index: pos}
	}
	var out [][]int
	for _, ch := range plan.Chunk(tasks, k) {
		positions := make([]int, len(ch))
		for i, t := range ch {
			positions[i] = t.Index
		}
		out = append(out, positions)
	}
	return out
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func writeFileAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".frame-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
