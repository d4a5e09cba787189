package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forPelevin/unmark/internal/dispatch"
	"github.com/forPelevin/unmark/internal/domain/segments"
	"github.com/forPelevin/unmark/internal/ports"
	"github.com/forPelevin/unmark/internal/types"
)

// WorkerPool reports the workers that can take inpaint requests right now.
type WorkerPool interface {
	Available(ctx context.Context) []types.WorkerRef
}

// TaskRunner executes a task board. *dispatch.Dispatcher implements it.
type TaskRunner interface {
	Run(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

type Deps struct {
	Media   ports.MediaTool
	Masks   ports.MaskChecker
	Workers WorkerPool
	Runner  TaskRunner
	Store   ports.JobStore
	Events  ports.EventSink
	Log     *zap.Logger
}

type Input struct {
	VideoPath  string
	OutputPath string
	// Workspace is the job directory holding frames, staged masks and the
	// intermediate video.
	Workspace string
	Segments  []types.Segment
	Ports     types.PortRange
	KeepTemp  bool
}

// errPaused ends a run whose state was persisted for a later resume.
var errPaused = errors.New("job paused")

// Controller drives one job at a time through probe, extraction, dispatch and
// merge. All exported methods are safe for concurrent use.
type Controller struct {
	d   Deps
	log *zap.Logger
	now func() time.Time

	mu        sync.Mutex
	state     types.PipelineState
	job       *types.Job
	segs      *segments.Set
	resumable *types.PausedJobState
	run       *runHandle
}

type runHandle struct {
	cancel    context.CancelFunc
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	cancelled atomic.Bool
	resumed   bool

	// Written by the run goroutine before done is closed.
	final types.PipelineState
	err   error
	saved *types.PausedJobState
}

func (h *runHandle) requestStop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func New(d Deps) *Controller {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Events == nil {
		d.Events = nopSink{}
	}
	return &Controller{
		d:     d,
		log:   d.Log.Named("controller"),
		now:   time.Now,
		state: types.StateIdle,
	}
}

type nopSink struct{}

func (nopSink) Publish(context.Context, types.JobEvent) error { return nil }

// isValidTransition enforces the pipeline state machine edges.
func isValidTransition(from, to types.PipelineState) bool {
	switch from {
	case types.StateIdle:
		return to == types.StateRunning || to == types.StatePaused || to == types.StateIdle
	case types.StateRunning:
		return to == types.StatePaused || to == types.StateCancelled || to == types.StateCompleted || to == types.StateFailed
	case types.StatePaused:
		return to == types.StateRunning || to == types.StateCancelled || to == types.StateIdle
	case types.StateCancelled, types.StateCompleted, types.StateFailed:
		return to == types.StateIdle || to == types.StatePaused
	default:
		return false
	}
}

func (c *Controller) transitionLocked(to types.PipelineState) error {
	if !isValidTransition(c.state, to) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, c.state, to)
	}
	c.state = to
	if c.job != nil {
		c.job.Status = to
	}
	return nil
}

// Prepare creates a new idle job. It fails while another job is running or
// paused.
func (c *Controller) Prepare(in Input) error {
	if in.VideoPath == "" || in.OutputPath == "" {
		return errors.New("video and output paths are required")
	}
	if in.Workspace == "" {
		return errors.New("workspace is required")
	}
	set, err := segments.FromSegments(in.Segments)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == types.StateRunning || c.state == types.StatePaused {
		return fmt.Errorf("%w: cannot prepare a new job while one is %s", types.ErrInvalidTransition, c.state)
	}
	if err := c.transitionLocked(types.StateIdle); err != nil {
		return err
	}
	c.job = &types.Job{
		ID:         uuid.NewString(),
		VideoPath:  in.VideoPath,
		OutputPath: in.OutputPath,
		Workspace:  in.Workspace,
		Segments:   set.Segments(),
		Status:     types.StateIdle,
		Ports:      in.Ports,
		KeepTemp:   in.KeepTemp,
	}
	c.segs = set
	c.resumable = nil
	c.run = nil
	return nil
}

// LoadResumable reads a persisted paused job. When one exists the controller
// moves to paused with that job loaded.
func (c *Controller) LoadResumable(ctx context.Context) (types.PausedJobState, bool, error) {
	st, ok, err := c.d.Store.Load()
	if err != nil || !ok {
		return types.PausedJobState{}, false, err
	}
	set, err := segments.FromSegments(st.Segments)
	if err != nil {
		return types.PausedJobState{}, false, fmt.Errorf("%w: saved segments: %v", types.ErrResumeMismatch, err)
	}
	set.Freeze()

	c.mu.Lock()
	if c.state == types.StateRunning || c.state == types.StatePaused {
		c.mu.Unlock()
		return types.PausedJobState{}, false, fmt.Errorf("%w: a job is already %s", types.ErrInvalidTransition, c.state)
	}
	c.job = jobFromState(st)
	c.segs = set
	c.resumable = &st
	c.run = nil
	err = c.transitionLocked(types.StatePaused)
	job := *c.job
	c.mu.Unlock()
	if err != nil {
		return types.PausedJobState{}, false, err
	}

	done := st.TotalFrames - len(st.Remaining)
	c.emit(ctx, job, "", done, st.TotalFrames, "paused job loaded", nil)
	return st, true, nil
}

func jobFromState(st types.PausedJobState) *types.Job {
	return &types.Job{
		ID:           st.JobID,
		VideoPath:    st.VideoPath,
		OutputPath:   st.OutputPath,
		Workspace:    st.Workspace,
		TotalFrames:  st.TotalFrames,
		FPS:          st.FPS,
		SourceDigest: st.SourceDigest,
		Segments:     st.Segments,
		Status:       types.StatePaused,
		Ports:        st.Ports,
		KeepTemp:     st.KeepTemp,
	}
}

// Start runs the prepared job, or resumes the loaded paused one, in the
// background. Use Wait for the outcome.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	var resume *types.PausedJobState
	switch {
	case c.state == types.StateIdle && c.job != nil:
	case c.state == types.StatePaused && c.resumable != nil:
		resume = c.resumable
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: nothing to start from %s", types.ErrInvalidTransition, state)
	}
	if err := c.transitionLocked(types.StateRunning); err != nil {
		c.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &runHandle{
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		resumed: resume != nil,
	}
	c.run = h
	job := *c.job
	c.mu.Unlock()

	msg := "job started"
	if resume != nil {
		msg = "job resumed"
	}
	c.emit(ctx, job, "", 0, job.TotalFrames, msg, nil)

	go c.execute(runCtx, h, job, resume)
	return nil
}

// Wait blocks until the current run ends and returns its final state. An
// auto-paused run returns paused together with the reason.
func (c *Controller) Wait(ctx context.Context) (types.PipelineState, error) {
	c.mu.Lock()
	h, state := c.run, c.state
	c.mu.Unlock()
	if h == nil {
		return state, nil
	}
	select {
	case <-h.done:
		return h.final, h.err
	case <-ctx.Done():
		return state, ctx.Err()
	}
}

// Pause stops handing out work, lets in-flight requests finish and persists
// what is left. It returns once the paused state is recorded.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	if c.state != types.StateRunning {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", types.ErrInvalidTransition, state)
	}
	h := c.run
	c.mu.Unlock()

	h.requestStop()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	switch h.final {
	case types.StatePaused:
		return nil
	case types.StateFailed:
		return h.err
	default:
		return fmt.Errorf("%w: job was already %s", types.ErrInvalidTransition, h.final)
	}
}

// Cancel aborts a running or paused job and deletes its persisted state.
// Frames already written stay in the workspace.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case types.StateRunning:
		h := c.run
		c.mu.Unlock()
		h.cancelled.Store(true)
		h.cancel()
		select {
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case types.StatePaused:
		if err := c.transitionLocked(types.StateCancelled); err != nil {
			c.mu.Unlock()
			return err
		}
		c.resumable = nil
		job := *c.job
		c.mu.Unlock()

		if err := c.d.Store.Delete(); err != nil {
			return err
		}
		c.emit(ctx, job, "", 0, job.TotalFrames, "job cancelled", nil)
		return nil
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cancel from %s", types.ErrInvalidTransition, state)
	}
}

// Discard drops the loaded job and any persisted paused state, returning to
// idle.
func (c *Controller) Discard(ctx context.Context) error {
	c.mu.Lock()
	if c.state == types.StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("%w: discard while running", types.ErrInvalidTransition)
	}
	var job *types.Job
	if c.job != nil {
		j := *c.job
		job = &j
	}
	if err := c.transitionLocked(types.StateIdle); err != nil {
		c.mu.Unlock()
		return err
	}
	c.job, c.segs, c.resumable, c.run = nil, nil, nil, nil
	c.mu.Unlock()

	if err := c.d.Store.Delete(); err != nil {
		return err
	}
	if job != nil {
		job.Status = types.StateIdle
		c.emit(ctx, *job, "", 0, job.TotalFrames, "job discarded", nil)
	}
	return nil
}

func (c *Controller) State() types.PipelineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Job returns a copy of the current job.
func (c *Controller) Job() (types.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return types.Job{}, false
	}
	j := *c.job
	j.Segments = c.segs.Segments()
	return j, true
}

func (c *Controller) Segments() []types.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.segs == nil {
		return nil
	}
	return c.segs.Segments()
}

// AddSegment edits the prepared job. Segments are frozen once dispatch
// begins.
func (c *Controller) AddSegment(start, end int, maskPath string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.segs == nil {
		return "", fmt.Errorf("%w: no job prepared", types.ErrInvalidTransition)
	}
	return c.segs.Add(start, end, maskPath)
}

func (c *Controller) RemoveSegment(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.segs == nil {
		return fmt.Errorf("%w: no job prepared", types.ErrInvalidTransition)
	}
	return c.segs.Remove(id)
}

func (c *Controller) emit(ctx context.Context, job types.Job, stage string, done, total int, msg string, err error) {
	ev := types.JobEvent{
		JobID:      job.ID,
		State:      job.Status,
		Stage:      stage,
		Done:       done,
		Total:      total,
		Message:    msg,
		HappenedAt: c.now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if perr := c.d.Events.Publish(context.WithoutCancel(ctx), ev); perr != nil {
		c.log.Warn("publish event failed", zap.String("job_id", job.ID), zap.Error(perr))
	}
}
