package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/forPelevin/unmark/internal/dispatch"
	"github.com/forPelevin/unmark/internal/domain/plan"
	"github.com/forPelevin/unmark/internal/metrics"
	"github.com/forPelevin/unmark/internal/tracing"
	"github.com/forPelevin/unmark/internal/types"
)

const mergedName = "video_cleaned.mp4"

func (c *Controller) execute(ctx context.Context, h *runHandle, job types.Job, resume *types.PausedJobState) {
	defer close(h.done)
	defer h.cancel()

	ctx, span := tracing.Tracer().Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Bool("job.resumed", resume != nil),
	))
	defer span.End()

	var err error
	if resume != nil {
		err = c.resume(ctx, h, &job, *resume)
	} else {
		err = c.fresh(ctx, h, &job)
	}
	if err != nil && !errors.Is(err, errPaused) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.finish(ctx, h, job, err)
}

// finish maps the run error to the final state and records it.
func (c *Controller) finish(ctx context.Context, h *runHandle, job types.Job, err error) {
	log := c.log.With(zap.String("job_id", job.ID))

	var final types.PipelineState
	switch {
	case h.cancelled.Load() || errors.Is(err, context.Canceled):
		final, err = types.StateCancelled, nil
		if derr := c.d.Store.Delete(); derr != nil {
			log.Warn("delete paused state", zap.Error(derr))
		}
	case errors.Is(err, errPaused):
		final = types.StatePaused
		if errors.Is(err, types.ErrNoWorkersAvailable) {
			err = joinedWithout(err, errPaused)
		} else {
			err = nil
		}
	case err == nil:
		final = types.StateCompleted
	case h.resumed && types.Classify(err) == types.ClassAvailability:
		// The saved state is still on disk and valid.
		final = types.StatePaused
	default:
		final = types.StateFailed
	}

	c.mu.Lock()
	c.state = final
	if c.job != nil {
		c.job.Status = final
		c.job.TotalFrames = job.TotalFrames
		c.job.FPS = job.FPS
		c.job.Width, c.job.Height = job.Width, job.Height
		c.job.SourceDigest = job.SourceDigest
		c.job.Tasks = job.Tasks
	}
	switch {
	case final == types.StatePaused && h.saved != nil:
		c.resumable = h.saved
	case final != types.StatePaused:
		c.resumable = nil
	}
	h.final, h.err = final, err
	c.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(string(final)).Inc()
	job.Status = final
	done, total := progressOf(job.Tasks)
	switch final {
	case types.StateFailed:
		log.Error("job failed", zap.String("class", string(types.Classify(err))), zap.Error(err))
		c.emit(ctx, job, "", done, total, "job failed", err)
	case types.StatePaused:
		log.Info("job paused", zap.Int("done", done), zap.Int("total", total), zap.Error(err))
		c.emit(ctx, job, "", done, total, "job paused", err)
	default:
		log.Info("job "+string(final), zap.Int("done", done), zap.Int("total", total))
		c.emit(ctx, job, "", done, total, "job "+string(final), nil)
	}
}

// joinedWithout drops target from a joined error so the remaining cause can
// be reported.
func joinedWithout(err, target error) error {
	j, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return err
	}
	var rest []error
	for _, e := range j.Unwrap() {
		if !errors.Is(e, target) {
			rest = append(rest, e)
		}
	}
	if len(rest) == 1 {
		return rest[0]
	}
	return errors.Join(rest...)
}

func progressOf(tasks []types.FrameTask) (done, total int) {
	c := plan.Count(tasks)
	return c.Done, c.Total()
}

func (c *Controller) fresh(ctx context.Context, h *runHandle, job *types.Job) error {
	ws := types.NewWorkspace(job.Workspace)

	var info types.VideoInfo
	if err := c.stage(ctx, *job, "probe", func(ctx context.Context) (err error) {
		info, err = c.d.Media.Probe(ctx, job.VideoPath)
		return err
	}); err != nil {
		return err
	}
	job.FPS, job.Width, job.Height = info.FPS, info.Width, info.Height
	if err := c.validateBounds(info.TotalFrames); err != nil {
		return err
	}

	if err := resetDirs(ws); err != nil {
		return err
	}
	staged, err := c.stageMasks(ws, *job, false)
	if err != nil {
		return err
	}
	if err := c.stage(ctx, *job, "digest", func(context.Context) (err error) {
		job.SourceDigest, err = fileDigest(job.VideoPath)
		return err
	}); err != nil {
		return err
	}
	if err := c.requireWorkers(ctx, staged); err != nil {
		return err
	}

	var n int
	if err := c.stage(ctx, *job, "extract", func(ctx context.Context) (err error) {
		n, err = c.d.Media.ExtractFrames(ctx, job.VideoPath, ws.InputDir)
		return err
	}); err != nil {
		return err
	}
	if n == 0 {
		return errors.New("no frames extracted from input video")
	}
	if n != info.TotalFrames {
		c.log.Info("extracted frame count differs from probe",
			zap.String("job_id", job.ID), zap.Int("probed", info.TotalFrames), zap.Int("extracted", n))
		if err := c.validateBounds(n); err != nil {
			return err
		}
	}
	job.TotalFrames = n

	return c.dispatchAndMerge(ctx, h, job, ws, plan.Plan(n, staged))
}

func (c *Controller) resume(ctx context.Context, h *runHandle, job *types.Job, st types.PausedJobState) error {
	ws := types.NewWorkspace(st.Workspace)

	var info types.VideoInfo
	if err := c.stage(ctx, *job, "probe", func(ctx context.Context) (err error) {
		info, err = c.d.Media.Probe(ctx, job.VideoPath)
		return err
	}); err != nil {
		return err
	}
	job.FPS, job.Width, job.Height = info.FPS, info.Width, info.Height

	var digest string
	if err := c.stage(ctx, *job, "digest", func(context.Context) (err error) {
		digest, err = fileDigest(job.VideoPath)
		return err
	}); err != nil {
		return err
	}
	if st.SourceDigest != "" && digest != st.SourceDigest {
		return fmt.Errorf("%w: %s changed since the job was paused", types.ErrResumeMismatch, job.VideoPath)
	}
	job.SourceDigest = digest

	staged, err := c.stageMasks(ws, *job, true)
	if err != nil {
		return err
	}
	if err := c.requireWorkers(ctx, staged); err != nil {
		return err
	}

	n := framesOnDisk(ws.InputDir)
	if n != st.TotalFrames {
		c.log.Info("re-extracting frames for resume",
			zap.String("job_id", job.ID), zap.Int("on_disk", n), zap.Int("expected", st.TotalFrames))
		if err := os.RemoveAll(ws.InputDir); err != nil {
			return err
		}
		if err := c.stage(ctx, *job, "extract", func(ctx context.Context) (err error) {
			n, err = c.d.Media.ExtractFrames(ctx, job.VideoPath, ws.InputDir)
			return err
		}); err != nil {
			return err
		}
		if n != st.TotalFrames {
			return fmt.Errorf("%w: video has %d frames, paused job had %d", types.ErrResumeMismatch, n, st.TotalFrames)
		}
	}
	job.TotalFrames = n

	tasks, err := plan.Reconcile(plan.Plan(n, staged), st.Remaining)
	if err != nil {
		return err
	}
	redo := 0
	for i := range tasks {
		if tasks[i].Status != types.TaskDone {
			continue
		}
		if _, err := os.Stat(ws.OutputFrame(tasks[i].Index)); err != nil {
			tasks[i].Status = types.TaskPending
			redo++
		}
	}
	if redo > 0 {
		c.log.Warn("finished frames missing from workspace, redoing them", zap.String("job_id", job.ID), zap.Int("frames", redo))
	}

	return c.dispatchAndMerge(ctx, h, job, ws, tasks)
}

func (c *Controller) validateBounds(total int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.segs.ValidateBounds(total)
}

// requireWorkers fails when masked frames exist and no worker is reachable.
func (c *Controller) requireWorkers(ctx context.Context, segs []types.Segment) error {
	for _, s := range segs {
		if !s.HasMask() {
			continue
		}
		if len(c.d.Workers.Available(ctx)) == 0 {
			return types.ErrNoWorkersAvailable
		}
		return nil
	}
	return nil
}

// stageMasks copies each segment mask into the workspace as a binary PNG and
// returns the segments pointing at the staged files. With verify set, a mask
// whose content changed since its digest was recorded is a resume mismatch.
func (c *Controller) stageMasks(ws types.Workspace, job types.Job, verify bool) ([]types.Segment, error) {
	segs := c.Segments()
	out := make([]types.Segment, len(segs))
	for i, s := range segs {
		out[i] = s
		if !s.HasMask() {
			continue
		}
		dst := filepath.Join(ws.MaskDir, s.ID+".png")
		digest, err := c.d.Masks.Stage(s.MaskPath, dst, job.Width, job.Height)
		if err != nil {
			return nil, fmt.Errorf("segment %d-%d: %w", s.StartFrame, s.EndFrame, err)
		}
		if verify && s.MaskDigest != "" && s.MaskDigest != digest {
			return nil, fmt.Errorf("%w: mask %s changed since the job was paused", types.ErrResumeMismatch, s.MaskPath)
		}
		c.mu.Lock()
		c.segs.SetMaskDigest(s.ID, digest)
		c.mu.Unlock()
		out[i].MaskPath = dst
		out[i].MaskDigest = digest
	}
	return out, nil
}

func (c *Controller) dispatchAndMerge(ctx context.Context, h *runHandle, job *types.Job, ws types.Workspace, tasks []types.FrameTask) error {
	log := c.log.With(zap.String("job_id", job.ID))

	c.mu.Lock()
	c.segs.Freeze()
	c.mu.Unlock()

	counts := plan.Count(tasks)
	log.Info("frame dispatch",
		zap.Int("total", counts.Total()),
		zap.Int("inpaint", counts.Inpaint),
		zap.Int("copy", counts.Copy),
		zap.Int("done", counts.Done),
	)
	job.Tasks = tasks

	select {
	case <-h.stop:
		return c.persist(h, job, tasks)
	default:
	}

	board := dispatch.NewBoard(tasks)
	var res dispatch.Result
	err := c.stage(ctx, *job, "dispatch", func(ctx context.Context) (err error) {
		res, err = c.d.Runner.Run(ctx, dispatch.Request{
			Board:      board,
			Workspace:  ws,
			Stop:       h.stop,
			OnProgress: c.progressReporter(ctx, *job),
		})
		return err
	})
	job.Tasks = board.Snapshot()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, types.ErrNoWorkersAvailable):
		log.Warn("workers gone mid-run, pausing job", zap.Error(err))
		if perr := c.persist(h, job, job.Tasks); !errors.Is(perr, errPaused) {
			return perr
		}
		return errors.Join(errPaused, err)
	case err != nil:
		return err
	case !res.Complete():
		return c.persist(h, job, job.Tasks)
	}

	merged := filepath.Join(ws.Root, mergedName)
	if err := c.stage(ctx, *job, "merge", func(ctx context.Context) error {
		return c.d.Media.MergeFrames(ctx, ws.OutputDir, job.FPS, merged)
	}); err != nil {
		return err
	}
	if err := c.stage(ctx, *job, "mux", func(ctx context.Context) error {
		if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
			return err
		}
		return c.d.Media.MuxAudio(ctx, job.VideoPath, merged, job.OutputPath)
	}); err != nil {
		return err
	}
	log.Info("output saved", zap.String("path", job.OutputPath))

	if err := c.d.Store.Delete(); err != nil {
		log.Warn("delete paused state", zap.Error(err))
	}
	if job.KeepTemp {
		log.Info("job workspace kept", zap.String("path", ws.Root))
		return nil
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		log.Warn("remove job workspace", zap.Error(err))
	}
	return nil
}

// persist saves what is left of the job and returns errPaused.
func (c *Controller) persist(h *runHandle, job *types.Job, tasks []types.FrameTask) error {
	st := types.PausedJobState{
		JobID:        job.ID,
		VideoPath:    job.VideoPath,
		OutputPath:   job.OutputPath,
		Workspace:    job.Workspace,
		SourceDigest: job.SourceDigest,
		TotalFrames:  job.TotalFrames,
		FPS:          job.FPS,
		Segments:     c.Segments(),
		Remaining:    plan.Remaining(tasks),
		Ports:        job.Ports,
		KeepTemp:     job.KeepTemp,
		PausedAt:     c.now().UTC(),
	}
	if err := c.d.Store.Save(st); err != nil {
		return fmt.Errorf("save paused job: %w", err)
	}
	h.saved = &st
	return errPaused
}

// stage runs one pipeline step inside a span and records its duration.
func (c *Controller) stage(ctx context.Context, job types.Job, name string, fn func(context.Context) error) error {
	ctx, span := tracing.Tracer().Start(ctx, "job."+name)
	defer span.End()

	job.Status = types.StateRunning
	c.emit(ctx, job, name, 0, job.TotalFrames, name, nil)

	started := time.Now()
	err := fn(ctx)
	metrics.StageDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// progressReporter emits a progress event each time another percent of the
// frames is done.
func (c *Controller) progressReporter(ctx context.Context, job types.Job) func(done, total int) {
	var mu sync.Mutex
	last := -1
	job.Status = types.StateRunning
	return func(done, total int) {
		if total == 0 {
			return
		}
		pct := done * 100 / total
		mu.Lock()
		if pct == last && done != total {
			mu.Unlock()
			return
		}
		last = pct
		mu.Unlock()
		c.emit(ctx, job, "dispatch", done, total, strconv.Itoa(pct)+"%", nil)
	}
}

func resetDirs(ws types.Workspace) error {
	for _, dir := range []string{ws.InputDir, ws.OutputDir, ws.MaskDir} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// framesOnDisk counts the contiguous 0.jpg.. run in dir.
func framesOnDisk(dir string) int {
	n := 0
	for {
		if _, err := os.Stat(filepath.Join(dir, strconv.Itoa(n)+".jpg")); err != nil {
			return n
		}
		n++
	}
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
