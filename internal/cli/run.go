package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forPelevin/unmark/internal/domain/segments"
	"github.com/forPelevin/unmark/internal/pipeline"
	"github.com/forPelevin/unmark/internal/ports/adapters/jobfile"
	"github.com/forPelevin/unmark/internal/types"
)

// errCancelledExit ends a command whose job was cancelled by the operator.
var errCancelledExit = errors.New("job cancelled; partial frames were kept in the job workspace")

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <video>",
		Short: "Clean a video: extract frames, inpaint masked segments, re-encode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, args[0])
		},
	}
	cmd.Flags().String("out", "", "Output video path (default: <name>_cleaned.mp4 next to the input)")
	cmd.Flags().String("segments", "", "YAML segment file; mask paths are relative to the file")
	cmd.Flags().StringArray("segment", nil, "Segment as start:end[:mask], repeatable")
	cmd.Flags().Bool("keep-temp", false, "Keep extracted and cleaned frames after completion")
	addPoolFlags(cmd)
	return cmd
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume the paused job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return resumeJob(cmd)
		},
	}
	addPoolFlags(cmd)
	return cmd
}

func runJob(cmd *cobra.Command, input string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if err := applyPoolFlags(cmd, &cfg); err != nil {
		return err
	}
	segs, err := gatherSegments(cmd)
	if err != nil {
		return err
	}
	outPath, _ := cmd.Flags().GetString("out")
	keepTemp, _ := cmd.Flags().GetBool("keep-temp")

	ctx := cmd.Context()
	app, err := pipeline.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(app, cfg.Log)

	if st, ok, err := app.Store.Load(); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: paused job %s exists for %s; run `unmark resume` or `unmark discard` first",
			types.ErrInvalidTransition, st.JobID, st.VideoPath)
	}

	if err := app.Prepare(input, outPath, segs, keepTemp); err != nil {
		return err
	}
	if err := startWorkers(ctx, app, cfg.Log); err != nil {
		return err
	}
	if err := app.Controller.Start(ctx); err != nil {
		return err
	}
	return superviseJob(cmd, app)
}

func resumeJob(cmd *cobra.Command) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	// The pool comes back with the ports the job was paused with.
	st, ok, err := jobfile.New(filepath.Join(cfg.Workspace, jobfile.DefaultName)).Load()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no paused job to resume")
	}
	if st.Ports.Count > 0 {
		cfg.Instances, cfg.BasePort = st.Ports.Count, st.Ports.Base
	}
	if err := applyPoolFlags(cmd, &cfg); err != nil {
		return err
	}

	ctx := cmd.Context()
	app, err := pipeline.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(app, cfg.Log)

	if _, _, err := app.Controller.LoadResumable(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "resuming job %s: %d of %d frames left\n", st.JobID, len(st.Remaining), st.TotalFrames)
	if err := startWorkers(ctx, app, cfg.Log); err != nil {
		return err
	}
	if err := app.Controller.Start(ctx); err != nil {
		return err
	}
	return superviseJob(cmd, app)
}

// startWorkers scales the pool and saves the preferences. Launch problems
// are logged; a job that needs workers fails later if none are reachable.
func startWorkers(ctx context.Context, app *pipeline.App, log *zap.Logger) error {
	live, err := app.EnsureWorkers(ctx)
	if err != nil {
		if errors.Is(err, types.ErrInvalidInstanceCount) {
			return err
		}
		log.Warn("worker pool not fully started", zap.Int("ready", len(live)), zap.Error(err))
	}
	if err := app.SavePreferences(); err != nil {
		log.Warn("save preferences", zap.Error(err))
	}
	return nil
}

func closeApp(app *pipeline.App, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Close(ctx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	_ = log.Sync()
}

// gatherSegments reads the segment file and the --segment flags. Mask paths
// in the file are resolved against the file's directory.
func gatherSegments(cmd *cobra.Command) ([]types.Segment, error) {
	var out []types.Segment
	if path, _ := cmd.Flags().GetString("segments"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read segment file: %w", err)
		}
		segs, err := segments.ParseYAML(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidSegment, err)
		}
		base := filepath.Dir(path)
		for i := range segs {
			if segs[i].MaskPath != "" && !filepath.IsAbs(segs[i].MaskPath) {
				segs[i].MaskPath = filepath.Join(base, segs[i].MaskPath)
			}
		}
		out = append(out, segs...)
	}
	flags, _ := cmd.Flags().GetStringArray("segment")
	for _, v := range flags {
		seg, err := segments.ParseFlag(v)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	for i := range out {
		if out[i].MaskPath == "" {
			continue
		}
		abs, err := filepath.Abs(out[i].MaskPath)
		if err != nil {
			return nil, err
		}
		out[i].MaskPath = abs
	}
	return out, nil
}

// superviseJob waits for the running job. The first interrupt pauses it,
// the second cancels.
func superviseJob(cmd *cobra.Command, app *pipeline.App) error {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	type outcome struct {
		state types.PipelineState
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		st, err := app.Controller.Wait(context.Background())
		done <- outcome{st, err}
	}()

	stderr := cmd.ErrOrStderr()
	interrupts := 0
	for {
		select {
		case res := <-done:
			return report(cmd, app, res.state, res.err)
		case <-sigs:
			interrupts++
			if interrupts == 1 {
				fmt.Fprintln(stderr, "pausing after in-flight frames finish; interrupt again to cancel")
				go func() { _ = app.Controller.Pause(context.Background()) }()
				continue
			}
			fmt.Fprintln(stderr, "cancelling")
			go func() { _ = app.Controller.Cancel(context.Background()) }()
		}
	}
}

func report(cmd *cobra.Command, app *pipeline.App, state types.PipelineState, err error) error {
	out := cmd.OutOrStdout()
	job, _ := app.Controller.Job()
	switch state {
	case types.StateCompleted:
		fmt.Fprintf(out, "output saved: %s\n", job.OutputPath)
		return nil
	case types.StatePaused:
		fmt.Fprintf(out, "job %s paused, state saved to %s\n", job.ID, app.Store.Path())
		if err != nil {
			return fmt.Errorf("%w: %w", errPausedExit, err)
		}
		return errPausedExit
	case types.StateCancelled:
		fmt.Fprintf(out, "job %s cancelled, frames kept in %s\n", job.ID, job.Workspace)
		return errCancelledExit
	default:
		if err == nil {
			err = fmt.Errorf("job ended in state %s", state)
		}
		return err
	}
}
