package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/forPelevin/unmark/internal/pipeline"
	"github.com/forPelevin/unmark/internal/types"
)

func newDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard",
		Short: "Drop the paused job and its saved state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			cfg.NoLaunch = true
			ctx := cmd.Context()
			app, err := pipeline.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeApp(app, cfg.Log)

			// A state file that no longer parses is still discarded.
			st, ok, loadErr := app.Controller.LoadResumable(ctx)
			if err := app.Controller.Discard(ctx); err != nil {
				return err
			}
			switch {
			case ok:
				fmt.Fprintf(cmd.OutOrStdout(), "discarded paused job %s (%s)\n", st.JobID, st.VideoPath)
			case loadErr != nil:
				fmt.Fprintf(cmd.OutOrStdout(), "removed unreadable job state: %v\n", loadErr)
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "no paused job")
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the paused job and reachable workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if err := applyPoolFlags(cmd, &cfg); err != nil {
				return err
			}
			cfg.NoLaunch = true
			ctx := cmd.Context()
			app, err := pipeline.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeApp(app, cfg.Log)

			out := cmd.OutOrStdout()
			st, ok, err := app.Store.Load()
			switch {
			case err != nil:
				fmt.Fprintf(out, "paused job: unreadable (%v)\n", err)
			case ok:
				printPausedJob(out, st)
			default:
				fmt.Fprintln(out, "paused job: none")
			}

			live, _ := app.EnsureWorkers(ctx)
			fmt.Fprintf(out, "\nworkers from port %d:\n", cfg.BasePort)
			printWorkers(out, live)
			return nil
		},
	}
	addPoolFlags(cmd)
	return cmd
}

func printPausedJob(w io.Writer, st types.PausedJobState) {
	done := st.TotalFrames - len(st.Remaining)
	pct := 0
	if st.TotalFrames > 0 {
		pct = done * 100 / st.TotalFrames
	}
	fmt.Fprintf(w, "paused job: %s\n", st.JobID)
	fmt.Fprintf(w, "  video:     %s\n", st.VideoPath)
	fmt.Fprintf(w, "  output:    %s\n", st.OutputPath)
	fmt.Fprintf(w, "  progress:  %d/%d frames (%d%%)\n", done, st.TotalFrames, pct)
	fmt.Fprintf(w, "  segments:  %d\n", len(st.Segments))
	fmt.Fprintf(w, "  workers:   %d from port %d\n", st.Ports.Count, st.Ports.Base)
	fmt.Fprintf(w, "  paused at: %s\n", st.PausedAt.Local().Format(time.DateTime))
}

func printWorkers(w io.Writer, refs []types.WorkerRef) {
	if len(refs) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  PORT\tPID\tSTATE\tOWNED")
	for _, r := range refs {
		pid := "-"
		if r.PID > 0 {
			pid = fmt.Sprint(r.PID)
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%v\n", r.Port, pid, r.State, r.Owned)
	}
	_ = tw.Flush()
}

func newWorkersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect or start inpainting workers",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List running workers on sequential ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if err := applyPoolFlags(cmd, &cfg); err != nil {
				return err
			}
			cfg.NoLaunch = true
			ctx := cmd.Context()
			app, err := pipeline.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeApp(app, cfg.Log)

			live, _ := app.EnsureWorkers(ctx)
			printWorkers(cmd.OutOrStdout(), live)
			return nil
		},
	}
	addPoolFlags(list)

	up := &cobra.Command{
		Use:   "up",
		Short: "Start workers and keep them running until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadSettings(cmd)
			if err != nil {
				return err
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

			// Ports that failed to start or were stopped are listed too.
			_, err = app.EnsureWorkers(ctx)
			printWorkers(cmd.OutOrStdout(), app.Pool.Workers())
			if err != nil {
				return err
			}
			if err := app.SavePreferences(); err != nil {
				return err
			}
			if app.Pool.OwnedCount() == 0 {
				return nil
			}

			fmt.Fprintln(cmd.ErrOrStderr(), "workers running; interrupt to stop them")
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)
			select {
			case <-sigs:
			case <-ctx.Done():
			}
			return nil
		},
	}
	addPoolFlags(up)

	cmd.AddCommand(list, up)
	return cmd
}
