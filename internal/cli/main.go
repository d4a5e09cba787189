package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/forPelevin/unmark/internal/types"
)

func Main() {
	_ = godotenv.Load() // best-effort: load .env if present

	root := NewRoot()
	if err := root.Execute(); err != nil {
		if errors.Is(err, errPausedExit) || errors.Is(err, errCancelledExit) {
			fmt.Fprintln(os.Stderr, err)
		} else {
			fmt.Fprintf(os.Stderr, "error (%s): %v\n", types.Classify(err), err)
		}
		os.Exit(ExitCode(err))
	}
}

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "unmark",
		Short:        "Remove watermarks from video frames with local inpainting workers",
		SilenceUsage: true,
	}

	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)
	root.SilenceErrors = true

	root.PersistentFlags().String("log-level", "", "Log level (overrides LOG_LEVEL)")
	root.PersistentFlags().String("workspace", "", "Workspace directory (overrides UNMARK_WORKSPACE)")

	root.AddCommand(
		newRunCmd(),
		newResumeCmd(),
		newDiscardCmd(),
		newStatusCmd(),
		newWorkersCmd(),
	)
	return root
}

// ExitCode maps an error to the process exit status by its class.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, errPausedExit):
		return 10
	case errors.Is(err, errCancelledExit):
		return 130
	}
	switch types.Classify(err) {
	case types.ClassConfiguration:
		return 2
	case types.ClassAvailability:
		return 3
	case types.ClassTask:
		return 4
	case types.ClassResumeMismatch:
		return 5
	default:
		return 1
	}
}
