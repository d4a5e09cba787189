package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forPelevin/unmark/internal/config"
	"github.com/forPelevin/unmark/internal/logger"
	"github.com/forPelevin/unmark/internal/pipeline"
	"github.com/forPelevin/unmark/internal/types"
)

// errPausedExit ends a command whose job was paused and saved.
var errPausedExit = errors.New("job paused; run `unmark resume` to continue or `unmark discard` to drop it")

func addPoolFlags(cmd *cobra.Command) {
	cmd.Flags().String("instances", "", "Number of inpainting workers (default: saved preference)")
	cmd.Flags().Int("base-port", 0, "First worker port (default: saved preference or 8080)")
	cmd.Flags().String("mode", "", "Dispatch mode: round_robin or chunked")
	cmd.Flags().Bool("no-launch", false, "Only use workers that are already running")
	cmd.Flags().Bool("no-hwaccel", false, "Skip CUDA decode and NVENC encode attempts")
}

// loadSettings resolves configuration in order: environment, saved
// preferences, then flags.
func loadSettings(cmd *cobra.Command) (pipeline.Config, error) {
	env, err := config.Load()
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("config: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		env.LogLevel = lvl
	}
	if ws, _ := cmd.Flags().GetString("workspace"); ws != "" {
		env.Workspace = ws
	}

	log, err := logger.New(env.LogLevel)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("config: %w", err)
	}

	cfg := pipeline.FromEnv(env)
	cfg.Log = log

	prefs, ok, err := config.NewPrefsStore(filepath.Join(cfg.Workspace, config.PrefsName)).LoadIfExists()
	if err != nil {
		log.Warn("ignoring unreadable preferences", zap.Error(err))
	} else if ok {
		cfg.Instances = prefs.InstanceCount
		cfg.BasePort = prefs.BasePort
	}
	return cfg, nil
}

// applyPoolFlags overrides pool settings with the flags the operator set.
func applyPoolFlags(cmd *cobra.Command, cfg *pipeline.Config) error {
	if cmd.Flags().Changed("instances") {
		raw, _ := cmd.Flags().GetString("instances")
		n, err := parseInstances(raw)
		if err != nil {
			return err
		}
		cfg.Instances = n
	}
	if cmd.Flags().Changed("base-port") {
		cfg.BasePort, _ = cmd.Flags().GetInt("base-port")
	}
	if cmd.Flags().Changed("mode") {
		cfg.DispatchMode, _ = cmd.Flags().GetString("mode")
	}
	if v, _ := cmd.Flags().GetBool("no-launch"); v {
		cfg.NoLaunch = true
	}
	if v, _ := cmd.Flags().GetBool("no-hwaccel"); v {
		cfg.NoHardware = true
	}
	return nil
}

func parseInstances(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", types.ErrInvalidInstanceCount, raw)
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: got %d, must be positive", types.ErrInvalidInstanceCount, n)
	}
	return n, nil
}
