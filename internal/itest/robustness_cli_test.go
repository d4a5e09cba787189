//go:build integration

package itest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

const cliTimeout = 60 * time.Second

type robustCase struct {
	name            string
	args            func(t *testing.T, repoRoot string) []string
	env             map[string]string
	wantContains    []string
	wantNotContains []string
	// wantExit is checked when non-zero.
	wantExit int
}

type cliRunResult struct {
	exitCode int
	output   string
}

func TestRobustness_ArgsValidation(t *testing.T) {
	repoRoot := mustRepoRoot(t)
	sample := writeSample(t)

	cases := []robustCase{
		{
			name:         "no args",
			args:         staticArgs("run"),
			wantContains: []string{"accepts 1 arg(s), received 0"},
		},
		{
			name:         "too many args",
			args:         staticArgs("run", sample, "extra"),
			wantContains: []string{"accepts 1 arg(s), received 2"},
		},
		{
			name:         "unknown flag",
			args:         staticArgs("run", sample, "--wat"),
			wantContains: []string{"unknown flag: --wat"},
		},
		{
			name:         "instances non int",
			args:         staticArgs("run", sample, "--instances", "nope"),
			wantContains: []string{"error (configuration)", `"nope" is not a number`},
			wantExit:     2,
		},
		{
			name:         "instances zero",
			args:         staticArgs("run", sample, "--instances", "0"),
			wantContains: []string{"error (configuration)", "instance count"},
			wantExit:     2,
		},
		{
			name:         "instances above max",
			args:         staticArgs("run", sample, "--instances", "9"),
			wantContains: []string{"allowed 1..8"},
			wantExit:     2,
		},
		{
			name:         "bad segment flag",
			args:         staticArgs("run", sample, "--segment", "10", "--no-launch"),
			wantContains: []string{"want start:end[:mask]"},
			wantExit:     2,
		},
		{
			name:         "overlapping segments",
			args:         staticArgs("run", sample, "--segment", "0:10", "--segment", "5:20", "--no-launch"),
			wantContains: []string{"overlaps"},
			wantExit:     2,
		},
		{
			name:         "bad dispatch mode",
			args:         staticArgs("run", sample, "--mode", "random"),
			wantContains: []string{`unknown dispatch mode "random"`},
		},
		{
			name:         "resume without paused job",
			args:         staticArgs("resume"),
			wantContains: []string{"no paused job to resume"},
		},
	}

	runRobustCases(t, repoRoot, cases)
}

func TestRobustness_InvalidInputMedia(t *testing.T) {
	repoRoot := mustRepoRoot(t)

	cases := []robustCase{
		{
			name: "missing input path",
			args: func(t *testing.T, _ string) []string {
				return []string{"run", filepath.Join(t.TempDir(), "does-not-exist.mp4"), "--no-launch"}
			},
			wantContains: []string{"stat input:"},
		},
		{
			name: "input is non media file",
			args: func(t *testing.T, _ string) []string {
				return []string{"run", writeSample(t), "--no-launch"}
			},
			wantContains: []string{"job failed", "ffprobe:"},
			wantExit:     1,
		},
		{
			name: "masked segment without workers",
			args: func(t *testing.T, _ string) []string {
				mask := filepath.Join(t.TempDir(), "mask.png")
				return []string{"run", writeSample(t), "--no-launch", "--base-port", "39511", "--segment", "0:5:" + mask}
			},
			wantContains: []string{"error ("},
		},
	}

	runRobustCases(t, repoRoot, cases)
}

func TestRobustness_SecurityEnvHardening(t *testing.T) {
	repoRoot := mustRepoRoot(t)
	sample := writeSample(t)

	cases := []robustCase{
		{
			name:         "reject remote worker host",
			args:         staticArgs("run", sample),
			env:          map[string]string{"UNMARK_WORKER_HOST": "10.1.2.3"},
			wantContains: []string{"loopback address is required"},
		},
		{
			name:         "reject worker host with scheme",
			args:         staticArgs("run", sample),
			env:          map[string]string{"UNMARK_WORKER_HOST": "http://127.0.0.1"},
			wantContains: []string{"bare host name or IP is required"},
		},
		{
			name:         "reject worker host with port",
			args:         staticArgs("run", sample),
			env:          map[string]string{"UNMARK_WORKER_HOST": "127.0.0.1:8080"},
			wantContains: []string{"port is set per worker"},
		},
		{
			name:         "reject bad log level",
			args:         staticArgs("status"),
			env:          map[string]string{"LOG_LEVEL": "loud"},
			wantContains: []string{`log level "loud"`},
		},
		{
			name:         "reject bad env number",
			args:         staticArgs("status"),
			env:          map[string]string{"UNMARK_BASE_PORT": "eighty"},
			wantContains: []string{"config:"},
		},
	}

	runRobustCases(t, repoRoot, cases)
}

// writeSample writes a file that is not a video.
func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "not-media.mp4")
	if err := os.WriteFile(path, []byte("not a video"), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func runRobustCases(t *testing.T, repoRoot string, cases []robustCase) {
	t.Helper()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := map[string]string{"UNMARK_WORKSPACE": t.TempDir()}
			for k, v := range tc.env {
				env[k] = v
			}
			res := runCLI(t, repoRoot, tc.args(t, repoRoot), env)
			if res.exitCode == 0 {
				t.Fatalf("expected non-zero exit code, got 0\noutput:\n%s", res.output)
			}
			if tc.wantExit != 0 && res.exitCode != tc.wantExit {
				t.Fatalf("exit code %d, want %d\noutput:\n%s", res.exitCode, tc.wantExit, res.output)
			}
			for _, want := range tc.wantContains {
				if !strings.Contains(res.output, want) {
					t.Fatalf("expected output to contain %q\noutput:\n%s", want, res.output)
				}
			}
			for _, notWant := range tc.wantNotContains {
				if strings.Contains(res.output, notWant) {
					t.Fatalf("expected output to not contain %q\noutput:\n%s", notWant, res.output)
				}
			}
		})
	}
}

func runCLI(t *testing.T, repoRoot string, args []string, env map[string]string) cliRunResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	cmdArgs := append([]string{"run", "./cmd/unmark"}, args...)
	cmd := exec.CommandContext(ctx, "go", cmdArgs...)
	cmd.Dir = repoRoot
	cmd.Env = mergeEnv(
		os.Environ(),
		map[string]string{
			"NO_COLOR": "1",
			"TERM":     "dumb",
		},
		env,
	)

	out, err := cmd.CombinedOutput()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Fatalf("command timed out after %s: go %s", cliTimeout, strings.Join(cmdArgs, " "))
	}

	res := cliRunResult{output: string(out)}
	if err == nil {
		res.exitCode = 0
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.exitCode = exitErr.ExitCode()
		return res
	}

	t.Fatalf("run command: %v\noutput:\n%s", err, string(out))
	return cliRunResult{}
}

func mergeEnv(base []string, overrides ...map[string]string) []string {
	env := make(map[string]string, len(base))
	for _, kv := range base {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		env[kv[:i]] = kv[i+1:]
	}

	for _, set := range overrides {
		for k, v := range set {
			env[k] = v
		}
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

func staticArgs(args ...string) func(t *testing.T, _ string) []string {
	clone := append([]string(nil), args...)
	return func(t *testing.T, _ string) []string {
		t.Helper()
		return append([]string(nil), clone...)
	}
}
