package ports

import (
	"context"
	"time"

	"github.com/forPelevin/unmark/internal/types"
)

type MediaTool interface {
	Probe(ctx context.Context, video string) (types.VideoInfo, error)
	// ExtractFrames writes 0.jpg..N-1.jpg into dir and returns N.
	ExtractFrames(ctx context.Context, video, dir string) (int, error)
	MergeFrames(ctx context.Context, dir string, fps float64, outVideo string) error
	MuxAudio(ctx context.Context, source, video, out string) error
}

// Inpainter sends one frame and its mask to the worker listening on port.
type Inpainter interface {
	Inpaint(ctx context.Context, port int, frame, mask []byte) ([]byte, error)
}

type ProbeResult struct {
	Listening bool
	IsWorker  bool
	PID       int
}

// ProcessHandle is a worker process started by a ProcessSupervisor.
type ProcessHandle interface {
	Port() int
	PID() int
	Exited() bool
	LogTail(lines int) string
}

type ProcessSupervisor interface {
	Launch(ctx context.Context, port int) (ProcessHandle, error)
	Probe(ctx context.Context, port int) ProbeResult
	Terminate(h ProcessHandle, grace time.Duration) error
}

type JobStore interface {
	Load() (types.PausedJobState, bool, error)
	Save(state types.PausedJobState) error
	Delete() error
}

type EventSink interface {
	Publish(ctx context.Context, ev types.JobEvent) error
}

type MaskChecker interface {
	// Stage validates src against the frame size and writes a binary PNG to dst.
	// It returns the content digest of src.
	Stage(src, dst string, width, height int) (string, error)
}
