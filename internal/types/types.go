package types

import (
	"path/filepath"
	"strconv"
	"time"
)

// Segment is an inclusive frame range, optionally bound to a mask image.
type Segment struct {
	ID         string `json:"id"`
	StartFrame int    `json:"start_frame"`
	EndFrame   int    `json:"end_frame"`
	MaskPath   string `json:"mask_path,omitempty"`
	MaskDigest string `json:"mask_digest,omitempty"`
}

func (s Segment) Contains(frame int) bool {
	return frame >= s.StartFrame && frame <= s.EndFrame
}

func (s Segment) Overlaps(o Segment) bool {
	return max(s.StartFrame, o.StartFrame) <= min(s.EndFrame, o.EndFrame)
}

func (s Segment) HasMask() bool { return s.MaskPath != "" }

func (s Segment) Len() int { return s.EndFrame - s.StartFrame + 1 }

type TaskKind string

const (
	TaskInpaint TaskKind = "inpaint"
	TaskCopy    TaskKind = "copy"
)

type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskInFlight TaskStatus = "in_flight"
	TaskDone     TaskStatus = "done"
	TaskFailed   TaskStatus = "failed"
)

// FrameTask is the unit of work for one frame index.
type FrameTask struct {
	Index      int        `json:"index"`
	Kind       TaskKind   `json:"kind"`
	MaskPath   string     `json:"mask_path,omitempty"`
	SegmentID  string     `json:"segment_id,omitempty"`
	Worker     int        `json:"worker,omitempty"`
	Status     TaskStatus `json:"status"`
	Attempts   int        `json:"attempts,omitempty"`
	LastWorker int        `json:"last_worker,omitempty"`
}

type WorkerState string

const (
	WorkerStarting    WorkerState = "starting"
	WorkerReady       WorkerState = "ready"
	WorkerUnreachable WorkerState = "unreachable"
	WorkerStopped     WorkerState = "stopped"
)

// WorkerRef identifies one inpainting worker by its port. Owned workers were
// launched by this process and are stopped on shutdown.
type WorkerRef struct {
	Port  int         `json:"port"`
	Owned bool        `json:"owned"`
	State WorkerState `json:"state"`
	PID   int         `json:"pid,omitempty"`
}

type PortRange struct {
	Base  int `json:"base"`
	Count int `json:"count"`
}

func (r PortRange) Ports() []int {
	out := make([]int, 0, r.Count)
	for i := 0; i < r.Count; i++ {
		out = append(out, r.Base+i)
	}
	return out
}

type PipelineState string

const (
	StateIdle      PipelineState = "idle"
	StateRunning   PipelineState = "running"
	StatePaused    PipelineState = "paused"
	StateCancelled PipelineState = "cancelled"
	StateCompleted PipelineState = "completed"
	StateFailed    PipelineState = "failed"
)

func (s PipelineState) IsTerminal() bool {
	switch s {
	case StateCancelled, StateCompleted, StateFailed:
		return true
	}
	return false
}

type VideoInfo struct {
	Duration    float64 `json:"duration"`
	FPS         float64 `json:"fps"`
	TotalFrames int     `json:"total_frames"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AudioCodec  string  `json:"audio_codec,omitempty"`
}

func (v VideoInfo) HasAudio() bool { return v.AudioCodec != "" }

// Job is one run of the pipeline over a single source video.
type Job struct {
	ID           string        `json:"id"`
	VideoPath    string        `json:"video_path"`
	OutputPath   string        `json:"output_path"`
	Workspace    string        `json:"workspace"`
	TotalFrames  int           `json:"total_frames"`
	FPS          float64       `json:"fps"`
	Width        int           `json:"width"`
	Height       int           `json:"height"`
	SourceDigest string        `json:"source_digest,omitempty"`
	Segments     []Segment     `json:"segments"`
	Tasks        []FrameTask   `json:"tasks,omitempty"`
	Status       PipelineState `json:"status"`
	Ports        PortRange     `json:"ports"`
	KeepTemp     bool          `json:"keep_temp,omitempty"`
}

// PausedJobState is what survives a pause across process restarts.
type PausedJobState struct {
	Version      int         `json:"version"`
	JobID        string      `json:"job_id"`
	VideoPath    string      `json:"video_path"`
	OutputPath   string      `json:"output_path"`
	Workspace    string      `json:"workspace"`
	SourceDigest string      `json:"source_digest"`
	TotalFrames  int         `json:"total_frames"`
	FPS          float64     `json:"fps"`
	Segments     []Segment   `json:"segments"`
	Remaining    []FrameTask `json:"remaining"`
	Ports        PortRange   `json:"ports"`
	KeepTemp     bool        `json:"keep_temp,omitempty"`
	PausedAt     time.Time   `json:"paused_at"`
}

// JobEvent is emitted on every state change and progress update.
type JobEvent struct {
	JobID      string        `json:"job_id"`
	State      PipelineState `json:"state"`
	Stage      string        `json:"stage,omitempty"`
	Done       int           `json:"done"`
	Total      int           `json:"total"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	HappenedAt time.Time     `json:"happened_at"`
}

// Workspace is the on-disk layout of a job.
type Workspace struct {
	Root      string `json:"root"`
	InputDir  string `json:"input_dir"`
	OutputDir string `json:"output_dir"`
	MaskDir   string `json:"mask_dir"`
}

func (w Workspace) InputFrame(i int) string {
	return filepath.Join(w.InputDir, strconv.Itoa(i)+".jpg")
}

func (w Workspace) OutputFrame(i int) string {
	return filepath.Join(w.OutputDir, strconv.Itoa(i)+".jpg")
}

func NewWorkspace(root string) Workspace {
	return Workspace{
		Root:      root,
		InputDir:  filepath.Join(root, "input"),
		OutputDir: filepath.Join(root, "output"),
		MaskDir:   filepath.Join(root, "masks"),
	}
}
