package plan

import (
	"fmt"
	"sort"

	"github.com/forPelevin/unmark/internal/types"
)

// Plan builds one task per frame index in 0..totalFrames-1. Frames inside a
// segment with a mask are inpainted; everything else is copied.
func Plan(totalFrames int, segs []types.Segment) []types.FrameTask {
	if totalFrames <= 0 {
		return nil
	}
	sorted := append([]types.Segment(nil), segs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartFrame < sorted[j].StartFrame })

	tasks := make([]types.FrameTask, totalFrames)
	si := 0
	for f := 0; f < totalFrames; f++ {
		for si < len(sorted) && sorted[si].EndFrame < f {
			si++
		}
		t := types.FrameTask{Index: f, Kind: types.TaskCopy, Status: types.TaskPending}
		if si < len(sorted) && sorted[si].Contains(f) {
			seg := sorted[si]
			t.SegmentID = seg.ID
			if seg.HasMask() {
				t.Kind = types.TaskInpaint
				t.MaskPath = seg.MaskPath
			}
		}
		tasks[f] = t
	}
	return tasks
}

// Chunk splits tasks into k contiguous groups whose sizes differ by at most
// one. Earlier groups take the remainder. Empty groups are omitted.
func Chunk(tasks []types.FrameTask, k int) [][]types.FrameTask {
	if k <= 0 || len(tasks) == 0 {
		return nil
	}
	base, extra := len(tasks)/k, len(tasks)%k
	out := make([][]types.FrameTask, 0, k)
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		if size == 0 {
			continue
		}
		out = append(out, tasks[start:start+size])
		start += size
	}
	return out
}

// Reconcile checks a resumed task list against a fresh plan. Tasks missing
// from remaining were finished before the pause and come back as done.
func Reconcile(planned, remaining []types.FrameTask) ([]types.FrameTask, error) {
	byIndex := make(map[int]types.FrameTask, len(remaining))
	for _, t := range remaining {
		if t.Index < 0 || t.Index >= len(planned) {
			return nil, fmt.Errorf("%w: task for frame %d is outside the %d-frame plan",
				types.ErrResumeMismatch, t.Index, len(planned))
		}
		p := planned[t.Index]
		if p.Kind != t.Kind || p.MaskPath != t.MaskPath {
			return nil, fmt.Errorf("%w: frame %d was %s (mask %q), plan says %s (mask %q)",
				types.ErrResumeMismatch, t.Index, t.Kind, t.MaskPath, p.Kind, p.MaskPath)
		}
		byIndex[t.Index] = t
	}

	out := make([]types.FrameTask, len(planned))
	for i, p := range planned {
		r, ok := byIndex[i]
		if !ok {
			p.Status = types.TaskDone
			out[i] = p
			continue
		}
		p.Attempts = r.Attempts
		p.LastWorker = r.LastWorker
		p.Status = types.TaskPending
		out[i] = p
	}
	return out, nil
}

// Remaining returns every task that is not done, with in-flight work reverted
// to pending.
func Remaining(tasks []types.FrameTask) []types.FrameTask {
	var out []types.FrameTask
	for _, t := range tasks {
		if t.Status == types.TaskDone {
			continue
		}
		if t.Status == types.TaskInFlight {
			t.Status = types.TaskPending
		}
		t.Worker = 0
		out = append(out, t)
	}
	return out
}

type Counts struct {
	Inpaint int
	Copy    int
	Done    int
	Failed  int
}

func (c Counts) Total() int { return c.Inpaint + c.Copy }

func Count(tasks []types.FrameTask) Counts {
	var c Counts
	for _, t := range tasks {
		switch t.Kind {
		case types.TaskInpaint:
			c.Inpaint++
		case types.TaskCopy:
			c.Copy++
		}
		switch t.Status {
		case types.TaskDone:
			c.Done++
		case types.TaskFailed:
			c.Failed++
		}
	}
	return c
}
