package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forPelevin/unmark/internal/dispatch"
	"github.com/forPelevin/unmark/internal/ports/adapters/jobfile"
	"github.com/forPelevin/unmark/internal/types"
)

type fakeMedia struct {
	frames int
	width  int
	height int

	mu       sync.Mutex
	extracts int
	merged   map[int]string
}

func (f *fakeMedia) Probe(context.Context, string) (types.VideoInfo, error) {
	return types.VideoInfo{FPS: 25, TotalFrames: f.frames, Width: f.width, Height: f.height, AudioCodec: "aac"}, nil
}

func (f *fakeMedia) ExtractFrames(_ context.Context, video, dir string) (int, error) {
	f.mu.Lock()
	f.extracts++
	f.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	for i := 0; i < f.frames; i++ {
		if err := os.WriteFile(filepath.Join(dir, strconv.Itoa(i)+".jpg"), []byte("f"+strconv.Itoa(i)), 0o644); err != nil {
			return 0, err
		}
	}
	return f.frames, nil
}

// MergeFrames records the content of every output frame.
func (f *fakeMedia) MergeFrames(_ context.Context, dir string, _ float64, out string) error {
	merged := map[int]string{}
	for i := 0; ; i++ {
		b, err := os.ReadFile(filepath.Join(dir, strconv.Itoa(i)+".jpg"))
		if err != nil {
			break
		}
		merged[i] = string(b)
	}
	if len(merged) != f.frames {
		return fmt.Errorf("merge: %d of %d frames present", len(merged), f.frames)
	}
	f.mu.Lock()
	f.merged = merged
	f.mu.Unlock()
	return os.WriteFile(out, []byte("video"), 0o644)
}

func (f *fakeMedia) MuxAudio(_ context.Context, _, video, out string) error {
	b, err := os.ReadFile(video)
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0o644)
}

func (f *fakeMedia) mergedFrames() map[int]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.merged
}

// fakeMasks copies masks and treats a file containing "small" as the wrong size.
type fakeMasks struct{}

func (fakeMasks) Stage(src, dst string, width, height int) (string, error) {
	b, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	if string(b) == "small" {
		return "", fmt.Errorf("%w: %s", types.ErrResolutionMismatch, src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, b, 0o644); err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

type fakePool struct {
	mu    sync.Mutex
	ports []int
	gone  map[int]bool
}

func newPool(ports ...int) *fakePool { return &fakePool{ports: ports, gone: map[int]bool{}} }

func (p *fakePool) Available(context.Context) []types.WorkerRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.WorkerRef
	for _, port := range p.ports {
		if !p.gone[port] {
			out = append(out, types.WorkerRef{Port: port, State: types.WorkerReady})
		}
	}
	return out
}

func (p *fakePool) MarkUnreachable(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gone[port] = true
}

type fakeInpainter struct {
	delay time.Duration
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *fakeInpainter) Inpaint(ctx context.Context, port int, frame, mask []byte) ([]byte, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail.Load() {
		return nil, errors.New("HTTP 500 CUDA out of memory")
	}
	return []byte("clean:" + string(frame) + ":" + string(mask)), nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []types.JobEvent
	notify chan types.JobEvent
}

func newSink() *recordingSink { return &recordingSink{notify: make(chan types.JobEvent, 1024)} }

func (s *recordingSink) Publish(_ context.Context, ev types.JobEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	select {
	case s.notify <- ev:
	default:
	}
	return nil
}

func (s *recordingSink) states() []types.PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.PipelineState
	for _, ev := range s.events {
		if len(out) == 0 || out[len(out)-1] != ev.State {
			out = append(out, ev.State)
		}
	}
	return out
}

type env struct {
	root      string
	video     string
	out       string
	workspace string
	mask      string
	media     *fakeMedia
	pool      *fakePool
	inpainter *fakeInpainter
	store     *jobfile.Store
	sink      *recordingSink
}

func newEnv(t *testing.T, frames int) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		root:      root,
		video:     filepath.Join(root, "in.mp4"),
		out:       filepath.Join(root, "out", "clean.mp4"),
		workspace: filepath.Join(root, "workspace", "jobs", "in"),
		mask:      filepath.Join(root, "mask.png"),
		media:     &fakeMedia{frames: frames, width: 4, height: 4},
		pool:      newPool(8080, 8081),
		inpainter: &fakeInpainter{},
		store:     jobfile.New(filepath.Join(root, "workspace", jobfile.DefaultName)),
		sink:      newSink(),
	}
	require.NoError(t, os.WriteFile(e.video, []byte("source video"), 0o644))
	require.NoError(t, os.WriteFile(e.mask, []byte("M"), 0o644))
	return e
}

func (e *env) controller() *Controller {
	return New(Deps{
		Media:   e.media,
		Masks:   fakeMasks{},
		Workers: e.pool,
		Runner:  dispatchWith(e, 100),
		Store:   e.store,
		Events:  e.sink,
	})
}

func (e *env) input(segs ...types.Segment) Input {
	return Input{
		VideoPath:  e.video,
		OutputPath: e.out,
		Workspace:  e.workspace,
		Segments:   segs,
		Ports:      types.PortRange{Base: 8080, Count: 2},
	}
}

// expected is the merged output of an uninterrupted run with one masked
// segment over [start, end].
func (e *env) expected(start, end int) map[int]string {
	out := map[int]string{}
	for i := 0; i < e.media.frames; i++ {
		if i >= start && i <= end {
			out[i] = "clean:f" + strconv.Itoa(i) + ":M"
		} else {
			out[i] = "f" + strconv.Itoa(i)
		}
	}
	return out
}

func waitState(t *testing.T, c *Controller) (types.PipelineState, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := c.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return st, err
}

// waitProgress blocks until a dispatch event reports at least n done frames.
func waitProgress(t *testing.T, s *recordingSink, n int) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-s.notify:
			if ev.Stage == "dispatch" && ev.Done >= n {
				return
			}
		case <-timeout:
			t.Fatalf("no progress to %d frames", n)
		}
	}
}

func dispatchWith(e *env, unhealthyAfter int) TaskRunner {
	return dispatch.New(e.inpainter, e.pool, dispatch.Config{
		MaxAttempts:     5,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		UnhealthyAfter:  unhealthyAfter,
		RefreshInterval: 5 * time.Millisecond,
		WorkerWait:      50 * time.Millisecond,
	}, nil)
}
