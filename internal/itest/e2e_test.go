//go:build integration

package itest

import (
	"context"
	"image"
	"image/color"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/forPelevin/unmark/internal/config"
	"github.com/forPelevin/unmark/internal/pipeline"
	"github.com/forPelevin/unmark/internal/types"
)

const (
	fixtureFrames = 50
	fixtureW      = 64
	fixtureH      = 48
)

// makeFixture renders a 2 second 25 fps clip with a sine audio track.
func makeFixture(t *testing.T, dir string) string {
	t.Helper()
	requireTools(t, "ffmpeg", "ffprobe")
	in := filepath.Join(dir, "input.mp4")
	ff := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", "testsrc=size="+strconv.Itoa(fixtureW)+"x"+strconv.Itoa(fixtureH)+":rate=25:duration=2",
		"-f", "lavfi",
		"-i", "sine=frequency=440:duration=2",
		"-shortest",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		in,
	)
	if b, err := ff.CombinedOutput(); err != nil {
		t.Fatalf("ffmpeg fixture failed: %v\n%s", err, string(b))
	}
	return in
}

func makeMask(t *testing.T, dir string) string {
	t.Helper()
	img := imaging.New(fixtureW, fixtureH, color.Black)
	img = imaging.Paste(img, imaging.New(16, 8, color.White), image.Pt(40, 32))
	path := filepath.Join(dir, "mask.png")
	require.NoError(t, imaging.Save(img, path))
	return path
}

// fakeWorker answers the inpaint contract by echoing the submitted frame.
type fakeWorker struct {
	srv   *httptest.Server
	delay time.Duration
	calls atomic.Int32
}

func startWorker(t *testing.T, delay time.Duration) *fakeWorker {
	t.Helper()
	w := &fakeWorker{delay: delay}
	mux := http.NewServeMux()
	mux.HandleFunc("/model", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write([]byte("lama"))
	})
	mux.HandleFunc("/inpaint", func(rw http.ResponseWriter, r *http.Request) {
		w.calls.Add(1)
		f, _, err := r.FormFile("image")
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		if _, _, err := r.FormFile("mask"); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		time.Sleep(w.delay)
		rw.Header().Set("Content-Type", "image/jpeg")
		_, _ = io.Copy(rw, f)
	})
	w.srv = httptest.NewServer(mux)
	t.Cleanup(w.srv.Close)
	return w
}

func (w *fakeWorker) port(t *testing.T) int {
	t.Helper()
	_, p, err := net.SplitHostPort(w.srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

func newApp(t *testing.T, workspace string, basePort int) *pipeline.App {
	t.Helper()
	env, err := config.Load()
	require.NoError(t, err)
	cfg := pipeline.FromEnv(env)
	cfg.Workspace = workspace
	cfg.BasePort = basePort
	cfg.Instances = 1
	cfg.NoLaunch = true
	cfg.NoHardware = true
	// The fake worker is served by this test binary.
	cfg.WorkerMatch = filepath.Base(os.Args[0])
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.RetryMaxDelay = 100 * time.Millisecond
	cfg.WorkerWait = 2 * time.Second

	app, err := pipeline.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func waitDone(t *testing.T, app *pipeline.App) (types.PipelineState, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	st, err := app.Controller.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return st, err
}

func TestE2E(t *testing.T) {
	tmp := t.TempDir()
	in := makeFixture(t, tmp)
	mask := makeMask(t, tmp)
	worker := startWorker(t, 0)

	app := newApp(t, filepath.Join(tmp, "workspace"), worker.port(t))
	live, err := app.EnsureWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 1, "fake worker should be discovered")

	out := filepath.Join(tmp, "out", "clean.mp4")
	segs := []types.Segment{
		{StartFrame: 10, EndFrame: 19, MaskPath: mask},
		{StartFrame: 30, EndFrame: 34},
	}
	require.NoError(t, app.Prepare(in, out, segs, false))
	require.NoError(t, app.Controller.Start(context.Background()))

	st, err := waitDone(t, app)
	require.NoError(t, err)
	require.Equal(t, types.StateCompleted, st)
	require.EqualValues(t, 10, worker.calls.Load())

	p, err := probeVideo(out)
	require.NoError(t, err)
	require.Equal(t, fixtureFrames, p.Frames)
	require.Equal(t, fixtureW, p.Width)
	require.True(t, p.HasAudio, "audio should be muxed back")

	_, ok, err := app.Store.Load()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestE2EPauseResume(t *testing.T) {
	tmp := t.TempDir()
	in := makeFixture(t, tmp)
	mask := makeMask(t, tmp)
	worker := startWorker(t, 40*time.Millisecond)
	ws := filepath.Join(tmp, "workspace")
	out := filepath.Join(tmp, "clean.mp4")

	app := newApp(t, ws, worker.port(t))
	_, err := app.EnsureWorkers(context.Background())
	require.NoError(t, err)
	require.NoError(t, app.Prepare(in, out, []types.Segment{{StartFrame: 0, EndFrame: fixtureFrames - 1, MaskPath: mask}}, false))
	require.NoError(t, app.Controller.Start(context.Background()))

	require.Eventually(t, func() bool { return worker.calls.Load() >= 5 }, time.Minute, 10*time.Millisecond)
	require.NoError(t, app.Controller.Pause(context.Background()))

	saved, ok, err := app.Store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, saved.Remaining)
	before := worker.calls.Load()

	// A second process picks the job up.
	app2 := newApp(t, ws, worker.port(t))
	_, ok, err = app2.Controller.LoadResumable(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, app2.Controller.Start(context.Background()))

	st, err := waitDone(t, app2)
	require.NoError(t, err)
	require.Equal(t, types.StateCompleted, st)
	require.EqualValues(t, fixtureFrames, worker.calls.Load(), "frames done before the pause are not sent again")
	require.Less(t, before, int32(fixtureFrames))

	p, err := probeVideo(out)
	require.NoError(t, err)
	require.Equal(t, fixtureFrames, p.Frames)

	_, err = os.Stat(saved.Workspace)
	require.True(t, os.IsNotExist(err), "job workspace removed after completion")
}
