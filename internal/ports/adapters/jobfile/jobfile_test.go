package jobfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forPelevin/unmark/internal/types"
)

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), DefaultName))
	_, ok, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected no state")
	}
}

func TestSaveLoadDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultName)
	s := New(path)

	in := types.PausedJobState{
		JobID:        "job-1",
		VideoPath:    "/videos/in.mp4",
		OutputPath:   "/videos/out.mp4",
		SourceDigest: "abc",
		TotalFrames:  10,
		FPS:          25,
		Segments:     []types.Segment{{ID: "s1", StartFrame: 3, EndFrame: 6, MaskPath: "m.png"}},
		Remaining: []types.FrameTask{
			{Index: 5, Kind: types.TaskInpaint, MaskPath: "m.png", Status: types.TaskPending},
			{Index: 6, Kind: types.TaskInpaint, MaskPath: "m.png", Status: types.TaskPending},
		},
		Ports:    types.PortRange{Base: 8080, Count: 2},
		PausedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := s.Save(in); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Version != SchemaVersion {
		t.Fatalf("version=%d", got.Version)
	}
	if got.JobID != in.JobID || got.TotalFrames != 10 || len(got.Remaining) != 2 || got.Remaining[1].Index != 6 {
		t.Fatalf("round trip lost data: %+v", got)
	}
	if !got.PausedAt.Equal(in.PausedAt) {
		t.Fatalf("paused at=%v", got.PausedAt)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}

	if err := s.Delete(); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, ok, _ := s.Load(); ok {
		t.Fatalf("state still present after delete")
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultName)
	if err := os.WriteFile(path, []byte(`{"version": 7, "job_id": "x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := New(path).Load()
	if !errors.Is(err, types.ErrUnsupportedVersion) {
		t.Fatalf("err=%v, want unsupported version", err)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultName)
	if err := os.WriteFile(path, []byte(`not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := New(path).Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}
