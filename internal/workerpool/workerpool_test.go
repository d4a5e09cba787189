package workerpool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forPelevin/unmark/internal/ports"
	"github.com/forPelevin/unmark/internal/types"
)

type fakeProc struct {
	port   int
	pid    int
	exited bool
}

func (p *fakeProc) Port() int          { return p.port }
func (p *fakeProc) PID() int           { return p.pid }
func (p *fakeProc) Exited() bool       { return p.exited }
func (p *fakeProc) LogTail(int) string { return "CUDA out of memory" }

type fakeSupervisor struct {
	mu         sync.Mutex
	listening  map[int]bool
	worker     map[int]bool
	neverOpens map[int]bool
	launched   []int
	terminated []int
	nextPID    int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		listening:  map[int]bool{},
		worker:     map[int]bool{},
		neverOpens: map[int]bool{},
		nextPID:    1000,
	}
}

func (f *fakeSupervisor) external(port int, isWorker bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening[port] = true
	f.worker[port] = isWorker
}

func (f *fakeSupervisor) Launch(_ context.Context, port int) (ports.ProcessHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.launched = append(f.launched, port)
	if !f.neverOpens[port] {
		f.listening[port] = true
		f.worker[port] = true
	}
	return &fakeProc{port: port, pid: f.nextPID}, nil
}

func (f *fakeSupervisor) Probe(_ context.Context, port int) ports.ProbeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ports.ProbeResult{Listening: f.listening[port], IsWorker: f.worker[port], PID: port}
}

func (f *fakeSupervisor) Terminate(h ports.ProcessHandle, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := h.(*fakeProc)
	p.exited = true
	delete(f.listening, p.port)
	delete(f.worker, p.port)
	f.terminated = append(f.terminated, p.port)
	return nil
}

func testConfig() Config {
	return Config{
		BasePort:       8080,
		MaxInstances:   8,
		StartupTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		StopGrace:      time.Millisecond,
	}
}

func portsOf(refs []types.WorkerRef) []int {
	out := make([]int, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Port)
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDiscoverStopsAtFirstGap(t *testing.T) {
	sup := newFakeSupervisor()
	sup.external(8080, true)
	sup.external(8081, true)
	sup.external(8083, true)
	m := New(sup, testConfig(), nil)

	got := m.Discover(context.Background(), 8080, 8)
	if !equalInts(portsOf(got), []int{8080, 8081}) {
		t.Fatalf("discovered %v", portsOf(got))
	}
	for _, r := range got {
		if r.Owned {
			t.Fatalf("discovered worker %d marked owned", r.Port)
		}
	}
}

func TestDiscoverIgnoresForeignListener(t *testing.T) {
	sup := newFakeSupervisor()
	sup.external(8080, false)
	sup.external(8081, true)
	m := New(sup, testConfig(), nil)

	if got := m.Discover(context.Background(), 8080, 8); len(got) != 0 {
		t.Fatalf("foreign process counted as worker: %v", portsOf(got))
	}
}

func TestLaunchRefusesPortInUse(t *testing.T) {
	sup := newFakeSupervisor()
	sup.external(8081, false)
	m := New(sup, testConfig(), nil)

	_, err := m.Launch(context.Background(), 3, 8080)
	if !errors.Is(err, types.ErrPortInUse) {
		t.Fatalf("err=%v, want port in use", err)
	}
	if len(sup.launched) != 0 {
		t.Fatalf("launched %v despite port conflict", sup.launched)
	}
}

func TestLaunchAdoptsRunningWorker(t *testing.T) {
	sup := newFakeSupervisor()
	sup.external(8080, true)
	m := New(sup, testConfig(), nil)

	refs, err := m.Launch(context.Background(), 2, 8080)
	if err != nil {
		t.Fatal(err)
	}
	if !equalInts(sup.launched, []int{8081}) {
		t.Fatalf("launched %v, want [8081]", sup.launched)
	}
	if len(refs) != 2 || refs[0].Owned || !refs[1].Owned {
		t.Fatalf("refs=%+v", refs)
	}
}

func TestLaunchFailedIncludesLogTail(t *testing.T) {
	sup := newFakeSupervisor()
	sup.neverOpens[8081] = true
	m := New(sup, testConfig(), nil)

	refs, err := m.Launch(context.Background(), 2, 8080)
	if !errors.Is(err, types.ErrLaunchFailed) {
		t.Fatalf("err=%v, want launch failed", err)
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Fatalf("log tail missing from %q", err.Error())
	}
	if !equalInts(sup.terminated, []int{8081}) {
		t.Fatalf("terminated %v", sup.terminated)
	}
	if refs[1].State != types.WorkerUnreachable {
		t.Fatalf("failed worker state=%s", refs[1].State)
	}
	if m.OwnedCount() != 1 {
		t.Fatalf("owned=%d, want 1", m.OwnedCount())
	}
}

func TestWorkersTracksEveryPortSeen(t *testing.T) {
	sup := newFakeSupervisor()
	m := New(sup, testConfig(), nil)
	ctx := context.Background()

	if _, err := m.ScaleTo(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ScaleTo(ctx, 1); err != nil {
		t.Fatal(err)
	}
	m.MarkUnreachable(8080)

	got := m.Workers()
	if !equalInts(portsOf(got), []int{8080, 8081, 8082}) {
		t.Fatalf("workers=%v", portsOf(got))
	}
	want := []types.WorkerState{types.WorkerUnreachable, types.WorkerStopped, types.WorkerStopped}
	for i, ref := range got {
		if ref.State != want[i] {
			t.Fatalf("port %d state=%s, want %s", ref.Port, ref.State, want[i])
		}
	}
}

func TestScaleToRejectsInvalidCount(t *testing.T) {
	m := New(newFakeSupervisor(), testConfig(), nil)
	for _, n := range []int{0, -1, 9} {
		if _, err := m.ScaleTo(context.Background(), n); !errors.Is(err, types.ErrInvalidInstanceCount) {
			t.Fatalf("ScaleTo(%d) err=%v", n, err)
		}
	}
}

func TestScaleToUpAndDown(t *testing.T) {
	sup := newFakeSupervisor()
	m := New(sup, testConfig(), nil)
	ctx := context.Background()

	refs, err := m.ScaleTo(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !equalInts(portsOf(refs), []int{8080, 8081, 8082}) {
		t.Fatalf("after scale up: %v", portsOf(refs))
	}

	// idempotent
	if _, err := m.ScaleTo(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if len(sup.launched) != 3 {
		t.Fatalf("second ScaleTo launched again: %v", sup.launched)
	}

	refs, err = m.ScaleTo(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !equalInts(portsOf(refs), []int{8080}) {
		t.Fatalf("after scale down: %v", portsOf(refs))
	}
	if !equalInts(sup.terminated, []int{8082, 8081}) {
		t.Fatalf("terminated %v, want top-down", sup.terminated)
	}
}

func TestScaleDownNeverStopsDiscovered(t *testing.T) {
	sup := newFakeSupervisor()
	sup.external(8080, true)
	sup.external(8081, true)
	m := New(sup, testConfig(), nil)

	refs, err := m.ScaleTo(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(sup.terminated) != 0 {
		t.Fatalf("stopped discovered workers: %v", sup.terminated)
	}
	if len(refs) != 2 {
		t.Fatalf("refs=%v", portsOf(refs))
	}
}

func TestShutdownOwnedLeavesDiscovered(t *testing.T) {
	sup := newFakeSupervisor()
	sup.external(8080, true)
	m := New(sup, testConfig(), nil)
	ctx := context.Background()

	if _, err := m.ScaleTo(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if err := m.ShutdownOwned(ctx); err != nil {
		t.Fatal(err)
	}
	if !equalInts(sup.terminated, []int{8082, 8081}) {
		t.Fatalf("terminated %v", sup.terminated)
	}
	got := m.Available(ctx)
	if !equalInts(portsOf(got), []int{8080}) {
		t.Fatalf("available after shutdown: %v", portsOf(got))
	}
}

func TestAvailablePrunesExitedOwned(t *testing.T) {
	sup := newFakeSupervisor()
	m := New(sup, testConfig(), nil)
	ctx := context.Background()

	if _, err := m.ScaleTo(ctx, 2); err != nil {
		t.Fatal(err)
	}
	m.mu.Lock()
	h := m.owned[8081].(*fakeProc)
	m.mu.Unlock()
	h.exited = true
	sup.mu.Lock()
	delete(sup.listening, 8081)
	sup.mu.Unlock()

	got := m.Available(ctx)
	if !equalInts(portsOf(got), []int{8080}) {
		t.Fatalf("available=%v", portsOf(got))
	}
	if m.OwnedCount() != 1 {
		t.Fatalf("owned=%d", m.OwnedCount())
	}
}
