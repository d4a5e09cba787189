package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forPelevin/unmark/internal/metrics"
	"github.com/forPelevin/unmark/internal/ports"
	"github.com/forPelevin/unmark/internal/types"
)

const (
	DefaultBasePort     = 8080
	DefaultMaxInstances = 8
)

type Config struct {
	BasePort       int
	MaxInstances   int
	StartupTimeout time.Duration
	PollInterval   time.Duration
	StopGrace      time.Duration
	LogTailLines   int
}

func (c Config) withDefaults() Config {
	if c.BasePort <= 0 {
		c.BasePort = DefaultBasePort
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = DefaultMaxInstances
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.LogTailLines <= 0 {
		c.LogTailLines = 20
	}
	return c
}

// Manager keeps inpainting workers on contiguous ports starting at the base
// port. Workers it launched are owned and are the only ones it ever stops.
type Manager struct {
	sup ports.ProcessSupervisor
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	owned   map[int]ports.ProcessHandle
	workers map[int]types.WorkerRef
}

func New(sup ports.ProcessSupervisor, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sup:     sup,
		cfg:     cfg.withDefaults(),
		log:     log.Named("workerpool"),
		owned:   map[int]ports.ProcessHandle{},
		workers: map[int]types.WorkerRef{},
	}
}

// Discover probes basePort, basePort+1, ... and returns the live prefix. A
// port counts only when it has a listener owned by a worker process.
func (m *Manager) Discover(ctx context.Context, basePort, maxProbe int) []types.WorkerRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discoverLocked(ctx, basePort, maxProbe)
}

func (m *Manager) discoverLocked(ctx context.Context, basePort, maxProbe int) []types.WorkerRef {
	var live []types.WorkerRef
	for i := 0; i < maxProbe; i++ {
		if ctx.Err() != nil {
			break
		}
		port := basePort + i
		res := m.sup.Probe(ctx, port)
		if !res.Listening || !res.IsWorker {
			break
		}
		_, owned := m.owned[port]
		ref := types.WorkerRef{Port: port, Owned: owned, State: types.WorkerReady, PID: res.PID}
		m.workers[port] = ref
		live = append(live, ref)
	}

	for port, ref := range m.workers {
		inPrefix := port >= basePort && port < basePort+len(live)
		if !inPrefix && ref.State == types.WorkerReady {
			ref.State = types.WorkerUnreachable
			m.workers[port] = ref
		}
	}
	metrics.WorkersReady.Set(float64(len(live)))
	return live
}

// Launch starts count workers on basePort..basePort+count-1. Ports already
// served by a worker are adopted. A port held by anything else aborts the
// whole launch before any process is started.
func (m *Manager) Launch(ctx context.Context, count, basePort int) ([]types.WorkerRef, error) {
	if count < 1 || count > m.cfg.MaxInstances {
		return nil, fmt.Errorf("%w: got %d, allowed 1..%d", types.ErrInvalidInstanceCount, count, m.cfg.MaxInstances)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := types.PortRange{Base: basePort, Count: count}.Ports()
	err := m.launchLocked(ctx, targets)
	return m.refsLocked(targets), err
}

func (m *Manager) launchLocked(ctx context.Context, targets []int) error {
	var missing []int
	for _, port := range targets {
		res := m.sup.Probe(ctx, port)
		switch {
		case res.Listening && res.IsWorker:
			_, owned := m.owned[port]
			m.workers[port] = types.WorkerRef{Port: port, Owned: owned, State: types.WorkerReady, PID: res.PID}
		case res.Listening:
			return fmt.Errorf("port %d (pid %d): %w", port, res.PID, types.ErrPortInUse)
		default:
			missing = append(missing, port)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var errs []error
	started := make([]ports.ProcessHandle, 0, len(missing))
	for _, port := range missing {
		h, err := m.sup.Launch(ctx, port)
		if err != nil {
			metrics.WorkerLaunches.WithLabelValues("error").Inc()
			m.workers[port] = types.WorkerRef{Port: port, State: types.WorkerUnreachable}
			errs = append(errs, fmt.Errorf("port %d: %w: %v", port, types.ErrLaunchFailed, err))
			continue
		}
		m.log.Info("worker starting", zap.Int("port", port), zap.Int("pid", h.PID()))
		m.owned[port] = h
		m.workers[port] = types.WorkerRef{Port: port, Owned: true, State: types.WorkerStarting, PID: h.PID()}
		started = append(started, h)
	}

	results := make([]error, len(started))
	var wg sync.WaitGroup
	for i, h := range started {
		wg.Add(1)
		go func(i int, h ports.ProcessHandle) {
			defer wg.Done()
			results[i] = m.waitReady(ctx, h)
		}(i, h)
	}
	wg.Wait()

	for i, h := range started {
		port := h.Port()
		if results[i] == nil {
			metrics.WorkerLaunches.WithLabelValues("ok").Inc()
			ref := m.workers[port]
			ref.State = types.WorkerReady
			m.workers[port] = ref
			m.log.Info("worker ready", zap.Int("port", port))
			continue
		}
		metrics.WorkerLaunches.WithLabelValues("timeout").Inc()
		if err := m.sup.Terminate(h, m.cfg.StopGrace); err != nil {
			m.log.Warn("terminate failed worker", zap.Int("port", port), zap.Error(err))
		}
		delete(m.owned, port)
		m.workers[port] = types.WorkerRef{Port: port, State: types.WorkerUnreachable}
		errs = append(errs, fmt.Errorf("port %d: %w: %v\n%s", port, types.ErrLaunchFailed, results[i], h.LogTail(m.cfg.LogTailLines)))
	}
	return errors.Join(errs...)
}

func (m *Manager) waitReady(ctx context.Context, h ports.ProcessHandle) error {
	deadline := time.NewTimer(m.cfg.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.cfg.PollInterval)
	defer tick.Stop()

	for {
		if m.sup.Probe(ctx, h.Port()).Listening {
			return nil
		}
		if h.Exited() {
			return errors.New("process exited before opening its port")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("port not open after %s", m.cfg.StartupTimeout)
		case <-tick.C:
		}
	}
}

// ScaleTo reconciles the pool to exactly count contiguous workers where it
// can: missing workers are launched at the top of the range, excess owned
// workers are stopped from the top down. Discovered workers are never
// stopped, so scale-down halts at the first one it does not own.
func (m *Manager) ScaleTo(ctx context.Context, count int) ([]types.WorkerRef, error) {
	if count < 1 || count > m.cfg.MaxInstances {
		return nil, fmt.Errorf("%w: got %d, allowed 1..%d", types.ErrInvalidInstanceCount, count, m.cfg.MaxInstances)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()
	live := m.discoverLocked(ctx, m.cfg.BasePort, m.cfg.MaxInstances)
	n := len(live)

	var err error
	switch {
	case n < count:
		m.log.Info("scaling up", zap.Int("from", n), zap.Int("to", count))
		err = m.launchLocked(ctx, types.PortRange{Base: m.cfg.BasePort + n, Count: count - n}.Ports())
	case n > count:
		m.log.Info("scaling down", zap.Int("from", n), zap.Int("to", count))
		var errs []error
		for i := n - 1; i >= count; i-- {
			if !live[i].Owned {
				m.log.Warn("leaving discovered worker running", zap.Int("port", live[i].Port))
				break
			}
			if stopErr := m.stopLocked(live[i].Port); stopErr != nil {
				errs = append(errs, stopErr)
			}
		}
		err = errors.Join(errs...)
	}

	ready := m.discoverLocked(ctx, m.cfg.BasePort, m.cfg.MaxInstances)
	return ready, err
}

// Available re-probes the pool and returns the ready workers.
func (m *Manager) Available(ctx context.Context) []types.WorkerRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return m.discoverLocked(ctx, m.cfg.BasePort, m.cfg.MaxInstances)
}

func (m *Manager) MarkUnreachable(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.workers[port]
	if !ok {
		ref = types.WorkerRef{Port: port}
	}
	ref.State = types.WorkerUnreachable
	m.workers[port] = ref
	m.log.Warn("worker unreachable", zap.Int("port", port))
}

// ShutdownOwned stops every worker this manager launched, highest port first.
func (m *Manager) ShutdownOwned(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	portsDesc := make([]int, 0, len(m.owned))
	for port := range m.owned {
		portsDesc = append(portsDesc, port)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(portsDesc)))

	var errs []error
	for _, port := range portsDesc {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := m.stopLocked(port); err != nil {
			errs = append(errs, err)
		}
	}
	metrics.WorkersReady.Set(0)
	return errors.Join(errs...)
}

// Workers returns every worker the manager has seen, sorted by port.
func (m *Manager) Workers() []types.WorkerRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.WorkerRef, 0, len(m.workers))
	for _, ref := range m.workers {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

func (m *Manager) OwnedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owned)
}

func (m *Manager) stopLocked(port int) error {
	h, ok := m.owned[port]
	if !ok {
		return nil
	}
	m.log.Info("stopping worker", zap.Int("port", port), zap.Int("pid", h.PID()))
	err := m.sup.Terminate(h, m.cfg.StopGrace)
	delete(m.owned, port)
	m.workers[port] = types.WorkerRef{Port: port, State: types.WorkerStopped}
	if err != nil {
		return fmt.Errorf("stop worker on port %d: %w", port, err)
	}
	return nil
}

func (m *Manager) pruneLocked() {
	for port, h := range m.owned {
		if h.Exited() {
			m.log.Warn("owned worker exited", zap.Int("port", port))
			delete(m.owned, port)
			m.workers[port] = types.WorkerRef{Port: port, State: types.WorkerUnreachable}
		}
	}
}

func (m *Manager) refsLocked(targets []int) []types.WorkerRef {
	out := make([]types.WorkerRef, 0, len(targets))
	for _, port := range targets {
		if ref, ok := m.workers[port]; ok {
			out = append(out, ref)
		}
	}
	return out
}
