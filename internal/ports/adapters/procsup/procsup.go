package procsup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/forPelevin/unmark/internal/ports"
)

type Config struct {
	Program string
	Args    []string
	Host    string
	LogDir  string
	// Match is looked for in the command line of a listening process to
	// tell a worker from an unrelated service.
	Match       string
	DialTimeout time.Duration
}

// Supervisor launches worker processes and inspects listening ports.
type Supervisor struct {
	cfg    Config
	log    *zap.Logger
	client *http.Client
}

func New(cfg Config, log *zap.Logger) *Supervisor {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 250 * time.Millisecond
	}
	if cfg.Match == "" {
		cfg.Match = filepath.Base(cfg.Program)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		cfg:    cfg,
		log:    log.Named("procsup"),
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

type proc struct {
	port    int
	cmd     *exec.Cmd
	logPath string
	done    chan struct{}
	exited  atomic.Bool
}

func (p *proc) Port() int    { return p.port }
func (p *proc) PID() int     { return p.cmd.Process.Pid }
func (p *proc) Exited() bool { return p.exited.Load() }

// LogTail returns the last non-empty lines of the worker's log file.
func (p *proc) LogTail(lines int) string {
	return readTail(p.logPath, lines)
}

func (s *Supervisor) Launch(ctx context.Context, port int) (ports.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	program, err := exec.LookPath(s.cfg.Program)
	if err != nil {
		return nil, fmt.Errorf("worker program %q not found: %w", s.cfg.Program, err)
	}
	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		return nil, err
	}

	logPath := filepath.Join(s.cfg.LogDir, fmt.Sprintf("lama_%d_%d.log", port, time.Now().Unix()))
	lf, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, s.cfg.Args...), "--port="+strconv.Itoa(port))
	// Owned workers outlive ctx; Terminate stops them.
	cmd := exec.Command(program, args...)
	cmd.Stdout = lf
	cmd.Stderr = lf
	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		lf.Close()
		return nil, fmt.Errorf("start worker on port %d: %w", port, err)
	}

	p := &proc{port: port, cmd: cmd, logPath: logPath, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.exited.Store(true)
		lf.Close()
		close(p.done)
		s.log.Debug("worker exited", zap.Int("port", port), zap.Error(err))
	}()

	s.log.Info("worker started", zap.Int("port", port), zap.Int("pid", cmd.Process.Pid), zap.String("log", logPath))
	return p, nil
}

// Probe reports whether something listens on port and whether it is a
// worker. A listener is a worker when its command line contains Match.
// The /model endpoint is only consulted when the owning process cannot be
// resolved, so a known foreign process never counts.
func (s *Supervisor) Probe(ctx context.Context, port int) ports.ProbeResult {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ports.ProbeResult{}
	}
	conn.Close()

	res := ports.ProbeResult{Listening: true}
	res.PID = s.listenerPID(ctx, port)
	if res.PID > 0 {
		res.IsWorker = s.cmdlineMatches(ctx, res.PID)
		return res
	}
	res.IsWorker = s.answersModel(ctx, addr)
	return res
}

func (s *Supervisor) listenerPID(ctx context.Context, port int) int {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		s.log.Debug("list connections", zap.Error(err))
		return 0
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && int(c.Laddr.Port) == port && c.Pid > 0 {
			return int(c.Pid)
		}
	}
	return 0
}

func (s *Supervisor) cmdlineMatches(ctx context.Context, pid int) bool {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	cmdline, err := p.CmdlineWithContext(ctx)
	if err != nil || cmdline == "" {
		name, nerr := p.NameWithContext(ctx)
		if nerr != nil {
			return false
		}
		cmdline = name
	}
	return strings.Contains(strings.ToLower(cmdline), strings.ToLower(s.cfg.Match))
}

func (s *Supervisor) answersModel(ctx context.Context, addr string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/model", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Terminate asks the worker to exit and kills it after grace.
func (s *Supervisor) Terminate(h ports.ProcessHandle, grace time.Duration) error {
	p, ok := h.(*proc)
	if !ok {
		return fmt.Errorf("terminate: handle for port %d was not launched here", h.Port())
	}
	if p.Exited() {
		return nil
	}

	if err := terminate(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn("terminate signal failed", zap.Int("port", p.port), zap.Error(err))
	}
	select {
	case <-p.done:
		s.log.Info("worker stopped", zap.Int("port", p.port))
		return nil
	case <-time.After(grace):
	}

	s.log.Warn("worker ignored terminate, killing", zap.Int("port", p.port), zap.Duration("grace", grace))
	if err := kill(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker on port %d: %w", p.port, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("worker on port %d did not exit after kill", p.port)
	}
}

func readTail(path string, lines int) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var out []string
	for _, l := range strings.Split(string(b), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	if lines > 0 && len(out) > lines {
		out = out[len(out)-lines:]
	}
	return strings.Join(out, "\n")
}
