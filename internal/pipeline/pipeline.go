package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/forPelevin/unmark/internal/config"
	"github.com/forPelevin/unmark/internal/dispatch"
	"github.com/forPelevin/unmark/internal/metrics"
	"github.com/forPelevin/unmark/internal/ports"
	"github.com/forPelevin/unmark/internal/ports/adapters/events"
	"github.com/forPelevin/unmark/internal/ports/adapters/ffmpeg"
	"github.com/forPelevin/unmark/internal/ports/adapters/jobfile"
	"github.com/forPelevin/unmark/internal/ports/adapters/lama"
	"github.com/forPelevin/unmark/internal/ports/adapters/masks"
	"github.com/forPelevin/unmark/internal/ports/adapters/procsup"
	"github.com/forPelevin/unmark/internal/tracing"
	"github.com/forPelevin/unmark/internal/types"
	"github.com/forPelevin/unmark/internal/usecase"
	"github.com/forPelevin/unmark/internal/workerpool"
)

const logDirName = "lama_logs"

type Config struct {
	// Workspace holds job folders, worker logs, the paused job file and the
	// preference file.
	Workspace string

	WorkerProgram      string
	WorkerArgs         []string
	WorkerMatch        string
	WorkerHost         string
	AllowRemoteWorkers bool

	BasePort       int
	Instances      int
	MaxInstances   int
	StartupTimeout time.Duration
	RequestTimeout time.Duration
	// NoLaunch only uses workers that are already running.
	NoLaunch bool

	DispatchMode   string
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	WorkerWait     time.Duration

	FFmpegPath  string
	FFprobePath string
	NoHardware  bool

	NATSURL      string
	NATSSubject  string
	MetricsAddr  string
	OTLPEndpoint string

	Log *zap.Logger
}

// FromEnv fills a Config from the environment. Instances starts at one and
// is normally replaced by the saved preference or a flag.
func FromEnv(e *config.Env) Config {
	return Config{
		Workspace:      e.Workspace,
		WorkerProgram:  e.WorkerProgram,
		WorkerArgs:     e.WorkerArgs,
		WorkerMatch:    e.WorkerMatch,
		WorkerHost:     e.WorkerHost,
		BasePort:       e.BasePort,
		Instances:      1,
		MaxInstances:   e.MaxInstances,
		StartupTimeout: e.StartupTimeout,
		RequestTimeout: e.RequestTimeout,
		DispatchMode:   e.DispatchMode,
		MaxAttempts:    e.MaxAttempts,
		RetryBaseDelay: e.RetryBaseDelay,
		RetryMaxDelay:  e.RetryMaxDelay,
		WorkerWait:     e.WorkerWait,
		FFmpegPath:     e.FFmpegPath,
		FFprobePath:    e.FFprobePath,
		NATSURL:        e.NATSURL,
		NATSSubject:    e.NATSSubject,
		MetricsAddr:    e.MetricsAddr,
		OTLPEndpoint:   e.OTLPEndpoint,
	}
}

func (c Config) Validate() error {
	if c.Workspace == "" {
		return errors.New("workspace is empty")
	}
	if c.MaxInstances < 1 {
		return fmt.Errorf("max instances must be > 0")
	}
	prefs := config.Preferences{InstanceCount: c.Instances, BasePort: c.BasePort}
	if err := prefs.Validate(c.MaxInstances); err != nil {
		return err
	}
	if _, err := dispatch.ParseMode(c.DispatchMode); err != nil {
		return err
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be >= 0")
	}
	if c.RetryBaseDelay > 0 && c.RetryMaxDelay > 0 && c.RetryBaseDelay > c.RetryMaxDelay {
		return fmt.Errorf("retry base delay must be <= retry max delay")
	}
	if !c.NoLaunch && c.WorkerProgram == "" {
		return fmt.Errorf("worker program is required unless launching is disabled")
	}
	return lama.ValidateHost(c.WorkerHost, c.AllowRemoteWorkers)
}

// App is the wired application: adapters, worker pool and controller.
type App struct {
	cfg Config
	log *zap.Logger

	Controller *usecase.Controller
	Pool       *workerpool.Manager
	Store      *jobfile.Store
	Prefs      *config.PrefsStore

	closers []func(context.Context) error
}

// New validates cfg and wires every component. Optional integrations (NATS,
// metrics, tracing) are started only when configured.
func New(ctx context.Context, cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	a := &App{
		cfg:   cfg,
		log:   log,
		Store: jobfile.New(filepath.Join(cfg.Workspace, jobfile.DefaultName)),
		Prefs: config.NewPrefsStore(filepath.Join(cfg.Workspace, config.PrefsName)),
	}

	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, cfg.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(ctx context.Context) error { return shutdownTracer(ctx, tp) })
		log.Info("tracing enabled", zap.String("endpoint", cfg.OTLPEndpoint))
	}
	if cfg.MetricsAddr != "" {
		srvCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		metrics.StartServer(srvCtx, cfg.MetricsAddr, log)
		a.closers = append(a.closers, func(context.Context) error { stop(); return nil })
	}

	sinks := events.Multi{events.NewLogSink(log)}
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { nc.Close(); return nil })
		sinks = append(sinks, events.NewNATSSink(nc, cfg.NATSSubject))
		log.Info("publishing job events", zap.String("subject", cfg.NATSSubject))
	}

	sup := procsup.New(procsup.Config{
		Program: cfg.WorkerProgram,
		Args:    cfg.WorkerArgs,
		Host:    cfg.WorkerHost,
		LogDir:  filepath.Join(cfg.Workspace, logDirName),
		Match:   cfg.WorkerMatch,
	}, log)
	a.Pool = workerpool.New(sup, workerpool.Config{
		BasePort:       cfg.BasePort,
		MaxInstances:   cfg.MaxInstances,
		StartupTimeout: cfg.StartupTimeout,
	}, log)

	mode, _ := dispatch.ParseMode(cfg.DispatchMode)
	runner := dispatch.New(lama.New(cfg.WorkerHost, cfg.RequestTimeout), a.Pool, dispatch.Config{
		Mode:        mode,
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.RetryBaseDelay,
		MaxBackoff:  cfg.RetryMaxDelay,
		WorkerWait:  cfg.WorkerWait,
	}, log)

	media := ffmpeg.New(cfg.FFmpegPath, cfg.FFprobePath, log)
	media.NoHardware = cfg.NoHardware

	a.Controller = usecase.New(usecase.Deps{
		Media:   media,
		Masks:   masks.New(),
		Workers: a.Pool,
		Runner:  runner,
		Store:   a.Store,
		Events:  sinks,
		Log:     log,
	})
	return a, nil
}

func shutdownTracer(ctx context.Context, tp *sdktrace.TracerProvider) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return tp.Shutdown(ctx)
}

// EnsureWorkers brings the pool to the configured instance count. With
// NoLaunch set it only discovers what is already running.
func (a *App) EnsureWorkers(ctx context.Context) ([]types.WorkerRef, error) {
	if a.cfg.NoLaunch {
		live := a.Pool.Discover(ctx, a.cfg.BasePort, a.cfg.MaxInstances)
		a.log.Info("discovered workers", zap.Int("count", len(live)), zap.Int("base_port", a.cfg.BasePort))
		return live, nil
	}
	return a.Pool.ScaleTo(ctx, a.cfg.Instances)
}

// SavePreferences records the instance count and base port for the next
// start.
func (a *App) SavePreferences() error {
	return a.Prefs.Save(config.Preferences{InstanceCount: a.cfg.Instances, BasePort: a.cfg.BasePort})
}

// Prepare turns a run request into controller input. The job folder is
// created under the workspace and the output defaults to
// <name>_cleaned.mp4 next to the source.
func (a *App) Prepare(videoPath, outputPath string, segs []types.Segment, keepTemp bool) error {
	absIn, err := filepath.Abs(videoPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absIn); err != nil {
		return fmt.Errorf("stat input: %w", err)
	}
	if outputPath == "" {
		outputPath = DefaultOutputPath(absIn)
	}
	absOut, err := filepath.Abs(outputPath)
	if err != nil {
		return err
	}
	jobDir := buildJobDir(filepath.Join(a.cfg.Workspace, "jobs"), absIn, time.Now().UTC())
	a.log.Info("preparing job", zap.String("input", absIn), zap.String("output", absOut), zap.String("job_dir", jobDir))

	return a.Controller.Prepare(usecase.Input{
		VideoPath:  absIn,
		OutputPath: absOut,
		Workspace:  jobDir,
		Segments:   segs,
		Ports:      types.PortRange{Base: a.cfg.BasePort, Count: a.cfg.Instances},
		KeepTemp:   keepTemp,
	})
}

// Close stops owned workers and the optional integrations.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Pool != nil {
		if err := a.Pool.ShutdownOwned(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func DefaultOutputPath(input string) string {
	name := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(filepath.Dir(input), name+"_cleaned.mp4")
}

func buildJobDir(root, inputMP4 string, now time.Time) string {
	name := strings.TrimSuffix(filepath.Base(inputMP4), filepath.Ext(inputMP4))
	name = normalizePathSegment(name)
	if name == "" {
		name = "input"
	}
	ts := now.UTC().Format("20060102-150405Z")
	runSeed := fmt.Sprintf("%s|%d", inputMP4, now.UTC().UnixNano())
	suffix := hash(runSeed)[:6]
	return filepath.Join(root, fmt.Sprintf("%s-%s-%s", name, ts, suffix))
}

func normalizePathSegment(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// ensure adapters implement ports
var _ ports.MediaTool = (*ffmpeg.Adapter)(nil)
var _ ports.Inpainter = (*lama.Adapter)(nil)
var _ ports.ProcessSupervisor = (*procsup.Supervisor)(nil)
var _ ports.JobStore = (*jobfile.Store)(nil)
var _ ports.MaskChecker = (*masks.Stager)(nil)
var _ ports.EventSink = events.Multi(nil)
