package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Env is the environment-driven configuration. CLI flags override it.
type Env struct {
	WorkerProgram string   `env:"UNMARK_WORKER_PROGRAM" envDefault:"lama-cleaner"`
	WorkerArgs    []string `env:"UNMARK_WORKER_ARGS"    envDefault:"--model=lama --device=cuda" envSeparator:" "`
	WorkerMatch   string   `env:"UNMARK_WORKER_MATCH"   envDefault:"lama-cleaner"`
	WorkerHost    string   `env:"UNMARK_WORKER_HOST"    envDefault:"127.0.0.1"`

	BasePort       int           `env:"UNMARK_BASE_PORT"       envDefault:"8080"`
	MaxInstances   int           `env:"UNMARK_MAX_INSTANCES"   envDefault:"8"`
	StartupTimeout time.Duration `env:"UNMARK_STARTUP_TIMEOUT" envDefault:"15s"`
	RequestTimeout time.Duration `env:"UNMARK_REQUEST_TIMEOUT" envDefault:"600s"`

	DispatchMode   string        `env:"UNMARK_DISPATCH_MODE"    envDefault:"round_robin"`
	MaxAttempts    int           `env:"UNMARK_MAX_ATTEMPTS"     envDefault:"5"`
	RetryBaseDelay time.Duration `env:"UNMARK_RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay  time.Duration `env:"UNMARK_RETRY_MAX_DELAY"  envDefault:"30s"`
	WorkerWait     time.Duration `env:"UNMARK_WORKER_WAIT"      envDefault:"60s"`

	Workspace   string `env:"UNMARK_WORKSPACE" envDefault:"workspace"`
	FFmpegPath  string `env:"FFMPEG_PATH"      envDefault:"ffmpeg"`
	FFprobePath string `env:"FFPROBE_PATH"     envDefault:"ffprobe"`

	NATSURL      string `env:"NATS_URL"`
	NATSSubject  string `env:"UNMARK_EVENTS_SUBJECT" envDefault:"unmark.jobs"`
	MetricsAddr  string `env:"UNMARK_METRICS_ADDR"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (*Env, error) {
	cfg := &Env{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
