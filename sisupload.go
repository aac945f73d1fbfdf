// Package sisupload uploads SIS CSV extracts to an LMS one import at a time,
// using a lock file to keep overlapping invocations from interleaving.
package sisupload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/sisupload/internal/audit"
	"github.com/loykin/sisupload/internal/config"
	"github.com/loykin/sisupload/internal/controller"
	"github.com/loykin/sisupload/internal/csvfilter"
	"github.com/loykin/sisupload/internal/detector"
	"github.com/loykin/sisupload/internal/history"
	"github.com/loykin/sisupload/internal/history/factory"
	"github.com/loykin/sisupload/internal/lockfile"
	"github.com/loykin/sisupload/internal/metrics"
	"github.com/loykin/sisupload/internal/poller"
	"github.com/loykin/sisupload/internal/runner"
	"github.com/loykin/sisupload/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = config.Config

type Record = lockfile.Record

type RunOptions = runner.Options

type Result = runner.Result

type Upload = runner.Upload

type Importer = runner.Importer

type SISImport = client.SISImport

type StemConfig = config.StemConfig

type HistorySink = history.Sink

type SavingThrow = audit.Entry

var (
	ErrConcurrentRun      = controller.ErrConcurrentRun
	ErrUnknownRemoteState = controller.ErrUnknownRemoteState
	ErrPollTimeout        = controller.ErrPollTimeout
	ErrForceRequired      = controller.ErrForceRequired
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Option customizes New.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	importer Importer
	sink     HistorySink
	sleep    func(time.Duration)
	pid      int
}

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithImporter replaces the HTTP client, e.g. with a fake in tests.
func WithImporter(i Importer) Option { return func(o *options) { o.importer = i } }

// WithHistorySink replaces the sink built from history.dsn.
func WithHistorySink(s HistorySink) Option { return func(o *options) { o.sink = s } }

// WithSleep replaces time.Sleep between polls.
func WithSleep(f func(time.Duration)) Option { return func(o *options) { o.sleep = f } }

// WithPID overrides the pid written into the lock file.
func WithPID(pid int) Option { return func(o *options) { o.pid = pid } }

// Uploader is a facade over the controller and runner for one host.
type Uploader struct {
	cfg    *Config
	logger *slog.Logger
	store  *lockfile.Store
	audit  *audit.Log
	ctl    *controller.Controller
	runner *runner.Runner
	api    *lazyImporter
	sink   HistorySink
	closer io.Closer
}

// New wires an Uploader from cfg. cfg must pass Validate.
func New(cfg *Config, opts ...Option) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	store, err := lockfile.NewStore(cfg.StateDir, cfg.Host)
	if err != nil {
		return nil, err
	}
	det, err := detector.New(cfg.Liveness.Detector, cfg.Liveness.Command)
	if err != nil {
		return nil, err
	}

	u := &Uploader{cfg: cfg, logger: o.logger, store: store, audit: audit.NewLog(cfg.StateDir)}
	u.sink = o.sink
	if u.sink == nil && cfg.History.DSN != "" {
		s, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			// history is diagnostic only
			o.logger.Warn("history sink disabled", "error", err)
		} else {
			u.sink = s
			if c, ok := s.(io.Closer); ok {
				u.closer = c
			}
		}
	}

	copts := controller.Options{
		Store:    store,
		Audit:    u.audit,
		Detector: det,
		PID:      o.pid,
		Logger:   o.logger,
		Sink:     u.sink,
	}
	if cfg.Liveness.PIDReuseGuard {
		copts.StartTime = detector.ProcStartUnix
	}
	if u.ctl, err = controller.New(copts); err != nil {
		return nil, err
	}

	u.api = &lazyImporter{cfg: cfg, logger: o.logger, api: o.importer}
	stems := make([]runner.Stem, 0, len(cfg.Stems))
	for _, s := range cfg.Stems {
		f, err := csvfilter.New(s.FilterSpec())
		if err != nil {
			return nil, fmt.Errorf("stem %s: %w", s.Name, err)
		}
		stems = append(stems, runner.Stem{Name: s.Name, Filter: f})
	}
	u.runner, err = runner.New(runner.Config{
		Controller: u.ctl,
		API:        u.api,
		Poller:     &poller.Poller{MaxWait: cfg.Poll.MaxWait, Step: cfg.Poll.Step, Sleep: o.sleep},
		Stems:      stems,
		InputDir:   cfg.InputDir,
		OutputDir:  cfg.OutputDir,
		Logger:     o.logger,
		Sink:       u.sink,
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Run performs one upload pass.
func (u *Uploader) Run(ctx context.Context, opts RunOptions) (Result, error) {
	if !opts.UploadOnly {
		if err := u.cfg.ValidateFiltering(); err != nil {
			return Result{PriorJobID: lockfile.NoJob, LastJobID: lockfile.NoJob}, err
		}
	}
	// resolve credentials before the lock is claimed
	if err := u.api.resolve(); err != nil {
		return Result{PriorJobID: lockfile.NoJob, LastJobID: lockfile.NoJob}, err
	}
	return u.runner.Run(ctx, opts)
}

// Filter reshapes the named stems, or all of them, without uploading.
func (u *Uploader) Filter(names ...string) ([]Upload, error) {
	if err := u.cfg.ValidateFiltering(); err != nil {
		return nil, err
	}
	return u.runner.Filter(names...)
}

// Unlock clears a stuck lock; see controller.Unlock.
func (u *Uploader) Unlock(ctx context.Context, force bool) (Record, error) {
	return u.ctl.Unlock(ctx, force)
}

// Status is a read-only view of the lock and its audit trail.
type Status struct {
	Host            string       `json:"host"`
	LockFile        string       `json:"lock_file"`
	Raw             string       `json:"raw"`
	Record          Record       `json:"record"`
	OwnerAlive      bool         `json:"owner_alive"`
	Detector        string       `json:"detector"`
	ModTime         time.Time    `json:"mod_time,omitempty"`
	SavingThrows    int          `json:"saving_throws"`
	LastSavingThrow *SavingThrow `json:"last_saving_throw,omitempty"`
}

func (u *Uploader) Status() (Status, error) {
	raw, err := u.store.ReadRaw()
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Host:     u.store.Host(),
		LockFile: u.store.Path(),
		Raw:      raw,
		Record:   lockfile.Parse(raw),
		Detector: detectorName(u.cfg),
	}
	if st.ModTime, err = u.store.ModTime(); err != nil {
		return Status{}, err
	}
	if st.OwnerAlive, err = u.ctl.OwnerAlive(st.Record); err != nil {
		return Status{}, err
	}
	entries, err := u.audit.Entries()
	if err != nil {
		return Status{}, err
	}
	st.SavingThrows = len(entries)
	if n := len(entries); n > 0 {
		last := entries[n-1]
		st.LastSavingThrow = &last
	}
	return st, nil
}

func detectorName(cfg *Config) string {
	d, err := detector.New(cfg.Liveness.Detector, cfg.Liveness.Command)
	if err != nil {
		return cfg.Liveness.Detector
	}
	return d.Describe()
}

// Close releases the history sink.
func (u *Uploader) Close() error {
	if u.closer != nil {
		return u.closer.Close()
	}
	return nil
}

// lazyImporter builds the HTTP client on first use so that commands which
// never talk to the LMS do not need a token.
type lazyImporter struct {
	cfg    *Config
	logger *slog.Logger

	once sync.Once
	err  error
	api  Importer
}

func (l *lazyImporter) resolve() error {
	l.once.Do(func() {
		if l.api != nil {
			return
		}
		token, err := l.cfg.ResolveToken()
		if err != nil {
			l.err = err
			return
		}
		cc := l.cfg.ClientConfig(token)
		cc.Logger = l.logger
		l.api, l.err = client.New(cc)
	})
	return l.err
}

func (l *lazyImporter) StartImport(ctx context.Context, csvPath string) (int, error) {
	if err := l.resolve(); err != nil {
		return 0, err
	}
	return l.api.StartImport(ctx, csvPath)
}

func (l *lazyImporter) ImportStatus(ctx context.Context, id int) (client.SISImport, error) {
	if err := l.resolve(); err != nil {
		return client.SISImport{}, err
	}
	return l.api.ImportStatus(ctx, id)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// WriteMetrics writes g to a node_exporter textfile; an empty path is a no-op.
func WriteMetrics(path string, g prometheus.Gatherer) error { return metrics.WriteTextfile(path, g) }

// IsFatal reports whether err needs an operator rather than another run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConcurrentRun) || errors.Is(err, ErrUnknownRemoteState)
}
