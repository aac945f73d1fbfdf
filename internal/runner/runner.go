// Package runner performs one upload pass: claim the lock, filter and
// upload each configured extract in order, and record how it ended.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loykin/sisupload/internal/controller"
	"github.com/loykin/sisupload/internal/csvfilter"
	"github.com/loykin/sisupload/internal/history"
	"github.com/loykin/sisupload/internal/metrics"
	"github.com/loykin/sisupload/internal/poller"
	"github.com/loykin/sisupload/pkg/client"
)

// Importer is the part of the SIS import API a run needs.
type Importer interface {
	StartImport(ctx context.Context, csvPath string) (int, error)
	ImportStatus(ctx context.Context, id int) (client.SISImport, error)
}

// Stem is one extract, read from <input>/<Name>.csv and uploaded from
// <output>/<Name>.csv.
type Stem struct {
	Name   string
	Filter csvfilter.Filter
}

type Config struct {
	Controller *controller.Controller
	API        Importer
	Poller     *poller.Poller
	Stems      []Stem
	InputDir   string
	OutputDir  string
	Logger     *slog.Logger
	Sink       history.Sink
}

type Runner struct {
	ctl       *controller.Controller
	api       Importer
	poller    poller.Poller
	stems     []Stem
	inputDir  string
	outputDir string
	logger    *slog.Logger
	sink      history.Sink
}

// Options tune a single Run.
type Options struct {
	// UploadOnly skips filtering and uploads what is already in the output dir.
	UploadOnly bool
}

// Upload is one import started by a run.
type Upload struct {
	Stem  string `json:"stem"`
	JobID int    `json:"job_id"`
	Rows  int    `json:"rows,omitempty"`
}

// Result summarizes a run, also when it failed part way.
type Result struct {
	PriorJobID int                 `json:"prior_job_id"`
	LastJobID  int                 `json:"last_job_id"`
	Recovery   controller.Recovery `json:"-"`
	Uploads    []Upload            `json:"uploads"`
}

func New(cfg Config) (*Runner, error) {
	if cfg.Controller == nil {
		return nil, errors.New("runner: controller is required")
	}
	if cfg.API == nil {
		return nil, errors.New("runner: import API is required")
	}
	if len(cfg.Stems) == 0 {
		return nil, errors.New("runner: no stems configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Runner{
		ctl:       cfg.Controller,
		api:       cfg.API,
		stems:     cfg.Stems,
		inputDir:  cfg.InputDir,
		outputDir: cfg.OutputDir,
		logger:    cfg.Logger,
		sink:      cfg.Sink,
	}
	if cfg.Poller != nil {
		r.poller = *cfg.Poller
	}
	if r.poller.Observer == nil {
		r.poller.Observer = func(p poller.Progress) {
			r.logger.Info("waiting for import", "job_id", p.JobID, "progress", p.Progress, "state", p.State, "waited", p.Waited)
		}
	}
	for _, s := range r.stems {
		if s.Name == "" {
			return nil, errors.New("runner: stem with empty name")
		}
	}
	return r, nil
}

// Run performs one pass. Errors from the lock come back unchanged. A poll
// timeout or an unknown remote state is recorded in the lock file before it
// is returned. Any other failure leaves the lock in Working for the next run
// to recover.
func (r *Runner) Run(ctx context.Context, opts Options) (Result, error) {
	acq, err := r.ctl.Acquire(ctx)
	if err != nil {
		return Result{PriorJobID: poller.NoJob, LastJobID: poller.NoJob}, err
	}
	res := Result{PriorJobID: acq.LastJobID, LastJobID: acq.LastJobID, Recovery: acq.Recovery}
	last := acq.LastJobID

	for _, stem := range r.stems {
		log := r.logger.With("stem", stem.Name)
		up := Upload{Stem: stem.Name}

		if !opts.UploadOnly {
			n, err := r.filterStem(stem)
			if err != nil {
				return res, err
			}
			up.Rows = n
			log.Info("filtered", "rows", n)
		}

		started := time.Now()
		err := r.poller.Wait(ctx, last, r.poll)
		metrics.ObservePollWait(r.ctl.Store().Host(), time.Since(started))
		if err != nil {
			return res, r.fail(ctx, err)
		}

		id, err := r.api.StartImport(ctx, r.outputPath(stem.Name))
		if err != nil {
			return res, fmt.Errorf("upload %s: %w", stem.Name, err)
		}
		up.JobID = id
		res.Uploads = append(res.Uploads, up)
		res.LastJobID = id
		last = id
		if err := r.ctl.Advance(id); err != nil {
			return res, err
		}

		metrics.IncUpload(r.ctl.Store().Host(), stem.Name, id)
		history.Emit(ctx, r.sink, r.logger, history.Event{
			Type:   history.EventUpload,
			Host:   r.ctl.Store().Host(),
			JobID:  id,
			PID:    r.ctl.PID(),
			Detail: stem.Name,
		})
	}

	if err := r.ctl.RecordOutcome(ctx, controller.Completed(last)); err != nil {
		return res, err
	}
	return res, nil
}

// fail records a poll failure that the lock file has a state for.
func (r *Runner) fail(ctx context.Context, err error) error {
	var outcome controller.Outcome
	var te *poller.TimeoutError
	var ue *poller.UnknownStateError
	switch {
	case errors.As(err, &te):
		outcome = controller.TimedOut(te.JobID)
	case errors.As(err, &ue):
		outcome = controller.Illegal(ue.JobID)
	default:
		return err
	}
	if recErr := r.ctl.RecordOutcome(ctx, outcome); recErr != nil {
		return errors.Join(err, recErr)
	}
	return err
}

func (r *Runner) poll(ctx context.Context, id int) (poller.Status, error) {
	st, err := r.api.ImportStatus(ctx, id)
	if err != nil {
		return poller.Status{}, fmt.Errorf("poll import %d: %w", id, err)
	}
	return poller.Status{Progress: st.Progress, WorkflowState: st.WorkflowState}, nil
}

// Filter runs the filters for the named stems, or all of them, without
// touching the lock.
func (r *Runner) Filter(names ...string) ([]Upload, error) {
	stems := r.stems
	if len(names) > 0 {
		byName := make(map[string]Stem, len(r.stems))
		for _, s := range r.stems {
			byName[s.Name] = s
		}
		stems = stems[:0:0]
		for _, n := range names {
			s, ok := byName[n]
			if !ok {
				return nil, fmt.Errorf("unknown stem %q", n)
			}
			stems = append(stems, s)
		}
	}
	out := make([]Upload, 0, len(stems))
	for _, s := range stems {
		n, err := r.filterStem(s)
		if err != nil {
			return out, err
		}
		out = append(out, Upload{Stem: s.Name, Rows: n})
	}
	return out, nil
}

func (r *Runner) filterStem(s Stem) (int, error) {
	f := s.Filter
	if f == nil {
		f = csvfilter.Identity
	}
	n, err := csvfilter.Apply(r.inputPath(s.Name), r.outputPath(s.Name), f)
	if err != nil {
		return 0, fmt.Errorf("filter %s: %w", s.Name, err)
	}
	return n, nil
}

func (r *Runner) inputPath(stem string) string  { return filepath.Join(r.inputDir, stem+".csv") }
func (r *Runner) outputPath(stem string) string { return filepath.Join(r.outputDir, stem+".csv") }
