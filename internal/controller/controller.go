// Package controller owns the lock file protocol that keeps SIS uploads for
// one host strictly sequential across process invocations.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/sisupload/internal/audit"
	"github.com/loykin/sisupload/internal/detector"
	"github.com/loykin/sisupload/internal/history"
	"github.com/loykin/sisupload/internal/lockfile"
	"github.com/loykin/sisupload/internal/metrics"
)

type Options struct {
	Store    *lockfile.Store
	Audit    *audit.Log // defaults to saving_throws.txt next to the lock file
	Detector detector.Detector
	PID      int // defaults to os.Getpid()
	Logger   *slog.Logger
	Sink     history.Sink
	Now      func() time.Time
	// StartTime returns a process start time in Unix seconds, 0 if unknown.
	// When set, an owner that started after the lock file was last written is
	// treated as dead: its PID was reused.
	StartTime func(pid int) int64
}

type Controller struct {
	store     *lockfile.Store
	audit     *audit.Log
	detector  detector.Detector
	pid       int
	logger    *slog.Logger
	sink      history.Sink
	now       func() time.Time
	startTime func(pid int) int64
}

// Acquisition describes a successful claim of the lock.
type Acquisition struct {
	LastJobID int
	Prior     lockfile.Record
	Recovery  Recovery
}

func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("controller: store is required")
	}
	c := &Controller{
		store:     opts.Store,
		audit:     opts.Audit,
		detector:  opts.Detector,
		pid:       opts.PID,
		logger:    opts.Logger,
		sink:      opts.Sink,
		now:       opts.Now,
		startTime: opts.StartTime,
	}
	if c.audit == nil {
		c.audit = audit.NewLog(opts.Store.Dir())
	}
	if c.detector == nil {
		c.detector = detector.SignalDetector{}
	}
	if c.pid <= 0 {
		c.pid = os.Getpid()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.logger = c.logger.With("host", opts.Store.Host())
	return c, nil
}

func (c *Controller) PID() int { return c.pid }

func (c *Controller) Store() *lockfile.Store { return c.store }

// AcquireAndGetLastJob claims the lock and returns the id of the import the
// previous run left behind (NoJob if none).
func (c *Controller) AcquireAndGetLastJob(ctx context.Context) (int, error) {
	a, err := c.Acquire(ctx)
	if err != nil {
		return lockfile.NoJob, err
	}
	return a.LastJobID, nil
}

// Acquire is AcquireAndGetLastJob with details about the prior record.
// Both fatal conditions, an IllegalState record and a live owner, leave the
// lock file untouched. So does any error from the liveness check.
func (c *Controller) Acquire(ctx context.Context) (Acquisition, error) {
	raw, err := c.store.ReadRaw()
	if err != nil {
		metrics.IncAcquisition(c.store.Host(), "error")
		return Acquisition{}, err
	}
	prior := lockfile.Parse(raw)
	a := Acquisition{LastJobID: prior.JobID, Prior: prior}

	switch prior.Kind {
	case lockfile.KindIllegalState:
		metrics.IncAcquisition(c.store.Host(), "illegal_state")
		c.emit(ctx, history.EventIllegalState, prior.JobID, raw)
		c.logger.Error("lock file holds an illegal state", "record", raw)
		return Acquisition{}, &FatalError{Err: ErrUnknownRemoteState, Record: prior, Raw: raw}

	case lockfile.KindTimedOut:
		a.Recovery = RecoveredTimeout

	case lockfile.KindWorking:
		alive, err := c.ownerAlive(prior.OwnerPID)
		if err != nil {
			metrics.IncAcquisition(c.store.Host(), "error")
			return Acquisition{}, fmt.Errorf("check owner pid %d: %w", prior.OwnerPID, err)
		}
		if alive {
			metrics.IncAcquisition(c.store.Host(), "concurrent_run")
			c.emit(ctx, history.EventConcurrentRun, prior.JobID, raw)
			c.logger.Error("upload already running", "owner_pid", prior.OwnerPID, "record", raw)
			return Acquisition{}, &FatalError{Err: ErrConcurrentRun, Record: prior, Raw: raw}
		}
		a.Recovery = RecoveredCrash
	}

	if a.Recovery != RecoveredNone {
		if err := c.savingThrow(ctx, a.Recovery, prior.JobID, raw); err != nil {
			metrics.IncAcquisition(c.store.Host(), "error")
			return Acquisition{}, err
		}
	}

	if err := c.store.Write(lockfile.Working(c.pid, a.LastJobID)); err != nil {
		metrics.IncAcquisition(c.store.Host(), "error")
		return Acquisition{}, fmt.Errorf("claim lock: %w", err)
	}
	metrics.IncAcquisition(c.store.Host(), "ok")
	c.emit(ctx, history.EventAcquire, a.LastJobID, a.Recovery.String())
	c.logger.Debug("lock acquired", "pid", c.pid, "last_job_id", a.LastJobID, "recovery", a.Recovery.String())
	return a, nil
}

// Advance moves the Working record on to jobID once a new import has been
// started, so a run that dies later is recovered by waiting on that import.
func (c *Controller) Advance(jobID int) error {
	if err := c.store.Write(lockfile.Working(c.pid, jobID)); err != nil {
		return fmt.Errorf("advance lock: %w", err)
	}
	return nil
}

// RecordOutcome writes the final state of a run. It is the only way out of
// Working.
func (c *Controller) RecordOutcome(ctx context.Context, o Outcome) error {
	if err := c.store.WriteRaw(o.content()); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	label := o.label()
	host := c.store.Host()
	metrics.IncOutcome(host, label)
	metrics.SetLastRun(host, label, c.now())

	var ev history.EventType
	switch o.kind {
	case outcomeCompleted:
		ev = history.EventCompleted
		c.logger.Info("upload run completed", "job_id", o.JobID)
	case outcomeTimedOut:
		ev = history.EventTimedOut
		c.logger.Warn("upload run timed out", "job_id", o.JobID)
	default:
		ev = history.EventIllegalState
		c.logger.Error("upload run failed", "record", o.Message)
	}
	c.emit(ctx, ev, o.JobID, o.content())
	return nil
}

// Unlock clears a stuck lock. A Working record whose owner is dead becomes
// Completed with the same job id. TimedOut and IllegalState records are only
// cleared with force. A live owner is never overridden.
func (c *Controller) Unlock(ctx context.Context, force bool) (lockfile.Record, error) {
	raw, err := c.store.ReadRaw()
	if err != nil {
		return lockfile.Record{}, err
	}
	prior := lockfile.Parse(raw)

	switch prior.Kind {
	case lockfile.KindNone, lockfile.KindCompleted:
		return prior, nil

	case lockfile.KindWorking:
		alive, err := c.ownerAlive(prior.OwnerPID)
		if err != nil {
			return prior, fmt.Errorf("check owner pid %d: %w", prior.OwnerPID, err)
		}
		if alive {
			return prior, &FatalError{Err: ErrConcurrentRun, Record: prior, Raw: raw}
		}

	default:
		if !force {
			return prior, &FatalError{Err: ErrForceRequired, Record: prior, Raw: raw}
		}
	}

	if err := c.audit.Append(audit.Entry{At: c.now(), Raw: raw}); err != nil {
		return prior, fmt.Errorf("record saving throw: %w", err)
	}
	next := lockfile.Completed(prior.JobID)
	if err := c.store.Write(next); err != nil {
		return prior, fmt.Errorf("unlock: %w", err)
	}
	c.emit(ctx, history.EventUnlock, prior.JobID, raw)
	c.logger.Warn("lock cleared", "previous", raw, "now", lockfile.Format(next), "force", force)
	return next, nil
}

// OwnerAlive reports whether the process named in a Working record still
// holds the lock. It is exported for the status command.
func (c *Controller) OwnerAlive(r lockfile.Record) (bool, error) {
	if r.Kind != lockfile.KindWorking {
		return false, nil
	}
	return c.ownerAlive(r.OwnerPID)
}

func (c *Controller) ownerAlive(pid int) (bool, error) {
	// a lock naming this process was left by an earlier run that got the same pid
	if pid == c.pid {
		return false, nil
	}
	alive, err := c.detector.Alive(pid)
	if err != nil || !alive {
		return false, err
	}
	if c.startTime == nil {
		return true, nil
	}
	started := c.startTime(pid)
	if started <= 0 {
		return true, nil
	}
	mt, err := c.store.ModTime()
	if err != nil || mt.IsZero() {
		return true, nil
	}
	if started > mt.Unix() {
		c.logger.Info("owner pid was reused", "pid", pid, "started", started, "lock_written", mt.Unix())
		return false, nil
	}
	return true, nil
}

func (c *Controller) savingThrow(ctx context.Context, r Recovery, jobID int, raw string) error {
	if err := c.audit.Append(audit.Entry{At: c.now(), Raw: raw}); err != nil {
		return fmt.Errorf("record saving throw: %w", err)
	}
	metrics.IncSavingThrow(c.store.Host(), r.String())
	c.emit(ctx, history.EventSavingThrow, jobID, raw)
	c.logger.Warn("saving throw", "reason", r.String(), "record", raw, "job_id", jobID)
	return nil
}

func (c *Controller) emit(ctx context.Context, t history.EventType, jobID int, detail string) {
	history.Emit(ctx, c.sink, c.logger, history.Event{
		Type:       t,
		OccurredAt: c.now().UTC(),
		Host:       c.store.Host(),
		JobID:      jobID,
		PID:        c.pid,
		Detail:     detail,
	})
}
