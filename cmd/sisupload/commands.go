package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/sisupload"
	"github.com/loykin/sisupload/internal/lmsfake"
	"github.com/loykin/sisupload/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
)

// registry holds the run metrics written to the textfile collector.
// metrics.Register is process wide, so there is exactly one.
var (
	registry     = prometheus.NewRegistry()
	registerOnce sync.Once
)

type command struct {
	out    io.Writer
	errOut io.Writer
	// opts are appended to every sisupload.New call; tests inject fakes here.
	opts []sisupload.Option
}

func newCommand(out, errOut io.Writer) *command {
	return &command{out: out, errOut: errOut}
}

// session is an opened config with its logger and uploader.
type session struct {
	cfg    *sisupload.Config
	log    *slog.Logger
	up     *sisupload.Uploader
	closer io.Closer
}

func (s *session) Close() {
	if err := s.up.Close(); err != nil {
		s.log.Warn("close history sink", "error", err)
	}
	_ = s.closer.Close()
}

func (c *command) open(g GlobalFlags) (*session, error) {
	cfg, err := sisupload.LoadConfig(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	lc := cfg.Log.LoggerConfig()
	if g.LogLevel != "" {
		lc.Level = g.LogLevel
	}
	log, closer, err := logger.New(lc, c.errOut)
	if err != nil {
		return nil, err
	}
	registerOnce.Do(func() {
		if err := sisupload.RegisterMetrics(registry); err != nil {
			log.Warn("metrics disabled", "error", err)
		}
	})

	opts := append([]sisupload.Option{sisupload.WithLogger(log)}, c.opts...)
	up, err := sisupload.New(cfg, opts...)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	return &session{cfg: cfg, log: log, up: up, closer: closer}, nil
}

func (s *session) writeMetrics() {
	if err := sisupload.WriteMetrics(s.cfg.Metrics.Textfile, registry); err != nil {
		s.log.Warn("write metrics textfile", "path", s.cfg.Metrics.Textfile, "error", err)
	}
}

// Run performs one upload pass.
func (c *command) Run(ctx context.Context, g GlobalFlags, f RunFlags) error {
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer s.Close()
	return c.run(ctx, s, f)
}

func (c *command) run(ctx context.Context, s *session, f RunFlags) error {
	res, err := s.up.Run(ctx, sisupload.RunOptions{UploadOnly: f.UploadOnly})
	s.writeMetrics()
	if f.JSON {
		printJSON(c.out, res)
	} else {
		printResult(c.out, res)
	}
	if err != nil {
		if sisupload.IsFatal(err) {
			return fmt.Errorf("upload refused, operator action needed: %w", err)
		}
		return err
	}
	return nil
}

// Status prints the lock state.
func (c *command) Status(g GlobalFlags, f StatusFlags) error {
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.up.Status()
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.out, st)
		return nil
	}
	printStatus(c.out, st)
	return nil
}

// Unlock clears a stuck lock and optionally starts a run right away.
func (c *command) Unlock(ctx context.Context, g GlobalFlags, f UnlockFlags) error {
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer s.Close()

	before, err := s.up.Status()
	if err != nil {
		return err
	}
	after, err := s.up.Unlock(ctx, f.Force)
	s.writeMetrics()
	if err != nil {
		if errors.Is(err, sisupload.ErrForceRequired) {
			return fmt.Errorf("%w (retry with --force)", err)
		}
		return err
	}
	if before.Record == after {
		_, _ = fmt.Fprintf(c.out, "lock %s: nothing to clear (%s)\n", before.LockFile, describe(after))
	} else {
		_, _ = fmt.Fprintf(c.out, "lock %s: %q -> %q\n", before.LockFile, before.Raw, after.String())
	}
	if !f.Rerun {
		return nil
	}
	return c.run(ctx, s, RunFlags{})
}

// Filter reshapes extracts without uploading.
func (c *command) Filter(g GlobalFlags, names []string) error {
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer s.Close()

	done, err := s.up.Filter(names...)
	for _, u := range done {
		_, _ = fmt.Fprintf(c.out, "%s: %d rows\n", u.Stem, u.Rows)
	}
	return err
}

// FakeLMS serves the scripted import API until ctx is done.
func (c *command) FakeLMS(ctx context.Context, f FakeLMSFlags) error {
	if f.Polls < 1 {
		f.Polls = 1
	}
	srv := lmsfake.New(f.Token, f.FirstID)
	script := make([]lmsfake.Status, 0, f.Polls)
	for i := 1; i < f.Polls; i++ {
		script = append(script, lmsfake.Status{Progress: 100 * i / f.Polls, WorkflowState: "importing"})
	}
	srv.Script(append(script, lmsfake.Status{Progress: 100, WorkflowState: "imported"})...)
	_, _ = fmt.Fprintf(c.errOut, "fake LMS listening on %s\n", f.Listen)
	return srv.ListenAndServe(ctx, f.Listen)
}

func printResult(w io.Writer, r sisupload.Result) {
	for _, u := range r.Uploads {
		_, _ = fmt.Fprintf(w, "uploaded %s as import %d\n", u.Stem, u.JobID)
	}
	if r.Recovery.String() != "none" {
		_, _ = fmt.Fprintf(w, "recovered from %s of import %d\n", r.Recovery, r.PriorJobID)
	}
	if r.LastJobID >= 0 {
		_, _ = fmt.Fprintf(w, "last import: %d\n", r.LastJobID)
	}
}

func printStatus(w io.Writer, st sisupload.Status) {
	var b strings.Builder
	fmt.Fprintf(&b, "host:          %s\n", st.Host)
	fmt.Fprintf(&b, "lock file:     %s\n", st.LockFile)
	fmt.Fprintf(&b, "contents:      %q\n", st.Raw)
	fmt.Fprintf(&b, "state:         %s\n", describe(st.Record))
	if st.Record.OwnerPID > 0 {
		alive := "dead"
		if st.OwnerAlive {
			alive = "alive"
		}
		fmt.Fprintf(&b, "owner:         pid %d (%s, %s)\n", st.Record.OwnerPID, alive, st.Detector)
	}
	if !st.ModTime.IsZero() {
		fmt.Fprintf(&b, "modified:      %s\n", st.ModTime.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "saving throws: %d\n", st.SavingThrows)
	if st.LastSavingThrow != nil {
		fmt.Fprintf(&b, "last throw:    %s\n", st.LastSavingThrow.Line())
	}
	_, _ = io.WriteString(w, b.String())
}

func describe(r sisupload.Record) string {
	if r.JobID < 0 {
		return r.Kind.String()
	}
	return fmt.Sprintf("%s, job %d", r.Kind, r.JobID)
}
