package sisupload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/sisupload/internal/config"
	"github.com/loykin/sisupload/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// fakeImporter hands out sequential ids and answers polls from state.
type fakeImporter struct {
	mu     sync.Mutex
	next   int
	state  string
	starts []string
	locks  []string
	lock   string
}

func (f *fakeImporter) StartImport(_ context.Context, csvPath string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := os.ReadFile(f.lock)
	f.locks = append(f.locks, string(b))
	f.starts = append(f.starts, filepath.Base(csvPath))
	id := f.next
	f.next++
	return id, nil
}

func (f *fakeImporter) ImportStatus(_ context.Context, id int) (client.SISImport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "imported" {
		return client.SISImport{ID: id, Progress: 100, WorkflowState: "imported"}, nil
	}
	return client.SISImport{ID: id, Progress: 40, WorkflowState: f.state}, nil
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Host:      "lms.example.edu",
		TokenFile: filepath.Join(dir, "missing-tokens.json"),
		InputDir:  filepath.Join(dir, "in"),
		OutputDir: filepath.Join(dir, "out"),
		StateDir:  filepath.Join(dir, "state"),
		Liveness:  config.LivenessConfig{Detector: "signal"},
		Poll:      config.PollConfig{MaxWait: 10 * time.Second, Step: 5 * time.Second},
		Stems: []config.StemConfig{
			{Name: "accounts", Filter: "identity"},
			{Name: "terms", Filter: "clean"},
		},
	}
	if err := os.MkdirAll(cfg.InputDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, s := range cfg.Stems {
		p := filepath.Join(cfg.InputDir, s.Name+".csv")
		if err := os.WriteFile(p, []byte("id,name\n1,"+s.Name+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return cfg
}

func lockPath(cfg *Config) string {
	return filepath.Join(cfg.StateDir, cfg.Host+"-upload.txt")
}

func readLock(t *testing.T, cfg *Config) string {
	t.Helper()
	b, err := os.ReadFile(lockPath(cfg))
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	return string(b)
}

func noSleep(time.Duration) {}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host = ""
	if _, err := New(cfg); err == nil || !strings.Contains(err.Error(), "host") {
		t.Fatalf("expected host error, got %v", err)
	}
}

func TestUploaderRun(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	api := &fakeImporter{next: 20, state: "imported", lock: lockPath(cfg)}
	u, err := New(cfg, WithImporter(api), WithSleep(noSleep), WithPID(4242))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = u.Close() }()

	res, err := u.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.PriorJobID != -1 || res.LastJobID != 21 || len(res.Uploads) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := strings.Join(api.starts, ","); got != "accounts.csv,terms.csv" {
		t.Fatalf("upload order: %s", got)
	}
	// the lock names this process while imports are in flight
	if api.locks[0] != "Working: pid 4242 last was -1" || api.locks[1] != "Working: pid 4242 last was 20" {
		t.Fatalf("lock during run: %q", api.locks)
	}
	if got := readLock(t, cfg); got != "21" {
		t.Fatalf("lock after run: %q", got)
	}
}

func TestUploaderRunTimeout(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(lockPath(cfg), []byte("33"), 0o644); err != nil {
		t.Fatal(err)
	}
	api := &fakeImporter{next: 34, state: "importing", lock: lockPath(cfg)}
	sleeps := 0
	u, err := New(cfg, WithImporter(api), WithSleep(func(time.Duration) { sleeps++ }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, err = u.Run(context.Background(), RunOptions{})
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected poll timeout, got %v", err)
	}
	if IsFatal(err) {
		t.Fatalf("timeout must not need an operator")
	}
	if sleeps != 2 {
		t.Fatalf("sleeps = %d, want 2", sleeps)
	}
	if got := readLock(t, cfg); got != "Timed out: 33" {
		t.Fatalf("lock after timeout: %q", got)
	}
	if len(api.starts) != 0 {
		t.Fatalf("nothing should be uploaded, got %v", api.starts)
	}

	// next run recovers with a saving throw
	api.state = "imported"
	if _, err := u.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	st, err := u.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.SavingThrows != 1 || st.LastSavingThrow == nil || st.LastSavingThrow.Raw != "Timed out: 33" {
		t.Fatalf("unexpected saving throws: %+v", st)
	}
	if st.Record.JobID != 35 {
		t.Fatalf("record after recovery: %+v", st.Record)
	}
}

func TestUploaderRunWithoutTokenLeavesLockAlone(t *testing.T) {
	cfg := testConfig(t)
	u, err := New(cfg, WithSleep(noSleep))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := u.Run(context.Background(), RunOptions{}); err == nil {
		t.Fatalf("expected token error")
	}
	if _, err := os.Stat(lockPath(cfg)); !os.IsNotExist(err) {
		t.Fatalf("lock file should not exist: %v", err)
	}
}

func TestUploaderUploadOnlyNeedsNoInputDir(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	cfg.InputDir = ""
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, s := range cfg.Stems {
		if err := os.WriteFile(filepath.Join(cfg.OutputDir, s.Name+".csv"), []byte("id\n1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	api := &fakeImporter{next: 1, state: "imported", lock: lockPath(cfg)}
	u, err := New(cfg, WithImporter(api), WithSleep(noSleep))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := u.Run(context.Background(), RunOptions{}); err == nil {
		t.Fatalf("filtering without input_dir should fail")
	}
	if _, err := u.Run(context.Background(), RunOptions{UploadOnly: true}); err != nil {
		t.Fatalf("upload only: %v", err)
	}
	if len(api.starts) != 2 {
		t.Fatalf("starts: %v", api.starts)
	}
}

func TestUploaderUnlock(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(lockPath(cfg), []byte("Illegal state: 8"), 0o644); err != nil {
		t.Fatal(err)
	}
	u, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := u.Unlock(context.Background(), false); !errors.Is(err, ErrForceRequired) {
		t.Fatalf("expected force required, got %v", err)
	}
	rec, err := u.Unlock(context.Background(), true)
	if err != nil {
		t.Fatalf("forced unlock: %v", err)
	}
	if rec.JobID != 8 || readLock(t, cfg) != "8" {
		t.Fatalf("unexpected record %+v / %q", rec, readLock(t, cfg))
	}
}

func TestUploaderFilter(t *testing.T) {
	cfg := testConfig(t)
	u, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	done, err := u.Filter("terms")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(done) != 1 || done[0].Stem != "terms" || done[0].Rows != 1 {
		t.Fatalf("unexpected filter result: %+v", done)
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "terms.csv")); err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if _, err := u.Filter("nope"); err == nil {
		t.Fatalf("unknown stem should fail")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(ErrConcurrentRun) || !IsFatal(ErrUnknownRemoteState) {
		t.Fatalf("concurrent run and unknown state are fatal")
	}
	if IsFatal(ErrPollTimeout) || IsFatal(errors.New("boom")) {
		t.Fatalf("timeouts and transport errors are not fatal")
	}
}

func TestMetricsFacade(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := WriteMetrics("", reg); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
	p := filepath.Join(t.TempDir(), "textfile", "sisupload.prom")
	if err := WriteMetrics(p, reg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("textfile missing: %v", err)
	}
}
