package provision

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"previewbox/pkg/cmdutil"
)

type commandCall struct {
	Dir     string
	Env     []string
	Parts   []string
	Secrets []string
}

// fakeRunner replaces cmdutil.Run. Commands whose formatted form starts with
// a key of fail return that error; outputs are matched the same way.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []commandCall
	fail    map[string]error
	outputs map[string]string
}

func (r *fakeRunner) run(_ context.Context, opts cmdutil.ExecOptions, parts []string) (*cmdutil.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, commandCall{Dir: opts.Dir, Env: opts.Env, Parts: parts, Secrets: opts.Secrets})

	line := strings.Join(parts, " ")
	result := &cmdutil.Result{ExitCode: 0}
	for prefix, out := range r.outputs {
		if strings.HasPrefix(line, prefix) {
			result.Output = cmdutil.SanitizeOutput([]byte(out), opts.Secrets)
		}
	}
	for prefix, err := range r.fail {
		if strings.HasPrefix(line, prefix) {
			result.ExitCode = 1
			return result, err
		}
	}
	return result, nil
}

func (r *fakeRunner) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = strings.Join(c.Parts, " ")
	}
	return out
}

type execCall struct {
	Query string
	Args  []any
}

// fakeDB records statements. Statements starting with a key of fail return
// that error.
type fakeDB struct {
	mu    sync.Mutex
	calls []execCall
	fail  map[string]error
}

func (d *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, execCall{Query: query, Args: args})
	for prefix, err := range d.fail {
		if strings.HasPrefix(query, prefix) {
			return nil, err
		}
	}
	return driverResult{}, nil
}

func (d *fakeDB) queries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.Query
	}
	return out
}

type driverResult struct{}

func (driverResult) LastInsertId() (int64, error) { return 0, errors.New("not supported") }
func (driverResult) RowsAffected() (int64, error) { return 0, nil }

// newTestProvisioner builds a Provisioner rooted in a temporary directory
// with fake command and database backends.
func newTestProvisioner(t *testing.T, mutate func(*Config)) (*Provisioner, *fakeRunner, *fakeDB) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		WebRoot:        filepath.Join(root, "www"),
		SitesAvailable: filepath.Join(root, "sites-available"),
		SitesEnabled:   filepath.Join(root, "sites-enabled"),
		Domain:         "preview.example.com",
	}
	for _, dir := range []string{cfg.SitesAvailable, cfg.SitesEnabled} {
		mustMkdir(t, dir)
	}
	if mutate != nil {
		mutate(&cfg)
	}

	db := &fakeDB{}
	p, err := New(cfg, db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	runner := &fakeRunner{}
	p.run = runner.run
	return p, runner, db
}
