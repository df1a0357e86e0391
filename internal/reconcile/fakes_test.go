package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory DeploymentStore. Transactions stage their writes
// and apply them on Commit.
type memStore struct {
	mu      sync.Mutex
	records map[string]DeploymentRecord

	beginErr  error
	listErr   error
	upsertErr error
	commitErr error

	commits int
}

func newMemStore(recs ...DeploymentRecord) *memStore {
	s := &memStore{records: make(map[string]DeploymentRecord)}
	for _, r := range recs {
		s.records[r.Label] = r
	}
	return s
}

func (s *memStore) Get(_ context.Context, label string) (*DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[label]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *memStore) Upsert(_ context.Context, rec DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.records[rec.Label] = rec
	return nil
}

func (s *memStore) Delete(_ context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, label)
	return nil
}

func (s *memStore) ListByKind(_ context.Context, kind Kind) ([]DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []DeploymentRecord
	for _, r := range s.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (s *memStore) Begin(context.Context) (StoreTx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &memTx{store: s, staged: make(map[string]*DeploymentRecord)}, nil
}

func (s *memStore) record(t *testing.T, label string) DeploymentRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[label]
	if !ok {
		t.Fatalf("No record for %s", label)
	}
	return r
}

func (s *memStore) has(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[label]
	return ok
}

type memTx struct {
	store  *memStore
	staged map[string]*DeploymentRecord // nil value means deleted
	done   bool
}

func (tx *memTx) Get(ctx context.Context, label string) (*DeploymentRecord, error) {
	if r, ok := tx.staged[label]; ok {
		if r == nil {
			return nil, nil
		}
		c := *r
		return &c, nil
	}
	return tx.store.Get(ctx, label)
}

func (tx *memTx) Upsert(_ context.Context, rec DeploymentRecord) error {
	if tx.store.upsertErr != nil {
		return tx.store.upsertErr
	}
	tx.staged[rec.Label] = &rec
	return nil
}

func (tx *memTx) Delete(_ context.Context, label string) error {
	tx.staged[label] = nil
	return nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	if tx.store.commitErr != nil {
		return tx.store.commitErr
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for label, r := range tx.staged {
		if r == nil {
			delete(tx.store.records, label)
		} else {
			tx.store.records[label] = *r
		}
	}
	tx.store.commits++
	return nil
}

func (tx *memTx) Rollback() error {
	tx.done = true
	return nil
}

// fakeProvisioner records every call as "<op> <args>" and fails the ones
// listed in fail, keyed either by op or by "<op> <label>".
type fakeProvisioner struct {
	mu          sync.Mutex
	calls       []string
	fail        map[string]error
	constraints map[string]string
	runtimes    []string
	reloadErr   error
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		fail:        make(map[string]error),
		constraints: make(map[string]string),
		runtimes:    []string{"7.4", "8.2", "8.1"},
	}
}

func (p *fakeProvisioner) call(op, label string, args ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	parts := append([]string{op}, label)
	parts = append(parts, args...)
	p.calls = append(p.calls, strings.TrimSpace(strings.Join(parts, " ")))
	if err, ok := p.fail[op+" "+label]; ok {
		return err
	}
	return p.fail[op]
}

func (p *fakeProvisioner) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProvisioner) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

func (p *fakeProvisioner) count(prefix string) int {
	n := 0
	for _, c := range p.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (p *fakeProvisioner) Clone(_ context.Context, cloneURL, branch, label string) error {
	return p.call("clone", label, branch)
}

func (p *fakeProvisioner) SyncToRevision(_ context.Context, label, branch string) error {
	return p.call("sync", label, branch)
}

func (p *fakeProvisioner) ProvisionCredential(_ context.Context, label string) (string, error) {
	if err := p.call("credential", label); err != nil {
		return "", err
	}
	return "s3cret", nil
}

func (p *fakeProvisioner) RuntimeConstraint(_ context.Context, label string) (string, error) {
	if err := p.call("constraint", label); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.constraints[label]; ok {
		return c, nil
	}
	return "^8.1", nil
}

func (p *fakeProvisioner) AvailableRuntimes(context.Context) ([]string, error) {
	if err := p.call("runtimes", ""); err != nil {
		return nil, err
	}
	return p.runtimes, nil
}

func (p *fakeProvisioner) RunBuildSequence(_ context.Context, label, version string) error {
	return p.call("build", label, version)
}

func (p *fakeProvisioner) WriteRouting(_ context.Context, label, version string) error {
	return p.call("route", label, version)
}

func (p *fakeProvisioner) RemoveRouting(_ context.Context, label string) error {
	return p.call("unroute", label)
}

func (p *fakeProvisioner) ReleaseCredential(_ context.Context, label string) error {
	return p.call("release", label)
}

func (p *fakeProvisioner) RemoveWorkingCopy(_ context.Context, label string) error {
	return p.call("remove", label)
}

func (p *fakeProvisioner) ReloadEdgeRouter(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "reload")
	return p.reloadErr
}

type fakeSource struct {
	mu       sync.Mutex
	units    []DesiredUnit
	listErr  error
	heads    map[string]BranchHead
	headErrs map[string]error
	listed   int
}

func newFakeSource(units ...DesiredUnit) *fakeSource {
	return &fakeSource{
		units:    units,
		heads:    make(map[string]BranchHead),
		headErrs: make(map[string]error),
	}
}

func (s *fakeSource) ListOpenPullRequestUnits(context.Context) ([]DesiredUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listed++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]DesiredUnit(nil), s.units...), nil
}

func (s *fakeSource) GetBranchHead(_ context.Context, branch string) (BranchHead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.headErrs[branch]; err != nil {
		return BranchHead{}, err
	}
	h, ok := s.heads[branch]
	if !ok {
		return BranchHead{}, fmt.Errorf("branch %s not found", branch)
	}
	return h, nil
}

func (s *fakeSource) CloneURL() string {
	return "https://github.com/acme/shop.git"
}

type countingRecorder struct {
	mu          sync.Mutex
	started     int
	finished    int
	transitions map[Action]int
	failures    map[Action]int
	reloadFails int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{transitions: make(map[Action]int), failures: make(map[Action]int)}
}

func (r *countingRecorder) RunStarted() {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *countingRecorder) RunFinished(*RunReport) {
	r.mu.Lock()
	r.finished++
	r.mu.Unlock()
}

func (r *countingRecorder) Transition(a Action, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[a]++
	if err != nil {
		r.failures[a]++
	}
}

func (r *countingRecorder) ReloadFailed() {
	r.mu.Lock()
	r.reloadFails++
	r.mu.Unlock()
}

type memJournal struct {
	reports []*RunReport
}

func (j *memJournal) RecordRun(_ context.Context, r *RunReport) error {
	j.reports = append(j.reports, r)
	return nil
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func prUnit(n int, rev string) DesiredUnit {
	return DesiredUnit{
		Label:          fmt.Sprintf("pr%d", n),
		Kind:           KindPullRequest,
		SourceBranch:   fmt.Sprintf("feature-%d", n),
		SourceRevision: rev,
		CloneURL:       "https://github.com/acme/shop.git",
		Title:          fmt.Sprintf("Feature %d", n),
		URL:            fmt.Sprintf("https://github.com/acme/shop/pull/%d", n),
		Author:         "octocat",
	}
}

func prRecord(n int, rev string, failCount int) DeploymentRecord {
	return prUnit(n, rev).record(failCount, testNow.Add(-time.Hour))
}

type harness struct {
	source   *fakeSource
	store    *memStore
	prov     *fakeProvisioner
	recorder *countingRecorder
	journal  *memJournal
	engine   *Engine
}

func newHarness(t *testing.T, source *fakeSource, store *memStore, cfg Config) *harness {
	t.Helper()
	h := &harness{
		source:   source,
		store:    store,
		prov:     newFakeProvisioner(),
		recorder: newCountingRecorder(),
		journal:  &memJournal{},
	}
	h.engine = NewEngine(source, store, h.prov, cfg, testLogger(),
		WithRecorder(h.recorder),
		WithJournal(h.journal),
		WithClock(func() time.Time { return testNow }),
	)
	return h
}
