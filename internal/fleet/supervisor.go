package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fleetbot/internal/eventbus"
	"fleetbot/internal/metrics"
	"fleetbot/internal/registry"
	"fleetbot/internal/runtime/supervisor"
	"fleetbot/internal/worker"
	logx "fleetbot/pkg/logx"
)

// Defaults for Options fields left zero.
const (
	DefaultStartTimeout = 30 * time.Second
	DefaultStopTimeout  = 30 * time.Second
	DefaultRestartPause = 2 * time.Second
)

type Options struct {
	StartTimeout  time.Duration
	StopTimeout   time.Duration
	RestartPause  time.Duration
	MaxConcurrent int

	// Group hosts worker goroutines. Nil means a private group.
	Group   *supervisor.Group
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Log     logx.Logger
	Now     func() time.Time
}

// Supervisor owns the tenant status table and the worker goroutines.
//
// Each tenant has its own lock; operations on different tenants never wait
// on each other. Workers report through a callback bound to the generation
// that started them, so reports from a force-dropped worker are ignored.
type Supervisor struct {
	reg     Registry
	factory Factory
	opt     Options
	log     logx.Logger
	group   *supervisor.Group

	mu      sync.Mutex
	entries map[string]*entry

	running atomic.Int64
}

type entry struct {
	mu sync.Mutex

	id        string
	state     State
	startedAt time.Time
	stoppedAt time.Time
	lastErr   string
	errs      []ErrorEntry

	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	runner  Runner
	failure error // why the current generation errored
}

func New(reg Registry, factory Factory, opt Options) *Supervisor {
	if opt.StartTimeout <= 0 {
		opt.StartTimeout = DefaultStartTimeout
	}
	if opt.StopTimeout <= 0 {
		opt.StopTimeout = DefaultStopTimeout
	}
	if opt.RestartPause <= 0 {
		opt.RestartPause = DefaultRestartPause
	}
	if opt.MaxConcurrent <= 0 {
		opt.MaxConcurrent = registry.DefaultMaxConcurrent
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.New()
	}
	g := opt.Group
	if g == nil {
		g = supervisor.New(context.Background(), supervisor.WithLogger(opt.Log))
	}
	return &Supervisor{
		reg:     reg,
		factory: factory,
		opt:     opt,
		log:     opt.Log.With(logx.String("comp", "fleet")),
		group:   g,
		entries: map[string]*entry{},
	}
}

// SetMaxConcurrent changes the bulk-operation parallelism.
func (s *Supervisor) SetMaxConcurrent(n int) {
	if n <= 0 {
		n = registry.DefaultMaxConcurrent
	}
	s.mu.Lock()
	s.opt.MaxConcurrent = n
	s.mu.Unlock()
}

func (s *Supervisor) entry(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil {
		e = &entry{id: id, state: StateIdle}
		s.entries[id] = e
	}
	return e
}

func (s *Supervisor) lookup(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id]
}

func (s *Supervisor) tenant(id string) (registry.Tenant, error) {
	t, err := s.reg.Get(id)
	if errors.Is(err, registry.ErrNotFound) {
		return registry.Tenant{}, fmt.Errorf("%w: %s", ErrUnknownTenant, id)
	}
	if err != nil {
		return registry.Tenant{}, fmt.Errorf("registry: %w", err)
	}
	return t, nil
}

// setLocked moves e to state and publishes the transition. e.mu must be held.
func (s *Supervisor) setLocked(e *entry, to State, err error) {
	from := e.state
	e.state = to
	switch to {
	case StateRunning:
		e.startedAt = s.opt.Now()
		if from != StateRunning {
			s.running.Add(1)
		}
	case StateStopped:
		e.stoppedAt = s.opt.Now()
	case StateErrored:
		e.stoppedAt = s.opt.Now()
		e.failure = err
	}
	if from == StateRunning && to != StateRunning {
		s.running.Add(-1)
	}
	if err != nil {
		s.recordLocked(e, err)
	}

	tr := Transition{Tenant: e.id, From: from, To: to}
	if err != nil {
		tr.Error = err.Error()
	}
	s.opt.Bus.Publish(eventbus.Event{Type: eventbus.TypeWorkerState, Tenant: e.id, Data: tr})
	s.opt.Metrics.ObserveState(e.id, string(to))
	s.opt.Metrics.SetRunning(int(s.running.Load()))
	s.log.Debug("worker state", logx.String("tenant", e.id), logx.String("from", string(from)), logx.String("to", string(to)))
}

func (s *Supervisor) recordLocked(e *entry, err error) {
	e.lastErr = err.Error()
	e.errs = append(e.errs, ErrorEntry{At: s.opt.Now(), Message: e.lastErr})
	if n := len(e.errs); n > ErrorHistory {
		e.errs = append(e.errs[:0:0], e.errs[n-ErrorHistory:]...)
	}
	s.opt.Metrics.ObserveError(e.id)
	s.opt.Bus.Publish(eventbus.Event{Type: eventbus.TypeWorkerError, Tenant: e.id, Data: e.lastErr})
}

// RecordError appends err to id's error history.
func (s *Supervisor) RecordError(id string, err error) {
	if err == nil {
		return
	}
	e := s.entry(id)
	e.mu.Lock()
	s.recordLocked(e, err)
	e.mu.Unlock()
}

// StartTenant starts id's worker and waits until it enters its loop or
// terminates, bounded by the start timeout and ctx.
func (s *Supervisor) StartTenant(ctx context.Context, id string) error {
	t, err := s.tenant(id)
	if err != nil {
		return err
	}
	if !t.Enabled {
		return fmt.Errorf("%w: %s", ErrDisabled, id)
	}

	e := s.entry(id)
	e.mu.Lock()
	if e.state.active() {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, id, st)
	}
	e.gen++
	gen := e.gen
	e.failure = nil
	s.setLocked(e, StateStarting, nil)
	e.mu.Unlock()

	ready := make(chan struct{})
	r, err := s.factory.Build(t, s.reporter(e, gen, ready))

	e.mu.Lock()
	if err != nil {
		if e.gen == gen {
			s.setLocked(e, StateErrored, err)
		}
		e.mu.Unlock()
		s.log.Warn("worker build failed", logx.String("tenant", id), logx.Err(err))
		return err
	}
	wctx, cancel := context.WithCancel(s.group.Context())
	done := make(chan struct{})
	e.cancel, e.done, e.runner = cancel, done, r
	e.mu.Unlock()

	s.group.GoCtx(wctx, "worker:"+id, func(ctx context.Context) (err error) {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("worker panicked: %v", p)
			}
			s.exited(e, gen, err)
		}()
		return r.Run(ctx)
	})

	timer := time.NewTimer(s.opt.StartTimeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-done:
	case <-timer.C:
		return fmt.Errorf("start %s: not ready after %s", id, s.opt.StartTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen == gen && (e.state == StateRunning || e.state == StateStarting) {
		s.log.Info("worker started", logx.String("tenant", id))
		return nil
	}
	if e.gen == gen && e.failure != nil {
		return e.failure
	}
	return fmt.Errorf("start %s: worker exited", id)
}

// reporter binds worker events to one generation of e.
func (s *Supervisor) reporter(e *entry, gen uint64, ready chan struct{}) worker.Reporter {
	var once sync.Once
	signal := func() { once.Do(func() { close(ready) }) }
	return func(ev worker.Event) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.gen != gen {
			return
		}
		switch ev.Type {
		case worker.EventState:
			switch ev.State {
			case worker.StateLooping:
				s.setLocked(e, StateRunning, nil)
				signal()
			case worker.StateStopping:
				if e.state != StateStopping {
					s.setLocked(e, StateStopping, nil)
				}
			case worker.StateTerminated:
				s.settleLocked(e, ev.Err)
				signal()
			}
		case worker.EventError:
			if ev.Err != nil {
				s.recordLocked(e, ev.Err)
			}
		case worker.EventSlot:
			if ev.Report != nil {
				s.opt.Metrics.ObserveReport(*ev.Report)
				s.opt.Bus.Publish(eventbus.Event{Type: eventbus.TypeSlotReport, Tenant: e.id, Data: *ev.Report})
			}
		}
	}
}

// settleLocked records a worker's exit. Cancellation is the expected way out
// of a requested stop, even mid-login, and ends in stopped without an error.
func (s *Supervisor) settleLocked(e *entry, err error) {
	switch {
	case err == nil:
		s.setLocked(e, StateStopped, nil)
	case e.state == StateStopping && errors.Is(err, context.Canceled):
		s.log.Debug("worker cancelled during stop", logx.String("tenant", e.id), logx.Err(err))
		s.setLocked(e, StateStopped, nil)
	default:
		s.setLocked(e, StateErrored, err)
	}
}

// exited settles the status when a runner returns without a terminal event.
func (s *Supervisor) exited(e *entry, gen uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return
	}
	if e.state.active() {
		s.settleLocked(e, err)
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.cancel, e.runner = nil, nil
}

// StopTenant cancels id's worker and waits up to the stop timeout. A worker
// that does not exit in time is dropped: its status becomes errored and
// ErrStopTimeout is returned.
func (s *Supervisor) StopTenant(ctx context.Context, id string) error {
	e := s.lookup(id)
	if e == nil {
		if _, err := s.tenant(id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	e.mu.Lock()
	if !e.state.active() || e.cancel == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	gen, cancel, done := e.gen, e.cancel, e.done
	if e.state != StateStopping {
		s.setLocked(e, StateStopping, nil)
	}
	e.mu.Unlock()

	cancel()
	timer := time.NewTimer(s.opt.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		s.log.Info("worker stopped", logx.String("tenant", id))
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	// Drop the generation so late reports from the stuck worker are ignored.
	e.gen++
	e.cancel, e.runner = nil, nil
	err := fmt.Errorf("%w: %s did not exit within %s", ErrStopTimeout, id, s.opt.StopTimeout)
	s.setLocked(e, StateErrored, err)
	s.log.Error("worker force-dropped", logx.String("tenant", id), logx.Duration("timeout", s.opt.StopTimeout))
	return err
}

// RestartTenant stops id (if running), pauses, then starts it again.
func (s *Supervisor) RestartTenant(ctx context.Context, id string) error {
	if err := s.StopTenant(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) && !errors.Is(err, ErrStopTimeout) {
		return err
	}
	t := time.NewTimer(s.opt.RestartPause)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
	}
	return s.StartTenant(ctx, id)
}

func (s *Supervisor) limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opt.MaxConcurrent
}

// StartAll starts every enabled tenant, in parallel up to MaxConcurrent.
// One tenant's failure never affects the others.
func (s *Supervisor) StartAll(ctx context.Context) (Results, error) {
	enabled, err := s.reg.Enabled()
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	ids := make([]string, 0, len(enabled))
	for _, t := range enabled {
		ids = append(ids, t.ID)
	}
	res := s.each(ctx, ids, s.StartTenant)
	s.log.Info("start all", logx.Int("tenants", len(ids)), logx.Int("failed", len(res.Failed())))
	return res, nil
}

// StopAll stops every active worker.
func (s *Supervisor) StopAll(ctx context.Context) Results {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var ids []string
	for _, e := range entries {
		e.mu.Lock()
		if e.state.active() {
			ids = append(ids, e.id)
		}
		e.mu.Unlock()
	}
	res := s.each(ctx, ids, s.StopTenant)
	if len(ids) > 0 {
		s.log.Info("stop all", logx.Int("tenants", len(ids)), logx.Int("failed", len(res.Failed())))
	}
	return res
}

func (s *Supervisor) each(ctx context.Context, ids []string, op func(context.Context, string) error) Results {
	res := make(Results, len(ids))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.limit())
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := op(ctx, id)
			mu.Lock()
			res[id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// Shutdown stops every worker; it is StopAll with the result folded into one error.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	res := s.StopAll(ctx)
	var errs []error
	for id, err := range res {
		if err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) snapshot(e *entry, t registry.Tenant, known bool) Status {
	e.mu.Lock()
	st := Status{
		Tenant:    e.id,
		State:     e.state,
		StartedAt: e.startedAt,
		StoppedAt: e.stoppedAt,
		LastError: e.lastErr,
		Errors:    append([]ErrorEntry(nil), e.errs...),
	}
	r := e.runner
	e.mu.Unlock()
	if known {
		st.Name, st.Enabled = t.Name, t.Enabled
	}
	if r != nil {
		p := r.Progress()
		st.Progress = &p
	}
	return st
}

// StatusOf returns a copy of id's status.
func (s *Supervisor) StatusOf(id string) (Status, error) {
	t, err := s.tenant(id)
	known := err == nil
	e := s.lookup(id)
	if e == nil {
		if !known {
			return Status{}, err
		}
		return Status{Tenant: id, Name: t.Name, Enabled: t.Enabled, State: StateIdle}, nil
	}
	return s.snapshot(e, t, known), nil
}

// StatusOfAll returns every registered tenant's status plus any tenant that
// has left the registry while the supervisor still tracks it, ordered by id.
func (s *Supervisor) StatusOfAll() ([]Status, error) {
	all, err := s.reg.List()
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	seen := make(map[string]bool, len(all))
	out := make([]Status, 0, len(all))
	for _, t := range all {
		seen[t.ID] = true
		if e := s.lookup(t.ID); e != nil {
			out = append(out, s.snapshot(e, t, true))
		} else {
			out = append(out, Status{Tenant: t.ID, Name: t.Name, Enabled: t.Enabled, State: StateIdle})
		}
	}
	s.mu.Lock()
	var orphans []*entry
	for id, e := range s.entries {
		if !seen[id] {
			orphans = append(orphans, e)
		}
	}
	s.mu.Unlock()
	for _, e := range orphans {
		out = append(out, s.snapshot(e, registry.Tenant{}, false))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out, nil
}

// Errors returns id's error history, oldest first.
func (s *Supervisor) Errors(id string) ([]ErrorEntry, error) {
	e := s.lookup(id)
	if e == nil {
		if _, err := s.tenant(id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ErrorEntry(nil), e.errs...), nil
}

// Summary counts registered tenants by status.
func (s *Supervisor) Summary() (Summary, error) {
	all, err := s.StatusOfAll()
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, st := range all {
		sum.Total++
		if st.Enabled {
			sum.Enabled++
		}
		switch st.State {
		case StateRunning:
			sum.Running++
		case StateErrored:
			sum.Errored++
		}
	}
	return sum, nil
}
