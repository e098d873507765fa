package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetbot/internal/eventbus"
	"fleetbot/internal/metrics"
	"fleetbot/internal/pipeline"
	"fleetbot/internal/registry"
	"fleetbot/internal/worker"
)

type memRegistry struct {
	mu      sync.Mutex
	tenants map[string]registry.Tenant
}

func newRegistry(ts ...registry.Tenant) *memRegistry {
	r := &memRegistry{tenants: map[string]registry.Tenant{}}
	for _, t := range ts {
		r.tenants[t.ID] = t
	}
	return r
}

func (r *memRegistry) Get(id string) (registry.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return registry.Tenant{}, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	return t, nil
}

func (r *memRegistry) List() ([]registry.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]registry.Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	return out, nil
}

func (r *memRegistry) Enabled() ([]registry.Tenant, error) {
	all, _ := r.List()
	out := all[:0]
	for _, t := range all {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.tenants, id)
	r.mu.Unlock()
}

// fakeRunner mimics worker.Worker's event sequence.
type fakeRunner struct {
	report   worker.Reporter
	loginErr error
	hang     bool          // blocks in login until ctx is done
	stubborn chan struct{} // when set, ignores ctx until closed
	slotErr  error
}

func (f *fakeRunner) Run(ctx context.Context) error {
	f.report(worker.Event{Type: worker.EventState, State: worker.StateInitializing})
	if f.hang {
		<-ctx.Done()
		err := fmt.Errorf("%w: authenticate: %w", worker.ErrSetup, ctx.Err())
		f.report(worker.Event{Type: worker.EventState, State: worker.StateTerminated, Err: err})
		return err
	}
	if f.loginErr != nil {
		err := fmt.Errorf("%w: %w", worker.ErrSetup, f.loginErr)
		f.report(worker.Event{Type: worker.EventState, State: worker.StateTerminated, Err: err})
		return err
	}
	f.report(worker.Event{Type: worker.EventState, State: worker.StateLooping})
	if f.slotErr != nil {
		f.report(worker.Event{Type: worker.EventError, Err: f.slotErr})
	}
	f.report(worker.Event{Type: worker.EventSlot, Report: &pipeline.Report{Tenant: "x", Slot: "morning"}})
	if f.stubborn != nil {
		<-f.stubborn
	} else {
		<-ctx.Done()
	}
	f.report(worker.Event{Type: worker.EventState, State: worker.StateStopping})
	f.report(worker.Event{Type: worker.EventState, State: worker.StateTerminated})
	return nil
}

func (f *fakeRunner) Progress() worker.Progress {
	return worker.Progress{State: worker.StateLooping, SlotsRun: 1}
}

type fakeFactory struct {
	mu       sync.Mutex
	builds   map[string]int
	loginErr map[string]error
	buildErr map[string]error
	stubborn map[string]chan struct{}
	hang     map[string]bool
	delay    time.Duration
}

func newFactory() *fakeFactory {
	return &fakeFactory{
		builds:   map[string]int{},
		loginErr: map[string]error{},
		buildErr: map[string]error{},
		stubborn: map[string]chan struct{}{},
		hang:     map[string]bool{},
	}
}

func (f *fakeFactory) Build(t registry.Tenant, report worker.Reporter) (Runner, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds[t.ID]++
	if err := f.buildErr[t.ID]; err != nil {
		return nil, err
	}
	return &fakeRunner{report: report, loginErr: f.loginErr[t.ID], stubborn: f.stubborn[t.ID], hang: f.hang[t.ID]}, nil
}

func tenants(ids ...string) []registry.Tenant {
	out := make([]registry.Tenant, 0, len(ids))
	for _, id := range ids {
		out = append(out, registry.Tenant{ID: id, Name: "Tenant " + id, Enabled: true})
	}
	return out
}

func newSupervisor(reg Registry, f Factory, bus eventbus.Bus) *Supervisor {
	return New(reg, f, Options{
		StartTimeout: time.Second,
		StopTimeout:  100 * time.Millisecond,
		RestartPause: time.Millisecond,
		Bus:          bus,
		Metrics:      metrics.New(nil),
	})
}

func TestStartUnknownAndDisabled(t *testing.T) {
	reg := newRegistry(registry.Tenant{ID: "off", Enabled: false})
	s := newSupervisor(reg, newFactory(), nil)

	require.ErrorIs(t, s.StartTenant(context.Background(), "nope"), ErrUnknownTenant)
	require.ErrorIs(t, s.StartTenant(context.Background(), "off"), ErrDisabled)
	_, err := s.StatusOf("nope")
	require.ErrorIs(t, err, ErrUnknownTenant)
	require.ErrorIs(t, s.StopTenant(context.Background(), "off"), ErrNotRunning)
}

func TestAtMostOneWorkerPerTenant(t *testing.T) {
	f := newFactory()
	f.delay = 10 * time.Millisecond
	s := newSupervisor(newRegistry(tenants("a")...), f, nil)
	defer s.Shutdown(context.Background())

	const n = 10
	var ok, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.StartTenant(context.Background(), "a")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyRunning):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, n-1, already.Load())
	f.mu.Lock()
	assert.Equal(t, 1, f.builds["a"])
	f.mu.Unlock()

	st, err := s.StatusOf("a")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	require.NotNil(t, st.Progress)
	assert.Equal(t, 1, st.Progress.SlotsRun)
}

func TestSetupFailureReturnedToCaller(t *testing.T) {
	f := newFactory()
	f.loginErr["a"] = errors.New("bad session")
	s := newSupervisor(newRegistry(tenants("a")...), f, nil)

	err := s.StartTenant(context.Background(), "a")
	require.ErrorIs(t, err, worker.ErrSetup)

	st, _ := s.StatusOf("a")
	assert.Equal(t, StateErrored, st.State)
	assert.Contains(t, st.LastError, "bad session")
	errs, err := s.Errors("a")
	require.NoError(t, err)
	assert.Len(t, errs, 1)
}

func TestBuildFailure(t *testing.T) {
	f := newFactory()
	f.buildErr["a"] = fmt.Errorf("%w: settings.yaml broken", worker.ErrSetup)
	s := newSupervisor(newRegistry(tenants("a")...), f, nil)
	require.ErrorIs(t, s.StartTenant(context.Background(), "a"), worker.ErrSetup)
	st, _ := s.StatusOf("a")
	assert.Equal(t, StateErrored, st.State)
}

func TestTenantIsolation(t *testing.T) {
	f := newFactory()
	f.loginErr["b"] = errors.New("locked account")
	f.stubborn["c"] = make(chan struct{})
	defer close(f.stubborn["c"])
	s := newSupervisor(newRegistry(tenants("a", "b", "c")...), f, nil)
	ctx := context.Background()

	require.NoError(t, s.StartTenant(ctx, "a"))
	require.Error(t, s.StartTenant(ctx, "b"))
	require.NoError(t, s.StartTenant(ctx, "c"))
	require.ErrorIs(t, s.StopTenant(ctx, "c"), ErrStopTimeout)

	st, _ := s.StatusOf("a")
	assert.Equal(t, StateRunning, st.State)
	assert.Empty(t, st.Errors)

	require.NoError(t, s.StopTenant(ctx, "a"))
	st, _ = s.StatusOf("a")
	assert.Equal(t, StateStopped, st.State)
}

func TestStopIsBounded(t *testing.T) {
	f := newFactory()
	release := make(chan struct{})
	f.stubborn["a"] = release
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	s := newSupervisor(newRegistry(tenants("a")...), f, bus)
	ctx := context.Background()

	require.NoError(t, s.StartTenant(ctx, "a"))
	start := time.Now()
	err := s.StopTenant(ctx, "a")
	require.ErrorIs(t, err, ErrStopTimeout)
	assert.Less(t, time.Since(start), time.Second)

	st, _ := s.StatusOf("a")
	assert.Equal(t, StateErrored, st.State)
	assert.Contains(t, st.LastError, "did not terminate cleanly")

	// The dropped worker exits late; its reports must not change the status.
	close(release)
	time.Sleep(20 * time.Millisecond)
	st, _ = s.StatusOf("a")
	assert.Equal(t, StateErrored, st.State)

	// A fresh start works after a force-drop.
	f.mu.Lock()
	delete(f.stubborn, "a")
	f.mu.Unlock()
	require.NoError(t, s.StartTenant(ctx, "a"))
	require.NoError(t, s.StopTenant(ctx, "a"))

	var sawStopping bool
	for len(events) > 0 {
		e := <-events
		if tr, ok := e.Data.(Transition); ok && tr.To == StateStopping {
			sawStopping = true
		}
	}
	assert.True(t, sawStopping, "transitions should be published")
}

func TestStopDuringLoginEndsStopped(t *testing.T) {
	f := newFactory()
	f.hang["a"] = true
	s := New(newRegistry(tenants("a")...), f, Options{
		StartTimeout: 20 * time.Millisecond,
		StopTimeout:  time.Second,
		Metrics:      metrics.New(nil),
	})
	ctx := context.Background()

	require.Error(t, s.StartTenant(ctx, "a"), "login never finishes")
	st, _ := s.StatusOf("a")
	require.Equal(t, StateStarting, st.State)

	require.NoError(t, s.StopTenant(ctx, "a"))
	st, _ = s.StatusOf("a")
	assert.Equal(t, StateStopped, st.State)
	assert.Empty(t, st.LastError)
	errs, err := s.Errors("a")
	require.NoError(t, err)
	assert.Empty(t, errs, "a requested stop is not an error")

	// A real login failure still counts.
	f.mu.Lock()
	f.hang["a"] = false
	f.loginErr["a"] = errors.New("bad session")
	f.mu.Unlock()
	require.ErrorIs(t, s.StartTenant(ctx, "a"), worker.ErrSetup)
	st, _ = s.StatusOf("a")
	assert.Equal(t, StateErrored, st.State)
}

func TestStopNotRunning(t *testing.T) {
	s := newSupervisor(newRegistry(tenants("a")...), newFactory(), nil)
	require.ErrorIs(t, s.StopTenant(context.Background(), "a"), ErrNotRunning)
	require.ErrorIs(t, s.StopTenant(context.Background(), "zzz"), ErrUnknownTenant)
}

func TestRestartTenant(t *testing.T) {
	f := newFactory()
	s := newSupervisor(newRegistry(tenants("a")...), f, nil)
	ctx := context.Background()
	defer s.Shutdown(ctx)

	require.NoError(t, s.RestartTenant(ctx, "a"), "restart of a stopped tenant starts it")
	require.NoError(t, s.RestartTenant(ctx, "a"))
	f.mu.Lock()
	assert.Equal(t, 2, f.builds["a"])
	f.mu.Unlock()
	st, _ := s.StatusOf("a")
	assert.Equal(t, StateRunning, st.State)
}

func TestStartAllAggregateResilience(t *testing.T) {
	f := newFactory()
	f.loginErr["bad"] = errors.New("suspended")
	reg := newRegistry(append(tenants("a", "b", "bad"), registry.Tenant{ID: "off"})...)
	s := newSupervisor(reg, f, nil)
	s.SetMaxConcurrent(2)
	ctx := context.Background()

	res, err := s.StartAll(ctx)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.NoError(t, res["a"])
	assert.NoError(t, res["b"])
	assert.ErrorIs(t, res["bad"], worker.ErrSetup)
	assert.Equal(t, []string{"bad"}, res.Failed())

	sum, err := s.Summary()
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 4, Enabled: 3, Running: 2, Errored: 1}, sum)

	// Already-running tenants come back as data, not as a failure of the call.
	res, err = s.StartAll(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, res["a"], ErrAlreadyRunning)

	stopped := s.StopAll(ctx)
	assert.Len(t, stopped, 2)
	assert.Empty(t, stopped.Failed())
	sum, _ = s.Summary()
	assert.Zero(t, sum.Running)
}

func TestErrorHistoryIsBounded(t *testing.T) {
	s := newSupervisor(newRegistry(tenants("a")...), newFactory(), nil)
	for i := 0; i < 15; i++ {
		s.RecordError("a", fmt.Errorf("err %d", i))
	}
	errs, err := s.Errors("a")
	require.NoError(t, err)
	require.Len(t, errs, ErrorHistory)
	assert.Equal(t, "err 5", errs[0].Message)
	assert.Equal(t, "err 14", errs[ErrorHistory-1].Message)
}

func TestLoopErrorsRecorded(t *testing.T) {
	f := &slotErrFactory{fakeFactory: newFactory()}
	s := newSupervisor(newRegistry(tenants("a")...), f, nil)
	ctx := context.Background()
	require.NoError(t, s.StartTenant(ctx, "a"))
	defer s.Shutdown(ctx)

	require.Eventually(t, func() bool {
		errs, _ := s.Errors("a")
		return len(errs) == 1
	}, time.Second, time.Millisecond)
	st, _ := s.StatusOf("a")
	assert.Equal(t, StateRunning, st.State, "loop errors do not stop the worker")
}

type slotErrFactory struct{ *fakeFactory }

func (f *slotErrFactory) Build(t registry.Tenant, report worker.Reporter) (Runner, error) {
	return &fakeRunner{report: report, slotErr: errors.New("slot morning panicked")}, nil
}

func TestStatusOfAllIncludesRemovedTenants(t *testing.T) {
	reg := newRegistry(tenants("a", "b")...)
	s := newSupervisor(reg, newFactory(), nil)
	ctx := context.Background()
	require.NoError(t, s.StartTenant(ctx, "b"))
	reg.remove("b")

	all, err := s.StatusOfAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Tenant)
	assert.Equal(t, StateIdle, all[0].State)
	assert.Equal(t, "b", all[1].Tenant)
	assert.Equal(t, StateRunning, all[1].State)

	require.NoError(t, s.Shutdown(ctx))
}
