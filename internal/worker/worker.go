package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"fleetbot/internal/pipeline"
	"fleetbot/internal/platform"
	"fleetbot/internal/ratelimit"
	"fleetbot/internal/schedule"
	"fleetbot/internal/storage"
	logx "fleetbot/pkg/logx"
)

// ErrSetup wraps failures before the loop starts (settings, client, login).
var ErrSetup = errors.New("worker setup failed")

type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateLooping      State = "looping"
	StateStopping     State = "stopping"
	StateTerminated   State = "terminated"
)

// EventType tells a Reporter what happened.
type EventType string

const (
	EventState EventType = "state"
	EventSlot  EventType = "slot"
	EventError EventType = "error"
)

// Event is a message from a worker to its owner. Err is set on EventError
// and on the terminal EventState when the worker failed.
type Event struct {
	Type   EventType
	State  State
	Report *pipeline.Report
	Err    error
	At     time.Time
}

// Reporter receives worker events. It is called from the worker goroutine
// and must not block for long.
type Reporter func(Event)

// SlotRunner runs one slot. *pipeline.Executor implements it.
type SlotRunner interface {
	RunSlot(ctx context.Context, slot string) pipeline.Report
}

const (
	DefaultPollInterval = 30 * time.Second
	DefaultSlotCooldown = 60 * time.Second
)

// Config wires a Worker.
type Config struct {
	Tenant string
	Client platform.Client
	Runner SlotRunner
	Gate   ratelimit.Gate
	Store  storage.Store

	Clock schedule.Clock
	Slots []schedule.Slot

	PollInterval time.Duration
	SlotCooldown time.Duration
	CallTimeout  time.Duration

	// Closers run on exit after the client is closed.
	Closers []io.Closer

	Report Reporter
	Log    logx.Logger
	Now    func() time.Time
}

// Progress is the live view of a worker.
type Progress struct {
	State       State                              `json:"state"`
	Profile     *platform.Profile                  `json:"profile,omitempty"`
	CurrentSlot string                             `json:"current_slot,omitempty"`
	LastReport  *pipeline.Report                   `json:"last_report,omitempty"`
	SlotsRun    int                                `json:"slots_run"`
	Next        []schedule.Fire                    `json:"next,omitempty"`
	Limits      map[ratelimit.Kind]ratelimit.Status `json:"limits,omitempty"`
}

// Worker is one tenant's lifetime loop. Run is called at most once.
type Worker struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	state    State
	profile  *platform.Profile
	current  string
	last     *pipeline.Report
	slotsRun int
	fired    map[string]string // slot -> minute it last ran

	closeOnce sync.Once
}

func New(cfg Config) (*Worker, error) {
	if cfg.Client == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("%w: client and runner are required", ErrSetup)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SlotCooldown <= 0 {
		cfg.SlotCooldown = DefaultSlotCooldown
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.Store == nil {
		cfg.Store = storage.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	if cfg.Report == nil {
		cfg.Report = func(Event) {}
	}
	return &Worker{
		cfg:   cfg,
		log:   cfg.Log.With(logx.String("comp", "worker"), logx.String("tenant", cfg.Tenant)),
		state: StateIdle,
		fired: map[string]string{},
	}, nil
}

func (w *Worker) Tenant() string { return w.cfg.Tenant }

func (w *Worker) setState(s State, err error) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.cfg.Report(Event{Type: EventState, State: s, Err: err, At: w.cfg.Now()})
}

// Run authenticates, then loops until ctx is cancelled. A login failure
// returns an ErrSetup error without entering the loop. Cleanup always runs
// before the terminal state is reported.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateInitializing, nil)
	if err := w.login(ctx); err != nil {
		w.cleanup()
		w.setState(StateTerminated, err)
		return err
	}

	w.setState(StateLooping, nil)
	w.log.Info("worker loop started", logx.Int("slots", len(w.cfg.Slots)))
	w.loop(ctx)

	w.setState(StateStopping, nil)
	w.cleanup()
	w.setState(StateTerminated, nil)
	w.log.Info("worker stopped")
	return nil
}

func (w *Worker) login(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()
	p, err := w.cfg.Client.Authenticate(cctx)
	if err != nil {
		err = fmt.Errorf("%w: authenticate: %w", ErrSetup, err)
		w.logLogin(ctx, "", err)
		return err
	}
	w.mu.Lock()
	w.profile = &p
	w.mu.Unlock()
	w.log.Info("logged in", logx.String("username", p.Username), logx.Int("followers", p.Followers))
	w.logLogin(ctx, "logged in as @"+p.Username, nil)
	if err := w.cfg.Store.RecordFollowers(cctx, storage.Followers{
		Tenant:    w.cfg.Tenant,
		Followers: p.Followers,
		Following: p.Following,
	}); err != nil {
		w.log.Debug("follower snapshot failed", logx.Err(err))
	}
	return nil
}

// logLogin appends the "initialize" activity row. It outlives ctx so a login
// cut short by a stop is still recorded.
func (w *Worker) logLogin(ctx context.Context, details string, err error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CallTimeout)
	defer cancel()
	a := storage.Activity{Tenant: w.cfg.Tenant, Type: "initialize", Details: details, Success: err == nil}
	if err != nil {
		a.Error = err.Error()
	}
	if err := w.cfg.Store.AppendActivity(cctx, a); err != nil {
		w.log.Debug("activity write failed", logx.Err(err))
	}
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		now := w.cfg.Now()
		minute := now.In(w.cfg.Clock.Location()).Format("2006-01-02T15:04")
		ran := false
		for _, slot := range w.cfg.Clock.Due(w.cfg.Slots, now) {
			if ctx.Err() != nil {
				break
			}
			if w.alreadyFired(slot, minute) {
				continue
			}
			w.runSlot(ctx, slot)
			ran = true
		}
		wait := w.cfg.PollInterval
		if ran {
			wait = w.cfg.SlotCooldown
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (w *Worker) alreadyFired(slot, minute string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fired[slot] == minute {
		return true
	}
	w.fired[slot] = minute
	return false
}

// runSlot runs one slot; a panic is reported as a loop error and the loop goes on.
func (w *Worker) runSlot(ctx context.Context, slot string) {
	w.mu.Lock()
	w.current = slot
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.current = ""
		w.mu.Unlock()
	}()

	rep, err := w.safeRun(ctx, slot)
	if err != nil {
		w.log.Error("slot panicked", logx.String("slot", slot), logx.Err(err))
		w.cfg.Report(Event{Type: EventError, Err: err, At: w.cfg.Now()})
		return
	}
	w.mu.Lock()
	w.last = &rep
	w.slotsRun++
	w.mu.Unlock()
	w.cfg.Report(Event{Type: EventSlot, Report: &rep, At: w.cfg.Now()})
}

func (w *Worker) safeRun(ctx context.Context, slot string) (rep pipeline.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("slot %s panicked: %v", slot, r)
			w.log.Debug("slot panic stack", logx.String("stack", string(debug.Stack())))
		}
	}()
	return w.cfg.Runner.RunSlot(ctx, slot), nil
}

func (w *Worker) cleanup() {
	w.closeOnce.Do(func() {
		if err := w.cfg.Client.Close(); err != nil {
			w.log.Debug("client close failed", logx.Err(err))
		}
		for _, c := range w.cfg.Closers {
			if err := c.Close(); err != nil {
				w.log.Debug("close failed", logx.Err(err))
			}
		}
	})
}

// RunOnce authenticates and runs one slot outside the loop.
func (w *Worker) RunOnce(ctx context.Context, slot string) (pipeline.Report, error) {
	defer w.cleanup()
	if err := w.login(ctx); err != nil {
		return pipeline.Report{}, err
	}
	return w.safeRun(ctx, slot)
}

// Check authenticates and returns the profile.
func (w *Worker) Check(ctx context.Context) (platform.Profile, error) {
	defer w.cleanup()
	if err := w.login(ctx); err != nil {
		return platform.Profile{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.profile, nil
}

// Progress returns a copy of the worker's live state.
func (w *Worker) Progress() Progress {
	w.mu.Lock()
	p := Progress{
		State:       w.state,
		CurrentSlot: w.current,
		SlotsRun:    w.slotsRun,
	}
	if w.profile != nil {
		prof := *w.profile
		p.Profile = &prof
	}
	if w.last != nil {
		rep := *w.last
		rep.Steps = append([]pipeline.StepResult(nil), w.last.Steps...)
		p.LastReport = &rep
	}
	w.mu.Unlock()

	p.Next = w.cfg.Clock.Next(w.cfg.Slots, w.cfg.Now())
	p.Limits = w.cfg.Gate.StatusAll()
	return p
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
