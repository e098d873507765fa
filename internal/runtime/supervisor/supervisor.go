package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "fleetbot/pkg/logx"
)

// Group runs named goroutines under one cancellable context.
//
//   - every goroutine recovers its own panics and reports them as errors
//   - per-name counters (runs, panics, last error) are kept for status output
//   - Stop cancels and waits, bounded by the caller's ctx
//
// Tenant workers, the config watcher and the notifier dispatch loop all run
// under the application's Group.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	started atomic.Uint64
	active  atomic.Int64

	firstErr atomic.Pointer[error]
	wg       sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*stat
}

type stat struct {
	active    int64
	runs      uint64
	restarts  uint64
	panics    uint64
	lastStart time.Time
	lastStop  time.Time
	lastErr   string
	lastPanic string
}

type Option func(*Group)

func WithLogger(log logx.Logger) Option {
	return func(g *Group) { g.log = log }
}

func New(parent context.Context, opts ...Option) *Group {
	ctx, cancel := context.WithCancel(parent)
	g := &Group{ctx: ctx, cancel: cancel, log: logx.Nop(), stats: map[string]*stat{}}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Group) Context() context.Context { return g.ctx }

// Err returns the first error any goroutine returned (panics included).
func (g *Group) Err() error {
	if p := g.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Counters is a best-effort view of the group.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

func (g *Group) Counters() Counters {
	if g == nil {
		return Counters{}
	}
	return Counters{Active: g.active.Load(), Started: g.started.Load()}
}

// Stats is the aggregated history of goroutines sharing one name.
type Stats struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Runs      uint64    `json:"runs"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastStart time.Time `json:"last_start"`
	LastStop  time.Time `json:"last_stop,omitempty"`
	LastErr   string    `json:"last_err,omitempty"`
	LastPanic string    `json:"last_panic,omitempty"`
}

// Snapshot lists goroutine stats, active first then by name.
func (g *Group) Snapshot() []Stats {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	out := make([]Stats, 0, len(g.stats))
	for name, st := range g.stats {
		out = append(out, Stats{
			Name:      name,
			Active:    st.active,
			Runs:      st.runs,
			Restarts:  st.restarts,
			Panics:    st.panics,
			LastStart: st.lastStart,
			LastStop:  st.lastStop,
			LastErr:   st.lastErr,
			LastPanic: st.lastPanic,
		})
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (g *Group) statLocked(name string) *stat {
	st := g.stats[name]
	if st == nil {
		st = &stat{}
		g.stats[name] = st
	}
	return st
}

func (g *Group) begin(name string, restart bool) {
	g.mu.Lock()
	st := g.statLocked(name)
	st.runs++
	st.active++
	if restart {
		st.restarts++
	}
	st.lastStart = time.Now()
	g.mu.Unlock()
}

func (g *Group) end(name string, err error, pan any) {
	g.mu.Lock()
	st := g.statLocked(name)
	if st.active > 0 {
		st.active--
	}
	st.lastStop = time.Now()
	if err != nil {
		st.lastErr = err.Error()
	}
	if pan != nil {
		st.panics++
		st.lastPanic = fmt.Sprint(pan)
	}
	g.mu.Unlock()
}

// run calls fn, converting a panic into an error.
func (g *Group) run(ctx context.Context, name string, fn func(context.Context) error) (pan any, err error) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			err = fmt.Errorf("panic in %s: %v", name, r)
			g.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return nil, fn(ctx)
}

// Go runs fn once in its own goroutine. ctx is derived from the group
// context; a nil-returning or cancelled fn is a clean exit.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.GoCtx(g.ctx, name, fn)
}

// GoCtx is Go with a caller-provided context, which should be derived from
// Context() so Stop still reaches it.
func (g *Group) GoCtx(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	g.started.Add(1)
	g.active.Add(1)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.active.Add(-1)

		g.begin(name, false)
		g.log.Debug("goroutine started", logx.String("name", name))
		pan, err := g.run(ctx, name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			g.setErr(err)
		}
		g.end(name, err, pan)
		g.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// GoRestart runs fn and restarts it with jittered exponential backoff
// (lo..hi) when it returns an error or panics. A clean return or group
// cancellation ends the loop.
func (g *Group) GoRestart(name string, lo, hi time.Duration, fn func(ctx context.Context) error) {
	if lo <= 0 {
		lo = 250 * time.Millisecond
	}
	if hi < lo {
		hi = lo
	}
	g.Go(name+".restart", func(ctx context.Context) error {
		backoff := lo
		for restarts := 0; ; restarts++ {
			g.begin(name, restarts > 0)
			start := time.Now()
			pan, err := g.run(ctx, name, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				g.end(name, nil, pan)
				return nil
			}
			g.end(name, err, pan)

			if time.Since(start) >= 30*time.Second {
				backoff = lo
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			g.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			backoff = min(backoff*2, hi)
		}
	})
}

// Stop cancels the group and waits for every goroutine, bounded by ctx.
func (g *Group) Stop(ctx context.Context) error {
	g.cancel()
	return g.Wait(ctx)
}

func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return g.Err()
	}
}

func (g *Group) setErr(err error) {
	g.firstErr.CompareAndSwap(nil, &err)
}
