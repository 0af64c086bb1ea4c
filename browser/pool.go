// Package browser owns the pool of long-lived browser processes shared by
// extraction sessions.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = errors.New("browser pool is shut down")

// Instance is a running browser that can be leased to one extraction at a
// time.
type Instance interface {
	// Alive reports whether the automation connection still responds.
	Alive(ctx context.Context) bool
	// Close terminates the browser process.
	Close() error
}

// Launcher starts new browser processes.
type Launcher interface {
	Launch(ctx context.Context) (Instance, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context) (Instance, error)

// Launch calls f(ctx).
func (f LauncherFunc) Launch(ctx context.Context) (Instance, error) { return f(ctx) }

// Options configures a Pool.
type Options struct {
	// Size is the number of managed browsers. Default: 2.
	Size int

	// InitWait bounds how long Acquire waits for warm-up to finish before
	// falling back to a temporary browser. Default: 15s.
	InitWait time.Duration

	// MaxUses retires a managed browser after this many leases. Zero
	// disables the check.
	MaxUses int

	// MaxAge retires a managed browser older than this. Zero disables the
	// check.
	MaxAge time.Duration

	// HealthTimeout bounds the liveness probe run on every acquire.
	// Default: 3s.
	HealthTimeout time.Duration
}

// member is a managed browser plus its health bookkeeping.
type member struct {
	id       int64
	inst     Instance
	created  time.Time
	useCount int
	errScore float64
}

func (m *member) recordSuccess() {
	m.useCount++
	m.errScore = math.Max(0, m.errScore-0.5)
}

func (m *member) recordFailure() {
	m.useCount++
	m.errScore += 1.0
}

func (m *member) shouldRetire(opts Options) bool {
	if m.errScore >= 3.0 {
		return true
	}
	if opts.MaxUses > 0 && m.useCount >= opts.MaxUses {
		return true
	}
	if opts.MaxAge > 0 && time.Since(m.created) >= opts.MaxAge {
		return true
	}
	return false
}

// Lease is a browser handed to one caller. Exactly one Release per Lease.
type Lease struct {
	Instance Instance

	// Temporary is true for overflow browsers launched outside the managed
	// set; they are closed on release instead of pooled.
	Temporary bool

	member   *member
	released atomic.Bool
}

// Pool keeps up to Size warm browsers and hands them out one lease at a time.
// When every managed browser is busy it launches temporary overflow browsers,
// so callers never wait on each other here; the admission queue is what
// bounds concurrency. It is safe for concurrent use.
type Pool struct {
	launcher Launcher
	opts     Options

	mu        sync.Mutex
	available []*member
	managed   int // members that exist or are being launched, leased or not
	inUse     int
	temporary int
	closed    bool

	nextID    atomic.Int64
	startOnce sync.Once
	ready     chan struct{}
}

// NewPool creates an idle pool. Browsers are launched by Initialize, or on
// the first Acquire.
func NewPool(launcher Launcher, opts Options) *Pool {
	if opts.Size < 1 {
		opts.Size = 2
	}
	if opts.InitWait <= 0 {
		opts.InitWait = 15 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 3 * time.Second
	}
	return &Pool{
		launcher:  launcher,
		opts:      opts,
		available: make([]*member, 0, opts.Size),
		ready:     make(chan struct{}),
	}
}

// Initialize launches Size browsers concurrently and returns once every
// launch has finished. Failed launches are logged; the pool runs with fewer
// browsers and refills lazily. An error is returned only when no browser
// could be started. If warm-up is already running, Initialize waits for it.
func (p *Pool) Initialize(ctx context.Context) error {
	var err error
	started := false
	p.startOnce.Do(func() {
		started = true
		p.reserveSlots()
		err = p.warmUp(ctx)
	})
	if started {
		return err
	}
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reserveSlots counts the warm-up launches as managed before they start so
// a concurrent Acquire can never push the managed set past Size.
func (p *Pool) reserveSlots() {
	p.mu.Lock()
	p.managed += p.opts.Size
	p.mu.Unlock()
}

func (p *Pool) warmUp(ctx context.Context) error {
	defer close(p.ready)

	size := p.opts.Size
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
		errs    []error
	)
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := p.launcher.Launch(ctx)
			if err != nil {
				slog.Warn("browser pool: launch failed during warm-up", "error", err)
				p.mu.Lock()
				p.managed--
				p.mu.Unlock()
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			m := p.newMember(inst)
			p.mu.Lock()
			if p.closed {
				p.managed--
				p.mu.Unlock()
				_ = inst.Close()
				return
			}
			p.available = append(p.available, m)
			p.mu.Unlock()
			mu.Lock()
			started++
			mu.Unlock()
		}()
	}
	wg.Wait()

	slog.Info("browser pool initialized", "size", size, "started", started, "failed", len(errs))
	if started == 0 && len(errs) > 0 {
		return fmt.Errorf("browser pool: no browser started: %w", errors.Join(errs...))
	}
	return nil
}

// Acquire returns a leased browser. It waits (bounded by InitWait) for
// warm-up, then hands out an available managed browser after a liveness
// check. Dead browsers are discarded and replaced. If no managed browser is
// free, a temporary one is launched.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.startOnce.Do(func() {
		p.reserveSlots()
		go func() {
			if err := p.warmUp(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("browser pool: lazy warm-up failed", "error", err)
			}
		}()
	})
	if err := p.waitReady(ctx); err != nil {
		return nil, err
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if n := len(p.available); n > 0 {
			m := p.available[0]
			p.available = p.available[1:]
			p.inUse++
			p.mu.Unlock()

			if p.alive(ctx, m.inst) {
				return &Lease{Instance: m.inst, member: m}, nil
			}

			slog.Warn("browser pool: discarding disconnected browser", "id", m.id)
			_ = m.inst.Close()
			p.mu.Lock()
			p.inUse--
			p.managed--
			p.mu.Unlock()
			continue
		}
		if p.managed < p.opts.Size {
			// Refill a slot lost to a failed launch, a dead browser or a
			// retirement.
			p.managed++
			p.inUse++
			p.mu.Unlock()
			return p.launchManaged(ctx)
		}
		p.temporary++
		p.mu.Unlock()
		return p.launchTemporary(ctx)
	}
}

func (p *Pool) launchManaged(ctx context.Context) (*Lease, error) {
	inst, err := p.launcher.Launch(ctx)
	if err != nil {
		p.mu.Lock()
		p.managed--
		p.inUse--
		p.temporary++
		p.mu.Unlock()
		slog.Warn("browser pool: replacement launch failed, trying temporary", "error", err)
		return p.launchTemporary(ctx)
	}
	m := p.newMember(inst)
	slog.Debug("browser pool: launched replacement", "id", m.id)
	return &Lease{Instance: inst, member: m}, nil
}

// launchTemporary expects p.temporary to have been incremented already.
func (p *Pool) launchTemporary(ctx context.Context) (*Lease, error) {
	inst, err := p.launcher.Launch(ctx)
	if err != nil {
		p.mu.Lock()
		p.temporary--
		p.mu.Unlock()
		return nil, fmt.Errorf("launch temporary browser: %w", err)
	}
	slog.Debug("browser pool: launched temporary browser")
	return &Lease{Instance: inst, Temporary: true}, nil
}

// Release returns a lease. Temporary browsers are always closed. A managed
// browser goes back to the available set unless the pool is shut down or it
// is due for retirement (error score, use count or age). success feeds the
// error score. Releasing the same lease twice is a no-op.
func (p *Pool) Release(l *Lease, success bool) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}

	if l.Temporary {
		if err := l.Instance.Close(); err != nil {
			slog.Debug("browser pool: close temporary browser", "error", err)
		}
		p.mu.Lock()
		p.temporary--
		p.mu.Unlock()
		return
	}

	m := l.member
	if success {
		m.recordSuccess()
	} else {
		m.recordFailure()
	}

	p.mu.Lock()
	p.inUse--
	if !p.closed && !m.shouldRetire(p.opts) {
		p.available = append(p.available, m)
		p.mu.Unlock()
		return
	}
	p.managed--
	closed := p.closed
	p.mu.Unlock()

	if !closed {
		slog.Debug("browser pool: retiring browser", "id", m.id,
			"useCount", m.useCount, "errScore", m.errScore)
	}
	if err := m.inst.Close(); err != nil {
		slog.Debug("browser pool: close retired browser", "id", m.id, "error", err)
	}
}

// Shutdown closes every idle browser and marks the pool closed. Leased
// browsers are closed when they are released.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	p.closed = true
	idle := p.available
	p.available = nil
	p.managed -= len(idle)
	p.mu.Unlock()

	var errs []error
	for _, m := range idle {
		if err := m.inst.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	slog.Info("browser pool shut down", "closed", len(idle))
	return errors.Join(errs...)
}

// Stats is a snapshot of the pool's state.
type Stats struct {
	Size      int
	Managed   int
	Available int
	InUse     int
	Temporary int
	Ready     bool
}

// Stats returns a snapshot of the pool's current state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	ready := false
	select {
	case <-p.ready:
		ready = true
	default:
	}
	return Stats{
		Size:      p.opts.Size,
		Managed:   p.managed,
		Available: len(p.available),
		InUse:     p.inUse,
		Temporary: p.temporary,
		Ready:     ready,
	}
}

func (p *Pool) waitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	default:
	}

	timer := time.NewTimer(p.opts.InitWait)
	defer timer.Stop()
	select {
	case <-p.ready:
	case <-timer.C:
		slog.Warn("browser pool: warm-up still running, continuing without it", "waited", p.opts.InitWait)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Pool) alive(ctx context.Context, inst Instance) bool {
	ctx, cancel := context.WithTimeout(ctx, p.opts.HealthTimeout)
	defer cancel()
	return inst.Alive(ctx)
}

func (p *Pool) newMember(inst Instance) *member {
	return &member{
		id:      p.nextID.Add(1),
		inst:    inst,
		created: time.Now(),
	}
}
