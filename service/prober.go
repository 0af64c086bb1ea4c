// Package service ties the extraction engine to the shared resources that
// bound it: the result cache, the admission queue and the browser pool.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/use-agent/streamprobe/admission"
	"github.com/use-agent/streamprobe/browser"
	"github.com/use-agent/streamprobe/cache"
	"github.com/use-agent/streamprobe/extractor"
	"github.com/use-agent/streamprobe/metrics"
	"github.com/use-agent/streamprobe/models"
)

// Extractor runs one extraction; *extractor.Engine implements it.
type Extractor interface {
	Extract(ctx context.Context, req extractor.Request) (*models.ExtractionResult, error)
}

// PoolStatter reports browser pool occupancy; *browser.Pool implements it.
type PoolStatter interface {
	Stats() browser.Stats
}

// Options wires a Prober. Cache, Pool and Metrics may be nil.
type Options struct {
	Engine  Extractor
	Queue   *admission.Queue
	Cache   *cache.Cache
	Pool    PoolStatter
	Metrics *metrics.Metrics
}

// Request is one extraction request as received from a client.
type Request struct {
	URL        string
	Aggressive bool
	// NoCache skips the cache lookups; the fresh result is still stored.
	NoCache bool
}

// Result is an extraction result plus how it was served.
type Result struct {
	*models.ExtractionResult
	CacheHit bool
}

// Prober serves extraction requests.
type Prober struct {
	engine  Extractor
	queue   *admission.Queue
	cache   *cache.Cache
	pool    PoolStatter
	metrics *metrics.Metrics
	flight  singleflight.Group

	mu      sync.Mutex
	waiting map[string]*waiters
}

// New creates a Prober and registers its occupancy gauges.
func New(opts Options) *Prober {
	if opts.Queue == nil {
		opts.Queue = admission.New(1)
	}
	p := &Prober{
		engine:  opts.Engine,
		queue:   opts.Queue,
		cache:   opts.Cache,
		pool:    opts.Pool,
		metrics: opts.Metrics,
		waiting: make(map[string]*waiters),
	}
	p.registerGauges()
	return p
}

// Probe returns the stream behind req.URL.
//
// Invalid input fails before the queue is touched. A cached success is
// returned without waiting for a slot. Otherwise the request joins the
// extraction in flight for the same URL, or starts one. A run waits for an
// admission slot, looks at the cache once more and then drives the engine.
// Once admitted it holds its slot until the engine returns, even if every
// caller has gone. A run still queued when its last caller leaves is
// abandoned.
//
// The returned Result is non-nil whenever the engine ran. A failed
// extraction returns both the result and its *models.ExtractError.
func (p *Prober) Probe(ctx context.Context, req Request) (*Result, error) {
	if _, err := extractor.ValidateURL(req.URL); err != nil {
		return nil, err
	}

	if !req.NoCache {
		if r, ok := p.lookup(req.URL); ok {
			p.metrics.CacheLookup(true)
			return &Result{ExtractionResult: r, CacheHit: true}, nil
		}
		p.metrics.CacheLookup(false)
	}

	key := flightKey(req)
	for {
		w := p.join(key, ctx)
		ch := p.flight.DoChan(key, func() (any, error) {
			return p.run(w.ctx, req)
		})

		select {
		case <-ctx.Done():
			p.leave(key, w)
			return nil, models.NewExtractError(models.ErrCodeTimeout,
				"request cancelled before extraction finished", ctx.Err())
		case res := <-ch:
			p.leave(key, w)
			if errors.Is(res.Err, admission.ErrNotAdmitted) {
				if ctx.Err() == nil {
					// Joined a run whose earlier callers all left while it
					// was queued; start over.
					continue
				}
				return nil, models.NewExtractError(models.ErrCodeTimeout,
					"request cancelled before extraction finished", res.Err)
			}
			fr, _ := res.Val.(flightResult)
			var out *Result
			if fr.res != nil {
				out = &Result{ExtractionResult: fr.res, CacheHit: fr.cached}
			}
			return out, res.Err
		}
	}
}

// flightResult is what one shared run hands to every caller.
type flightResult struct {
	res    *models.ExtractionResult
	cached bool
}

// run is the body of one shared extraction. waitCtx only bounds the wait
// for a slot; the engine runs detached from it.
func (p *Prober) run(waitCtx context.Context, req Request) (any, error) {
	var fr flightResult
	err := p.queue.Process(waitCtx, func(ctx context.Context) error {
		if !req.NoCache {
			if r, ok := p.lookup(req.URL); ok {
				fr = flightResult{res: r, cached: true}
				return nil
			}
		}
		r, err := p.extract(context.WithoutCancel(ctx), req)
		fr.res = r
		return err
	})
	return fr, err
}

// waiters counts the callers interested in one flight key. Its ctx is
// cancelled when the last of them leaves.
type waiters struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

func (p *Prober) join(key string, parent context.Context) *waiters {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.waiting[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
		w = &waiters{ctx: ctx, cancel: cancel}
		p.waiting[key] = w
	}
	w.refs++
	return w
}

func (p *Prober) leave(key string, w *waiters) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.refs--
	if w.refs > 0 {
		return
	}
	w.cancel()
	if p.waiting[key] == w {
		delete(p.waiting, key)
	}
}

func (p *Prober) extract(ctx context.Context, req Request) (*models.ExtractionResult, error) {
	start := time.Now()
	res, err := p.engine.Extract(ctx, extractor.Request{URL: req.URL, Aggressive: req.Aggressive})

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = models.ErrorCode(err)
	}
	p.metrics.ObserveExtraction(outcome, time.Since(start))

	if err != nil {
		return res, err
	}
	if p.cache != nil {
		p.cache.Set(req.URL, res)
	}
	slog.Debug("extraction stored", "url", req.URL, "streams", len(res.Streams))
	return res, nil
}

func (p *Prober) lookup(key string) (*models.ExtractionResult, bool) {
	if p.cache == nil {
		return nil, false
	}
	return p.cache.Get(key)
}

// flightKey separates aggressive, uncached and default runs of the same URL.
func flightKey(req Request) string {
	key := req.URL
	if req.NoCache {
		key = "fresh\x00" + key
	}
	if req.Aggressive {
		key = "aggressive\x00" + key
	}
	return key
}

// Stats reports queue, cache and pool occupancy.
func (p *Prober) Stats() models.StatsResponse {
	var out models.StatsResponse
	qs := p.queue.Stats()
	out.Queue = models.QueueStats{Running: qs.Running, Queued: qs.Queued, Capacity: qs.Capacity}
	if p.cache != nil {
		out.Cache = models.CacheStats{Entries: p.cache.Len(), MaxEntries: p.cache.MaxEntries()}
	}
	if p.pool != nil {
		ps := p.pool.Stats()
		out.Pool = models.PoolStats{
			Size:      ps.Size,
			Managed:   ps.Managed,
			Available: ps.Available,
			InUse:     ps.InUse,
			Temporary: ps.Temporary,
			Ready:     ps.Ready,
		}
	}
	return out
}

func (p *Prober) registerGauges() {
	if p.metrics == nil {
		return
	}
	p.metrics.GaugeFunc("queue_running", "Extractions holding an admission slot.", func() float64 {
		return float64(p.queue.Stats().Running)
	})
	p.metrics.GaugeFunc("queue_waiting", "Requests waiting for an admission slot.", func() float64 {
		return float64(p.queue.Stats().Queued)
	})
	if p.cache != nil {
		p.metrics.GaugeFunc("cache_entries", "Results held in the cache.", func() float64 {
			return float64(p.cache.Len())
		})
	}
	if p.pool != nil {
		p.metrics.GaugeFunc("pool_managed", "Managed browsers alive.", func() float64 {
			return float64(p.pool.Stats().Managed)
		})
		p.metrics.GaugeFunc("pool_in_use", "Browsers currently leased.", func() float64 {
			return float64(p.pool.Stats().InUse)
		})
		p.metrics.GaugeFunc("pool_temporary", "Temporary overflow browsers alive.", func() float64 {
			return float64(p.pool.Stats().Temporary)
		})
	}
}
