package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/use-agent/streamprobe/admission"
	"github.com/use-agent/streamprobe/browser"
	"github.com/use-agent/streamprobe/cache"
	"github.com/use-agent/streamprobe/extractor"
	"github.com/use-agent/streamprobe/metrics"
	"github.com/use-agent/streamprobe/models"
)

type fakeEngine struct {
	calls   atomic.Int32
	running atomic.Int32
	peak    atomic.Int32
	gate    chan struct{}
	fail    map[string]bool
}

func (f *fakeEngine) Extract(ctx context.Context, req extractor.Request) (*models.ExtractionResult, error) {
	f.calls.Add(1)
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.fail[req.URL] {
		ee := models.NewExtractError(models.ErrCodeNoStreams, "No streams found", nil)
		return &models.ExtractionResult{TargetURL: req.URL, Attempts: 2, Error: ee.ToDetail()}, ee
	}
	stream := models.StreamCandidate{URL: "https://cdn.example.com/master.m3u8", Priority: 15}
	return &models.ExtractionResult{
		Success:    true,
		TargetURL:  req.URL,
		Stream:     &stream,
		Streams:    []models.StreamCandidate{stream},
		Attempts:   1,
		Aggressive: req.Aggressive,
	}, nil
}

type fakePool struct{ stats browser.Stats }

func (p fakePool) Stats() browser.Stats { return p.stats }

func newTestProber(eng *fakeEngine, capacity int) (*Prober, *cache.Cache) {
	c := cache.New(cache.Options{TTL: time.Hour, SweepInterval: time.Hour, MaxEntries: 10})
	p := New(Options{
		Engine:  eng,
		Queue:   admission.New(capacity),
		Cache:   c,
		Metrics: metrics.New(),
	})
	return p, c
}

func TestProbe_InvalidInputSkipsEngine(t *testing.T) {
	eng := &fakeEngine{}
	p, c := newTestProber(eng, 1)
	defer c.Stop()

	for _, u := range []string{"", "not a url", "ftp://x.com/a", "https://"} {
		res, err := p.Probe(context.Background(), Request{URL: u})
		if models.ErrorCode(err) != models.ErrCodeInvalidInput {
			t.Errorf("Probe(%q) code = %q, want INVALID_INPUT", u, models.ErrorCode(err))
		}
		if res != nil {
			t.Errorf("Probe(%q) returned a result", u)
		}
	}
	if eng.calls.Load() != 0 {
		t.Errorf("engine called %d times", eng.calls.Load())
	}
}

func TestProbe_CachesSuccess(t *testing.T) {
	eng := &fakeEngine{}
	p, c := newTestProber(eng, 1)
	defer c.Stop()
	ctx := context.Background()
	req := Request{URL: "https://example.com/video"}

	first, err := p.Probe(ctx, req)
	if err != nil {
		t.Fatalf("first Probe: %v", err)
	}
	if first.CacheHit {
		t.Error("first probe should miss")
	}

	second, err := p.Probe(ctx, req)
	if err != nil {
		t.Fatalf("second Probe: %v", err)
	}
	if !second.CacheHit {
		t.Error("second probe should hit")
	}
	if second.ExtractionResult != first.ExtractionResult {
		t.Error("cache must return the stored result unchanged")
	}
	if eng.calls.Load() != 1 {
		t.Errorf("engine calls = %d, want 1", eng.calls.Load())
	}

	// Trailing slash is a different key.
	if _, err := p.Probe(ctx, Request{URL: "https://example.com/video/"}); err != nil {
		t.Fatal(err)
	}
	if eng.calls.Load() != 2 {
		t.Errorf("engine calls = %d, want 2", eng.calls.Load())
	}
}

func TestProbe_NoCacheBypassesLookup(t *testing.T) {
	eng := &fakeEngine{}
	p, c := newTestProber(eng, 1)
	defer c.Stop()
	req := Request{URL: "https://example.com/video"}

	for i := 0; i < 2; i++ {
		res, err := p.Probe(context.Background(), Request{URL: req.URL, NoCache: true})
		if err != nil {
			t.Fatal(err)
		}
		if res.CacheHit {
			t.Error("no_cache request reported a hit")
		}
	}
	if eng.calls.Load() != 2 {
		t.Errorf("engine calls = %d, want 2", eng.calls.Load())
	}
	if c.Len() != 1 {
		t.Errorf("fresh result should still be stored, Len() = %d", c.Len())
	}
}

func TestProbe_FailureNotCached(t *testing.T) {
	u := "https://example.com/empty"
	eng := &fakeEngine{fail: map[string]bool{u: true}}
	p, c := newTestProber(eng, 1)
	defer c.Stop()

	for i := 0; i < 2; i++ {
		res, err := p.Probe(context.Background(), Request{URL: u})
		if models.ErrorCode(err) != models.ErrCodeNoStreams {
			t.Fatalf("code = %q, want NO_STREAMS_FOUND", models.ErrorCode(err))
		}
		if res == nil || res.Success || res.Error == nil {
			t.Fatalf("result = %+v", res)
		}
	}
	if eng.calls.Load() != 2 {
		t.Errorf("engine calls = %d, want 2", eng.calls.Load())
	}
}

func TestProbe_CoalescesIdenticalRequests(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{})}
	p, c := newTestProber(eng, 3)
	defer c.Stop()

	var wg sync.WaitGroup
	results := make([]*Result, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Probe(context.Background(), Request{URL: "https://example.com/live"})
			if err != nil {
				t.Errorf("Probe: %v", err)
			}
			results[i] = res
		}(i)
	}

	waitUntil(t, func() bool { return eng.calls.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	if st := p.Stats().Queue; st.Running != 1 || st.Queued != 0 {
		t.Errorf("queue = %+v, want one shared run holding one slot", st)
	}
	close(eng.gate)
	wg.Wait()

	if eng.calls.Load() != 1 {
		t.Errorf("engine calls = %d, want 1", eng.calls.Load())
	}
	for i, r := range results {
		if r == nil || !r.Success {
			t.Errorf("result %d = %+v", i, r)
		}
	}
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// startAndAbandon runs a probe for url, waits until the engine is running it
// and then cancels the caller.
func startAndAbandon(t *testing.T, p *Prober, eng *fakeEngine, url string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.Probe(ctx, Request{URL: url})
		errc <- err
	}()
	waitUntil(t, func() bool { return eng.running.Load() == 1 })
	cancel()
	if err := <-errc; models.ErrorCode(err) != models.ErrCodeTimeout {
		t.Fatalf("abandoned probe code = %q, want EXTRACTION_TIMEOUT", models.ErrorCode(err))
	}
}

func TestProbe_SlotHeldAfterCallerLeaves(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{})}
	p, c := newTestProber(eng, 1)
	defer c.Stop()

	startAndAbandon(t, p, eng, "https://example.com/a")
	if eng.running.Load() != 1 {
		t.Fatal("extraction should keep running after its caller left")
	}
	if st := p.Stats().Queue; st.Running != 1 {
		t.Errorf("Running = %d while the extraction runs, want 1", st.Running)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Probe(ctx, Request{URL: "https://example.com/b"}); models.ErrorCode(err) != models.ErrCodeTimeout {
		t.Errorf("second probe code = %q, want EXTRACTION_TIMEOUT", models.ErrorCode(err))
	}
	if n := eng.calls.Load(); n != 1 {
		t.Errorf("engine calls = %d, want 1: a second URL started past the slot bound", n)
	}

	close(eng.gate)
	waitUntil(t, func() bool { return c.Len() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := eng.calls.Load(); n != 1 {
		t.Errorf("engine calls = %d, want 1: abandoned queued run must not start", n)
	}
	if _, ok := c.Get("https://example.com/a"); !ok {
		t.Error("detached run should still store its result")
	}
}

func TestProbe_ImpatientCallersStayBounded(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{})}
	p, c := newTestProber(eng, 1)
	defer c.Stop()

	startAndAbandon(t, p, eng, "https://example.com/v/0")

	var wg sync.WaitGroup
	for i := 1; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			_, _ = p.Probe(ctx, Request{URL: fmt.Sprintf("https://example.com/v/%d", i)})
		}(i)
	}
	wg.Wait()

	if st := p.Stats().Queue; st.Running != 1 || st.Queued != 0 {
		t.Errorf("queue = %+v, want 1 running and 0 queued", st)
	}
	close(eng.gate)
	waitUntil(t, func() bool { return eng.running.Load() == 0 })
	time.Sleep(50 * time.Millisecond)

	if n := eng.peak.Load(); n != 1 {
		t.Errorf("peak concurrent extractions = %d with capacity 1", n)
	}
	if n := eng.calls.Load(); n != 1 {
		t.Errorf("engine calls = %d, want 1", n)
	}
}

func TestProbe_JoinerOutlivesLeader(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{})}
	p, c := newTestProber(eng, 1)
	defer c.Stop()

	go p.Probe(context.Background(), Request{URL: "https://example.com/busy"})
	waitUntil(t, func() bool { return eng.calls.Load() == 1 })

	// Leader of the queued run for /next gives up; a patient joiner stays.
	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	done := make(chan *Result, 1)
	go func() {
		res, err := p.Probe(context.Background(), Request{URL: "https://example.com/next"})
		if err != nil {
			t.Errorf("patient Probe: %v", err)
		}
		done <- res
	}()
	_, _ = p.Probe(short, Request{URL: "https://example.com/next"})

	close(eng.gate)
	select {
	case res := <-done:
		if res == nil || !res.Success {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("patient caller never got a result")
	}
}

func TestFlightKey(t *testing.T) {
	u := "https://example.com/v"
	keys := map[string]bool{
		flightKey(Request{URL: u}):                                  true,
		flightKey(Request{URL: u, Aggressive: true}):                true,
		flightKey(Request{URL: u, NoCache: true}):                   true,
		flightKey(Request{URL: u, Aggressive: true, NoCache: true}): true,
	}
	if len(keys) != 4 {
		t.Errorf("flight keys collide: %v", keys)
	}
}

func TestProbe_CancelWhileQueued(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{})}
	p, c := newTestProber(eng, 1)
	defer c.Stop()

	go p.Probe(context.Background(), Request{URL: "https://example.com/a"})
	for p.Stats().Queue.Running < 1 {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Probe(ctx, Request{URL: "https://example.com/b"})
	if models.ErrorCode(err) != models.ErrCodeTimeout {
		t.Errorf("code = %q (err %v), want EXTRACTION_TIMEOUT", models.ErrorCode(err), err)
	}
	close(eng.gate)
}

func TestProber_Stats(t *testing.T) {
	c := cache.New(cache.Options{TTL: time.Hour, SweepInterval: time.Hour, MaxEntries: 7})
	defer c.Stop()
	p := New(Options{
		Engine: &fakeEngine{},
		Queue:  admission.New(4),
		Cache:  c,
		Pool:   fakePool{stats: browser.Stats{Size: 2, Managed: 2, Available: 1, InUse: 1, Ready: true}},
	})

	st := p.Stats()
	if st.Queue.Capacity != 4 || st.Cache.MaxEntries != 7 {
		t.Errorf("queue/cache = %+v / %+v", st.Queue, st.Cache)
	}
	if st.Pool.Managed != 2 || st.Pool.InUse != 1 || !st.Pool.Ready {
		t.Errorf("pool = %+v", st.Pool)
	}
}
