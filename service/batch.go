package service

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/streamprobe/models"
	"github.com/use-agent/streamprobe/webhook"
)

// probeFunc is the single-URL operation a batch fans out to.
type probeFunc func(ctx context.Context, req Request) (*Result, error)

type batchJob struct {
	mu   sync.Mutex
	job  models.BatchJob
	done chan struct{}
}

// Batches runs multi-URL extraction jobs in the background and keeps their
// results for a TTL. Concurrency is bounded by the Prober's admission queue.
type Batches struct {
	probe  probeFunc
	sender *webhook.Sender
	ttl    time.Duration
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*batchJob

	stopOnce sync.Once
	done     chan struct{}
}

// NewBatches creates a batch runner on top of p. sender may be nil, in
// which case webhooks are not delivered. Expired jobs are pruned every five
// minutes.
func NewBatches(p *Prober, sender *webhook.Sender, ttl time.Duration) *Batches {
	b := newBatches(p.Probe, sender, ttl, time.Now)
	go b.cleanupLoop(5 * time.Minute)
	return b
}

func newBatches(probe probeFunc, sender *webhook.Sender, ttl time.Duration, now func() time.Time) *Batches {
	if ttl <= 0 {
		ttl = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Batches{
		probe:  probe,
		sender: sender,
		ttl:    ttl,
		now:    now,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*batchJob),
		done:   make(chan struct{}),
	}
}

// Submit registers a job and starts it.
func (b *Batches) Submit(req models.BatchRequest) models.BatchResponse {
	bj := &batchJob{
		job: models.BatchJob{
			ID:            "batch-" + uuid.NewString(),
			Status:        models.BatchProcessing,
			Total:         len(req.URLs),
			Results:       make([]*models.ExtractionResult, len(req.URLs)),
			WebhookURL:    req.WebhookURL,
			WebhookSecret: req.WebhookSecret,
			CreatedAt:     b.now().Unix(),
		},
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.jobs[bj.job.ID] = bj
	b.mu.Unlock()

	go b.run(bj, req)

	return models.BatchResponse{
		ID:     bj.job.ID,
		Status: models.BatchProcessing,
		Total:  bj.job.Total,
	}
}

// Get returns a snapshot of job id.
func (b *Batches) Get(id string) (models.BatchStatusResponse, bool) {
	b.mu.Lock()
	bj, ok := b.jobs[id]
	b.mu.Unlock()
	if !ok {
		return models.BatchStatusResponse{}, false
	}
	return bj.snapshot(), true
}

// Wait blocks until job id finishes or ctx is done. It reports false for an
// unknown job.
func (b *Batches) Wait(ctx context.Context, id string) bool {
	b.mu.Lock()
	bj, ok := b.jobs[id]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-bj.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop cancels running jobs and the cleanup goroutine.
func (b *Batches) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		close(b.done)
	})
}

func (b *Batches) run(bj *batchJob, req models.BatchRequest) {
	var wg sync.WaitGroup
	for i, rawURL := range req.URLs {
		wg.Add(1)
		go func(idx int, target string) {
			defer wg.Done()
			res := b.probeOne(target, req.Aggressive)

			bj.mu.Lock()
			bj.job.Results[idx] = res
			bj.job.Completed++
			bj.mu.Unlock()
		}(i, rawURL)
	}
	wg.Wait()

	bj.mu.Lock()
	failed := 0
	for _, r := range bj.job.Results {
		if r == nil || !r.Success {
			failed++
		}
	}
	switch {
	case failed == bj.job.Total:
		bj.job.Status = models.BatchFailed
	case failed > 0:
		bj.job.Status = models.BatchPartial
	default:
		bj.job.Status = models.BatchCompleted
	}
	bj.mu.Unlock()
	close(bj.done)

	snap := bj.snapshot()
	slog.Info("batch job finished",
		"id", snap.ID,
		"status", snap.Status,
		"failed", failed,
		"total", snap.Total,
	)

	if bj.job.WebhookURL != "" && b.sender != nil {
		b.sender.DeliverAsync(bj.job.WebhookURL, bj.job.WebhookSecret, &webhook.Event{
			Type:      "batch.completed",
			JobID:     snap.ID,
			Timestamp: b.now().Unix(),
			Data:      snap,
		})
	}
}

func (b *Batches) probeOne(target string, aggressive bool) *models.ExtractionResult {
	res, err := b.probe(b.ctx, Request{URL: target, Aggressive: aggressive})
	if res != nil && res.ExtractionResult != nil {
		return res.ExtractionResult
	}
	out := &models.ExtractionResult{TargetURL: target}
	if err != nil {
		out.Error = models.AsExtractError(err).ToDetail()
	}
	return out
}

func (bj *batchJob) snapshot() models.BatchStatusResponse {
	bj.mu.Lock()
	defer bj.mu.Unlock()
	return models.BatchStatusResponse{
		ID:        bj.job.ID,
		Status:    bj.job.Status,
		Completed: bj.job.Completed,
		Total:     bj.job.Total,
		Results:   slices.Clone(bj.job.Results),
	}
}

// prune drops jobs older than the TTL and returns how many were removed.
func (b *Batches) prune() int {
	cutoff := b.now().Add(-b.ttl).Unix()
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, bj := range b.jobs {
		bj.mu.Lock()
		expired := bj.job.CreatedAt < cutoff
		bj.mu.Unlock()
		if expired {
			delete(b.jobs, id)
			removed++
		}
	}
	return removed
}

func (b *Batches) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			if n := b.prune(); n > 0 {
				slog.Debug("batch jobs expired", "count", n)
			}
		}
	}
}
