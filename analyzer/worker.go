package analyzer

import (
	"context"
	"sync"

	"github.com/prismnotes/ingest/models"
)

type analysisJob struct {
	itemID string
	source *models.SourceCreator
}

// Pool is a fixed-size analysis worker pool fed by a bounded channel.
// The database claim keeps duplicate enqueues harmless: a worker that
// loses the claim drops the job.
type Pool struct {
	analyzer *Analyzer
	jobs     chan analysisJob
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool creates a pool with the given queue capacity.
func NewPool(analyzer *Analyzer, queueSize int) *Pool {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pool{
		analyzer: analyzer,
		jobs:     make(chan analysisJob, queueSize),
	}
}

// Start launches the worker goroutines. Workers drain until Stop is
// called or the context is cancelled.
func (p *Pool) Start(ctx context.Context, workers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			if m := p.analyzer.metrics; m != nil {
				m.QueueDepth.Set(float64(len(p.jobs)))
				m.ActiveWorkers.Inc()
			}
			if _, _, err := p.analyzer.AnalyzeItem(ctx, job.itemID, job.source); err != nil {
				p.analyzer.logger.Error("analysis job failed",
					"item_id", job.itemID, "error", err)
			}
			if m := p.analyzer.metrics; m != nil {
				m.ActiveWorkers.Dec()
			}
		}
	}
}

// Enqueue submits an item for analysis without blocking. Returns false
// when the queue is full or the pool is stopped; the item stays pending
// and a later refresh will pick it up.
func (p *Pool) Enqueue(itemID string, source *models.SourceCreator) bool {
	// The lock is held across the send so Stop cannot close the channel
	// between the stopped check and the send.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}

	select {
	case p.jobs <- analysisJob{itemID: itemID, source: source}:
		if m := p.analyzer.metrics; m != nil {
			m.QueueDepth.Set(float64(len(p.jobs)))
		}
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}
