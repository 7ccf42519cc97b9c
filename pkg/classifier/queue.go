package classifier

import (
	"context"
	"sync"
	"sync/atomic"

	"smartguard/pkg/logging"
)

// Queue classifies domains in the background with a fixed worker pool so
// the relay never waits on the classification service.
type Queue struct {
	classifier *Classifier
	logger     *logging.Logger
	ch         chan string
	ctx        context.Context
	cancel     context.CancelFunc
	pending    map[string]struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	closeOnce  sync.Once
	closed     atomic.Bool
	dropped    atomic.Uint64
	done       atomic.Uint64
}

// NewQueue starts workers goroutines draining a queue of size entries.
func NewQueue(c *Classifier, workers, size int, logger *logging.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		classifier: c,
		logger:     logger,
		ch:         make(chan string, size),
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]struct{}),
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	logger.Info("Classification queue started", "workers", workers, "queue_size", size)
	return q
}

// Submit queues domain unless it is already pending, live in memory, or the
// queue is full. It never blocks and reports whether the domain was queued.
func (q *Queue) Submit(domain string) bool {
	if domain == "" || q.closed.Load() {
		return false
	}
	if _, ok := q.classifier.Lookup(domain); ok {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[domain]; ok {
		return false
	}

	select {
	case q.ch <- domain:
		q.pending[domain] = struct{}{}
		return true
	default:
		// Full; the next query for this domain resubmits it
		q.dropped.Add(1)
		q.logger.Debug("Classification queue full, dropping domain", "domain", domain)
		return false
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case domain := <-q.ch:
			v := q.classifier.Classify(q.ctx, domain)
			q.done.Add(1)

			q.mu.Lock()
			delete(q.pending, domain)
			q.mu.Unlock()

			q.logger.Debug("Background classification complete",
				"worker", id,
				"domain", domain,
				"category", v.Category,
			)
		}
	}
}

// Stats returns the number of completed and dropped submissions.
func (q *Queue) Stats() (completed, dropped uint64) {
	return q.done.Load(), q.dropped.Load()
}

// Pending returns the number of domains queued or in progress.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the workers. Queued domains that were not started are
// abandoned; an in-progress service call is cancelled.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		q.cancel()
		q.wg.Wait()

		completed, dropped := q.Stats()
		q.logger.Info("Classification queue stopped",
			"completed", completed,
			"dropped", dropped,
			"abandoned", len(q.ch),
		)
	})
}
