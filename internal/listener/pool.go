package listener

import (
	"sync"

	"github.com/dnsflatten/dnsflatten/internal/concurrencytracker"
)

// pool is a bounded worker pool with caller-runs backpressure: when the backlog channel is full,
// Submit runs the job on the calling goroutine instead of blocking or dropping it. No worker-pool
// library appears anywhere in the retrieved corpus, so this is the one hand-rolled concurrency
// primitive in the package.
type pool struct {
	jobs chan func()
	wg   sync.WaitGroup
	cct  concurrencytracker.Counter
}

// newPool starts a pool of numWorkers goroutines pulling from a backlog channel of the given
// capacity. The worker count is fixed for the pool's lifetime; Listener.Start passes MinWorkers
// (4 if unset) and does not grow the pool towards MaxWorkers.
func newPool(numWorkers, backlog int) *pool {
	p := &pool{jobs: make(chan func(), backlog)}
	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *pool) run(job func()) {
	p.cct.Add()
	defer p.cct.Done()
	job()
}

// Submit enqueues job to run on a worker goroutine. If the backlog is full, job runs inline on the
// calling goroutine (caller-runs backpressure) so the accept/receive loop never drops work.
func (p *pool) Submit(job func()) {
	select {
	case p.jobs <- job:
	default:
		p.run(job)
	}
}

// close stops accepting new jobs and waits for every in-flight or queued job to finish.
func (p *pool) close() {
	close(p.jobs)
	p.wg.Wait()
}

// peakConcurrency reports the peak number of concurrently-running jobs, optionally resetting it.
func (p *pool) peakConcurrency(resetCounters bool) int {
	return p.cct.Peak(resetCounters)
}
