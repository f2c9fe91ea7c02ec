package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Logger is the minimal logging surface shared by every component.
type Logger interface {
	Log(format string, args ...any)
}

// TaskResult is the outcome of one document fetch job.
type TaskResult struct {
	URL     string
	Path    string
	Success bool
	Error   error
	Fatal   bool
}

type Worker struct {
	id      string
	fetcher *DocumentFetcher
	logger  Logger
}

// Scheduler fans URLs out to workers, each driving its own browser sessions
// sequentially. A fatal solver error (zero balance, bad key) stops every
// worker once.
type Scheduler struct {
	workers      []*Worker
	workChan     chan string
	resultsChan  chan TaskResult
	wg           sync.WaitGroup
	solver       *ChallengeSolver
	proxyManager *ProxySessionManager
	logger       Logger
	staggerDelay time.Duration
	cancel       context.CancelFunc
	fatalOnce    sync.Once
	stopped      atomic.Bool
}

// maxFetchRetries bounds per-URL retries for transient (network/browser)
// failures. Bypass failures are reported, not retried: the same challenge
// will almost always fail the same way twice.
const maxFetchRetries = 3

func NewScheduler(workerCount int, solver *ChallengeSolver, proxyManager *ProxySessionManager, staggerDelay time.Duration, logger Logger) *Scheduler {
	s := &Scheduler{
		workers:      make([]*Worker, workerCount),
		workChan:     make(chan string, workerCount*2),
		resultsChan:  make(chan TaskResult, workerCount*2),
		solver:       solver,
		proxyManager: proxyManager,
		logger:       logger,
		staggerDelay: staggerDelay,
	}

	for i := 0; i < workerCount; i++ {
		s.workers[i] = s.createWorker()
	}

	return s
}

func generateWorkerID() string {
	return uuid.New().String()[:8]
}

func (s *Scheduler) createWorker() *Worker {
	id := generateWorkerID()
	workerLogger := &workerLogger{id: id, base: s.logger}

	return &Worker{
		id:      id,
		fetcher: NewDocumentFetcher(s.solver, s.proxyManager, workerLogger),
		logger:  workerLogger,
	}
}

// workerLogger wraps a logger with worker ID prefix.
type workerLogger struct {
	id   string
	base Logger
}

func (w *workerLogger) Log(format string, args ...any) {
	w.base.Log("[%s] "+format, append([]any{w.id}, args...)...)
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i, worker := range s.workers {
		s.wg.Add(1)
		go s.runWorker(ctx, worker)

		if s.staggerDelay > 0 && i < len(s.workers)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.staggerDelay):
			}
		}
	}
}

func (s *Scheduler) handleFatalError(err error) {
	s.fatalOnce.Do(func() {
		s.stopped.Store(true)
		s.logger.Log("FATAL ERROR: %v - stopping all workers", err)

		if s.cancel != nil {
			s.cancel()
		}

		select {
		case s.resultsChan <- TaskResult{Fatal: true, Error: err}:
		default:
		}
	})
}

func (s *Scheduler) isFatal(err error) bool {
	return IsFatalError(err) || ContainsFatalErrorString(err)
}

func (s *Scheduler) runWorker(ctx context.Context, worker *Worker) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case pageURL, ok := <-s.workChan:
			if !ok {
				return
			}
			if s.stopped.Load() {
				return
			}

			worker.logger.Log("Fetching: %s", pageURL)
			result := s.fetchWithRetry(ctx, worker, pageURL)

			if result.Fatal {
				s.handleFatalError(result.Error)
				return
			}

			select {
			case s.resultsChan <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fetchWithRetry runs one URL job, retrying only transient infrastructure
// failures. Each retry derives a fresh sticky session and browser profile.
func (s *Scheduler) fetchWithRetry(ctx context.Context, worker *Worker, pageURL string) TaskResult {
	var lastErr error

	for attempt := 1; attempt <= maxFetchRetries; attempt++ {
		if s.stopped.Load() {
			break
		}

		result, err := worker.fetcher.Fetch(ctx, pageURL)
		if err == nil {
			return TaskResult{URL: pageURL, Path: result.Path, Success: true}
		}
		lastErr = err

		if s.isFatal(err) {
			return TaskResult{URL: pageURL, Error: err, Fatal: true}
		}
		if !IsRetryableError(err) {
			break
		}
		worker.logger.Log("Attempt %d/%d failed: %v, retrying with fresh session", attempt, maxFetchRetries, err)
	}

	return TaskResult{URL: pageURL, Error: lastErr}
}

// Submit adds a URL to the work queue.
func (s *Scheduler) Submit(pageURL string) {
	s.workChan <- pageURL
}

// Results returns the results channel for reading task outcomes.
func (s *Scheduler) Results() <-chan TaskResult {
	return s.resultsChan
}

// Close shuts down the scheduler and waits for workers to finish.
func (s *Scheduler) Close() {
	close(s.workChan)
	s.wg.Wait()
	close(s.resultsChan)
}

// WorkerCount returns the number of workers.
func (s *Scheduler) WorkerCount() int {
	return len(s.workers)
}
