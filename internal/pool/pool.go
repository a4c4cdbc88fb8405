package pool

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/ipc"
	"github.com/ratchet-run/ratchet/internal/rerrors"
)

// Config configures the pool's size and restart/health policy.
type Config struct {
	Size int

	WorkerBinary string
	WorkerArgs   []string

	MaxRestartAttempts int           // within RestartWindow before a slot is abandoned
	RestartWindow      time.Duration
	RestartBackoffBase time.Duration
	RestartBackoffMax  time.Duration

	HeartbeatInterval time.Duration
	StaleAfter        time.Duration // no heartbeat for this long => unhealthy

	AcquireTimeout time.Duration
	CancelGrace    time.Duration // how long Submit waits for a cooperative TaskResult after sending Cancel before killing the worker

	CircuitFailureThreshold int           // consecutive failures before opening, per task fingerprint
	CircuitOpenDuration     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Size:                    4,
		WorkerBinary:            "ratchet-worker",
		MaxRestartAttempts:      5,
		RestartWindow:           time.Minute,
		RestartBackoffBase:      500 * time.Millisecond,
		RestartBackoffMax:       30 * time.Second,
		HeartbeatInterval:       5 * time.Second,
		StaleAfter:              20 * time.Second,
		AcquireTimeout:          10 * time.Second,
		CancelGrace:             5 * time.Second,
		CircuitFailureThreshold: 5,
		CircuitOpenDuration:     30 * time.Second,
	}
}

// Lease represents exclusive ownership of one worker for one request.
type Lease struct {
	worker *worker
}

// WorkerID returns the identity of the leased worker process, used by
// the dispatcher to stamp Execution.worker_id.
func (l *Lease) WorkerID() ids.WorkerID { return l.worker.id }

// Pool spawns, supervises, and leases out worker subprocesses (spec
// §4.C). Acquire()/Submit() are the only calls the dispatcher needs;
// everything else (respawn, heartbeat, circuit breaking) runs in the
// background.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	workers []*worker
	waiters []chan *worker

	restarts map[ids.WorkerID][]time.Time // crash timestamps per slot index, keyed by the worker that last held the slot

	circuit *circuitBreaker

	httpClient *http.Client

	closing bool
}

func New(cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	p := &Pool{
		cfg:        cfg,
		logger:     logger,
		restarts:   make(map[ids.WorkerID][]time.Time),
		circuit:    newCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitOpenDuration),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	return p
}

// Start spawns the configured number of workers and begins background
// heartbeat supervision. Blocks until every worker is spawned (or
// returns the first spawn error).
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.Size; i++ {
		w, err := spawn(ctx, p.cfg.WorkerBinary, p.cfg.WorkerArgs, p.logger)
		if err != nil {
			return fmt.Errorf("spawn worker %d: %w", i, err)
		}
		p.mu.Lock()
		p.workers = append(p.workers, w)
		p.mu.Unlock()
		go p.readLoop(w)
	}
	go p.superviseHeartbeats(ctx)
	return nil
}

// Acquire waits (up to cfg.AcquireTimeout, or ctx's deadline) for an
// idle worker and marks it busy. Workers are scanned in pool order and
// the first idle one wins; how long a worker has been idle is not
// tracked, so the choice is not oldest-idle-first.
func (p *Pool) Acquire(ctx context.Context, taskFingerprint string) (*Lease, error) {
	if p.circuit.open(taskFingerprint) {
		return nil, rerrors.Newf(rerrors.KindCircuitOpen, "pool", "circuit open for task fingerprint %s", taskFingerprint)
	}

	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.After(timeout)

	for {
		p.mu.Lock()
		for _, w := range p.workers {
			w.mu.Lock()
			if w.status == statusIdle {
				w.status = statusBusy
				w.fingerprint = taskFingerprint
				w.mu.Unlock()
				p.mu.Unlock()
				return &Lease{worker: w}, nil
			}
			w.mu.Unlock()
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, rerrors.New(rerrors.KindCapacity, "pool", fmt.Errorf("no worker available within %s", timeout))
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Release returns a worker to idle. Call after Submit completes,
// whether it succeeded or failed (a worker failure that should
// retire the process is reported via ReportUnhealthy instead).
func (p *Pool) Release(l *Lease) {
	l.worker.mu.Lock()
	if l.worker.status == statusBusy {
		l.worker.status = statusIdle
	}
	l.worker.mu.Unlock()
}

// ReportUnhealthy marks a worker crashed and schedules a respawn,
// used when the dispatcher observes a WorkerCrash-classified failure
// that Submit's own transport-closed detection didn't already catch.
func (p *Pool) ReportUnhealthy(ctx context.Context, l *Lease) {
	p.markCrashed(l.worker)
}

// Submit sends an ExecuteTask request to the leased worker and blocks
// for its terminal TaskResult or ctx cancellation. On ctx cancellation
// it sends a Cancel frame and then waits up to cfg.CancelGrace for the
// worker to answer cooperatively (spec §4.D: "the worker cooperatively
// stops at the next JS yield point"); only once that grace period
// elapses without a TaskResult is the worker force-killed and
// respawned (spec §4.D: "if it refuses within cancel_grace, the
// worker is killed"). The lease must not be released for reuse until
// Submit returns, since the worker's single goja.Runtime is not safe
// for a second concurrent Execute while the first is still unwinding.
func (p *Pool) Submit(ctx context.Context, l *Lease, req ipc.Request) (ipc.TaskResult, error) {
	w := l.worker
	ch := make(chan ipc.TaskResult, 1)

	w.pendingMu.Lock()
	w.pending[req.CorrelationID] = ch
	w.pendingMu.Unlock()

	if err := w.transport.Send(ipc.TypeRequest, req); err != nil {
		w.pendingMu.Lock()
		delete(w.pending, req.CorrelationID)
		w.pendingMu.Unlock()
		p.circuit.recordFailure(w.fingerprint)
		return ipc.TaskResult{}, rerrors.New(rerrors.KindIpc, "pool", err)
	}

	select {
	case result := <-ch:
		if result.Status == ipc.ResultFailed || result.Status == ipc.ResultTimedOut {
			p.circuit.recordFailure(w.fingerprint)
		} else {
			p.circuit.recordSuccess(w.fingerprint)
		}
		return result, nil

	case <-ctx.Done():
		_ = w.transport.Send(ipc.TypeRequest, ipc.Request{CorrelationID: req.CorrelationID, Kind: ipc.RequestCancel})

		grace := p.cfg.CancelGrace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		select {
		case result := <-ch:
			// The worker unwound and answered within cancel_grace: it
			// is still safe to reuse, so the caller's own Release
			// (not a crash) governs what happens to the lease next.
			if result.Status == ipc.ResultFailed || result.Status == ipc.ResultTimedOut {
				p.circuit.recordFailure(w.fingerprint)
			} else {
				p.circuit.recordSuccess(w.fingerprint)
			}
			return result, nil

		case <-time.After(grace):
			w.pendingMu.Lock()
			delete(w.pending, req.CorrelationID)
			w.pendingMu.Unlock()
			p.circuit.recordFailure(w.fingerprint)
			p.killAndMarkCrashed(w)
			return ipc.TaskResult{}, rerrors.Newf(rerrors.KindWorkerCrash, "pool", "worker did not acknowledge cancel within %s", grace)
		}
	}
}

// superviseHeartbeats pings idle workers periodically and respawns any
// worker whose last heartbeat is older than StaleAfter.
func (p *Pool) superviseHeartbeats(ctx context.Context) {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			workers := append([]*worker{}, p.workers...)
			p.mu.Unlock()

			for _, w := range workers {
				w.mu.Lock()
				stale := time.Since(w.lastHeartbeat) > p.cfg.StaleAfter && w.status != statusCrashed
				idle := w.status == statusIdle
				w.mu.Unlock()

				if stale {
					p.logger.Warn("worker missed heartbeat deadline, treating as crashed", "worker_id", w.id)
					p.markCrashed(w)
					continue
				}
				if idle {
					_ = w.transport.Send(ipc.TypeRequest, ipc.Request{CorrelationID: "heartbeat", Kind: ipc.RequestPing})
				}
			}
		}
	}
}

func (p *Pool) onWorkerCrashed(w *worker) {
	p.mu.Lock()
	attempts := p.restarts[w.id]
	now := time.Now()
	cutoff := now.Add(-p.cfg.RestartWindow)
	var recent []time.Time
	for _, t := range attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	p.restarts[w.id] = recent
	attemptNum := len(recent)
	p.mu.Unlock()

	if attemptNum > p.cfg.MaxRestartAttempts {
		p.logger.Error("worker exceeded restart budget, abandoning slot", "worker_id", w.id, "attempts", attemptNum)
		p.removeWorker(w)
		return
	}

	delay := backoffDelay(p.cfg.RestartBackoffBase, p.cfg.RestartBackoffMax, attemptNum)
	p.logger.Info("respawning crashed worker", "worker_id", w.id, "attempt", attemptNum, "delay", delay)

	go func() {
		time.Sleep(delay)
		ctx := context.Background()
		nw, err := spawn(ctx, p.cfg.WorkerBinary, p.cfg.WorkerArgs, p.logger)
		if err != nil {
			p.logger.Error("respawn failed", "error", err)
			p.onWorkerCrashed(w) // count this as another failed attempt
			return
		}
		p.replaceWorker(w, nw)
		go p.readLoop(nw)
	}()
}

func (p *Pool) replaceWorker(old, new *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// The slot's crash history moves to its new worker, so the restart
	// budget counts crashes per slot rather than per process.
	if history, ok := p.restarts[old.id]; ok {
		p.restarts[new.id] = history
		delete(p.restarts, old.id)
	}
	for i, w := range p.workers {
		if w == old {
			p.workers[i] = new
			return
		}
	}
	p.workers = append(p.workers, new)
}

func (p *Pool) removeWorker(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.workers {
		if existing == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return
		}
	}
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && d > float64(max) {
		d = float64(max)
	}
	jitter := d * 0.2 * rand.Float64()
	return time.Duration(d + jitter)
}

// Shutdown asks every worker to stop gracefully, waiting up to grace
// for each worker process to exit before killing it outright.
func (p *Pool) Shutdown(ctx context.Context, grace time.Duration) {
	p.mu.Lock()
	p.closing = true
	workers := append([]*worker{}, p.workers...)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			_ = w.transport.Send(ipc.TypeRequest, ipc.Request{CorrelationID: "shutdown", Kind: ipc.RequestShutdown})
			done := make(chan struct{})
			go func() {
				_, _ = w.cmd.Process.Wait(), (*struct{})(nil)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(grace):
				_ = w.cmd.Process.Kill()
			}
		}(w)
	}
	wg.Wait()
}
