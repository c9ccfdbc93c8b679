package updater

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zheng/codectx/internal/llm"
	"github.com/zheng/codectx/internal/telemetry"
)

// PoolConfig bounds the embedding worker pool.
type PoolConfig struct {
	Workers int           `yaml:"workers" env:"WORKERS"` // 常驻 worker 数
	Rate    float64       `yaml:"rate" env:"RATE"`       // requests per second, 0 = unlimited
	Burst   int           `yaml:"burst" env:"BURST"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"` // 单次请求超时
}

// DefaultPoolConfig returns 4 workers, 10 req/s and a 30s timeout.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Workers: 4, Rate: 10, Burst: 4, Timeout: 30 * time.Second}
}

// Job asks for the embedding of one entity version.
type Job struct {
	ID          string
	Fingerprint uint64
	Text        string
}

// PoolStats counts pool outcomes since creation.
type PoolStats struct {
	Submitted int64 `json:"submitted"`
	Promoted  int64 `json:"promoted"` // 写入向量索引
	Stale     int64 `json:"stale"`    // 实体已变化, 结果丢弃
	Failed    int64 `json:"failed"`
}

// Pool embeds entities in the background with a fixed set of workers
// reading a FIFO queue. Request rate is bounded by a token bucket. Results
// are handed to promote, which decides whether the vector is still current.
type Pool struct {
	embedder llm.Embedder
	limiter  *rate.Limiter
	timeout  time.Duration
	promote  func(Job, []float32) bool
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond // signalled on new work, completion and close
	queue    []Job
	inflight int
	closed   bool
	workers  sync.WaitGroup

	submitted, promoted, stale, failed atomic.Int64
}

// NewPool starts cfg.Workers workers. promote is called once per
// successful embedding.
func NewPool(embedder llm.Embedder, cfg PoolConfig, promote func(Job, []float32) bool, logger *slog.Logger) *Pool {
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Workers
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		embedder: embedder,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		timeout:  cfg.Timeout,
		promote:  promote,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	p.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

// Submit queues jobs without blocking the caller.
func (p *Pool) Submit(jobs ...Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, jobs...)
	p.submitted.Add(int64(len(jobs)))
	telemetry.EmbeddingQueue.Set(float64(len(p.queue)))
	p.cond.Broadcast()
}

// next blocks until a job is queued or the pool closes.
func (p *Pool) next() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return Job{}, false
	}
	job := p.queue[0]
	p.queue[0] = Job{}
	p.queue = p.queue[1:]
	p.inflight++
	telemetry.EmbeddingQueue.Set(float64(len(p.queue)))
	return job, true
}

func (p *Pool) done() {
	p.mu.Lock()
	p.inflight--
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for {
		job, ok := p.next()
		if !ok {
			return
		}
		p.run(job)
		p.done()
	}
}

func (p *Pool) run(job Job) {
	if err := p.limiter.Wait(p.ctx); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	vec, err := p.embedder.Embed(ctx, job.Text)
	if err != nil {
		if errors.Is(err, context.Canceled) && p.ctx.Err() != nil {
			return
		}
		p.failed.Add(1)
		telemetry.EmbeddingRequests.WithLabelValues("failed").Inc()
		p.logger.Warn("embedding failed, entity stays lexical-only",
			slog.String("entity", job.ID),
			slog.String("error", (&llm.EmbeddingError{EntityID: job.ID, Err: err}).Error()))
		return
	}
	if p.promote(job, vec) {
		p.promoted.Add(1)
		telemetry.EmbeddingRequests.WithLabelValues("promoted").Inc()
		return
	}
	p.stale.Add(1)
	telemetry.EmbeddingRequests.WithLabelValues("stale").Inc()
}

// Wait blocks until the queue is empty and no job is running. It is safe
// to call concurrently with Submit.
func (p *Pool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for (len(p.queue) > 0 || p.inflight > 0) && !p.closed {
		p.cond.Wait()
	}
}

// Close drops queued jobs, cancels running ones and waits for the workers
// to exit.
func (p *Pool) Close() {
	p.cancel()
	p.mu.Lock()
	p.closed = true
	p.queue = nil
	telemetry.EmbeddingQueue.Set(0)
	p.cond.Broadcast()
	p.mu.Unlock()
	p.workers.Wait()
}

// Stats returns the outcome counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Promoted:  p.promoted.Load(),
		Stale:     p.stale.Load(),
		Failed:    p.failed.Load(),
	}
}
