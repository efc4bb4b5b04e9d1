package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"
)

const defaultNamePrefix = "pool"

var (
	poolNameCounter = newCounter()
	cfgValidator    = validator.New()
)

// Config is a connection pool's immutable configuration.
type Config struct {
	// MaxSize is the absolute cap on connections the pool will ever hand
	// out or keep idle at once.
	MaxSize int `validate:"required,gte=1"`
	// InitSize is the target warm population, 0 <= InitSize <= MaxSize.
	InitSize int `validate:"gte=0"`
	// Eager makes the pool populate InitSize synchronously-visible via a
	// warmup barrier (WaitForWarmup blocks until it is reached). When
	// false, the pool is ready immediately and connections are built
	// on demand.
	Eager bool
}

func (c Config) validate() error {
	if err := cfgValidator.Struct(c); err != nil {
		return fmt.Errorf("pool: invalid configuration: %w", err)
	}
	if c.InitSize > c.MaxSize {
		return fmt.Errorf("pool: invalid configuration: init size %d exceeds max size %d", c.InitSize, c.MaxSize)
	}
	return nil
}

// Option customizes a Pool at construction time.
type Option[T Connection] func(p *Pool[T]) error

// WithName assigns an explicit name to the pool, used in logs and in
// Name(). If omitted a name starting with "pool-" is generated.
func WithName[T Connection](name string) Option[T] {
	return func(p *Pool[T]) error {
		p.name = name
		return nil
	}
}

// WithLogger overrides the pool's structured logger.
func WithLogger[T Connection](logger *log.Logger) Option[T] {
	return func(p *Pool[T]) error {
		p.logger = logger
		return nil
	}
}

// Pool is a bounded, optionally-warmed container of connections of type T.
// The zero value is not usable; construct with New.
type Pool[T Connection] struct {
	name    string
	cfg     Config
	factory func() (T, error)
	logger  *log.Logger

	mu   sync.Mutex
	idle []T

	capacity *semaphore.Weighted

	ready   atomic.Bool
	readyCh chan struct{}

	closed       atomic.Bool
	warmupCancel context.CancelFunc
	warmupWG     sync.WaitGroup

	stats *poolStats
}

// New constructs a Pool over connections of type T. factory manufactures
// one connection; cfg controls sizing and warmup behavior.
func New[T Connection](factory func() (T, error), cfg Config, opts ...Option[T]) (*Pool[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("pool: no connection factory provided")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pool[T]{
		cfg:      cfg,
		factory:  factory,
		capacity: semaphore.NewWeighted(int64(cfg.MaxSize)),
		readyCh:  make(chan struct{}),
	}
	p.stats = newPoolStats(p.availableCount)

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.name == "" {
		p.name = fmt.Sprintf("%s-%d", defaultNamePrefix, poolNameCounter.inc())
	}
	if p.logger == nil {
		p.logger = newLogger(p.name)
	}

	if cfg.Eager && cfg.InitSize > 0 && cfg.MaxSize >= cfg.InitSize {
		p.startWarmup()
	} else {
		p.finishWarmup()
	}
	return p, nil
}

// Name returns the pool's name.
func (p *Pool[T]) Name() string { return p.name }

// Stats returns a point-in-time snapshot of pool activity.
func (p *Pool[T]) Stats() Stats { return p.stats.snapshot() }

func (p *Pool[T]) availableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// startWarmup spawns InitSize one-shot workers, each responsible for
// producing exactly one connection then exiting. Do not reuse a worker for
// more than one connection: the readiness latch logic below assumes the
// worker count equals InitSize.
func (p *Pool[T]) startWarmup() {
	ctx, cancel := context.WithCancel(context.Background())
	p.warmupCancel = cancel
	for i := 0; i < p.cfg.InitSize; i++ {
		p.warmupWG.Add(1)
		go p.fillOne(ctx)
	}
}

func (p *Pool[T]) fillOne(ctx context.Context) {
	defer p.warmupWG.Done()

	backoff := retry.NewConstant(time.Second)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.capacity.Acquire(ctx, 1); err != nil {
			return err
		}
		conn, err := p.factory()
		if err != nil {
			p.capacity.Release(1)
			p.logger.Error("warmup connection failed, retrying in 1s", "err", err)
			return retry.RetryableError(err)
		}

		p.mu.Lock()
		p.idle = append(p.idle, conn)
		full := len(p.idle) == p.cfg.InitSize
		p.mu.Unlock()

		if full {
			p.finishWarmup()
		}
		return nil
	})
	if err != nil {
		p.logger.Debug("warmup worker stopped without producing a connection", "err", err)
	}
}

// finishWarmup signals readiness. It is safe to call more than once (e.g.
// once per warmup worker racing to be the one that fills the last slot,
// and once from the lazy construction path); only the winning CAS
// performs the associated side effect.
func (p *Pool[T]) finishWarmup() {
	p.signalReady()
}

func (p *Pool[T]) signalReady() {
	if p.ready.CompareAndSwap(false, true) {
		close(p.readyCh)
	}
}

// WaitForWarmup blocks until the idle population has reached InitSize (or
// returns immediately if Eager is false or InitSize is 0). Idempotent and
// safe to call from any goroutine.
func (p *Pool[T]) WaitForWarmup() {
	<-p.readyCh
}

// AcquireTimeout is Acquire with a bare duration instead of a context,
// kept for callers that want spec.md's original acquire(timeout) shape.
func (p *Pool[T]) AcquireTimeout(timeout time.Duration) (*Manager[T], error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.Acquire(ctx)
}

// Acquire returns a scoped handle to a connection, or a Timeout error once
// ctx's deadline elapses.
func (p *Pool[T]) Acquire(ctx context.Context) (mgr *Manager[T], err error) {
	defer func() { p.stats.recordAcquire(err) }()

	if conn, ok := p.popIdle(); ok {
		return newManager(conn, p.release), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, NewError(Timeout, "timed out waiting for a connection")
	}

	if err := p.capacity.Acquire(ctx, 1); err != nil {
		return nil, NewError(Timeout, "timed out waiting for a connection")
	}

	// We hold a permit now; a connection may have been returned to idle
	// while we were waiting for it, in which case the permit we took is
	// superfluous and goes straight back.
	if conn, ok := p.popIdle(); ok {
		p.capacity.Release(1)
		return newManager(conn, p.release), nil
	}

	conn, ferr := p.factory()
	if ferr != nil {
		p.capacity.Release(1)
		if perr, ok := ferr.(*Error); ok {
			return nil, perr
		}
		return nil, NewError(ConnectionFailed, ferr.Error())
	}
	p.stats.active.inc()
	return newManager(conn, p.release), nil
}

func (p *Pool[T]) popIdle() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	if len(p.idle) == 0 {
		return zero, false
	}
	conn := p.idle[0]
	p.idle = p.idle[1:]
	p.stats.active.inc()
	return conn, true
}

// release is the Manager releaser installed by the pool. It holds no weak
// reference (see DESIGN.md "weak pool reference") — Pool.Close marks the
// pool closed, and release checks that flag before requeuing. A returned
// connection keeps holding its capacity permit: the permit represents a
// live connection, checked out or idle. Here it is given back only in the
// closed-pool branch below; Acquire and fillOne give a permit back when it
// turns out superfluous or the factory fails. popIdle and Close never
// release a permit.
func (p *Pool[T]) release(conn T) {
	p.stats.active.dec()
	if p.closed.Load() {
		_ = conn.Close()
		p.capacity.Release(1)
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Close cooperatively stops any still-running warmup workers and drains
// the idle queue, closing every connection found there.
func (p *Pool[T]) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.warmupCancel != nil {
		p.warmupCancel()
	}
	p.warmupWG.Wait()

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, conn := range idle {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
