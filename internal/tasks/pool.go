package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrPoolStopped is reported for tasks submitted after Stop
var ErrPoolStopped = errors.New("tasks: pool stopped")

// Func is a unit of detached work. It receives the pool context.
type Func func(ctx context.Context) error

// Event is the terminal record of one task
type Event struct {
	Name     string
	UserID   string
	Err      error
	Panicked bool
	Duration time.Duration
}

// Task is a named detached unit of work
type Task struct {
	Name   string
	UserID string
	Run    Func
}

// Pool runs detached tasks on a fixed set of workers. Every submitted task
// produces exactly one Event on the events channel, if one is configured.
type Pool struct {
	queue  chan Task
	events chan<- Event
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	onDone func(Event)
}

// Config controls pool sizing
type Config struct {
	Workers   int
	QueueSize int
	// Events receives terminal events; sends never block
	Events chan<- Event
	// OnDone is called synchronously after every task, before the event is sent
	OnDone func(Event)
}

// NewPool starts the workers
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Task, cfg.QueueSize),
		events: cfg.Events,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		onDone: cfg.OnDone,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Submit hands a task to the pool. It never blocks the caller: when the
// queue is full the task gets its own goroutine.
func (p *Pool) Submit(task Task) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.emit(Event{Name: task.Name, UserID: task.UserID, Err: ErrPoolStopped})
		return
	}

	select {
	case p.queue <- task:
	default:
		p.logger.Debug("task queue full, running inline goroutine", zap.String("task", task.Name))
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.execute(task)
		}()
	}
}

// Go is shorthand for Submit
func (p *Pool) Go(name, userID string, fn Func) {
	p.Submit(Task{Name: name, UserID: userID, Run: fn})
}

// Stop drains queued tasks and waits for running ones, up to ctx's deadline
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("tasks still running at shutdown: %w", ctx.Err())
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.execute(task)
	}
}

func (p *Pool) execute(task Task) {
	start := time.Now()
	ev := Event{Name: task.Name, UserID: task.UserID}

	func() {
		defer func() {
			if r := recover(); r != nil {
				ev.Panicked = true
				ev.Err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		ev.Err = task.Run(p.ctx)
	}()

	ev.Duration = time.Since(start)

	if ev.Err != nil {
		p.logger.Warn("detached task failed",
			zap.String("task", task.Name),
			zap.String("user_id", task.UserID),
			zap.Bool("panicked", ev.Panicked),
			zap.Error(ev.Err),
		)
	}

	p.emit(ev)
}

func (p *Pool) emit(ev Event) {
	if p.onDone != nil {
		p.onDone(ev)
	}
	if p.events == nil {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("task event dropped, channel full", zap.String("task", ev.Name))
	}
}
