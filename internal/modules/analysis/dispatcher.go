package analysis

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher runs analysis processing on a fixed set of background workers.
// Submitting an id that is queued or running is a no-op, and a full queue
// drops the submission; the retry sweep picks up anything dropped.
type Dispatcher struct {
	run    func(ctx context.Context, id string)
	queue  chan string
	ready  chan struct{}
	logger *zap.Logger
	ctx    context.Context
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
	stopped  bool
}

func NewDispatcher(workers, queueSize int, run func(ctx context.Context, id string), logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		run:      run,
		queue:    make(chan string, queueSize),
		ready:    make(chan struct{}),
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Start binds the workers to ctx. Submissions made before Start stay queued.
// Once ctx ends, the queue closes and queued ids are dropped.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.ctx = ctx
	close(d.ready)
	go func() {
		<-ctx.Done()
		d.mu.Lock()
		d.stopped = true
		close(d.queue)
		d.mu.Unlock()
	}()
}

// Submit queues id and reports whether it was accepted.
func (d *Dispatcher) Submit(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if _, ok := d.inFlight[id]; ok {
		return false
	}
	select {
	case d.queue <- id:
		d.inFlight[id] = struct{}{}
		return true
	default:
		d.logger.Warn("analysis queue full, leaving to retry sweep", zap.String("analysisId", id))
		return false
	}
}

// Wait blocks until every worker has exited. It only returns after the
// context passed to Start has ended.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	<-d.ready
	for id := range d.queue {
		if d.ctx.Err() != nil {
			d.done(id)
			continue
		}
		d.process(id)
	}
}

func (d *Dispatcher) process(id string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("analysis worker panic", zap.String("analysisId", id), zap.Any("panic", r))
		}
		d.done(id)
	}()
	d.run(d.ctx, id)
}

func (d *Dispatcher) done(id string) {
	d.mu.Lock()
	delete(d.inFlight, id)
	d.mu.Unlock()
}
