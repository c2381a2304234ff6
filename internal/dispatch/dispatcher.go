package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"agentlisten/internal/engine"
	"agentlisten/internal/model"
)

var (
	ErrQueueFull           = errors.New("dispatch queue full")
	ErrNotRunning          = errors.New("dispatcher not running")
	ErrUnknownResponseType = errors.New("unknown response type")
	ErrStopTimeout         = errors.New("dispatcher stop timed out")
	ErrStillDraining       = errors.New("previous dispatcher consumer still running")
)

const (
	DefaultQueueSize      = 1000
	DefaultPollInterval   = time.Second
	DefaultEnqueueTimeout = 2 * time.Second
	DefaultHandlerTimeout = 30 * time.Second
	DefaultStopTimeout    = 5 * time.Second
)

// Processor turns one inbound message into responses.
type Processor interface {
	ProcessMessage(ctx context.Context, raw any, mctx model.Context) ([]model.Response, error)
}

// Handler delivers one response. Handle must honor ctx cancellation.
type Handler interface {
	Handle(ctx context.Context, resp model.Response, mctx model.Context) error
}

type HandlerFunc func(ctx context.Context, resp model.Response, mctx model.Context) error

func (f HandlerFunc) Handle(ctx context.Context, resp model.Response, mctx model.Context) error {
	return f(ctx, resp, mctx)
}

// Callback receives the responses of one processed message before they are
// dispatched.
type Callback func(responses []model.Response)

type item struct {
	raw  any
	mctx model.Context
	cb   Callback
}

type Stats struct {
	Running       bool  `json:"running"`
	QueueDepth    int   `json:"queue_depth"`
	QueueCapacity int   `json:"queue_capacity"`
	Enqueued      int64 `json:"enqueued"`
	Rejected      int64 `json:"rejected"`
	Processed     int64 `json:"processed"`
	ProcessErrors int64 `json:"process_errors"`
	Delivered     int64 `json:"delivered"`
	Dropped       int64 `json:"dropped"`
	HandlerErrors int64 `json:"handler_errors"`
}

// Dispatcher owns a bounded FIFO queue drained by exactly one consumer
// goroutine. Producers may call Enqueue concurrently.
type Dispatcher struct {
	proc      Processor
	directory engine.AgentDirectory
	logger    *zap.Logger

	queue          chan item
	pollInterval   time.Duration
	enqueueTimeout time.Duration
	handlerTimeout time.Duration
	stopTimeout    time.Duration

	mu       sync.Mutex
	handlers map[model.ResponseType]Handler
	running  bool
	quit     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc

	enqueued, rejected, processed, processErrors atomic.Int64
	delivered, dropped, handlerErrors            atomic.Int64
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDirectory enables the availability check before delivery.
func WithDirectory(dir engine.AgentDirectory) Option {
	return func(d *Dispatcher) { d.directory = dir }
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan item, n)
		}
	}
}

func WithPollInterval(v time.Duration) Option {
	return func(d *Dispatcher) { setPositive(&d.pollInterval, v) }
}

func WithEnqueueTimeout(v time.Duration) Option {
	return func(d *Dispatcher) { setPositive(&d.enqueueTimeout, v) }
}

func WithHandlerTimeout(v time.Duration) Option {
	return func(d *Dispatcher) { setPositive(&d.handlerTimeout, v) }
}

func WithStopTimeout(v time.Duration) Option {
	return func(d *Dispatcher) { setPositive(&d.stopTimeout, v) }
}

func setPositive(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func New(proc Processor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		proc:           proc,
		logger:         zap.NewNop(),
		queue:          make(chan item, DefaultQueueSize),
		pollInterval:   DefaultPollInterval,
		enqueueTimeout: DefaultEnqueueTimeout,
		handlerTimeout: DefaultHandlerTimeout,
		stopTimeout:    DefaultStopTimeout,
		handlers:       make(map[model.ResponseType]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterHandler binds a handler to a response type. Registration is only
// allowed while the dispatcher is stopped.
func (d *Dispatcher) RegisterHandler(t model.ResponseType, h Handler) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownResponseType, t)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", t)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.draining() {
		return fmt.Errorf("register handler for %s: dispatcher is running", t)
	}
	d.handlers[t] = h
	return nil
}

func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.logger.Warn("dispatcher already running")
		return nil
	}
	if d.draining() {
		return ErrStillDraining
	}
	for _, t := range model.ResponseTypes {
		if _, ok := d.handlers[t]; !ok {
			d.logger.Warn("no handler registered, responses will be dropped", zap.String("response_type", string(t)))
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.quit = make(chan struct{})
	d.done = make(chan struct{})
	d.cancel = cancel
	d.running = true
	go d.run(ctx, d.quit, d.done)
	d.logger.Info("dispatcher started", zap.Int("queue_capacity", cap(d.queue)))
	return nil
}

// draining reports whether the consumer of an earlier run has not exited yet,
// which happens after Stop timed out. Callers hold d.mu.
func (d *Dispatcher) draining() bool {
	if d.done == nil {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

// Stop closes intake and waits for the consumer to finish its in-flight
// item. Queued items that were not started stay queued for the next Start.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.quit)
	done, cancel := d.done, d.cancel
	d.mu.Unlock()

	timer := time.NewTimer(d.stopTimeout)
	defer timer.Stop()
	var err error
	select {
	case <-done:
	case <-timer.C:
		err = ErrStopTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	if n := len(d.queue); n > 0 {
		d.logger.Warn("dispatcher stopped with pending items", zap.Int("pending", n))
	}
	if err != nil {
		d.logger.Error("dispatcher stop did not complete", zap.Error(err))
		return err
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Enqueue hands a message to the consumer. On a full queue it waits up to
// the enqueue timeout and then returns ErrQueueFull; the message is never
// dropped silently.
func (d *Dispatcher) Enqueue(ctx context.Context, raw any, mctx model.Context, cb Callback) error {
	d.mu.Lock()
	running, quit := d.running, d.quit
	d.mu.Unlock()
	if !running {
		d.rejected.Add(1)
		return ErrNotRunning
	}
	it := item{raw: raw, mctx: mctx, cb: cb}

	select {
	case d.queue <- it:
		d.enqueued.Add(1)
		return nil
	default:
	}

	timer := time.NewTimer(d.enqueueTimeout)
	defer timer.Stop()
	select {
	case d.queue <- it:
		d.enqueued.Add(1)
		return nil
	case <-quit:
		d.rejected.Add(1)
		return ErrNotRunning
	case <-timer.C:
		d.rejected.Add(1)
		d.logger.Warn("dispatch queue full, message rejected",
			zap.Int("capacity", cap(d.queue)), zap.String("group_id", mctx.GroupID))
		return ErrQueueFull
	case <-ctx.Done():
		d.rejected.Add(1)
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()
	for {
		select {
		case <-quit:
			return
		default:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.pollInterval)
		select {
		case <-quit:
			return
		case it := <-d.queue:
			d.process(ctx, it)
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, it item) {
	defer func() {
		if r := recover(); r != nil {
			d.processErrors.Add(1)
			d.logger.Error("message processing panicked", zap.Any("panic", r), zap.String("group_id", it.mctx.GroupID))
		}
	}()
	responses, err := d.proc.ProcessMessage(ctx, it.raw, it.mctx)
	d.processed.Add(1)
	if err != nil {
		d.processErrors.Add(1)
		d.logger.Error("message processing failed", zap.String("group_id", it.mctx.GroupID), zap.Error(err))
		return
	}
	if it.cb != nil {
		d.runCallback(it.cb, responses)
	}
	for _, resp := range responses {
		d.dispatch(ctx, resp, it.mctx)
	}
}

func (d *Dispatcher) runCallback(cb Callback, responses []model.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch callback panicked", zap.Any("panic", r))
		}
	}()
	cb(responses)
}

// dispatch delivers one response. Failures are logged with the response and
// never propagate.
func (d *Dispatcher) dispatch(ctx context.Context, resp model.Response, mctx model.Context) {
	fields := []zap.Field{
		zap.String("response_type", string(resp.Type)),
		zap.String("rule_id", resp.RuleID),
		zap.String("agent_id", resp.AgentID),
		zap.String("group_id", mctx.GroupID),
	}
	if d.directory != nil {
		profile, err := d.directory.ResolveAgent(ctx, resp.AgentID)
		if err != nil {
			d.dropped.Add(1)
			d.logger.Warn("agent lookup failed, response dropped", append(fields, zap.Error(err))...)
			return
		}
		if !profile.IsAvailable {
			d.dropped.Add(1)
			d.logger.Info("agent unavailable, response dropped", append(fields, zap.String("status", string(profile.Status)))...)
			return
		}
	}

	d.mu.Lock()
	h, ok := d.handlers[resp.Type]
	d.mu.Unlock()
	if !ok {
		d.dropped.Add(1)
		d.logger.Warn("no handler for response type, response dropped", fields...)
		return
	}
	if err := d.invoke(ctx, h, resp, mctx); err != nil {
		d.handlerErrors.Add(1)
		d.logger.Error("response handler failed", append(fields, zap.Error(err))...)
		return
	}
	d.delivered.Add(1)
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, resp model.Response, mctx model.Context) error {
	hctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		errCh <- h.Handle(hctx, resp, mctx)
	}()
	select {
	case err := <-errCh:
		return err
	case <-hctx.Done():
		return fmt.Errorf("handler did not finish within %s: %w", d.handlerTimeout, hctx.Err())
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Running:       d.Running(),
		QueueDepth:    len(d.queue),
		QueueCapacity: cap(d.queue),
		Enqueued:      d.enqueued.Load(),
		Rejected:      d.rejected.Load(),
		Processed:     d.processed.Load(),
		ProcessErrors: d.processErrors.Load(),
		Delivered:     d.delivered.Load(),
		Dropped:       d.dropped.Load(),
		HandlerErrors: d.handlerErrors.Load(),
	}
}
