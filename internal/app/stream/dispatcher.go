package stream

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/domain/schema"
)

// Dispatcher routes decoded messages to the handlers registered for their topic.
// A single goroutine drains the queue, so messages of one topic reach handlers
// in arrival order.
type Dispatcher struct {
	registry *Registry
	queue    chan schema.InboundMessage
	report   func(error)
	logger   *logrus.Entry
	metrics  streamMetrics
}

// NewDispatcher creates a dispatcher with a bounded queue.
func NewDispatcher(registry *Registry, buffer int, report func(error), logger *logrus.Entry) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	if report == nil {
		report = func(error) {}
	}
	return &Dispatcher{
		registry: registry,
		queue:    make(chan schema.InboundMessage, buffer),
		report:   report,
		logger:   logger,
		metrics:  loadMetrics(),
	}
}

// Enqueue queues msg, blocking while the queue is full. It returns false when ctx ends first.
func (d *Dispatcher) Enqueue(ctx context.Context, msg schema.InboundMessage) bool {
	select {
	case <-ctx.Done():
		return false
	case d.queue <- msg:
		return true
	}
}

// Run drains the queue until ctx is cancelled. No handler starts after Run returns.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			d.Dispatch(ctx, msg)
		}
	}
}

// Drain discards queued messages and returns how many were dropped. It must
// not run concurrently with Run.
func (d *Dispatcher) Drain() int {
	dropped := 0
	for {
		select {
		case <-d.queue:
			dropped++
		default:
			return dropped
		}
	}
}

// Dispatch invokes every active handler for msg.Topic in registration order.
// Messages for topics without handlers are dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, msg schema.InboundMessage) {
	handlers := d.registry.HandlersFor(msg.Topic)
	topic := string(msg.Topic)
	if len(handlers) == 0 {
		d.metrics.drop(ctx, topic)
		d.logger.WithField("topic", topic).Debug("dropping message without active handler")
		return
	}
	d.metrics.message(ctx, topic)
	for _, handler := range handlers {
		if ctx.Err() != nil {
			return
		}
		if err := d.invoke(ctx, handler, msg); err != nil {
			d.metrics.handlerError(ctx, topic)
			d.logger.WithError(err).WithField("topic", topic).Warn("handler failed")
			d.report(err)
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, handler Handler, msg schema.InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New("dispatcher", errs.CodeHandler,
				errs.WithTopic(string(msg.Topic)),
				errs.WithMessage("handler panicked"),
				errs.WithCause(fmt.Errorf("panic: %v", r)),
				errs.WithField("stack", string(debug.Stack())))
		}
	}()
	if herr := handler(ctx, msg); herr != nil {
		return errs.New("dispatcher", errs.CodeHandler,
			errs.WithTopic(string(msg.Topic)), errs.WithCause(herr))
	}
	return nil
}
