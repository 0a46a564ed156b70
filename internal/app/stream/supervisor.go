package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/domain/schema"
	"github.com/coachpo/ordersync/internal/infra/logging"
	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

var errStopping = errors.New("stream: stopping")

// Options configures a Supervisor.
type Options struct {
	Transport      Transport
	Registry       *Registry
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	DispatchBuffer int
	Logger         *logrus.Entry
	// OnError receives transport, protocol and handler failures. Optional.
	OnError func(error)
	// OnStateChange observes every connection state transition. Optional.
	OnStateChange func(from, to State)
	// Jitter returns a value in [0, 1] scaling the reconnect jitter. Defaults to math/rand.
	Jitter func() float64
}

type commandKind int

const (
	commandSubscribe commandKind = iota
	commandUnsubscribe
)

type command struct {
	kind  commandKind
	topic schema.Topic
}

// Supervisor keeps one private stream connection alive, replays active topics
// after every reconnect and feeds the dispatch loop.
type Supervisor struct {
	transport  Transport
	registry   *Registry
	dispatcher *Dispatcher
	backoff    *ReconnectBackOff
	state      *stateMachine
	logger     *logrus.Entry
	onError    func(error)
	metrics    streamMetrics

	pendingMu sync.Mutex
	pending   []command
	wake      chan struct{}

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	workers     *conc.WaitGroup
	done        chan struct{}

	fatalMu sync.Mutex
	fatal   error
}

// NewSupervisor validates options and builds an idle supervisor.
func NewSupervisor(opts Options) (*Supervisor, error) {
	if opts.Transport == nil {
		return nil, errs.New("supervisor", errs.CodeInvalid, errs.WithMessage("transport required"))
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	metrics := loadMetrics()
	s := &Supervisor{
		transport: opts.Transport,
		registry:  registry,
		backoff:   NewReconnectBackOff(opts.BackoffBase, opts.BackoffCap, opts.Jitter),
		logger:    logger,
		onError:   opts.OnError,
		metrics:   metrics,
		wake:      make(chan struct{}, 1),
	}
	observer := opts.OnStateChange
	s.state = newStateMachine(func(from, to State) {
		metrics.stateChange(to)
		logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("connection state changed")
		if observer != nil {
			observer(from, to)
		}
	})
	s.dispatcher = NewDispatcher(registry, opts.DispatchBuffer, s.report, logger)
	return s, nil
}

// Registry exposes the topic registry.
func (s *Supervisor) Registry() *Registry { return s.registry }

// State returns the current connection state.
func (s *Supervisor) State() State { return s.state.Current() }

// Subscribe registers handler for topic. When the topic is new and the
// connection is Live, a subscribe request is queued for the worker.
func (s *Supervisor) Subscribe(topic schema.Topic, handler Handler) (Subscription, error) {
	sub, added, err := s.registry.Subscribe(topic, handler)
	if err != nil {
		return Subscription{}, err
	}
	if added {
		s.enqueue(command{kind: commandSubscribe, topic: topic})
	}
	return sub, nil
}

// Unsubscribe deactivates the subscription. Messages already in flight for it
// are dropped instead of reaching the handler.
func (s *Supervisor) Unsubscribe(sub Subscription) {
	if s.registry.Unsubscribe(sub) {
		s.enqueue(command{kind: commandUnsubscribe, topic: sub.Topic()})
	}
}

func (s *Supervisor) enqueue(cmd command) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, cmd)
	s.pendingMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) takePending() []command {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// Start launches the background worker and dispatch loop. They run until Stop,
// a fatal error or cancellation of ctx. Calling Start on a running supervisor
// is a no-op; after a fatal termination Start begins a new run.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
			s.cancel()
			s.workers.Wait()
			s.cancel, s.workers, s.done = nil, nil, nil
		default:
			return nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.setFatal(nil)
	s.backoff.Reset()
	s.takePending()
	s.discardQueued()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.workers = &conc.WaitGroup{}

	done := s.done
	s.workers.Go(func() { s.dispatcher.Run(runCtx) })
	s.workers.Go(func() {
		defer close(done)
		defer cancel()
		s.run(runCtx)
	})
	return nil
}

// Stop closes the connection, interrupts any backoff wait and joins the
// workers. Messages still queued are discarded. No handler runs after Stop returns. Stop is idempotent and must
// not be called from inside a handler.
func (s *Supervisor) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.state.transition(Closing)
	s.cancel()
	s.workers.Wait()
	s.discardQueued()
	s.state.transition(Disconnected)
	s.cancel, s.workers, s.done = nil, nil, nil
}

// discardQueued drops frames a finished run read but never dispatched, so a
// later run does not deliver them.
func (s *Supervisor) discardQueued() {
	if n := s.dispatcher.Drain(); n > 0 {
		s.logger.WithField("dropped", n).Debug("discarded undispatched messages")
	}
}

// Done is closed when the current run ends, either through Stop or a fatal error.
// It returns nil before Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.done
}

// Err returns the fatal error that ended the last run, if any.
func (s *Supervisor) Err() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatal
}

func (s *Supervisor) setFatal(err error) {
	s.fatalMu.Lock()
	s.fatal = err
	s.fatalMu.Unlock()
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.state.transition(Disconnected)
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.session(ctx)
		if ctx.Err() != nil || errors.Is(err, errStopping) {
			return
		}
		s.state.transition(Disconnected)
		if errs.Is(err, errs.CodeAuth) {
			s.logger.WithError(err).Error("authentication rejected, supervisor stopped")
			s.setFatal(err)
			s.report(err)
			return
		}
		s.report(err)

		delay := s.backoff.NextBackOff()
		s.metrics.backoff(ctx, delay.Seconds())
		s.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": s.backoff.Attempt(),
			"delay":   delay.String(),
		}).Warn("stream connection lost, reconnecting")
		if !sleepContext(ctx, delay) {
			return
		}
	}
}

// session runs one connection from dial to failure.
func (s *Supervisor) session(ctx context.Context) error {
	if !s.state.transition(Connecting) {
		return errStopping
	}
	conn, err := s.transport.Connect(ctx)
	if err != nil {
		s.metrics.connection(ctx, Connecting, telemetry.ResultFailure)
		return transportError("connect", err)
	}

	var readers conc.WaitGroup
	runCtx, cancelRun := context.WithCancel(ctx)
	defer func() {
		cancelRun()
		if cerr := conn.Close(); cerr != nil {
			s.logger.WithError(cerr).Debug("close connection")
		}
		readers.Wait()
	}()

	if !s.state.transition(Authenticating) {
		return errStopping
	}
	if err := conn.Authenticate(ctx); err != nil {
		s.metrics.connection(ctx, Authenticating, telemetry.ResultFailure)
		if errs.Is(err, errs.CodeAuth) {
			return err
		}
		return transportError("authenticate", err)
	}

	if !s.state.transition(Subscribing) {
		return errStopping
	}
	s.takePending()
	s.registry.Compact()
	if topics := s.registry.ActiveTopics(); len(topics) > 0 {
		if err := s.sendControl(ctx, conn, commandSubscribe, topics); err != nil {
			return err
		}
	}

	if !s.state.transition(Live) {
		return errStopping
	}
	s.backoff.Reset()
	s.metrics.connection(ctx, Live, telemetry.ResultSuccess)
	s.logger.WithField("topics", s.registry.ActiveTopics()).Info("stream live")

	conn.Live()
	runErr := make(chan error, 1)
	readers.Go(func() {
		runErr <- conn.Run(runCtx, &dispatchSink{ctx: runCtx, supervisor: s})
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErr:
			if err == nil {
				err = errs.New("supervisor", errs.CodeTransport, errs.WithMessage("connection closed"))
			}
			return transportError("read", err)
		case <-s.wake:
			for _, cmd := range s.takePending() {
				if err := s.sendControl(ctx, conn, cmd.kind, []schema.Topic{cmd.topic}); err != nil {
					return err
				}
			}
		}
	}
}

// sendControl writes a (un)subscribe request. Rejected topics are reported and
// skipped; transport failures end the session.
func (s *Supervisor) sendControl(ctx context.Context, conn Conn, kind commandKind, topics []schema.Topic) error {
	var err error
	if kind == commandSubscribe {
		err = conn.Subscribe(ctx, topics)
	} else {
		err = conn.Unsubscribe(ctx, topics)
	}
	if err == nil {
		return nil
	}
	if errs.Is(err, errs.CodeProtocol) {
		s.logger.WithError(err).WithField("topics", topics).Warn("subscription request rejected")
		s.report(err)
		return nil
	}
	return transportError("subscribe", err)
}

func (s *Supervisor) report(err error) {
	if err == nil || s.onError == nil {
		return
	}
	s.onError(err)
}

func transportError(op string, err error) error {
	var e *errs.E
	if errors.As(err, &e) {
		return err
	}
	return errs.New("supervisor", errs.CodeTransport, errs.WithMessage(op), errs.WithCause(err))
}

type dispatchSink struct {
	ctx        context.Context
	supervisor *Supervisor
}

func (d *dispatchSink) Deliver(msg schema.InboundMessage) {
	d.supervisor.dispatcher.Enqueue(d.ctx, msg)
}

func (d *dispatchSink) Report(err error) {
	d.supervisor.logger.WithError(err).Warn("stream frame rejected")
	d.supervisor.report(err)
}
