package stream

import (
	"context"
	"sync"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/domain/schema"
)

type fakeConn struct {
	authErr error

	mu           sync.Mutex
	subscribed   [][]schema.Topic
	unsubscribed [][]schema.Topic
	rejected     map[schema.Topic]bool
	closed       bool

	messages chan schema.InboundMessage
	fail     chan error
	running  chan struct{}
	once     sync.Once
	live     bool
	// liveAt records, per Subscribe call, whether Live had been called.
	liveAt []bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		messages: make(chan schema.InboundMessage, 64),
		fail:     make(chan error, 1),
		running:  make(chan struct{}),
		rejected: map[schema.Topic]bool{},
	}
}

func (c *fakeConn) Authenticate(context.Context) error { return c.authErr }

func (c *fakeConn) Subscribe(_ context.Context, topics []schema.Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, append([]schema.Topic(nil), topics...))
	c.liveAt = append(c.liveAt, c.live)
	for _, topic := range topics {
		if c.rejected[topic] {
			return errs.New("fake", errs.CodeProtocol, errs.WithTopic(string(topic)))
		}
	}
	return nil
}

func (c *fakeConn) Unsubscribe(_ context.Context, topics []schema.Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, append([]schema.Topic(nil), topics...))
	return nil
}

func (c *fakeConn) Live() {
	c.mu.Lock()
	c.live = true
	c.mu.Unlock()
}

func (c *fakeConn) subscribeModes() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.liveAt...)
}

func (c *fakeConn) Run(ctx context.Context, sink Sink) error {
	c.once.Do(func() { close(c.running) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.fail:
			return err
		case msg := <-c.messages:
			sink.Deliver(msg)
		}
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) subscriptions() [][]schema.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]schema.Topic(nil), c.subscribed...)
}

func (c *fakeConn) unsubscriptions() [][]schema.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]schema.Topic(nil), c.unsubscribed...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTransport hands out scripted connections; after the script runs out every
// Connect fails with a transport error.
type fakeTransport struct {
	mu       sync.Mutex
	conns    []*fakeConn
	errs     []error
	attempts int
	dialed   chan int
}

func newFakeTransport(conns ...*fakeConn) *fakeTransport {
	return &fakeTransport{conns: conns, dialed: make(chan int, 128)}
}

func (t *fakeTransport) Connect(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	t.attempts++
	n := t.attempts
	var conn *fakeConn
	var err error
	if len(t.errs) > 0 {
		err, t.errs = t.errs[0], t.errs[1:]
	} else if len(t.conns) > 0 {
		conn, t.conns = t.conns[0], t.conns[1:]
	} else {
		err = errs.New("fake", errs.CodeTransport, errs.WithMessage("connection refused"))
	}
	t.mu.Unlock()
	select {
	case t.dialed <- n:
	default:
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *fakeTransport) attemptCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}
