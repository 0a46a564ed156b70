package bybit

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/app/stream"
	"github.com/coachpo/ordersync/internal/domain/schema"
	"github.com/coachpo/ordersync/internal/infra/logging"
)

const (
	streamComponent = "bybit-stream"
	readLimit       = 1 << 20
)

// StreamConfig describes how to reach and authenticate against the private stream.
type StreamConfig struct {
	URL               string
	APIKey            string
	APISecret         string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DialTimeout       time.Duration
	AuthExpiry        time.Duration
	Logger            *logrus.Entry
	// Now overrides the clock used for auth expiry. Tests only.
	Now func() time.Time
}

// StreamTransport dials Bybit's v5 private WebSocket.
type StreamTransport struct {
	cfg StreamConfig
}

var _ stream.Transport = (*StreamTransport)(nil)

// NewStreamTransport fills defaults and validates the endpoint.
func NewStreamTransport(cfg StreamConfig) (*StreamTransport, error) {
	if cfg.URL == "" {
		return nil, errs.New(streamComponent, errs.CodeInvalid, errs.WithMessage("stream url required"))
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.AuthExpiry <= 0 {
		cfg.AuthExpiry = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &StreamTransport{cfg: cfg}, nil
}

// Connect opens a new WebSocket session.
func (t *StreamTransport) Connect(ctx context.Context) (stream.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, t.cfg.URL, nil)
	if err != nil {
		return nil, errs.New(streamComponent, errs.CodeTransport,
			errs.WithMessage("dial"), errs.WithField("url", t.cfg.URL), errs.WithCause(err))
	}
	ws.SetReadLimit(readLimit)
	return &streamConn{
		ws:     ws,
		cfg:    t.cfg,
		logger: t.cfg.Logger,
		pongs:  make(chan struct{}, 1),
	}, nil
}

type streamConn struct {
	ws     *websocket.Conn
	cfg    StreamConfig
	logger *logrus.Entry

	writeMu sync.Mutex
	// running is set by Live; acks are then consumed by the read loop
	running atomic.Bool
	// data frames that arrived while waiting for a handshake response
	early []envelope
	pongs chan struct{}
}

func (c *streamConn) Authenticate(ctx context.Context) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errs.New(streamComponent, errs.CodeAuth, errs.WithMessage("missing api credentials"))
	}
	expires := c.cfg.Now().Add(c.cfg.AuthExpiry).UnixMilli()
	req := controlRequest{
		ReqID: uuid.NewString(),
		Op:    "auth",
		Args:  []any{c.cfg.APIKey, expires, signRealtime(c.cfg.APISecret, expires)},
	}
	if err := c.write(ctx, req); err != nil {
		return err
	}
	resp, err := c.awaitControl(ctx, "auth", "")
	if err != nil {
		return err
	}
	if !resp.succeeded() {
		return errs.New(streamComponent, errs.CodeAuth,
			errs.WithMessage("authentication rejected"), errs.WithRawMessage(resp.RetMsg))
	}
	c.logger.WithField("conn_id", resp.ConnID).Debug("stream authenticated")
	return nil
}

func (c *streamConn) Subscribe(ctx context.Context, topics []schema.Topic) error {
	return c.control(ctx, "subscribe", topics)
}

func (c *streamConn) Unsubscribe(ctx context.Context, topics []schema.Topic) error {
	return c.control(ctx, "unsubscribe", topics)
}

func (c *streamConn) control(ctx context.Context, op string, topics []schema.Topic) error {
	if len(topics) == 0 {
		return nil
	}
	args := make([]any, 0, len(topics))
	for _, topic := range topics {
		args = append(args, string(topic))
	}
	req := controlRequest{ReqID: uuid.NewString(), Op: op, Args: args}
	if err := c.write(ctx, req); err != nil {
		return err
	}
	if c.running.Load() {
		return nil
	}
	resp, err := c.awaitControl(ctx, op, req.ReqID)
	if err != nil {
		return err
	}
	if !resp.succeeded() {
		return rejection(resp)
	}
	return nil
}

// awaitControl reads frames until the response for op arrives. Only valid before Run.
func (c *streamConn) awaitControl(ctx context.Context, op, reqID string) (envelope, error) {
	for {
		frame, err := c.read(ctx)
		if err != nil {
			return envelope{}, err
		}
		env, err := decodeEnvelope(frame)
		if err != nil {
			c.logger.WithError(err).Warn("skip malformed handshake frame")
			continue
		}
		if !env.isControl() {
			c.early = append(c.early, env)
			continue
		}
		if env.Op != op {
			continue
		}
		if reqID != "" && env.ReqID != "" && env.ReqID != reqID {
			continue
		}
		return env, nil
	}
}

// Live stops handshake-style reads. From here on only the read loop touches the socket.
func (c *streamConn) Live() { c.running.Store(true) }

// Run delivers buffered handshake frames, then reads and pings until either fails.
func (c *streamConn) Run(ctx context.Context, sink stream.Sink) error {
	c.Live()

	for _, env := range c.early {
		c.deliver(env, sink)
	}
	c.early = nil

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error { return c.readLoop(ctx, sink) })
	p.Go(func(ctx context.Context) error { return c.heartbeat(ctx) })
	err := p.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *streamConn) readLoop(ctx context.Context, sink stream.Sink) error {
	for {
		frame, err := c.read(ctx)
		if err != nil {
			return err
		}
		env, err := decodeEnvelope(frame)
		if err != nil {
			sink.Report(err)
			continue
		}
		if env.isControl() {
			c.handleControl(env, sink)
			continue
		}
		c.deliver(env, sink)
	}
}

func (c *streamConn) handleControl(env envelope, sink stream.Sink) {
	switch env.Op {
	case "pong", "ping":
		select {
		case c.pongs <- struct{}{}:
		default:
		}
	case "subscribe", "unsubscribe":
		if !env.succeeded() {
			sink.Report(rejection(env))
		}
	default:
		c.logger.WithField("op", env.Op).Debug("ignore control frame")
	}
}

func (c *streamConn) deliver(env envelope, sink stream.Sink) {
	if len(env.Data) == 0 {
		sink.Report(errs.New(streamComponent, errs.CodeProtocol,
			errs.WithTopic(env.Topic), errs.WithMessage("data frame without payload")))
		return
	}
	sink.Deliver(schema.InboundMessage{
		Topic:      schema.Topic(env.Topic),
		Sequence:   env.CreationTime,
		Payload:    env.Data,
		ReceivedAt: time.Now().UTC(),
	})
}

func (c *streamConn) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		select {
		case <-c.pongs:
		default:
		}
		if err := c.write(ctx, controlRequest{ReqID: uuid.NewString(), Op: "ping"}); err != nil {
			return err
		}
		timer := time.NewTimer(c.cfg.HeartbeatTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.pongs:
			timer.Stop()
		case <-timer.C:
			return errs.New(streamComponent, errs.CodeTransport,
				errs.WithMessage("heartbeat timeout"),
				errs.WithField("timeout", c.cfg.HeartbeatTimeout.String()))
		}
	}
}

func (c *streamConn) read(ctx context.Context) ([]byte, error) {
	_, frame, err := c.ws.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		opts := []errs.Option{errs.WithMessage("read"), errs.WithCause(err)}
		if status := websocket.CloseStatus(err); status != -1 {
			opts = append(opts, errs.WithField("close_status", strconv.Itoa(int(status))))
		}
		return nil, errs.New(streamComponent, errs.CodeTransport, opts...)
	}
	return frame, nil
}

func (c *streamConn) write(ctx context.Context, req controlRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errs.New(streamComponent, errs.CodeProtocol, errs.WithMessage("encode request"), errs.WithCause(err))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, body); err != nil {
		return errs.New(streamComponent, errs.CodeTransport,
			errs.WithMessage("write "+req.Op), errs.WithCause(err))
	}
	return nil
}

func (c *streamConn) Close() error {
	return c.ws.CloseNow()
}

func rejection(env envelope) error {
	return errs.New(streamComponent, errs.CodeProtocol,
		errs.WithMessage(env.Op+" rejected"),
		errs.WithRawMessage(env.RetMsg),
		errs.WithField("req_id", env.ReqID))
}
