// Package stream owns the private exchange stream: topic registry, connection
// state, reconnect supervision and message dispatch.
package stream

import (
	"context"

	"github.com/coachpo/ordersync/internal/domain/schema"
)

// Transport opens connections to the exchange's private stream.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a single transport session. All methods are called from the
// supervisor's worker only.
//
// Subscribe and Unsubscribe wait for the exchange acknowledgement until Live is
// called; afterwards they only write the request and the read loop consumes the
// acknowledgement.
type Conn interface {
	Authenticate(ctx context.Context) error
	Subscribe(ctx context.Context, topics []schema.Topic) error
	Unsubscribe(ctx context.Context, topics []schema.Topic) error
	// Live hands frame reading to Run. The supervisor calls it before starting Run
	// and never calls it concurrently with Subscribe or Unsubscribe.
	Live()
	// Run reads frames and keeps the heartbeat until the session fails or ctx ends.
	Run(ctx context.Context, sink Sink) error
	Close() error
}

// Sink receives what the read loop produces.
type Sink interface {
	// Deliver hands a decoded data frame to the dispatch loop, blocking when it is full.
	Deliver(msg schema.InboundMessage)
	// Report surfaces a non-fatal failure such as a malformed frame or a rejected subscription.
	Report(err error)
}
