package schema

import (
	"time"

	json "github.com/goccy/go-json"
)

// Topic names an exchange-defined channel. Matching is case-sensitive.
type Topic string

// Private Bybit channels consumed by the engine.
const (
	TopicOrder     Topic = "order"
	TopicExecution Topic = "execution"
	TopicWallet    Topic = "wallet"
)

// InboundMessage is a decoded data frame delivered by the stream connection.
type InboundMessage struct {
	Topic      Topic           `json:"topic"`
	Sequence   int64           `json:"sequence"`
	Payload    json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"-"`
}
