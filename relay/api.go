package relay

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/chat"
)

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// IBroadcaster delivers a feed event to locally connected subscribers.
type IBroadcaster interface {
	Broadcast(ev *chat.FeedEvent)
}
