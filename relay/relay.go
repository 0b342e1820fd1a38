// Package relay moves feed events through kafka: the HTTP API publishes one
// event per mutation, every node consumes the topic and fans events out to
// its local websocket subscribers.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/chat"
)

const (
	kafkaReadTimeout  = 10 * time.Second
	kafkaWriteTimeout = 10 * time.Second

	publishTimeout = 3 * time.Second

	// kafka message value size limit. Content caps at 1000 runes, so any
	// larger value is garbage.
	valueMaxBytes = 8192

	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

// NewReader creates the consumer side of the feed topic.
// Every node joins with its own group id so each gets the full stream.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	})
}

// NewWriter creates the producer side of the feed topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
}

// Publisher writes feed events to kafka. It implements httpapi.Publisher.
type Publisher struct {
	writer IKafkaWriter
}

func NewPublisher(writer IKafkaWriter) *Publisher {
	return &Publisher{writer: writer}
}

func (p *Publisher) Publish(ctx context.Context, ev *chat.FeedEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("error marshal event: %+v, err: %v", ev, err)
	}
	if len(value) > valueMaxBytes {
		return fmt.Errorf("relay: event exceeds max limit: %d bytes", valueMaxBytes)
	}

	km := kafka.Message{
		// key by channel so one channel's events stay ordered.
		Key:   []byte(ev.Record.ChannelID),
		Value: value,
	}

	ctx2, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx2, km); err != nil {
		return fmt.Errorf("error write to kafka: %s", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Relay consumes the feed topic and pushes each event to the broadcaster.
type Relay struct {
	kafkaReader IKafkaReader
	broadcaster IBroadcaster
	wg          sync.WaitGroup
}

func NewRelay(kafkaReader IKafkaReader, broadcaster IBroadcaster) *Relay {
	return &Relay{
		kafkaReader: kafkaReader,
		broadcaster: broadcaster,
	}
}

// Run consumes events from kafka until ctx is cancelled.
// It may block at reading kafka message.
func (r *Relay) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("relay: enter")

	go r.consumeLoop(ctx)

	glog.Info("relay: ready")

	<-ctx.Done()

	glog.Info("relay: stopping")
	_ = r.kafkaReader.Close() // slow: take about 7s

	glog.Info("relay: stop wait")
	r.wg.Wait()

	glog.Info("relay: stopped")
	stopDoneNotifyC <- struct{}{}
}

func (r *Relay) consumeLoop(ctx context.Context) {
	glog.Info("relay: consume loop enter")
	r.wg.Add(1)

	defer func() {
		glog.Info("relay: consume loop exited")
		r.wg.Done()
	}()

	var sleep time.Duration

	for {
		glog.V(5).Info("relay: fetching message ...")
		msg, err := r.kafkaReader.FetchMessage(ctx)
		glog.V(5).Info("relay: fetch message done")

		if err != nil {
			glog.Errorf("relay: fetch from kafka err: %v", err)
			if err == context.Canceled {
				glog.V(5).Info("relay: fetch was cancelled")
				return
			}
			backoff(&sleep)
			select {
			case <-time.After(sleep):
				continue
			case <-ctx.Done():
				return
			}
		}
		sleep = 0

		// skip: bad format or oversized.
		if ev := decodeKafkaMsg(&msg); ev != nil {
			r.broadcaster.Broadcast(ev)
		}

		for {
			if err := r.kafkaReader.CommitMessages(ctx, msg); err == nil {
				sleep = 0
				break
			} else {
				// If this message is not committed back, it will be fetched
				// again by the next FetchMessage(). Broadcast is idempotent
				// on the client side, so the duplicate is harmless.
				glog.Errorf("relay: commit to kafka err: %v", err)
				if err == context.Canceled {
					glog.V(5).Info("relay: commit to kafka was cancelled")
					return
				}
				backoff(&sleep)
				select {
				case <-time.After(sleep):
					continue
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMinInterval
		}
	}
}

func decodeKafkaMsg(msg *kafka.Message) *chat.FeedEvent {
	if len(msg.Value) > valueMaxBytes {
		glog.Errorf("relay: kafka value out of limit, msg.Value: %s", string(msg.Value))
		return nil
	}
	var ev chat.FeedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		glog.Errorf("relay: failed to unmarshal kafka msg value: `%s`, error: %v", msg.Value, err)
		return nil
	}
	if !ev.Valid() {
		glog.Errorf("relay: drop invalid event, msg.Offset: %d, value: %s", msg.Offset, msg.Value)
		return nil
	}
	return &ev
}
