package nsq

import (
	"context"
	"fmt"
	"log/slog"

	gonsq "github.com/nsqio/go-nsq"

	"paperscope/internal/queue"
)

// Publisher writes to partition topics through a single nsqd producer.
type Publisher struct {
	producer    *gonsq.Producer
	partitions  map[string]int
	partitioner queue.Partitioner
}

// NewPublisher connects lazily to nsqd at addr. partitions maps each logical
// topic to its partition count; publishing to any other topic fails.
func NewPublisher(addr string, partitions map[string]int, logger *slog.Logger) (*Publisher, error) {
	producer, err := gonsq.NewProducer(addr, gonsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	logger = orDefault(logger)
	producer.SetLogger(slogLogger{l: logger}, logLevel(logger))

	return &Publisher{producer: producer, partitions: partitions}, nil
}

func (p *Publisher) Publish(ctx context.Context, topic string, key, value []byte) (*queue.Ack, error) {
	n, ok := p.partitions[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownTopic, topic)
	}
	partition := p.partitioner.Partition(key, n)

	done := make(chan *gonsq.ProducerTransaction, 1)
	if err := p.producer.PublishAsync(TopicName(topic, partition), value, done); err != nil {
		return nil, err
	}

	ack := queue.NewAck()
	go func() {
		t := <-done
		// nsq has no offsets.
		ack.Resolve(queue.Delivery{Topic: topic, Partition: partition, Offset: -1}, t.Error)
	}()
	return ack, nil
}

// Ping checks that nsqd is reachable.
func (p *Publisher) Ping() error {
	return p.producer.Ping()
}

// Close waits for pending publishes and disconnects.
func (p *Publisher) Close() error {
	p.producer.Stop()
	return nil
}
