// Package queue describes the partitioned work queue the pipeline is built
// on. Backends live in internal/adapter/nsq and internal/queue/memqueue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed       = errors.New("queue: closed")
	ErrUnknownTopic = errors.New("queue: unknown topic")
	ErrNotAssigned  = errors.New("queue: partition not assigned")
)

// Message is one record read from a topic partition.
type Message struct {
	ID        string
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Attempts  uint16
}

type TopicPartition struct {
	Topic     string
	Partition int
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

// RebalanceListener is notified when partitions move between group members.
// Callbacks run while the group is rebalancing and must not block or call
// back into the consumer.
type RebalanceListener interface {
	OnAssigned(partitions []TopicPartition)
	OnRevoked(partitions []TopicPartition)
}

// RebalanceFuncs adapts plain functions to RebalanceListener. Nil fields are
// skipped.
type RebalanceFuncs struct {
	Assigned func([]TopicPartition)
	Revoked  func([]TopicPartition)
}

func (f RebalanceFuncs) OnAssigned(p []TopicPartition) {
	if f.Assigned != nil {
		f.Assigned(p)
	}
}

func (f RebalanceFuncs) OnRevoked(p []TopicPartition) {
	if f.Revoked != nil {
		f.Revoked(p)
	}
}

type Publisher interface {
	// Publish enqueues value and returns immediately. The returned Ack
	// resolves once the broker has accepted or rejected the message. A nil
	// key spreads messages across partitions round-robin.
	Publish(ctx context.Context, topic string, key, value []byte) (*Ack, error)
	Close() error
}

type Consumer interface {
	Subscribe(topics []string, l RebalanceListener) error
	// Poll waits up to timeout for the next message. It returns nil, nil
	// when nothing arrived in time.
	Poll(ctx context.Context, timeout time.Duration) (*Message, error)
	// Commit marks msg and everything before it on the same partition as
	// processed for the consumer group.
	Commit(msg *Message) error
	Close() error
}

type Admin interface {
	CreateTopic(ctx context.Context, topic string, partitions int) error
}
