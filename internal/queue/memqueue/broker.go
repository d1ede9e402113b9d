// Package memqueue is an in-process partitioned log implementing the queue
// contracts. It keeps committed offsets per consumer group, so a consumer
// that takes over a partition resumes after the last commit and sees any
// uncommitted messages again.
package memqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"paperscope/internal/queue"
)

type Broker struct {
	mu          sync.Mutex
	topics      map[string][][]queue.Message
	groups      map[string]*groupState
	signal      chan struct{}
	partitioner queue.Partitioner
	closed      bool
}

type groupState struct {
	coord     *queue.Group
	committed map[queue.TopicPartition]int64
}

func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string][][]queue.Message),
		groups: make(map[string]*groupState),
		signal: make(chan struct{}),
	}
}

// CreateTopic is idempotent. An existing topic keeps its partition count.
func (b *Broker) CreateTopic(_ context.Context, topic string, partitions int) error {
	if partitions < 1 {
		return fmt.Errorf("memqueue: topic %s needs at least one partition", topic)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[topic]; ok {
		return nil
	}
	b.topics[topic] = make([][]queue.Message, partitions)
	return nil
}

func (b *Broker) Publish(_ context.Context, topic string, key, value []byte) (*queue.Ack, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, queue.ErrClosed
	}
	parts, ok := b.topics[topic]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownTopic, topic)
	}

	p := b.partitioner.Partition(key, len(parts))
	offset := int64(len(parts[p]))
	parts[p] = append(parts[p], queue.Message{
		ID:        fmt.Sprintf("%s-%d-%d", topic, p, offset),
		Topic:     topic,
		Partition: p,
		Offset:    offset,
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UTC(),
	})
	b.wakeLocked()
	b.mu.Unlock()

	return queue.ResolvedAck(queue.Delivery{Topic: topic, Partition: p, Offset: offset}, nil), nil
}

// Close stops accepting new messages. Consumers can still drain.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Len returns the number of messages ever written to topic.
func (b *Broker) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, p := range b.topics[topic] {
		n += len(p)
	}
	return n
}

// Committed returns the next offset the group will read from tp.
func (b *Broker) Committed(groupID string, tp queue.TopicPartition) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	gs, ok := b.groups[groupID]
	if !ok {
		return 0
	}
	return gs.committed[tp]
}

// Group exposes the coordinator of a consumer group.
func (b *Broker) Group(groupID string) *queue.Group {
	return b.group(groupID).coord
}

func (b *Broker) group(groupID string) *groupState {
	b.mu.Lock()
	defer b.mu.Unlock()

	gs, ok := b.groups[groupID]
	if !ok {
		gs = &groupState{
			coord:     queue.NewGroup(groupID, b.partitionCount),
			committed: make(map[queue.TopicPartition]int64),
		}
		b.groups[groupID] = gs
	}
	return gs
}

func (b *Broker) partitionCount(topic string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	parts, ok := b.topics[topic]
	if !ok {
		return 0, fmt.Errorf("%w: %s", queue.ErrUnknownTopic, topic)
	}
	return len(parts), nil
}

func (b *Broker) read(tp queue.TopicPartition, offset int64) (queue.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	parts, ok := b.topics[tp.Topic]
	if !ok || tp.Partition >= len(parts) {
		return queue.Message{}, false
	}
	log := parts[tp.Partition]
	if offset >= int64(len(log)) {
		return queue.Message{}, false
	}
	return log[offset], true
}

func (b *Broker) commit(gs *groupState, tp queue.TopicPartition, next int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if next > gs.committed[tp] {
		gs.committed[tp] = next
	}
}

func (b *Broker) committedOffset(gs *groupState, tp queue.TopicPartition) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return gs.committed[tp]
}

// waiter returns a channel that closes on the next publish or rebalance.
func (b *Broker) waiter() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signal
}

func (b *Broker) wake() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wakeLocked()
}

func (b *Broker) wakeLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}
