package memqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"paperscope/internal/queue"
)

type Option func(*Consumer)

// WithAutoCommit commits each message as soon as Poll returns it.
func WithAutoCommit(enabled bool) Option {
	return func(c *Consumer) { c.autoCommit = enabled }
}

// Consumer is one member of a consumer group on a Broker.
type Consumer struct {
	broker     *Broker
	group      *groupState
	memberID   string
	autoCommit bool

	mu        sync.Mutex
	listener  queue.RebalanceListener
	positions map[queue.TopicPartition]int64
	order     []queue.TopicPartition
	next      int
	joined    bool
	closed    bool
}

func (b *Broker) NewConsumer(groupID, memberID string, opts ...Option) *Consumer {
	c := &Consumer{
		broker:    b,
		group:     b.group(groupID),
		memberID:  memberID,
		positions: make(map[queue.TopicPartition]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Consumer) Subscribe(topics []string, l queue.RebalanceListener) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return queue.ErrClosed
	}
	c.listener = l
	c.mu.Unlock()

	if err := c.group.coord.Join(c.memberID, topics, rebalanceHook{c}); err != nil {
		return err
	}

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*queue.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		wait := c.broker.waiter()

		msg, err := c.fetch()
		if err != nil || msg != nil {
			return msg, err
		}

		select {
		case <-wait:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// fetch returns the next unread message, rotating across owned partitions so
// one busy partition cannot starve the others.
func (c *Consumer) fetch() (*queue.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, queue.ErrClosed
	}
	for i := 0; i < len(c.order); i++ {
		tp := c.order[(c.next+i)%len(c.order)]
		msg, ok := c.broker.read(tp, c.positions[tp])
		if !ok {
			continue
		}
		c.positions[tp] = msg.Offset + 1
		c.next = (c.next + i + 1) % len(c.order)
		msg.Attempts = 1
		if c.autoCommit {
			c.broker.commit(c.group, tp, msg.Offset+1)
		}
		return &msg, nil
	}
	return nil, nil
}

func (c *Consumer) Commit(msg *queue.Message) error {
	if msg == nil {
		return errors.New("memqueue: nil message")
	}
	tp := queue.TopicPartition{Topic: msg.Topic, Partition: msg.Partition}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return queue.ErrClosed
	}
	if _, ok := c.positions[tp]; !ok {
		return fmt.Errorf("%w: %s", queue.ErrNotAssigned, tp)
	}
	c.broker.commit(c.group, tp, msg.Offset+1)
	return nil
}

// Close leaves the group without committing. Anything read but not
// committed is redelivered to the partition's next owner.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	joined := c.joined
	c.mu.Unlock()

	var err error
	if joined {
		err = c.group.coord.Leave(c.memberID)
	}
	c.broker.wake()
	return err
}

// Assignment returns the partitions this consumer currently owns.
func (c *Consumer) Assignment() []queue.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]queue.TopicPartition, len(c.order))
	copy(out, c.order)
	return out
}

type rebalanceHook struct{ c *Consumer }

func (h rebalanceHook) OnAssigned(tps []queue.TopicPartition) {
	c := h.c
	c.mu.Lock()
	for _, tp := range tps {
		c.positions[tp] = c.broker.committedOffset(c.group, tp)
	}
	c.reorderLocked()
	l := c.listener
	c.mu.Unlock()

	if l != nil {
		l.OnAssigned(tps)
	}
	c.broker.wake()
}

func (h rebalanceHook) OnRevoked(tps []queue.TopicPartition) {
	c := h.c
	c.mu.Lock()
	for _, tp := range tps {
		delete(c.positions, tp)
	}
	c.reorderLocked()
	l := c.listener
	c.mu.Unlock()

	if l != nil {
		l.OnRevoked(tps)
	}
}

func (c *Consumer) reorderLocked() {
	c.order = c.order[:0]
	for tp := range c.positions {
		c.order = append(c.order, tp)
	}
	sort.Slice(c.order, func(i, j int) bool {
		if c.order[i].Topic != c.order[j].Topic {
			return c.order[i].Topic < c.order[j].Topic
		}
		return c.order[i].Partition < c.order[j].Partition
	})
	if c.next >= len(c.order) {
		c.next = 0
	}
}
