package nsq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonsq "github.com/nsqio/go-nsq"

	"paperscope/internal/queue"
)

type ClientConfig struct {
	NSQDAddr string
	// LookupdAddrs takes precedence over NSQDAddr when set.
	LookupdAddrs []string
	MsgTimeout   time.Duration
	// ReconnectDelay is the first wait before retrying a partition reader
	// that failed to connect. It doubles up to a minute.
	ReconnectDelay time.Duration
	Logger         *slog.Logger
}

// Client hands out consumers. Consumers of the same group created by one
// Client split partitions between them through a shared queue.Group.
type Client struct {
	cfg        ClientConfig
	partitions map[string]int

	mu     sync.Mutex
	groups map[string]*queue.Group
}

func NewClient(cfg ClientConfig, partitions map[string]int) *Client {
	cfg.Logger = orDefault(cfg.Logger)
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	return &Client{
		cfg:        cfg,
		partitions: partitions,
		groups:     make(map[string]*queue.Group),
	}
}

func (c *Client) partitionCount(topic string) (int, error) {
	n, ok := c.partitions[topic]
	if !ok {
		return 0, fmt.Errorf("%w: %s", queue.ErrUnknownTopic, topic)
	}
	return n, nil
}

// Group returns the coordinator shared by the consumers of group id.
func (c *Client) Group(id string) *queue.Group {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[id]
	if !ok {
		g = queue.NewGroup(id, c.partitionCount)
		c.groups[id] = g
	}
	return g
}

// partitionReader is a running reader of one partition topic.
type partitionReader interface {
	Stop()
	Stopped() <-chan int
}

type dialFunc func(tp queue.TopicPartition, h gonsq.Handler) (partitionReader, error)

type nsqReader struct{ c *gonsq.Consumer }

func (r nsqReader) Stop()               { r.c.Stop() }
func (r nsqReader) Stopped() <-chan int { return r.c.StopChan }

// dialer connects one nsq consumer per partition on channel, with a single
// message in flight so the partition is processed in order.
func (c *Client) dialer(channel string) dialFunc {
	return func(tp queue.TopicPartition, h gonsq.Handler) (partitionReader, error) {
		cfg := gonsq.NewConfig()
		cfg.MaxInFlight = 1
		if c.cfg.MsgTimeout > 0 {
			cfg.MsgTimeout = c.cfg.MsgTimeout
		}

		nc, err := gonsq.NewConsumer(TopicName(tp.Topic, tp.Partition), channel, cfg)
		if err != nil {
			return nil, err
		}
		nc.SetLogger(slogLogger{l: c.cfg.Logger}, logLevel(c.cfg.Logger))
		nc.AddHandler(h)

		if len(c.cfg.LookupdAddrs) > 0 {
			err = nc.ConnectToNSQLookupds(c.cfg.LookupdAddrs)
		} else {
			err = nc.ConnectToNSQD(c.cfg.NSQDAddr)
		}
		if err != nil {
			nc.Stop()
			return nil, fmt.Errorf("connect %s: %w", TopicName(tp.Topic, tp.Partition), err)
		}
		return nsqReader{c: nc}, nil
	}
}

type Option func(*Consumer)

// WithAutoCommit finishes each message as soon as Poll returns it.
func WithAutoCommit(enabled bool) Option {
	return func(c *Consumer) { c.autoCommit = enabled }
}

// NewConsumer creates a member of group. Nothing is read until Subscribe.
func (c *Client) NewConsumer(group, memberID string, opts ...Option) *Consumer {
	cons := &Consumer{
		group:      c.Group(group),
		memberID:   memberID,
		logger:     c.cfg.Logger,
		dial:       c.dialer(group),
		retryDelay: c.cfg.ReconnectDelay,
		messages:   make(chan *delivery),
		closing:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
		assigned:   make(map[queue.TopicPartition]struct{}),
		readers:    make(map[queue.TopicPartition]*reader),
		inflight:   make(map[string]*delivery),
	}
	for _, opt := range opts {
		opt(cons)
	}
	return cons
}

type delivery struct {
	tp  queue.TopicPartition
	msg *gonsq.Message
}

type reader struct {
	partitionReader
	stop chan struct{}
}

// Consumer reads the partitions the group assigns to it.
//
// Rebalance callbacks only record ownership. Readers are connected by
// Subscribe for the initial assignment and by a background loop for later
// ones, so the group lock is never held across a dial. A partition whose
// reader cannot connect at Subscribe fails the subscription; later
// failures are retried with backoff for as long as the partition is owned.
type Consumer struct {
	group      *queue.Group
	memberID   string
	logger     *slog.Logger
	dial       dialFunc
	retryDelay time.Duration
	autoCommit bool
	messages   chan *delivery
	closing    chan struct{}
	wake       chan struct{}
	supervised sync.WaitGroup

	mu       sync.Mutex
	listener queue.RebalanceListener
	assigned map[queue.TopicPartition]struct{}
	readers  map[queue.TopicPartition]*reader
	inflight map[string]*delivery
	stopped  []partitionReader
	joined   bool
	closed   bool
}

// Subscribe joins the group and connects a reader for every assigned
// partition. If any reader fails the consumer leaves the group again, so
// its partitions go back to the remaining members, and the error is
// returned.
func (c *Consumer) Subscribe(topics []string, l queue.RebalanceListener) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return queue.ErrClosed
	}
	c.listener = l
	c.mu.Unlock()

	if err := c.group.Join(c.memberID, topics, rebalanceHook{c}); err != nil {
		return err
	}

	if err := c.connectPending(); err != nil {
		if lerr := c.group.Leave(c.memberID); lerr != nil {
			c.logger.Warn("failed to leave group after subscribe error", "error", lerr, "member", c.memberID)
		}
		c.mu.Lock()
		for tp := range c.readers {
			c.stopReaderLocked(tp)
		}
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", c.memberID, err)
	}

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()

	c.supervised.Add(1)
	go c.supervise()
	return nil
}

// connectPending starts readers for owned partitions that have none. The
// lock is released while dialing; a partition revoked meanwhile gets its
// fresh reader stopped straight away.
func (c *Consumer) connectPending() error {
	c.mu.Lock()
	var pending []queue.TopicPartition
	for tp := range c.assigned {
		if _, ok := c.readers[tp]; !ok {
			pending = append(pending, tp)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, tp := range pending {
		stop := make(chan struct{})
		pr, err := c.dial(tp, c.handler(tp, stop))
		if err != nil {
			errs = append(errs, err)
			continue
		}

		r := &reader{partitionReader: pr, stop: stop}
		c.mu.Lock()
		_, owned := c.assigned[tp]
		_, running := c.readers[tp]
		if owned && !running && !c.closed {
			c.readers[tp] = r
			c.mu.Unlock()
			continue
		}
		close(stop)
		pr.Stop()
		c.stopped = append(c.stopped, pr)
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (c *Consumer) handler(tp queue.TopicPartition, stop <-chan struct{}) gonsq.Handler {
	return gonsq.HandlerFunc(func(m *gonsq.Message) error {
		m.DisableAutoResponse()
		select {
		case c.messages <- &delivery{tp: tp, msg: m}:
		case <-stop:
			m.RequeueWithoutBackoff(0)
		}
		return nil
	})
}

// supervise connects partitions assigned after Subscribe and retries
// readers that failed, until the consumer closes.
func (c *Consumer) supervise() {
	defer c.supervised.Done()

	delay := c.retryDelay
	var retry <-chan time.Time
	for {
		select {
		case <-c.closing:
			return
		case <-c.wake:
		case <-retry:
		}

		if err := c.connectPending(); err != nil {
			c.logger.Error("failed to start partition reader, retrying", "error", err, "member", c.memberID, "retry_in", delay)
			retry = time.After(delay)
			delay = min(delay*2, time.Minute)
			continue
		}
		retry = nil
		delay = c.retryDelay
	}
}

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*queue.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-c.messages:
		return c.accept(d), nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closing:
		return nil, queue.ErrClosed
	}
}

func (c *Consumer) accept(d *delivery) *queue.Message {
	m := &queue.Message{
		ID:        string(d.msg.ID[:]),
		Topic:     d.tp.Topic,
		Partition: d.tp.Partition,
		Offset:    -1,
		Value:     d.msg.Body,
		Timestamp: time.Unix(0, d.msg.Timestamp).UTC(),
		Attempts:  d.msg.Attempts,
	}
	if c.autoCommit {
		d.msg.Finish()
		return m
	}

	c.mu.Lock()
	c.inflight[m.ID] = d
	c.mu.Unlock()
	return m
}

// Commit finishes msg. A message whose partition was revoked has already
// been requeued and cannot be committed.
func (c *Consumer) Commit(msg *queue.Message) error {
	if msg == nil {
		return errors.New("nsq: nil message")
	}
	tp := queue.TopicPartition{Topic: msg.Topic, Partition: msg.Partition}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return queue.ErrClosed
	}
	d, ok := c.inflight[msg.ID]
	if !ok {
		if c.autoCommit {
			return nil
		}
		return fmt.Errorf("%w: %s", queue.ErrNotAssigned, tp)
	}
	delete(c.inflight, msg.ID)
	if _, owned := c.readers[tp]; !owned {
		d.msg.RequeueWithoutBackoff(0)
		return fmt.Errorf("%w: %s", queue.ErrNotAssigned, tp)
	}
	d.msg.Finish()
	return nil
}

// Close leaves the group. Uncommitted messages are requeued for the
// partitions' next owners.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	joined := c.joined
	c.mu.Unlock()
	close(c.closing)
	c.supervised.Wait()

	var err error
	if joined {
		err = c.group.Leave(c.memberID)
	}

	c.mu.Lock()
	for tp := range c.readers {
		c.stopReaderLocked(tp)
	}
	stopped := c.stopped
	c.stopped = nil
	c.mu.Unlock()

	for _, r := range stopped {
		select {
		case <-r.Stopped():
		case <-time.After(5 * time.Second):
			c.logger.Warn("nsq consumer did not stop in time", "member", c.memberID)
		}
	}
	return err
}

func (c *Consumer) stopReaderLocked(tp queue.TopicPartition) {
	r, ok := c.readers[tp]
	if !ok {
		return
	}
	delete(c.readers, tp)
	close(r.stop)

	for id, d := range c.inflight {
		if d.tp == tp {
			d.msg.RequeueWithoutBackoff(0)
			delete(c.inflight, id)
		}
	}
	r.Stop()
	c.stopped = append(c.stopped, r.partitionReader)
}

// rebalanceHook runs under the group lock and must not block.
type rebalanceHook struct{ c *Consumer }

func (h rebalanceHook) OnAssigned(tps []queue.TopicPartition) {
	c := h.c
	c.mu.Lock()
	for _, tp := range tps {
		c.assigned[tp] = struct{}{}
	}
	l := c.listener
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	if l != nil {
		l.OnAssigned(tps)
	}
}

func (h rebalanceHook) OnRevoked(tps []queue.TopicPartition) {
	c := h.c
	c.mu.Lock()
	for _, tp := range tps {
		delete(c.assigned, tp)
		c.stopReaderLocked(tp)
	}
	l := c.listener
	c.mu.Unlock()

	if l != nil {
		l.OnRevoked(tps)
	}
}
