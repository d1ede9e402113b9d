package queue

import (
	"context"
	"sync"
)

// Delivery describes where the broker stored a published message.
type Delivery struct {
	Topic     string
	Partition int
	Offset    int64
}

// Ack is the pending outcome of a Publish call. It resolves exactly once.
type Ack struct {
	once     sync.Once
	done     chan struct{}
	delivery Delivery
	err      error
}

func NewAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

// ResolvedAck returns an Ack that has already completed.
func ResolvedAck(d Delivery, err error) *Ack {
	a := NewAck()
	a.Resolve(d, err)
	return a
}

// Resolve completes the ack. Later calls are ignored.
func (a *Ack) Resolve(d Delivery, err error) {
	a.once.Do(func() {
		a.delivery = d
		a.err = err
		close(a.done)
	})
}

func (a *Ack) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the ack resolves or ctx ends.
func (a *Ack) Wait(ctx context.Context) (Delivery, error) {
	select {
	case <-a.done:
		return a.delivery, a.err
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}
