package stream

import (
	"context"
	"sync"

	"github.com/MrWong99/pcmlink/pkg/audio"
)

// DefaultQueueCapacity is the default number of blocks the transport channel
// holds before Send suspends.
const DefaultQueueCapacity = 2

// Channel is the bounded FIFO hand-off between the capture goroutine (the
// single producer) and the network goroutine (the single consumer).
//
// Closure propagates in both directions:
//
//   - CloseSend: the producer is done. Receive drains what is queued, then
//     returns [ErrChannelClosed].
//   - CloseReceive: the consumer is gone. Every later Send returns
//     [ErrReceiverGone] immediately, including a Send already suspended on a
//     full queue.
//
// Both Send and Receive give up with ctx.Err() when ctx is done while they
// are suspended.
type Channel struct {
	blocks   chan audio.SampleBlock
	sendDone chan struct{}
	recvDone chan struct{}

	sendOnce sync.Once
	recvOnce sync.Once
}

// NewChannel returns a channel holding at most capacity blocks. A capacity
// below 1 is treated as 1.
func NewChannel(capacity int) *Channel {
	return &Channel{
		blocks:   make(chan audio.SampleBlock, max(capacity, 1)),
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
	}
}

// Send enqueues b, suspending while the queue is full. Ownership of b passes
// to the consumer on success.
func (c *Channel) Send(ctx context.Context, b audio.SampleBlock) error {
	select {
	case <-c.recvDone:
		return ErrReceiverGone
	case <-c.sendDone:
		return ErrChannelClosed
	default:
	}
	select {
	case c.blocks <- b:
		return nil
	case <-c.recvDone:
		return ErrReceiverGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues the oldest block, suspending while the queue is empty.
func (c *Channel) Receive(ctx context.Context) (audio.SampleBlock, error) {
	select {
	case b := <-c.blocks:
		return b, nil
	case <-c.recvDone:
		return nil, ErrChannelClosed
	default:
	}
	select {
	case b := <-c.blocks:
		return b, nil
	case <-c.sendDone:
		// The producer may have queued blocks right before closing.
		select {
		case b := <-c.blocks:
			return b, nil
		default:
			return nil, ErrChannelClosed
		}
	case <-c.recvDone:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseSend marks the producer as finished. Safe to call more than once.
func (c *Channel) CloseSend() {
	c.sendOnce.Do(func() { close(c.sendDone) })
}

// CloseReceive marks the consumer as gone. Safe to call more than once.
func (c *Channel) CloseReceive() {
	c.recvOnce.Do(func() { close(c.recvDone) })
}

// Len returns the number of queued blocks.
func (c *Channel) Len() int { return len(c.blocks) }

// Cap returns the channel capacity.
func (c *Channel) Cap() int { return cap(c.blocks) }
