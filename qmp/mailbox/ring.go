package mailbox

import (
	"context"
	"sync"

	"github.com/rflandau/qmp/qmp/packet"
)

// DefaultRingDepth is the number of packets a Ring holds before Send starts blocking.
const DefaultRingDepth = 1

// A Ring is an in-process mailbox with a fixed number of slots.
// Send deposits a packet into a free slot (blocking while every slot is full); the remote side drains slots with Receive.
//
// A Ring hands out at most one channel at a time.
// The zero value is not usable; create Rings with NewRing.
type Ring struct {
	slots chan packet.Packet

	mu         sync.Mutex
	held       *ringChannel
	requestErr error // if set, RequestChannel fails with this error
	requested  uint  // lifetime count of successful requests
}

// NewRing returns a ring with the given number of slots.
// Depths < 1 are treated as DefaultRingDepth.
func NewRing(depth int) *Ring {
	if depth < 1 {
		depth = DefaultRingDepth
	}
	return &Ring{slots: make(chan packet.Packet, depth)}
}

// FailRequests causes subsequent RequestChannel calls to return err.
// Pass nil to restore normal behaviour.
func (r *Ring) FailRequests(err error) {
	r.mu.Lock()
	r.requestErr = err
	r.mu.Unlock()
}

// RequestChannel returns the ring's channel if no one else holds it.
func (r *Ring) RequestChannel(ctx context.Context, cl Client) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requestErr != nil {
		return nil, r.requestErr
	} else if r.held != nil {
		return nil, ErrBusy
	}
	r.held = &ringChannel{ring: r, client: cl}
	r.requested++
	return r.held, nil
}

// InUse reports whether a channel is currently held.
func (r *Ring) InUse() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held != nil
}

// Requested returns how many channels have ever been handed out.
func (r *Ring) Requested() uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested
}

// Pending returns the number of packets sitting in the ring.
func (r *Ring) Pending() int {
	return len(r.slots)
}

// Depth returns the number of slots in the ring.
func (r *Ring) Depth() int {
	return cap(r.slots)
}

// Receive removes the oldest packet from the ring, blocking until one arrives or ctx is done.
func (r *Ring) Receive(ctx context.Context) (packet.Packet, error) {
	select {
	case pkt := <-r.slots:
		return pkt, nil
	case <-ctx.Done():
		return packet.Packet{}, ctx.Err()
	}
}

// ringChannel is the handle given out by Ring.RequestChannel.
type ringChannel struct {
	ring   *Ring
	client Client

	mu    sync.Mutex
	freed bool
}

func (c *ringChannel) Send(ctx context.Context, pkt *packet.Packet) error {
	if pkt == nil {
		return ErrNilPacket
	}
	c.mu.Lock()
	freed := c.freed
	c.mu.Unlock()
	if freed {
		return ErrFreed
	}

	if !c.client.TxBlock { // deposit only if a slot is free right now
		select {
		case c.ring.slots <- *pkt:
			return nil
		default:
			return ErrTimeout
		}
	}

	ctx, cancel := context.WithDeadline(ctx, deadline(ctx, c.client.TxTimeout))
	defer cancel()
	select {
	case c.ring.slots <- *pkt:
		return nil
	case <-ctx.Done():
		return timeoutErr(ctx, ctx.Err())
	}
}

func (c *ringChannel) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return nil
	}
	c.freed = true

	c.ring.mu.Lock()
	if c.ring.held == c {
		c.ring.held = nil
	}
	c.ring.mu.Unlock()
	return nil
}
