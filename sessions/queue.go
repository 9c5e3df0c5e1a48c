package sessions

import (
	"errors"
	"math"
	"sync"

	"github.com/mauritsvdvijgh/FlashMQ/message"
)

var errQueueFull error = errors.New("queue full")

// pendqueue is a growing FIFO implemented on a ring buffer. As the buffer
// gets full, it will auto-grow up to the configured cap.
//
// pendqueue holds the QoS >= 1 publishes queued for a session while it has
// no active connection. Enqueue order is delivery order.
// pendqueue保存会话离线期间的QoS>=1消息，入队顺序即投递顺序
type pendqueue struct {
	size  int64
	mask  int64
	count int64
	head  int64
	tail  int64

	max int64

	ring []*message.Publish

	mu sync.Mutex
}

func newPendqueue(n int, max int) *pendqueue {
	m := int64(n)
	if !powerOfTwo64(m) {
		m = roundUpPowerOfTwo64(m)
	}

	return &pendqueue{
		size: m,
		mask: m - 1,
		max:  int64(max),
		ring: make([]*message.Publish, m),
	}
}

// Push appends a message. When the ring is full it grows, unless the
// configured cap is reached, in which case the message is dropped with
// errQueueFull.
func (this *pendqueue) Push(msg *message.Publish) error {
	this.mu.Lock()
	defer this.mu.Unlock()

	if this.max > 0 && this.count >= this.max {
		return errQueueFull
	}

	if this.count == this.size {
		this.grow()
	}

	this.ring[this.tail] = msg
	this.tail = this.increment(this.tail)
	this.count++
	return nil
}

// PopAll drains the queue in enqueue order.
func (this *pendqueue) PopAll() []*message.Publish {
	this.mu.Lock()
	defer this.mu.Unlock()

	out := make([]*message.Publish, 0, this.count)
	for this.count > 0 {
		out = append(out, this.ring[this.head])
		this.ring[this.head] = nil
		this.head = this.increment(this.head)
		this.count--
	}
	return out
}

// Snapshot copies the queued messages in order without consuming them. Used
// by the persistence copy-out.
func (this *pendqueue) Snapshot() []*message.Publish {
	this.mu.Lock()
	defer this.mu.Unlock()

	out := make([]*message.Publish, 0, this.count)
	for i, n := this.head, this.count; n > 0; n-- {
		out = append(out, this.ring[i])
		i = this.increment(i)
	}
	return out
}

func (this *pendqueue) Len() int {
	this.mu.Lock()
	defer this.mu.Unlock()
	return int(this.count)
}

func (this *pendqueue) cap() int {
	return int(this.size)
}

func (this *pendqueue) increment(n int64) int64 {
	return (n + 1) & this.mask
}

func (this *pendqueue) grow() {
	if math.MaxInt64/2 < this.size {
		panic("new size will overflow int64")
	}

	newsize := this.size << 1
	newmask := newsize - 1
	newring := make([]*message.Publish, newsize)

	if this.tail > this.head {
		copy(newring, this.ring[this.head:this.tail])
	} else {
		copy(newring, this.ring[this.head:])
		copy(newring[this.size-this.head:], this.ring[:this.tail])
	}

	this.size = newsize
	this.mask = newmask
	this.ring = newring
	this.head = 0
	this.tail = this.count
}

func powerOfTwo64(n int64) bool {
	return n != 0 && (n&(n-1)) == 0
}

func roundUpPowerOfTwo64(n int64) int64 {
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++

	return n
}
