// Package sessions keeps the per-client durable state. A Session outlives
// the TCP connections that carry it; the registry in the store maps client
// ids to live sessions and decides when a session is replaced or expired.
package sessions

import (
	"sync"
	"time"

	"github.com/mauritsvdvijgh/FlashMQ/message"
)

// Bearer is an active connection that can carry deliveries for a session.
// The concrete type lives in the service layer; sessions only need enough of
// it to deliver, identify and kick.
type Bearer interface {
	ClientID() string
	CleanSession() bool
	Deliver(p *message.Publish) error
	MarkDisconnecting()
}

// Session 客户端会话
type Session struct {
	id    string
	clean bool

	// pending holds QoS >= 1 publishes queued while no connection is
	// bound. The queue is internally synchronized.
	pending *pendqueue

	pids *pidgen

	// Serialize access to the fields below.
	//序列化对该会话的访问锁
	mu sync.Mutex

	// conn is the active connection bearer, nil while disconnected. At
	// most one bearer is bound at any instant.
	conn Bearer

	// topics stores all the filters this session is subscribed to, for
	// bookkeeping during serialization.
	topics map[string]byte

	lastTouched time.Time
}

func NewSession(id string, clean bool, maxPending int) *Session {
	return &Session{
		id:          id,
		clean:       clean,
		pending:     newPendqueue(64, maxPending),
		pids:        newPidgen(),
		topics:      make(map[string]byte),
		lastTouched: time.Now(),
	}
}

func (this *Session) ID() string {
	return this.id
}

func (this *Session) CleanSession() bool {
	return this.clean
}

// Touch refreshes the last-used timestamp so the expiry sweep cannot remove
// the session between a presence check and its next use.
func (this *Session) Touch() {
	this.mu.Lock()
	this.lastTouched = time.Now()
	this.mu.Unlock()
}

func (this *Session) LastTouched() time.Time {
	this.mu.Lock()
	defer this.mu.Unlock()
	return this.lastTouched
}

// SetLastTouched restores the expiry clock when a session is loaded from
// the persistence stream.
func (this *Session) SetLastTouched(t time.Time) {
	this.mu.Lock()
	this.lastTouched = t
	this.mu.Unlock()
}

// HasExpired reports whether the session has been idle longer than
// afterSeconds. A session with a live connection never expires.
func (this *Session) HasExpired(afterSeconds int) bool {
	this.mu.Lock()
	defer this.mu.Unlock()
	if this.conn != nil {
		return false
	}
	return time.Since(this.lastTouched) > time.Duration(afterSeconds)*time.Second
}

// AssignConnection binds c as the active bearer.
func (this *Session) AssignConnection(c Bearer) {
	this.mu.Lock()
	this.conn = c
	this.lastTouched = time.Now()
	this.mu.Unlock()
}

// ActiveConnection returns the bound bearer or nil.
func (this *Session) ActiveConnection() Bearer {
	this.mu.Lock()
	defer this.mu.Unlock()
	return this.conn
}

// ReleaseConnection clears the active slot, but only if c is still the
// bound bearer. A connection that was already replaced by a takeover must
// not release its successor.
func (this *Session) ReleaseConnection(c Bearer) {
	this.mu.Lock()
	if this.conn == c {
		this.conn = nil
		this.lastTouched = time.Now()
	}
	this.mu.Unlock()
}

// WritePacket routes one publish to this session: delivered on the live
// connection when one is bound, queued when the effective QoS warrants it,
// dropped otherwise. Returns the number of messages delivered or queued
// (0 or 1).
func (this *Session) WritePacket(p *message.Publish, maxQos byte, retain bool) int {
	out := p.Copy(maxQos, retain)
	if out.QoS > message.QosAtMostOnce {
		out.PacketId = this.pids.next()
	}

	conn := this.ActiveConnection()
	if conn != nil {
		if err := conn.Deliver(out); err == nil {
			return 1
		}
	}

	if out.QoS == message.QosAtMostOnce {
		return 0
	}
	if err := this.pending.Push(out); err != nil {
		return 0
	}
	return 1
}

// SendPendingMessages flushes the queued publishes, in enqueue order, to the
// active connection. Returns how many were sent.
func (this *Session) SendPendingMessages() int {
	conn := this.ActiveConnection()
	if conn == nil {
		return 0
	}

	count := 0
	for _, p := range this.pending.PopAll() {
		if err := conn.Deliver(p); err != nil {
			break
		}
		count++
	}
	return count
}

// PendingMessages snapshots the queue for the persistence copy-out.
func (this *Session) PendingMessages() []*message.Publish {
	return this.pending.Snapshot()
}

// RestorePending refills the queue on load, preserving order.
func (this *Session) RestorePending(msgs []*message.Publish) {
	for _, p := range msgs {
		if err := this.pending.Push(p); err != nil {
			break
		}
	}
}

func (this *Session) AddTopic(filter string, qos byte) {
	this.mu.Lock()
	this.topics[filter] = qos
	this.mu.Unlock()
}

func (this *Session) RemoveTopic(filter string) {
	this.mu.Lock()
	delete(this.topics, filter)
	this.mu.Unlock()
}

// Topics returns the subscribed filters and their QoS, index-associated.
func (this *Session) Topics() ([]string, []byte) {
	this.mu.Lock()
	defer this.mu.Unlock()

	var (
		filters []string
		qoss    []byte
	)
	for k, v := range this.topics {
		filters = append(filters, k)
		qoss = append(qoss, v)
	}
	return filters, qoss
}
