package service

import (
	"errors"
	"net"
	"sync"
	"time"

	uatomic "go.uber.org/atomic"

	"github.com/mauritsvdvijgh/FlashMQ/logger"
	"github.com/mauritsvdvijgh/FlashMQ/message"
	"github.com/mauritsvdvijgh/FlashMQ/sessions"
)

var errDisconnecting = errors.New("service: client is disconnecting")

// Client is one accepted connection. It implements sessions.Bearer so the
// store can deliver through it and kick it on takeover.
type Client struct {
	conn   net.Conn
	codec  Codec
	worker *Worker

	id        string
	username  string
	clean     bool
	keepAlive time.Duration

	// lastActivity is the unix-nano clock the keep-alive check reads.
	lastActivity uatomic.Int64

	disconnecting    uatomic.Bool
	disconnectReason uatomic.String

	session *sessions.Session

	// wmu serializes codec writes; deliveries come from many publisher
	// threads.
	wmu sync.Mutex
}

func newClient(conn net.Conn, codec Codec, worker *Worker, defaultKeepAlive int) *Client {
	c := &Client{
		conn:      conn,
		codec:     codec,
		worker:    worker,
		keepAlive: time.Duration(defaultKeepAlive) * time.Second,
	}
	c.touch()
	return c
}

func (this *Client) ClientID() string {
	return this.id
}

func (this *Client) CleanSession() bool {
	return this.clean
}

// Deliver writes one publish out. Called from any worker's thread.
func (this *Client) Deliver(p *message.Publish) error {
	if this.disconnecting.Load() {
		return errDisconnecting
	}

	this.wmu.Lock()
	defer this.wmu.Unlock()
	return this.codec.WritePacket(&PublishPacket{Publish: *p})
}

// MarkDisconnecting flags the client, removes it from its worker's map and
// closes the socket. Safe to call more than once; later calls are no-ops.
func (this *Client) MarkDisconnecting() {
	if !this.disconnecting.CAS(false, true) {
		return
	}
	if this.worker != nil {
		this.worker.detach(this)
	}
	this.codec.Close()
	this.conn.Close()
}

// close is MarkDisconnecting minus the worker detach, for callers already
// holding the worker's map lock.
func (this *Client) close() {
	if !this.disconnecting.CAS(false, true) {
		return
	}
	this.codec.Close()
	this.conn.Close()
}

func (this *Client) setDisconnectReason(reason string) {
	this.disconnectReason.Store(reason)
	logger.Logger.Debugf("Client '%s' disconnecting: %s", this.id, reason)
}

func (this *Client) touch() {
	this.lastActivity.Store(time.Now().UnixNano())
}

// keepAliveExpired applies the protocol's 1.5x grace window.
func (this *Client) keepAliveExpired() bool {
	if this.keepAlive <= 0 {
		return false
	}
	last := time.Unix(0, this.lastActivity.Load())
	return time.Since(last) > this.keepAlive+this.keepAlive/2
}

// writePacket serializes a control packet to the socket.
func (this *Client) writePacket(pkt interface{}) error {
	this.wmu.Lock()
	defer this.wmu.Unlock()
	return this.codec.WritePacket(pkt)
}
