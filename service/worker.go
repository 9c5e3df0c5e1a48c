package service

import (
	"sync"

	"github.com/mauritsvdvijgh/FlashMQ/logger"
)

// Worker owns a share of the accepted connections. Each worker keeps its
// own client map behind its own mutex so the keep-alive sweep of one worker
// never stalls the others.
type Worker struct {
	id int

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func newWorker(id int) *Worker {
	return &Worker{
		id:      id,
		clients: make(map[*Client]struct{}),
	}
}

// GiveClient inserts the client into this worker's map.
func (this *Worker) GiveClient(c *Client) {
	this.mu.Lock()
	this.clients[c] = struct{}{}
	this.mu.Unlock()
}

// RemoveClient marks the client disconnecting and deregisters it.
func (this *Worker) RemoveClient(c *Client) {
	c.MarkDisconnecting()
}

func (this *Worker) detach(c *Client) {
	this.mu.Lock()
	delete(this.clients, c)
	this.mu.Unlock()
}

// ClientCount returns the number of connections this worker carries.
func (this *Worker) ClientCount() int {
	this.mu.Lock()
	defer this.mu.Unlock()
	return len(this.clients)
}

// DoKeepAliveCheck removes clients whose keep-alive deadline passed. It
// only try-locks: when the map is busy the sweep simply runs again on the
// next tick instead of blocking anyone.
func (this *Worker) DoKeepAliveCheck() bool {
	if !this.mu.TryLock() {
		return false
	}
	defer this.mu.Unlock()

	for c := range this.clients {
		if c.keepAliveExpired() {
			c.setDisconnectReason("keep-alive expired")
			c.close()
			delete(this.clients, c)
		}
	}
	return true
}

// CloseAll force-disconnects everything this worker carries, for shutdown.
func (this *Worker) CloseAll() {
	this.mu.Lock()
	defer this.mu.Unlock()

	for c := range this.clients {
		c.close()
		delete(this.clients, c)
	}
	logger.Logger.Debugf("worker %d closed all clients", this.id)
}
