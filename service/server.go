// Package service carries the connection-facing half of the broker: the
// accept loop, the per-worker client maps and the dispatch from decoded
// packets into the subscription store.
package service

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/panjf2000/ants/v2"
	uatomic "go.uber.org/atomic"

	"github.com/mauritsvdvijgh/FlashMQ/auth"
	"github.com/mauritsvdvijgh/FlashMQ/config"
	"github.com/mauritsvdvijgh/FlashMQ/logger"
	"github.com/mauritsvdvijgh/FlashMQ/message"
	"github.com/mauritsvdvijgh/FlashMQ/store"
	"github.com/mauritsvdvijgh/FlashMQ/util/cron"
)

var (
	errClientDisconnect  = errors.New("service: client disconnected")
	errProtocolViolation = errors.New("service: protocol violation")
)

const defaultPoolSize = 16384

// Server accepts connections, spreads them over the workers and runs the
// background sweeps.
type Server struct {
	cfg *config.FMQConfig

	store *store.SubscriptionStore
	auth  *auth.Authenticator

	codecFactory CodecFactory

	workers []*Worker
	pool    *ants.Pool
	crons   cron.Icron

	ln      net.Listener
	quit    chan struct{}
	running uatomic.Bool

	nextWorker uatomic.Uint32
}

func NewServer(cfg *config.FMQConfig, st *store.SubscriptionStore, authn *auth.Authenticator) (*Server, error) {
	factory, err := codecFactoryByName(cfg.Broker.Codec)
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(defaultPoolSize)
	if err != nil {
		return nil, err
	}

	workers := make([]*Worker, cfg.Broker.Workers)
	for i := range workers {
		workers[i] = newWorker(i)
	}

	return &Server{
		cfg:          cfg,
		store:        st,
		auth:         authn,
		codecFactory: factory,
		workers:      workers,
		pool:         pool,
		crons:        cron.NewIcron(),
		quit:         make(chan struct{}),
	}, nil
}

type jobFunc func()

func (f jobFunc) Run() { f() }

// ListenAndServe listens on the configured address and handles incoming
// client sessions until Close is called.
func (this *Server) ListenAndServe() error {
	if !this.running.CAS(false, true) {
		return errors.New("service: server already running")
	}

	ln, err := net.Listen("tcp", this.cfg.Broker.TcpAddr)
	if err != nil {
		return err
	}
	this.ln = ln
	logger.Logger.Infof("Listening on %s", this.cfg.Broker.TcpAddr)

	this.scheduleJobs()
	this.crons.Start()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-this.quit:
				return nil
			default:
			}
			logger.Logger.Errorf("accept: %v", err)
			continue
		}
		this.handleConnection(conn)
	}
}

func (this *Server) scheduleJobs() {
	expireAfter := this.cfg.Broker.ExpireSessionsAfter
	if expireAfter > 0 {
		spec := fmt.Sprintf("@every %ds", this.cfg.Broker.SessionExpireInterval)
		this.crons.AddJob(spec, "session-expiry", jobFunc(func() {
			logger.Logger.Info("Cleaning out old sessions")
			removed := this.store.ExpireSessions(expireAfter)
			if removed > 0 {
				logger.Logger.Infof("Expired %d sessions", removed)
			}
		}))
	}

	pwSpec := fmt.Sprintf("@every %ds", this.cfg.Auth.PasswordFileCheckInterval)
	this.crons.AddJob(pwSpec, "passwd-reload", jobFunc(func() {
		this.auth.LoadPasswordFile()
	}))

	this.crons.AddJob("@every 5s", "keep-alive", jobFunc(func() {
		for _, w := range this.workers {
			w.DoKeepAliveCheck()
		}
	}))
}

func (this *Server) handleConnection(conn net.Conn) {
	worker := this.workers[this.nextWorker.Inc()%uint32(len(this.workers))]
	client := newClient(conn, this.codecFactory(conn), worker, this.cfg.Broker.KeepAlive)
	worker.GiveClient(client)

	if err := this.pool.Submit(func() { this.readLoop(client) }); err != nil {
		logger.Logger.Errorf("connection pool rejected client: %v", err)
		client.MarkDisconnecting()
	}
}

func (this *Server) readLoop(client *Client) {
	defer this.teardown(client)

	connected := false
	for {
		pkt, err := client.codec.ReadPacket()
		if err != nil {
			return
		}
		client.touch()

		if !connected {
			cp, ok := pkt.(*ConnectPacket)
			if !ok {
				logger.Logger.Debugf("first packet from %s is not CONNECT", client.conn.RemoteAddr())
				return
			}
			if err = this.processConnect(client, cp); err != nil {
				logger.Logger.Debugf("connect failed: %v", err)
				return
			}
			connected = true
			continue
		}

		if err = this.process(client, pkt); err != nil {
			if !errors.Is(err, errClientDisconnect) {
				logger.Logger.Debugf("client '%s': %v", client.id, err)
			}
			return
		}
	}
}

func (this *Server) teardown(client *Client) {
	client.MarkDisconnecting()
	if client.session != nil {
		client.session.ReleaseConnection(client)
		if client.clean {
			this.store.RemoveSession(client.id)
		}
	}
}

func (this *Server) processConnect(client *Client, cp *ConnectPacket) error {
	if r := this.auth.UnPwdCheck(cp.Username, cp.Password); r != auth.AuthSuccess {
		logger.Logger.Infof("login denied for user '%s': %v", cp.Username, r)
		client.writePacket(&ConnackPacket{ReturnCode: ErrBadUsernameOrPassword})
		return fmt.Errorf("%w: %v", errProtocolViolation, r)
	}

	client.id = cp.ClientId
	client.username = cp.Username
	client.clean = cp.CleanSession
	if cp.KeepAlive > 0 {
		client.keepAlive = time.Duration(cp.KeepAlive) * time.Second
	}

	sessionPresent := !cp.CleanSession && this.store.SessionPresent(cp.ClientId)

	ses, flushed, err := this.store.RegisterClient(client)
	if err != nil {
		return err
	}
	client.session = ses
	if flushed > 0 {
		logger.Logger.Debugf("flushed %d pending messages to '%s'", flushed, client.id)
	}

	return client.writePacket(&ConnackPacket{
		SessionPresent: sessionPresent,
		ReturnCode:     ConnectionAccepted,
	})
}

func (this *Server) process(client *Client, pkt interface{}) error {
	switch p := pkt.(type) {
	case *PublishPacket:
		return this.processPublish(client, p)

	case *SubscribePacket:
		return this.processSubscribe(client, p)

	case *UnsubscribePacket:
		for _, filter := range p.Filters {
			this.store.Unsubscribe(client, filter)
		}
		return client.writePacket(&UnsubackPacket{})

	case *PingreqPacket:
		return client.writePacket(&PingrespPacket{})

	case *DisconnectPacket:
		return errClientDisconnect

	case *ConnectPacket:
		// A second CONNECT on a live connection is a protocol error.
		return errProtocolViolation

	default:
		return fmt.Errorf("%w: unexpected packet %T", errProtocolViolation, pkt)
	}
}

func (this *Server) processPublish(client *Client, p *PublishPacket) error {
	if r := this.auth.AclCheck(client.id, client.username, p.Topic, auth.AclWrite); r != auth.AuthSuccess {
		logger.Logger.Debugf("publish to '%s' by '%s' denied: %v", p.Topic, client.username, r)
		return nil
	}

	if p.Retain {
		if err := this.store.SetRetained(p.Topic, p.Payload, p.QoS); err != nil {
			return err
		}
	}

	_, err := this.store.Publish(&p.Publish)
	return err
}

func (this *Server) processSubscribe(client *Client, p *SubscribePacket) error {
	codes := make([]byte, 0, len(p.Filters))
	for _, f := range p.Filters {
		if r := this.auth.AclCheck(client.id, client.username, f.Filter, auth.AclRead); r != auth.AuthSuccess {
			logger.Logger.Debugf("subscribe to '%s' by '%s' denied: %v", f.Filter, client.username, r)
			codes = append(codes, message.QosFailure)
			continue
		}
		if _, err := this.store.Subscribe(client, f.Filter, f.Qos); err != nil {
			codes = append(codes, message.QosFailure)
			continue
		}
		codes = append(codes, f.Qos)
	}
	return client.writePacket(&SubackPacket{Codes: codes})
}

// Close shuts the server down: the listener stops, the sweeps stop, every
// client is disconnected and the worker pool drains.
func (this *Server) Close() error {
	if !this.running.CAS(true, false) {
		return nil
	}

	close(this.quit)
	this.crons.Stop()
	if this.ln != nil {
		this.ln.Close()
	}
	for _, w := range this.workers {
		w.CloseAll()
	}
	this.pool.Release()
	return nil
}
