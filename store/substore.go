// Package store owns the subscription trie, the retained-message trie and
// the session registry, and enforces the locking discipline across them.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mauritsvdvijgh/FlashMQ/logger"
	"github.com/mauritsvdvijgh/FlashMQ/message"
	"github.com/mauritsvdvijgh/FlashMQ/sessions"
	"github.com/mauritsvdvijgh/FlashMQ/topics"
)

// ErrProtocol marks malformed input from a client; the connection carrying
// it is closed.
var ErrProtocol = errors.New("store: protocol error")

// SubscriptionStore is the facade over both tries and the session registry.
//
// Lock discipline: smu guards the subscription trie AND the session
// registry, which are intertwined (publishes read both, subscribe and
// register write both). rmu guards the retained trie alone. The subscribe
// path holds the smu write lock and takes the rmu read lock inside it;
// the two write locks are never held simultaneously.
type SubscriptionStore struct {
	smu sync.RWMutex
	rmu sync.RWMutex

	topics *topics.MemTopics

	// sessionsById维护clientId到会话的唯一映射
	sessionsById map[string]*sessions.Session

	maxQueueMessages int
}

func NewSubscriptionStore(maxQueueMessages int) *SubscriptionStore {
	return &SubscriptionStore{
		topics:           topics.NewMemTopics(),
		sessionsById:     make(map[string]*sessions.Session),
		maxQueueMessages: maxQueueMessages,
	}
}

// alive is the weak-reference upgrade: a subscription's session pointer is
// live iff the registry still maps its client id to that same session.
// Caller must hold smu.
func (this *SubscriptionStore) alive(ses *sessions.Session) bool {
	return this.sessionsById[ses.ID()] == ses
}

// Subscribe inserts the filter for the client's session and delivers the
// matching retained messages to it. Returns how many retained messages
// were delivered.
func (this *SubscriptionStore) Subscribe(c sessions.Bearer, filter string, qos byte) (int, error) {
	subtopics := topics.Split(filter)
	if err := topics.ValidateFilter(subtopics); err != nil {
		return 0, err
	}

	this.smu.Lock()
	defer this.smu.Unlock()

	ses, ok := this.sessionsById[c.ClientID()]
	if !ok {
		return 0, fmt.Errorf("%w: subscribe from unregistered client %q", ErrProtocol, c.ClientID())
	}

	if err := this.topics.Subscribe(subtopics, qos, ses); err != nil {
		return 0, err
	}
	ses.AddTopic(filter, qos)

	// Retained delivery happens after the subscription is in the trie, so
	// a publisher racing this subscribe may deliver before or after the
	// retained pass; both orderings are valid.
	count := 0
	this.rmu.RLock()
	this.topics.RetainedMatching(subtopics, func(rm *topics.RetainedMessage) {
		p := &message.Publish{Topic: rm.Topic, Payload: rm.Payload, QoS: rm.Qos}
		count += ses.WritePacket(p, qos, true)
	})
	this.rmu.RUnlock()

	return count, nil
}

// Unsubscribe removes the client's subscription record under the filter.
// Unknown filters return silently.
func (this *SubscriptionStore) Unsubscribe(c sessions.Bearer, filter string) {
	subtopics := topics.Split(filter)

	this.smu.Lock()
	defer this.smu.Unlock()

	this.topics.Unsubscribe(subtopics, c.ClientID())
	if ses, ok := this.sessionsById[c.ClientID()]; ok {
		ses.RemoveTopic(filter)
	}
}

// RegisterClient binds the connection to its session, kicking an existing
// bearer of the same client id first [MQTT-3.1.4-2]. A fresh session is
// constructed when none exists or the connection asked for a clean one.
// Returns the bound session and the number of pending messages flushed.
func (this *SubscriptionStore) RegisterClient(c sessions.Bearer) (*sessions.Session, int, error) {
	if c.ClientID() == "" {
		return nil, 0, fmt.Errorf("%w: trying to store client without an ID", ErrProtocol)
	}

	this.smu.Lock()
	defer this.smu.Unlock()

	ses := this.sessionsById[c.ClientID()]
	if ses != nil {
		if prior := ses.ActiveConnection(); prior != nil {
			logger.Logger.Infof("Disconnecting existing client with id '%s'", c.ClientID())
			prior.MarkDisconnecting()
			ses.ReleaseConnection(prior)
		}
	}

	if ses == nil || c.CleanSession() {
		ses = sessions.NewSession(c.ClientID(), c.CleanSession(), this.maxQueueMessages)
		this.sessionsById[c.ClientID()] = ses
	}

	ses.AssignConnection(c)
	count := ses.SendPendingMessages()
	return ses, count, nil
}

// SessionPresent reports whether a session exists for the client id. A hit
// touches the session to close the race with the expiry sweep.
func (this *SubscriptionStore) SessionPresent(clientId string) bool {
	this.smu.RLock()
	defer this.smu.RUnlock()

	ses, ok := this.sessionsById[clientId]
	if ok {
		ses.Touch()
	}
	return ok
}

// Publish routes the packet to every matched subscription. The retained
// flag on p is a connection layer concern here: the store always delivers
// live publishes with retain unset; storing retained state is SetRetained.
// Returns how many deliveries were made or queued.
func (this *SubscriptionStore) Publish(p *message.Publish) (int, error) {
	subtopics := topics.Split(p.Topic)
	if err := topics.ValidateTopicName(subtopics); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	this.smu.RLock()
	defer this.smu.RUnlock()

	count := 0
	this.topics.Subscribers(subtopics, func(sub topics.Subscription) {
		ses := sub.Session()
		if !this.alive(ses) {
			// Stale back-reference; reaped on the next compaction.
			return
		}
		count += ses.WritePacket(p, sub.Qos(), false)
	})
	return count, nil
}

// SetRetained stores, replaces or clears the retained message for the
// concrete topic. An empty payload clears.
func (this *SubscriptionStore) SetRetained(topic string, payload []byte, qos byte) error {
	subtopics := topics.Split(topic)
	if err := topics.ValidateTopicName(subtopics); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	this.rmu.Lock()
	defer this.rmu.Unlock()

	this.topics.SetRetained(topic, subtopics, payload, qos)
	return nil
}

// RemoveSession drops the session keyed by the supplied client id.
func (this *SubscriptionStore) RemoveSession(clientId string) {
	this.smu.Lock()
	defer this.smu.Unlock()

	logger.Logger.Debugf("Removing session of client '%s'", clientId)
	delete(this.sessionsById, clientId)
}

// ExpireSessions sweeps sessions idle longer than afterSeconds out of the
// registry, then compacts the subscription trie so no walk can reach a
// subscription naming a swept session. Returns the number of sessions
// removed.
func (this *SubscriptionStore) ExpireSessions(afterSeconds int) int {
	this.smu.Lock()
	defer this.smu.Unlock()

	removed := 0
	for id, ses := range this.sessionsById {
		if ses.HasExpired(afterSeconds) {
			logger.Logger.Debugf("Removing expired session from store %s", id)
			delete(this.sessionsById, id)
			removed++
		}
	}

	left := this.topics.CleanSubscriptions(this.alive)
	logger.Logger.Debugf("Subscription tree rebuilt, %d subscriptions left", left)
	return removed
}

// SessionCount returns the registry size.
func (this *SubscriptionStore) SessionCount() int {
	this.smu.RLock()
	defer this.smu.RUnlock()
	return len(this.sessionsById)
}

// RetainedMessageCount returns how many retained messages are stored.
func (this *SubscriptionStore) RetainedMessageCount() int64 {
	this.rmu.RLock()
	defer this.rmu.RUnlock()
	return this.topics.RetainedCount()
}
