package topics

import (
	"github.com/mauritsvdvijgh/FlashMQ/message"
	"github.com/mauritsvdvijgh/FlashMQ/sessions"
)

// Subscription pairs a session back-reference with the granted QoS. The
// reference must not keep the session alive on its own: liveness is decided
// by the registry, see the alive predicate on CleanSubscriptions.
type Subscription struct {
	ses *sessions.Session
	qos byte
}

func (s Subscription) Session() *sessions.Session { return s.ses }

func (s Subscription) Qos() byte { return s.qos }

// snode is a node in the subscription trie. Literal children are keyed by
// subtopic; the two wildcard children have designated slots. Subscriptions
// whose filter ends here are attached at this node, so each filter maps to
// exactly one node.
type snode struct {
	subtopic string

	children map[string]*snode
	plus     *snode
	pound    *snode

	subscribers []Subscription
}

func newSNode(subtopic string) *snode {
	return &snode{
		subtopic: subtopic,
		children: make(map[string]*snode),
	}
}

// addSubscriber appends, or overwrites the QoS when the same client already
// subscribed here. QoS is not part of the identity: you upgrade your QoS by
// subscribing again.
func (this *snode) addSubscriber(ses *sessions.Session, qos byte) {
	for i := range this.subscribers {
		if this.subscribers[i].ses.ID() == ses.ID() {
			this.subscribers[i] = Subscription{ses: ses, qos: qos}
			return
		}
	}
	this.subscribers = append(this.subscribers, Subscription{ses: ses, qos: qos})
}

func (this *snode) removeSubscriber(clientId string) {
	for i := range this.subscribers {
		if this.subscribers[i].ses.ID() == clientId {
			this.subscribers = append(this.subscribers[:i], this.subscribers[i+1:]...)
			return
		}
	}
}

// getChildren gets a literal child or nil. Doesn't default-create nodes for
// non-existing children.
func (this *snode) getChildren(subtopic string) *snode {
	if child, ok := this.children[subtopic]; ok {
		return child
	}
	return nil
}

// RetainedMessage is the (topic, payload, qos) triple kept per concrete
// topic. Identity is the topic alone.
type RetainedMessage struct {
	Topic   string
	Payload []byte
	Qos     byte
}

// rnode mirrors snode without wildcard slots: retained messages live on
// concrete topics only. The message is stored at the leaf matching its full
// topic path for fast wildcard enumeration.
type rnode struct {
	children map[string]*rnode
	retained *RetainedMessage
}

func newRNode() *rnode {
	return &rnode{
		children: make(map[string]*rnode),
	}
}

func (this *rnode) getChildren(subtopic string) *rnode {
	if child, ok := this.children[subtopic]; ok {
		return child
	}
	return nil
}

// MemTopics holds the subscription trie and the retained-message trie, each
// with a default root and an isolated dollar root. Methods are not
// synchronized: the subscription store facade owns the reader/writer locks,
// so the caller is responsible for locking.
type MemTopics struct {
	root       *snode
	dollarRoot *snode

	retainedRoot       *rnode
	retainedDollarRoot *rnode

	retainedCount int64
}

func NewMemTopics() *MemTopics {
	return &MemTopics{
		root:               newSNode("root"),
		dollarRoot:         newSNode("rootDollar"),
		retainedRoot:       newRNode(),
		retainedDollarRoot: newRNode(),
	}
}

// deepestNode walks the filter path from the appropriate root, making new
// nodes as required.
func (this *MemTopics) deepestNode(subtopics []string) *snode {
	node := this.root
	if StartsWithDollar(subtopics) {
		node = this.dollarRoot
	}

	for _, subtopic := range subtopics {
		var selected *snode

		switch subtopic {
		case MWC:
			if node.pound == nil {
				node.pound = newSNode(subtopic)
			}
			selected = node.pound
		case SWC:
			if node.plus == nil {
				node.plus = newSNode(subtopic)
			}
			selected = node.plus
		default:
			selected = node.getChildren(subtopic)
			if selected == nil {
				selected = newSNode(subtopic)
				node.children[subtopic] = selected
			}
		}
		node = selected
	}
	return node
}

// Subscribe attaches the session under the filter. At most one subscription
// record exists per (client id, filter); re-subscribing overwrites the QoS.
func (this *MemTopics) Subscribe(subtopics []string, qos byte, ses *sessions.Session) error {
	if err := ValidateFilter(subtopics); err != nil {
		return err
	}
	if !message.ValidQos(qos) {
		return message.ErrInvalidQos
	}

	this.deepestNode(subtopics).addSubscriber(ses, qos)
	return nil
}

// Unsubscribe walks without creating; a filter that was never subscribed
// returns silently. Empty branches are left for the compaction sweep.
func (this *MemTopics) Unsubscribe(subtopics []string, clientId string) {
	node := this.root
	if StartsWithDollar(subtopics) {
		node = this.dollarRoot
	}

	for _, subtopic := range subtopics {
		switch subtopic {
		case MWC:
			node = node.pound
		case SWC:
			node = node.plus
		default:
			node = node.getChildren(subtopic)
		}
		if node == nil {
			return
		}
	}

	node.removeSubscriber(clientId)
}

// Subscribers walks the trie for a published topic and invokes deliver once
// per matched subscription record. Dollar topics use the dollar root;
// wildcards at the default root never reach into dollar space.
func (this *MemTopics) Subscribers(subtopics []string, deliver func(Subscription)) {
	node := this.root
	if StartsWithDollar(subtopics) {
		node = this.dollarRoot
	}
	publishRecursively(subtopics, node, deliver)
}

// publishRecursively matches one level per call. A "#" child is a leaf for
// matching purposes: publishes reaching it deliver to its subscribers
// without further descent, including when zero subtopics remain.
func publishRecursively(subtopics []string, node *snode, deliver func(Subscription)) {
	if node == nil {
		return
	}

	if len(subtopics) == 0 {
		for _, sub := range node.subscribers {
			deliver(sub)
		}
		if node.pound != nil {
			for _, sub := range node.pound.subscribers {
				deliver(sub)
			}
		}
		return
	}

	if len(node.children) == 0 && node.plus == nil && node.pound == nil {
		return
	}

	if node.pound != nil {
		for _, sub := range node.pound.subscribers {
			deliver(sub)
		}
	}

	if child := node.getChildren(subtopics[0]); child != nil {
		publishRecursively(subtopics[1:], child, deliver)
	}

	if node.plus != nil {
		publishRecursively(subtopics[1:], node.plus, deliver)
	}
}

// SetRetained stores, replaces or clears the retained message at the
// concrete topic. An empty payload is the clear sentinel: it removes an
// existing record and is a no-op otherwise.
func (this *MemTopics) SetRetained(topic string, subtopics []string, payload []byte, qos byte) {
	node := this.retainedRoot
	if StartsWithDollar(subtopics) {
		node = this.retainedDollarRoot
	}

	for _, subtopic := range subtopics {
		child := node.getChildren(subtopic)
		if child == nil {
			child = newRNode()
			node.children[subtopic] = child
		}
		node = child
	}

	if len(payload) == 0 {
		if node.retained != nil {
			node.retained = nil
			this.retainedCount--
		}
		return
	}

	if node.retained == nil {
		this.retainedCount++
	}
	node.retained = &RetainedMessage{Topic: topic, Payload: payload, Qos: qos}
}

// RetainedMatching enumerates every retained message the filter matches.
// "+" descends into all children for one level; "#" enters pound mode,
// which visits the current node's retained message and every descendant's.
func (this *MemTopics) RetainedMatching(subtopics []string, deliver func(*RetainedMessage)) {
	node := this.retainedRoot
	if StartsWithDollar(subtopics) {
		node = this.retainedDollarRoot
	}
	retainedRecursively(subtopics, node, false, deliver)
}

func retainedRecursively(subtopics []string, node *rnode, poundMode bool, deliver func(*RetainedMessage)) {
	if node == nil {
		return
	}

	if len(subtopics) == 0 {
		if node.retained != nil {
			deliver(node.retained)
		}
		if poundMode {
			for _, child := range node.children {
				retainedRecursively(subtopics, child, poundMode, deliver)
			}
		}
		return
	}

	cur := subtopics[0]
	rest := subtopics[1:]

	poundFound := cur == MWC
	if poundFound || cur == SWC {
		if poundFound && node.retained != nil {
			deliver(node.retained)
		}
		for _, child := range node.children {
			if child != nil {
				retainedRecursively(rest, child, poundFound, deliver)
			}
		}
		return
	}

	if child := node.getChildren(cur); child != nil {
		retainedRecursively(rest, child, false, deliver)
	}
}

// RetainedCount returns how many retained messages are stored across both
// roots. Never negative: clears of absent topics do not decrement.
func (this *MemTopics) RetainedCount() int64 {
	return this.retainedCount
}

// CleanSubscriptions walks both subscription roots post-order: stale
// subscriber entries (alive returns false) are removed, and child nodes
// that end up with no subscribers anywhere below are destroyed. Returns the
// number of live subscriptions remaining.
func (this *MemTopics) CleanSubscriptions(alive func(*sessions.Session) bool) int {
	return this.root.cleanSubscriptions(alive) + this.dollarRoot.cleanSubscriptions(alive)
}

func (this *snode) cleanSubscriptions(alive func(*sessions.Session) bool) int {
	leftInChildren := 0

	for subtopic, child := range this.children {
		n := child.cleanSubscriptions(alive)
		leftInChildren += n
		if n == 0 {
			delete(this.children, subtopic)
		}
	}

	if this.plus != nil {
		n := this.plus.cleanSubscriptions(alive)
		leftInChildren += n
		if n == 0 {
			this.plus = nil
		}
	}
	if this.pound != nil {
		n := this.pound.cleanSubscriptions(alive)
		leftInChildren += n
		if n == 0 {
			this.pound = nil
		}
	}

	kept := this.subscribers[:0]
	for _, sub := range this.subscribers {
		if alive(sub.ses) {
			kept = append(kept, sub)
		}
	}
	this.subscribers = kept

	return len(this.subscribers) + leftInChildren
}

// EachSubscription emits every subscription with its composed filter, for
// the persistence copy-out. The walk covers both roots; dollar filters are
// emitted with their literal dollar prefix.
func (this *MemTopics) EachSubscription(emit func(filter string, sub Subscription)) {
	eachSubscription(this.root, "", true, emit)
	eachSubscription(this.dollarRoot, "", true, emit)
}

func eachSubscription(node *snode, composed string, root bool, emit func(string, Subscription)) {
	for _, sub := range node.subscribers {
		emit(composed, sub)
	}

	join := func(subtopic string) string {
		if root {
			return subtopic
		}
		return composed + SEP + subtopic
	}

	for subtopic, child := range node.children {
		eachSubscription(child, join(subtopic), false, emit)
	}
	if node.plus != nil {
		eachSubscription(node.plus, join(SWC), false, emit)
	}
	if node.pound != nil {
		eachSubscription(node.pound, join(MWC), false, emit)
	}
}

// EachRetained emits every retained message across both roots.
func (this *MemTopics) EachRetained(emit func(*RetainedMessage)) {
	eachRetained(this.retainedRoot, emit)
	eachRetained(this.retainedDollarRoot, emit)
}

func eachRetained(node *rnode, emit func(*RetainedMessage)) {
	if node.retained != nil {
		emit(node.retained)
	}
	for _, child := range node.children {
		eachRetained(child, emit)
	}
}
