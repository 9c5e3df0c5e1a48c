package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mauritsvdvijgh/FlashMQ/message"
)

// fakeConn is a connection bearer that records what reaches it.
type fakeConn struct {
	id    string
	clean bool

	mu            sync.Mutex
	delivered     []*message.Publish
	disconnecting bool
}

func (f *fakeConn) ClientID() string { return f.id }

func (f *fakeConn) CleanSession() bool { return f.clean }

func (f *fakeConn) Deliver(p *message.Publish) error {
	f.mu.Lock()
	f.delivered = append(f.delivered, p)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) MarkDisconnecting() {
	f.mu.Lock()
	f.disconnecting = true
	f.mu.Unlock()
}

func (f *fakeConn) messages() []*message.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*message.Publish(nil), f.delivered...)
}

func connect(t *testing.T, st *SubscriptionStore, id string, clean bool) *fakeConn {
	t.Helper()
	c := &fakeConn{id: id, clean: clean}
	_, _, err := st.RegisterClient(c)
	require.NoError(t, err)
	return c
}

func TestWildcardPlusDelivery(t *testing.T) {
	st := NewSubscriptionStore(0)
	a := connect(t, st, "client-A", false)
	connect(t, st, "client-B", false)

	_, err := st.Subscribe(a, "a/+/c", 1)
	require.NoError(t, err)

	n, err := st.Publish(&message.Publish{Topic: "a/b/c", Payload: []byte("x"), QoS: 1})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msgs := a.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "a/b/c", msgs[0].Topic)
	require.Equal(t, []byte("x"), msgs[0].Payload)
	require.Equal(t, byte(1), msgs[0].QoS)
}

func TestWildcardPoundDeliveryInOrder(t *testing.T) {
	st := NewSubscriptionStore(0)
	a := connect(t, st, "A", false)

	_, err := st.Subscribe(a, "a/#", 0)
	require.NoError(t, err)

	for _, topic := range []string{"a", "a/b", "a/b/c"} {
		_, err = st.Publish(&message.Publish{Topic: topic})
		require.NoError(t, err)
	}

	msgs := a.messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "a", msgs[0].Topic)
	require.Equal(t, "a/b", msgs[1].Topic)
	require.Equal(t, "a/b/c", msgs[2].Topic)
}

func TestDollarTopicIsolation(t *testing.T) {
	st := NewSubscriptionStore(0)
	a := connect(t, st, "A", false)
	b := connect(t, st, "B", false)

	_, err := st.Subscribe(a, "#", 0)
	require.NoError(t, err)

	_, err = st.Publish(&message.Publish{Topic: "$SYS/up"})
	require.NoError(t, err)
	require.Empty(t, a.messages())

	_, err = st.Subscribe(b, "$SYS/#", 0)
	require.NoError(t, err)

	_, err = st.Publish(&message.Publish{Topic: "$SYS/up"})
	require.NoError(t, err)

	require.Empty(t, a.messages())
	require.Len(t, b.messages(), 1)
}

func TestRetainedDeliveryOnSubscribe(t *testing.T) {
	st := NewSubscriptionStore(0)
	a := connect(t, st, "A", false)

	require.NoError(t, st.SetRetained("a/b", []byte("v1"), 1))

	n, err := st.Subscribe(a, "a/+", 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msgs := a.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "a/b", msgs[0].Topic)
	require.Equal(t, []byte("v1"), msgs[0].Payload)
	require.Equal(t, byte(0), msgs[0].QoS) // capped to the subscribe QoS
	require.True(t, msgs[0].Retain)
}

func TestClearRetained(t *testing.T) {
	st := NewSubscriptionStore(0)

	require.NoError(t, st.SetRetained("a/b", []byte("v1"), 1))
	require.Equal(t, int64(1), st.RetainedMessageCount())

	require.NoError(t, st.SetRetained("a/b", nil, 0))
	require.Equal(t, int64(0), st.RetainedMessageCount())

	a := connect(t, st, "A", false)
	n, err := st.Subscribe(a, "a/+", 0)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, a.messages())

	// Clearing again stays a no-op.
	require.NoError(t, st.SetRetained("a/b", nil, 0))
	require.Equal(t, int64(0), st.RetainedMessageCount())
}

func TestTakeover(t *testing.T) {
	st := NewSubscriptionStore(0)

	c1 := &fakeConn{id: "k"}
	ses1, _, err := st.RegisterClient(c1)
	require.NoError(t, err)

	// Queue something for the session while c1 is "slow".
	ses1.ReleaseConnection(c1)
	_, err = st.Subscribe(c1, "a/b", 1)
	require.NoError(t, err)
	_, err = st.Publish(&message.Publish{Topic: "a/b", Payload: []byte("queued"), QoS: 1})
	require.NoError(t, err)

	c1.mu.Lock()
	c1.disconnecting = false
	c1.mu.Unlock()
	ses1.AssignConnection(c1)

	c2 := &fakeConn{id: "k"}
	ses2, flushed, err := st.RegisterClient(c2)
	require.NoError(t, err)

	require.True(t, c1.disconnecting)
	require.Same(t, ses1, ses2)
	require.Equal(t, 1, flushed)

	msgs := c2.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("queued"), msgs[0].Payload)

	// Exactly one active bearer remains.
	require.Equal(t, 1, st.SessionCount())
	require.NotNil(t, ses2.ActiveConnection())
}

func TestCleanSessionReplacesState(t *testing.T) {
	st := NewSubscriptionStore(0)
	c1 := connect(t, st, "k", false)
	_, err := st.Subscribe(c1, "a/b", 1)
	require.NoError(t, err)

	// A clean-session reconnect constructs a fresh session; old
	// subscriptions no longer deliver.
	c2 := connect(t, st, "k", true)
	_, err = st.Publish(&message.Publish{Topic: "a/b"})
	require.NoError(t, err)
	require.Empty(t, c2.messages())
	require.Empty(t, c1.messages())
}

func TestRegisterClientRequiresId(t *testing.T) {
	st := NewSubscriptionStore(0)
	_, _, err := st.RegisterClient(&fakeConn{id: ""})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestSessionPresent(t *testing.T) {
	st := NewSubscriptionStore(0)
	require.False(t, st.SessionPresent("k"))

	connect(t, st, "k", false)
	require.True(t, st.SessionPresent("k"))
}

func TestRemoveSessionTargeted(t *testing.T) {
	st := NewSubscriptionStore(0)
	connect(t, st, "a", false)
	connect(t, st, "b", false)

	st.RemoveSession("b")
	require.True(t, st.SessionPresent("a"))
	require.False(t, st.SessionPresent("b"))
}

func TestExpiryCompaction(t *testing.T) {
	st := NewSubscriptionStore(0)
	a := connect(t, st, "A", false)
	b := connect(t, st, "B", false)

	_, err := st.Subscribe(a, "a/b", 1)
	require.NoError(t, err)
	_, err = st.Subscribe(b, "a/b", 1)
	require.NoError(t, err)

	// Disconnect A and age its session past the deadline.
	sesA := st.sessionsById["A"]
	sesA.ReleaseConnection(a)
	sesA.SetLastTouched(sesA.LastTouched().Add(-100 * time.Second))

	removed := st.ExpireSessions(30)
	require.Equal(t, 1, removed)
	require.False(t, st.SessionPresent("A"))

	// No walk can reach a subscription naming the swept session.
	n, err := st.Publish(&message.Publish{Topic: "a/b"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, a.messages())
	require.Len(t, b.messages(), 1)
}

func TestPublisherOrderPreservedPerSubscriber(t *testing.T) {
	st := NewSubscriptionStore(0)
	c := connect(t, st, "C", false)

	_, err := st.Subscribe(c, "t", 1)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err = st.Publish(&message.Publish{Topic: "t", Payload: []byte(fmt.Sprintf("m%d", i)), QoS: 1})
		require.NoError(t, err)
	}

	msgs := c.messages()
	require.Len(t, msgs, 3)
	require.Equal(t, []byte("m1"), msgs[0].Payload)
	require.Equal(t, []byte("m2"), msgs[1].Payload)
	require.Equal(t, []byte("m3"), msgs[2].Payload)
}

func TestPublishRejectsWildcards(t *testing.T) {
	st := NewSubscriptionStore(0)

	_, err := st.Publish(&message.Publish{Topic: "a/+/c"})
	require.ErrorIs(t, err, ErrProtocol)
	_, err = st.Publish(&message.Publish{Topic: "a/#"})
	require.ErrorIs(t, err, ErrProtocol)
	require.ErrorIs(t, st.SetRetained("a/#", []byte("x"), 0), ErrProtocol)
}

func TestSubscribeFromUnregisteredClient(t *testing.T) {
	st := NewSubscriptionStore(0)
	_, err := st.Subscribe(&fakeConn{id: "ghost"}, "a/b", 0)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	st := NewSubscriptionStore(0)
	a := connect(t, st, "A", false)
	_, err := st.Subscribe(a, "load/#", 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				st.Publish(&message.Publish{
					Topic:   fmt.Sprintf("load/%d", p),
					Payload: []byte{byte(i)},
					QoS:     1,
				})
			}
		}(p)
	}
	for s := 0; s < 4; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			c := connect(t, st, fmt.Sprintf("sub-%d", s), false)
			for i := 0; i < 50; i++ {
				st.Subscribe(c, fmt.Sprintf("load/%d", s), 0)
				st.Unsubscribe(c, fmt.Sprintf("load/%d", s))
			}
		}(s)
	}
	wg.Wait()

	// The steady subscriber saw every publish, per publisher in order.
	msgs := a.messages()
	require.Len(t, msgs, 400)
	last := make(map[string]int)
	for _, m := range msgs {
		prev, ok := last[m.Topic]
		if ok {
			require.Greater(t, int(m.Payload[0]), prev, m.Topic)
		}
		last[m.Topic] = int(m.Payload[0])
	}
}
