package sessions

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mauritsvdvijgh/FlashMQ/message"
)

type fakeBearer struct {
	id        string
	clean     bool
	delivered []*message.Publish
	fail      bool
}

func (f *fakeBearer) ClientID() string { return f.id }

func (f *fakeBearer) CleanSession() bool { return f.clean }

func (f *fakeBearer) MarkDisconnecting() {}
func (f *fakeBearer) Deliver(p *message.Publish) error {
	if f.fail {
		return errors.New("write failed")
	}
	f.delivered = append(f.delivered, p)
	return nil
}

func TestWritePacketDeliversWhenConnected(t *testing.T) {
	ses := NewSession("A", false, 0)
	conn := &fakeBearer{id: "A"}
	ses.AssignConnection(conn)

	n := ses.WritePacket(&message.Publish{Topic: "a/b", Payload: []byte("x"), QoS: 1}, 1, false)
	require.Equal(t, 1, n)
	require.Len(t, conn.delivered, 1)
	require.Equal(t, byte(1), conn.delivered[0].QoS)
	require.NotZero(t, conn.delivered[0].PacketId)
	require.False(t, conn.delivered[0].Retain)
}

func TestWritePacketCapsQos(t *testing.T) {
	ses := NewSession("A", false, 0)
	conn := &fakeBearer{id: "A"}
	ses.AssignConnection(conn)

	ses.WritePacket(&message.Publish{Topic: "a", QoS: 2}, 1, true)
	ses.WritePacket(&message.Publish{Topic: "a", QoS: 0}, 2, false)

	require.Equal(t, byte(1), conn.delivered[0].QoS)
	require.True(t, conn.delivered[0].Retain)
	require.Equal(t, byte(0), conn.delivered[1].QoS)
	require.Zero(t, conn.delivered[1].PacketId)
}

func TestWritePacketQueuesWhenDisconnected(t *testing.T) {
	ses := NewSession("A", false, 0)

	// QoS 0 with no connection is dropped, QoS >= 1 queued in order.
	require.Equal(t, 0, ses.WritePacket(&message.Publish{Topic: "q0"}, 0, false))
	require.Equal(t, 1, ses.WritePacket(&message.Publish{Topic: "m1", QoS: 1}, 1, false))
	require.Equal(t, 1, ses.WritePacket(&message.Publish{Topic: "m2", QoS: 1}, 1, false))

	conn := &fakeBearer{id: "A"}
	ses.AssignConnection(conn)
	require.Equal(t, 2, ses.SendPendingMessages())

	require.Len(t, conn.delivered, 2)
	require.Equal(t, "m1", conn.delivered[0].Topic)
	require.Equal(t, "m2", conn.delivered[1].Topic)
}

func TestWritePacketQueuesOnDeliverError(t *testing.T) {
	ses := NewSession("A", false, 0)
	conn := &fakeBearer{id: "A", fail: true}
	ses.AssignConnection(conn)

	require.Equal(t, 1, ses.WritePacket(&message.Publish{Topic: "m", QoS: 1}, 1, false))
	require.Equal(t, 1, len(ses.PendingMessages()))
}

func TestReleaseConnectionOnlyReleasesOwner(t *testing.T) {
	ses := NewSession("A", false, 0)
	c1 := &fakeBearer{id: "A"}
	c2 := &fakeBearer{id: "A"}

	ses.AssignConnection(c1)
	ses.AssignConnection(c2)

	// The replaced bearer must not release its successor.
	ses.ReleaseConnection(c1)
	require.Equal(t, Bearer(c2), ses.ActiveConnection())

	ses.ReleaseConnection(c2)
	require.Nil(t, ses.ActiveConnection())
}

func TestHasExpired(t *testing.T) {
	ses := NewSession("A", false, 0)
	ses.SetLastTouched(time.Now().Add(-10 * time.Second))

	require.True(t, ses.HasExpired(5))
	require.False(t, ses.HasExpired(60))

	// A session with a live connection never expires.
	ses.AssignConnection(&fakeBearer{id: "A"})
	ses.SetLastTouched(time.Now().Add(-10 * time.Second))
	require.False(t, ses.HasExpired(5))

	ses.Touch()
	require.False(t, ses.HasExpired(5))
}
