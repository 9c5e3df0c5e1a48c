package topics

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mauritsvdvijgh/FlashMQ/sessions"
)

func newTestSession(id string) *sessions.Session {
	return sessions.NewSession(id, false, 0)
}

// matchedIds runs a publish match walk and returns the matched client ids,
// sorted, possibly with duplicates when several filters of one client match.
func matchedIds(tr *MemTopics, topic string) []string {
	var ids []string
	tr.Subscribers(Split(topic), func(sub Subscription) {
		ids = append(ids, sub.Session().ID())
	})
	sort.Strings(ids)
	return ids
}

func TestMatchSingleLevelWildcard(t *testing.T) {
	tr := NewMemTopics()
	a := newTestSession("A")

	require.NoError(t, tr.Subscribe(Split("a/+/c"), 1, a))

	require.Equal(t, []string{"A"}, matchedIds(tr, "a/b/c"))
	require.Empty(t, matchedIds(tr, "a/b"))
	require.Empty(t, matchedIds(tr, "a/b/c/d"))
	require.Empty(t, matchedIds(tr, "b/b/c"))
}

func TestMatchMultiLevelWildcard(t *testing.T) {
	tr := NewMemTopics()
	a := newTestSession("A")

	require.NoError(t, tr.Subscribe(Split("a/#"), 0, a))

	// "#" matches the parent level itself and everything below it.
	require.Equal(t, []string{"A"}, matchedIds(tr, "a"))
	require.Equal(t, []string{"A"}, matchedIds(tr, "a/b"))
	require.Equal(t, []string{"A"}, matchedIds(tr, "a/b/c"))
	require.Empty(t, matchedIds(tr, "b"))
}

func TestMatchExact(t *testing.T) {
	tr := NewMemTopics()
	a := newTestSession("A")

	require.NoError(t, tr.Subscribe(Split("a/b"), 0, a))

	require.Equal(t, []string{"A"}, matchedIds(tr, "a/b"))
	require.Empty(t, matchedIds(tr, "a"))
	require.Empty(t, matchedIds(tr, "a/b/c"))
}

func TestDollarIsolation(t *testing.T) {
	tr := NewMemTopics()
	a := newTestSession("A")
	b := newTestSession("B")

	require.NoError(t, tr.Subscribe(Split("#"), 0, a))
	require.NoError(t, tr.Subscribe(Split("+/up"), 0, a))
	require.NoError(t, tr.Subscribe(Split("$SYS/#"), 0, b))

	require.Equal(t, []string{"B"}, matchedIds(tr, "$SYS/up"))
	require.Equal(t, []string{"A", "A"}, matchedIds(tr, "x/up"))
}

func TestSubscribeReplacesNotDuplicates(t *testing.T) {
	tr := NewMemTopics()
	a := newTestSession("A")

	require.NoError(t, tr.Subscribe(Split("a/b"), 0, a))
	require.NoError(t, tr.Subscribe(Split("a/b"), 2, a))

	var got []Subscription
	tr.Subscribers(Split("a/b"), func(sub Subscription) {
		got = append(got, sub)
	})
	require.Len(t, got, 1)
	require.Equal(t, byte(2), got[0].Qos())
}

func TestSubscribeRejectsMalformed(t *testing.T) {
	tr := NewMemTopics()
	a := newTestSession("A")

	require.ErrorIs(t, tr.Subscribe(Split("a/#/b"), 0, a), ErrFilterMalformed)
	require.Error(t, tr.Subscribe(Split("a/b"), 3, a))
}

func TestUnsubscribe(t *testing.T) {
	tr := NewMemTopics()
	a := newTestSession("A")

	require.NoError(t, tr.Subscribe(Split("a/+"), 1, a))
	tr.Unsubscribe(Split("a/+"), "A")
	require.Empty(t, matchedIds(tr, "a/b"))

	// Unknown filters return silently.
	tr.Unsubscribe(Split("never/was"), "A")
}

func TestMultipleFiltersMultipleDeliveries(t *testing.T) {
	tr := NewMemTopics()
	a := newTestSession("A")

	require.NoError(t, tr.Subscribe(Split("a/b"), 0, a))
	require.NoError(t, tr.Subscribe(Split("a/+"), 0, a))
	require.NoError(t, tr.Subscribe(Split("a/#"), 0, a))

	// Each matching subscription record yields one delivery.
	require.Equal(t, []string{"A", "A", "A"}, matchedIds(tr, "a/b"))
}

func TestSetRetainedAndMatch(t *testing.T) {
	tr := NewMemTopics()

	tr.SetRetained("a/b", Split("a/b"), []byte("v1"), 1)
	require.Equal(t, int64(1), tr.RetainedCount())

	var got []*RetainedMessage
	tr.RetainedMatching(Split("a/+"), func(rm *RetainedMessage) {
		got = append(got, rm)
	})
	require.Len(t, got, 1)
	require.Equal(t, "a/b", got[0].Topic)
	require.Equal(t, []byte("v1"), got[0].Payload)

	// Replace keeps the count at one.
	tr.SetRetained("a/b", Split("a/b"), []byte("v2"), 0)
	require.Equal(t, int64(1), tr.RetainedCount())
}

func TestClearRetained(t *testing.T) {
	tr := NewMemTopics()

	// Clearing an absent topic is a no-op; the count never goes negative.
	tr.SetRetained("a/b", Split("a/b"), nil, 0)
	require.Equal(t, int64(0), tr.RetainedCount())

	tr.SetRetained("a/b", Split("a/b"), []byte("v1"), 0)
	tr.SetRetained("a/b", Split("a/b"), nil, 0)
	require.Equal(t, int64(0), tr.RetainedCount())

	var got []*RetainedMessage
	tr.RetainedMatching(Split("a/+"), func(rm *RetainedMessage) {
		got = append(got, rm)
	})
	require.Empty(t, got)
}

func TestRetainedPoundMode(t *testing.T) {
	tr := NewMemTopics()

	tr.SetRetained("a", Split("a"), []byte("1"), 0)
	tr.SetRetained("a/b", Split("a/b"), []byte("2"), 0)
	tr.SetRetained("a/b/c", Split("a/b/c"), []byte("3"), 0)
	tr.SetRetained("x", Split("x"), []byte("4"), 0)

	var topicsGot []string
	tr.RetainedMatching(Split("a/#"), func(rm *RetainedMessage) {
		topicsGot = append(topicsGot, rm.Topic)
	})
	sort.Strings(topicsGot)
	require.Equal(t, []string{"a", "a/b", "a/b/c"}, topicsGot)
}

func TestRetainedDollarIsolation(t *testing.T) {
	tr := NewMemTopics()

	tr.SetRetained("$SYS/up", Split("$SYS/up"), []byte("1"), 0)
	tr.SetRetained("a", Split("a"), []byte("2"), 0)

	var got []string
	tr.RetainedMatching(Split("#"), func(rm *RetainedMessage) {
		got = append(got, rm.Topic)
	})
	require.Equal(t, []string{"a"}, got)

	got = nil
	tr.RetainedMatching(Split("$SYS/#"), func(rm *RetainedMessage) {
		got = append(got, rm.Topic)
	})
	require.Equal(t, []string{"$SYS/up"}, got)
}

func TestCleanSubscriptions(t *testing.T) {
	tr := NewMemTopics()
	a := newTestSession("A")
	b := newTestSession("B")

	require.NoError(t, tr.Subscribe(Split("a/b/c"), 0, a))
	require.NoError(t, tr.Subscribe(Split("a/+"), 1, b))
	require.NoError(t, tr.Subscribe(Split("x/#"), 1, b))

	dead := map[string]bool{"A": true}
	left := tr.CleanSubscriptions(func(ses *sessions.Session) bool {
		return !dead[ses.ID()]
	})
	require.Equal(t, 2, left)

	require.Empty(t, matchedIds(tr, "a/b/c"))
	require.Equal(t, []string{"B"}, matchedIds(tr, "a/b"))

	// The orphaned branch is gone entirely.
	require.Nil(t, tr.root.getChildren("a").getChildren("b"))
}

func TestEachSubscription(t *testing.T) {
	tr := NewMemTopics()
	a := newTestSession("A")

	require.NoError(t, tr.Subscribe(Split("a/+/c"), 1, a))
	require.NoError(t, tr.Subscribe(Split("a/#"), 0, a))
	require.NoError(t, tr.Subscribe(Split("$SYS/#"), 0, a))

	got := make(map[string]byte)
	tr.EachSubscription(func(filter string, sub Subscription) {
		got[filter] = sub.Qos()
	})
	require.Equal(t, map[string]byte{
		"a/+/c":  1,
		"a/#":    0,
		"$SYS/#": 0,
	}, got)
}
