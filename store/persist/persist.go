// Package persist round-trips the broker's durable state — retained
// messages, sessions and their subscriptions — through two opaque streams.
// The store copies state out under its locks; providers only see records.
package persist

import (
	"errors"
	"time"
)

// ErrFileMissing is returned by a provider's Load methods when nothing has
// been saved yet; LoadAll logs it as a warning. No Save method returns it,
// and save errors are logged by the caller rather than treated as fatal.
var ErrFileMissing = errors.New("persist: file missing")

type RetainedRecord struct {
	Topic   string `bson:"topic"`
	Payload []byte `bson:"payload"`
	Qos     byte   `bson:"qos"`
}

type PendingRecord struct {
	Topic    string `bson:"topic"`
	Payload  []byte `bson:"payload"`
	Qos      byte   `bson:"qos"`
	PacketId uint16 `bson:"packetId"`
}

type SessionRecord struct {
	ClientId     string          `bson:"clientId"`
	CleanSession bool            `bson:"cleanSession"`
	LastTouched  time.Time       `bson:"lastTouched"`
	Pending      []PendingRecord `bson:"pending"`
}

type SubscriptionRecord struct {
	ClientId string `bson:"clientId"`
	Qos      byte   `bson:"qos"`
}

// FilterSubscriptions groups the subscribers of one filter. A list rather
// than a filter-keyed map: filters contain characters ($, wildcards) that
// document stores reject as keys.
type FilterSubscriptions struct {
	Filter string               `bson:"filter"`
	Subs   []SubscriptionRecord `bson:"subs"`
}

// SessionsAndSubscriptions is the second stream: session copies plus the
// filter -> subscribers mapping. On load, sessions are inserted first so
// subscriptions can resolve their client id to a live session.
type SessionsAndSubscriptions struct {
	Sessions      []SessionRecord       `bson:"sessions"`
	Subscriptions []FilterSubscriptions `bson:"subscriptions"`
}

type Provider interface {
	SaveRetained(records []RetainedRecord) error
	LoadRetained() ([]RetainedRecord, error)
	SaveSessions(data *SessionsAndSubscriptions) error
	LoadSessions() (*SessionsAndSubscriptions, error)
	Close() error
}
