package cron

import (
	"sync"

	cronv3 "github.com/robfig/cron/v3"
)

type ID = string

// Icron is the named-job facade over the cron scheduler. Jobs are keyed by a
// caller supplied id so periodic work can be replaced or cancelled by name.
type Icron interface {
	AddJob(spec string, id ID, cmd cronv3.Job) error
	Remove(id ID)
	Start()
	Stop()
}

var (
	defaultCron Icron
	cronOnce    sync.Once
)

// Get returns the process wide scheduler.
func Get() Icron {
	cronOnce.Do(func() {
		defaultCron = NewIcron()
	})
	return defaultCron
}

type memCron struct {
	mu      sync.Mutex
	c       *cronv3.Cron
	entries map[ID]cronv3.EntryID
}

func NewIcron() Icron {
	return &memCron{
		c:       cronv3.New(),
		entries: make(map[ID]cronv3.EntryID),
	}
}

func (m *memCron) AddJob(spec string, id ID, cmd cronv3.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[id]; ok {
		m.c.Remove(old)
	}
	entry, err := m.c.AddJob(spec, cmd)
	if err != nil {
		return err
	}
	m.entries[id] = entry
	return nil
}

func (m *memCron) Remove(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[id]; ok {
		m.c.Remove(old)
		delete(m.entries, id)
	}
}

func (m *memCron) Start() {
	m.c.Start()
}

func (m *memCron) Stop() {
	m.c.Stop()
}
