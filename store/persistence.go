package store

import (
	"errors"

	"github.com/mauritsvdvijgh/FlashMQ/logger"
	"github.com/mauritsvdvijgh/FlashMQ/message"
	"github.com/mauritsvdvijgh/FlashMQ/sessions"
	"github.com/mauritsvdvijgh/FlashMQ/store/persist"
	"github.com/mauritsvdvijgh/FlashMQ/topics"
)

// SaveAll copies the retained messages and the sessions+subscriptions out
// under the shortest possible lock hold, then hands the copies to the
// provider; disk or network IO happens unlocked.
func (this *SubscriptionStore) SaveAll(p persist.Provider) error {
	this.rmu.RLock()
	var retained []persist.RetainedRecord
	this.topics.EachRetained(func(rm *topics.RetainedMessage) {
		retained = append(retained, persist.RetainedRecord{
			Topic:   rm.Topic,
			Payload: rm.Payload,
			Qos:     rm.Qos,
		})
	})
	this.rmu.RUnlock()

	this.smu.RLock()
	data := &persist.SessionsAndSubscriptions{}
	byFilter := make(map[string][]persist.SubscriptionRecord)
	for _, ses := range this.sessionsById {
		rec := persist.SessionRecord{
			ClientId:     ses.ID(),
			CleanSession: ses.CleanSession(),
			LastTouched:  ses.LastTouched(),
		}
		for _, pm := range ses.PendingMessages() {
			rec.Pending = append(rec.Pending, persist.PendingRecord{
				Topic:    pm.Topic,
				Payload:  pm.Payload,
				Qos:      pm.QoS,
				PacketId: pm.PacketId,
			})
		}
		data.Sessions = append(data.Sessions, rec)
	}
	this.topics.EachSubscription(func(filter string, sub topics.Subscription) {
		if !this.alive(sub.Session()) {
			return
		}
		byFilter[filter] = append(byFilter[filter], persist.SubscriptionRecord{
			ClientId: sub.Session().ID(),
			Qos:      sub.Qos(),
		})
	})
	this.smu.RUnlock()

	for filter, subs := range byFilter {
		data.Subscriptions = append(data.Subscriptions, persist.FilterSubscriptions{
			Filter: filter,
			Subs:   subs,
		})
	}

	logger.Logger.Debugf("Collected %d retained messages, %d sessions and %d subscription filters to save",
		len(retained), len(data.Sessions), len(data.Subscriptions))

	if err := p.SaveRetained(retained); err != nil {
		return err
	}
	return p.SaveSessions(data)
}

// LoadAll restores both streams. A missing file is not an error on load:
// there is simply nothing saved yet.
func (this *SubscriptionStore) LoadAll(p persist.Provider) error {
	retained, err := p.LoadRetained()
	switch {
	case errors.Is(err, persist.ErrFileMissing):
		logger.Logger.Warnf("Retained messages not there (yet): %v", err)
	case err != nil:
		return err
	default:
		this.rmu.Lock()
		for _, r := range retained {
			subtopics := topics.Split(r.Topic)
			if topics.ValidateTopicName(subtopics) != nil {
				continue
			}
			this.topics.SetRetained(r.Topic, subtopics, r.Payload, r.Qos)
		}
		this.rmu.Unlock()
	}

	data, err := p.LoadSessions()
	switch {
	case errors.Is(err, persist.ErrFileMissing):
		logger.Logger.Warnf("Sessions not there (yet): %v", err)
		return nil
	case err != nil:
		return err
	}

	this.smu.Lock()
	defer this.smu.Unlock()

	// Sessions first, so the subscriptions below can resolve their client
	// ids to live sessions.
	for _, rec := range data.Sessions {
		ses := sessions.NewSession(rec.ClientId, rec.CleanSession, this.maxQueueMessages)
		var pending []*message.Publish
		for _, pm := range rec.Pending {
			pending = append(pending, &message.Publish{
				Topic:    pm.Topic,
				Payload:  pm.Payload,
				QoS:      pm.Qos,
				PacketId: pm.PacketId,
			})
		}
		ses.RestorePending(pending)
		if !rec.LastTouched.IsZero() {
			ses.SetLastTouched(rec.LastTouched)
		}
		this.sessionsById[rec.ClientId] = ses
	}

	for _, fs := range data.Subscriptions {
		subtopics := topics.Split(fs.Filter)
		if topics.ValidateFilter(subtopics) != nil {
			continue
		}
		for _, sub := range fs.Subs {
			ses, ok := this.sessionsById[sub.ClientId]
			if !ok {
				continue
			}
			if err := this.topics.Subscribe(subtopics, sub.Qos, ses); err != nil {
				continue
			}
			ses.AddTopic(fs.Filter, sub.Qos)
		}
	}
	return nil
}
