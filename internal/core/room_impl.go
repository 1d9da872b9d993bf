package core

import (
	"maps"
	"sync"

	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomChannel is the fan-out point shared by every connection of a room.
// Publishers never block: each subscriber owns a bounded buffer that drops
// its oldest message when full.
type RoomChannel struct {
	room     domain.RoomID
	capacity int

	mu   sync.RWMutex
	subs map[SubscriberID]*Subscription
}

func NewRoomChannel(room domain.RoomID, capacity int) *RoomChannel {
	if capacity <= 0 {
		capacity = DefaultChannelBuffer
	}
	return &RoomChannel{
		room:     room,
		capacity: capacity,
		subs:     make(map[SubscriberID]*Subscription),
	}
}

func (c *RoomChannel) Room() domain.RoomID { return c.room }

func (c *RoomChannel) Capacity() int { return c.capacity }

// Subscribe registers id. An existing subscription with the same id is closed
// and replaced.
func (c *RoomChannel) Subscribe(id SubscriberID) *Subscription {
	sub := newSubscription(id, c.capacity)
	c.mu.Lock()
	old := c.subs[id]
	c.subs[id] = sub
	c.mu.Unlock()
	if old != nil {
		old.close()
	}
	log.Debug().Str("module", "core.channel").Str("room", string(c.room)).Str("sid", string(id)).Msg("subscribed")
	return sub
}

func (c *RoomChannel) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	if cur, ok := c.subs[sub.id]; ok && cur == sub {
		delete(c.subs, sub.id)
	}
	c.mu.Unlock()
	sub.close()
	log.Debug().Str("module", "core.channel").Str("room", string(c.room)).Str("sid", string(sub.id)).Msg("unsubscribed")
}

func (c *RoomChannel) Subscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Publish delivers payload to every subscriber except from.
func (c *RoomChannel) Publish(from SubscriberID, payload []byte) PublishResult {
	snapshot := make(map[SubscriberID]*Subscription, c.Subscribers())
	c.mu.RLock()
	maps.Copy(snapshot, c.subs)
	c.mu.RUnlock()

	res := PublishResult{}
	msg := Message{From: from, Payload: payload}
	for sid, sub := range snapshot {
		if sid == from {
			continue
		}
		delivered, evicted := sub.push(msg)
		if evicted {
			res.Dropped++
		}
		if delivered {
			res.SentTo++
		}
	}
	log.Trace().Str("module", "core.channel").Str("room", string(c.room)).Str("from", string(from)).Int("sent_to", res.SentTo).Int("dropped", res.Dropped).Msg("broadcast result")
	return res
}
