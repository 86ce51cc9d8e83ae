package events

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"dtv-relay/work/logger"
	"dtv-relay/work/types"
)

type subscriber struct {
	key string
	ch  chan types.ChatMessage
}

// Hub fans chat messages out from listener tasks to GUI subscribers of the same
// room. Publishing never blocks: a subscriber that falls behind loses messages.
type Hub struct {
	subs    *xsync.MapOf[uint64, *subscriber]
	nextID  atomic.Uint64
	dropped atomic.Uint64
	buffer  int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		subs:   xsync.NewMapOf[uint64, *subscriber](),
		buffer: buffer,
	}
}

func roomKey(platform, roomID string) string {
	return platform + "/" + roomID
}

// Subscribe registers interest in one room. The returned func unsubscribes; the
// channel is never closed.
func (h *Hub) Subscribe(platform, roomID string) (<-chan types.ChatMessage, func()) {
	id := h.nextID.Add(1)
	sub := &subscriber{
		key: roomKey(platform, roomID),
		ch:  make(chan types.ChatMessage, h.buffer),
	}
	h.subs.Store(id, sub)

	logger.Debug("{events/hub - Subscribe} subscriber %d joined %s", id, sub.key)
	return sub.ch, func() {
		if _, ok := h.subs.LoadAndDelete(id); ok {
			logger.Debug("{events/hub - Subscribe} subscriber %d left %s", id, sub.key)
		}
	}
}

// Publish delivers msg to every subscriber of its room.
func (h *Hub) Publish(msg types.ChatMessage) {
	key := roomKey(msg.Platform, msg.RoomID)
	h.subs.Range(func(_ uint64, sub *subscriber) bool {
		if sub.key != key {
			return true
		}
		select {
		case sub.ch <- msg:
		default:
			h.dropped.Add(1)
		}
		return true
	})
}

// Subscribers counts the current subscribers of a room.
func (h *Hub) Subscribers(platform, roomID string) int {
	key := roomKey(platform, roomID)
	n := 0
	h.subs.Range(func(_ uint64, sub *subscriber) bool {
		if sub.key == key {
			n++
		}
		return true
	})
	return n
}

// Dropped returns how many messages were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
