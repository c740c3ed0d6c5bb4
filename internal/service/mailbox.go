package service

import (
	"sync"

	"github.com/hivegrid/hivegrid/internal/domain/message"
)

// Mailbox is a bounded priority inbox. Messages queue FIFO within a
// priority band; when full, the oldest message of the lowest present
// priority is evicted to admit the newcomer.
type Mailbox struct {
	mu       sync.Mutex
	capacity int
	size     int
	bands    map[message.Priority][]*message.Message
	dropped  int
}

func NewMailbox(capacity int) *Mailbox {
	return &Mailbox{
		capacity: capacity,
		bands:    make(map[message.Priority][]*message.Message),
	}
}

// Enqueue admits a message, evicting if at capacity. Reports whether
// an existing message was dropped to make room.
func (b *Mailbox) Enqueue(msg *message.Message) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size >= b.capacity {
		b.evictLocked()
		evicted = true
	}
	b.bands[msg.Priority] = append(b.bands[msg.Priority], msg)
	b.size++
	return evicted
}

// evictLocked drops the oldest message of the lowest present priority
// (the largest priority value holding any messages).
func (b *Mailbox) evictLocked() {
	for i := len(message.Priorities) - 1; i >= 0; i-- {
		p := message.Priorities[i]
		band := b.bands[p]
		if len(band) == 0 {
			continue
		}
		b.bands[p] = band[1:]
		b.size--
		b.dropped++
		return
	}
}

// Dequeue returns the oldest message of the highest present priority,
// or nil when empty.
func (b *Mailbox) Dequeue() *message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range message.Priorities {
		band := b.bands[p]
		if len(band) == 0 {
			continue
		}
		msg := band[0]
		b.bands[p] = band[1:]
		b.size--
		return msg
	}
	return nil
}

// Len reports the number of queued messages.
func (b *Mailbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped reports how many messages eviction has discarded.
func (b *Mailbox) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
