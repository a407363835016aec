package transport

import (
	"context"
	"sync"
)

type mailKey struct {
	src int
	tag Tag
}

type mailSlot struct {
	queue  [][]byte
	notify chan struct{}
}

// mailbox buffers messages that arrived before their receive was waited on.
// Messages with the same source and tag are delivered in order. Expert
// transfers of a plan version are dropped once a newer version arrives.
type mailbox struct {
	mu        sync.Mutex
	slots     map[mailKey]*mailSlot
	expertSeq uint64
}

func newMailbox() *mailbox {
	return &mailbox{slots: map[mailKey]*mailSlot{}}
}

func (m *mailbox) slot(key mailKey) *mailSlot {
	s, ok := m.slots[key]
	if !ok {
		s = &mailSlot{notify: make(chan struct{})}
		m.slots[key] = s
	}
	return s
}

func (m *mailbox) deliver(src int, tag Tag, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tag.Op == OpExpert && tag.Seq > m.expertSeq {
		m.expertSeq = tag.Seq
		m.dropStale()
	}
	s := m.slot(mailKey{src, tag})
	s.queue = append(s.queue, payload)
	close(s.notify)
	s.notify = make(chan struct{})
}

func (m *mailbox) receive(ctx context.Context, src int, tag Tag) ([]byte, error) {
	key := mailKey{src, tag}
	for {
		m.mu.Lock()
		s := m.slot(key)
		if len(s.queue) > 0 {
			output := s.queue[0]
			s.queue = s.queue[1:]
			if len(s.queue) == 0 {
				delete(m.slots, key)
			}
			m.mu.Unlock()
			return output, nil
		}
		notify := s.notify
		m.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// dropStale discards queued expert transfers older than expertSeq. Slots
// without a queued message are kept since a receive may wait on them.
func (m *mailbox) dropStale() {
	for key, s := range m.slots {
		if key.tag.Op == OpExpert && key.tag.Seq < m.expertSeq && len(s.queue) > 0 {
			delete(m.slots, key)
		}
	}
}

// pending counts undelivered messages.
func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.slots {
		count += len(s.queue)
	}
	return count
}
