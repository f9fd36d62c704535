package stream

import (
	"container/list"
	"sync"
)

// replayBuffer keeps the newest observer messages per session so a
// reconnecting SSE client can resume from its Last-Event-ID. Each session
// has its own bounded list so one session's burst cannot evict another's.
type replayBuffer struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

func newReplayBuffer(maxSize int) *replayBuffer {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &replayBuffer{queues: make(map[string]*list.List), maxSize: maxSize}
}

func (b *replayBuffer) add(sessionID string, env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.queues[sessionID]
	if !ok {
		l = list.New()
		b.queues[sessionID] = l
	}
	l.PushBack(env)
	for l.Len() > b.maxSize {
		l.Remove(l.Front())
	}
}

// since returns the buffered envelopes with an id after afterID.
func (b *replayBuffer) since(sessionID string, afterID int64) []Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.queues[sessionID]
	if !ok {
		return nil
	}
	var out []Envelope
	for e := l.Front(); e != nil; e = e.Next() {
		if env := e.Value.(Envelope); env.ID > afterID {
			out = append(out, env)
		}
	}
	return out
}

func (b *replayBuffer) drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, sessionID)
}
