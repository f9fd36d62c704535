package protocol

import (
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/webpilot/internal/action"
)

// DefaultDedupWindow suppresses identical proposals repeated within it.
const DefaultDedupWindow = 10 * time.Second

// Deduper suppresses repeated propose_action payloads per session. The
// step id and timestamp are not part of the key.
type Deduper struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	seen   map[string]time.Time
}

// NewDeduper creates a deduper. A non-positive window disables it.
func NewDeduper(window time.Duration, now func() time.Time) *Deduper {
	if now == nil {
		now = time.Now
	}
	return &Deduper{window: window, now: now, seen: make(map[string]time.Time)}
}

// Allow reports whether m should be delivered. Only propose_action
// messages are ever suppressed.
func (d *Deduper) Allow(m Message) bool {
	if m.Type != TypeProposeAction || d.window <= 0 {
		return true
	}
	key := proposalKey(m)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
	if _, dup := d.seen[key]; dup {
		return false
	}
	d.seen[key] = now
	return true
}

// Forget drops every entry for sessionID.
func (d *Deduper) Forget(sessionID string) {
	prefix := sessionID + "\x00"
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.seen {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(d.seen, k)
		}
	}
}

// Len returns the number of remembered proposals.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func proposalKey(m Message) string {
	fp := ""
	if m.Action != nil {
		fp = action.Fingerprint(*m.Action)
	}
	return m.SessionID + "\x00" + fp + "\x00" + m.Explanation + "\x00" + strconv.FormatBool(m.RequiresApproval)
}
