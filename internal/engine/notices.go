package engine

import (
	"sync"
	"time"
)

type NoticeKind int

const (
	NoticeSuccess NoticeKind = iota
	NoticeError
)

// Notice is a transient banner. It expires on its own after the notice TTL
// or earlier when dismissed.
type Notice struct {
	ID      int
	Kind    NoticeKind
	Message string
	At      time.Time
}

type Notices struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	next  int
	items []Notice
}

func newNotices(ttl time.Duration, now func() time.Time) *Notices {
	return &Notices{ttl: ttl, now: now, next: 1}
}

func (n *Notices) push(kind NoticeKind, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pruneLocked()
	n.items = append(n.items, Notice{ID: n.next, Kind: kind, Message: message, At: n.now()})
	n.next++
}

func (n *Notices) success(message string) { n.push(NoticeSuccess, message) }
func (n *Notices) failure(message string) { n.push(NoticeError, message) }

// Active returns notices that have not expired or been dismissed.
func (n *Notices) Active() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pruneLocked()
	return append([]Notice(nil), n.items...)
}

func (n *Notices) Dismiss(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, item := range n.items {
		if item.ID == id {
			n.items = append(n.items[:i], n.items[i+1:]...)
			return
		}
	}
}

func (n *Notices) pruneLocked() {
	if n.ttl <= 0 {
		return
	}
	cutoff := n.now().Add(-n.ttl)
	kept := n.items[:0]
	for _, item := range n.items {
		if item.At.After(cutoff) {
			kept = append(kept, item)
		}
	}
	n.items = kept
}
