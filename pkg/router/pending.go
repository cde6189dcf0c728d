package router

import (
	"sync"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/bus"
)

// pendingMap correlates published requests with their asynchronous replies.
// Entries are added before publish and removed exactly once, by either the
// reply consumer or the caller's timeout path.
type pendingMap struct {
	mu      sync.Mutex
	waiters map[string]chan bus.ReplyEnvelope
}

func newPendingMap() *pendingMap {
	return &pendingMap{waiters: make(map[string]chan bus.ReplyEnvelope)}
}

// Add registers a waiter for the given correlation id. The channel is
// buffered so Resolve never blocks on a caller that already timed out.
func (p *pendingMap) Add(correlationID string) chan bus.ReplyEnvelope {
	ch := make(chan bus.ReplyEnvelope, 1)
	p.mu.Lock()
	p.waiters[correlationID] = ch
	p.mu.Unlock()
	return ch
}

// Remove drops a waiter, typically on timeout.
func (p *pendingMap) Remove(correlationID string) {
	p.mu.Lock()
	delete(p.waiters, correlationID)
	p.mu.Unlock()
}

// Resolve delivers a reply to its waiter. Late replies whose waiter is gone
// are dropped.
func (p *pendingMap) Resolve(correlationID string, reply bus.ReplyEnvelope) bool {
	p.mu.Lock()
	ch, ok := p.waiters[correlationID]
	if ok {
		delete(p.waiters, correlationID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- reply
	return true
}

// Len reports the number of outstanding waiters.
func (p *pendingMap) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
