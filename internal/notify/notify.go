// Package notify is the one-shot user notification surface. Components emit
// at most one notification per user-visible failure; retries stay silent.
package notify

import "sync"

type Notification struct {
	Key  string
	Args map[string]string
}

type Handler func(Notification)

type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Handler
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]Handler)}
}

// Subscribe registers a handler and returns an unsubscribe func. A subscriber
// that destroys itself must call it; there are no weak references.
func (n *Notifier) Subscribe(h Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.subs[id] = h
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *Notifier) Notify(key string, args map[string]string) {
	n.mu.Lock()
	handlers := make([]Handler, 0, len(n.subs))
	for _, h := range n.subs {
		handlers = append(handlers, h)
	}
	n.mu.Unlock()

	note := Notification{Key: key, Args: args}
	for _, h := range handlers {
		h(note)
	}
}
