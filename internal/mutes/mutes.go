// Package mutes tracks which participants the local user has muted. The
// server holds the authoritative list; updates arrive as point-to-point
// messages and are mirrored here for synchronous queries.
package mutes

import (
	"sync"

	"github.com/google/uuid"

	"github.com/venarius/gridtalk/internal/protocol"
)

type List struct {
	mu    sync.RWMutex
	muted map[uuid.UUID]struct{}
}

func NewList() *List {
	return &List{muted: make(map[uuid.UUID]struct{})}
}

func (l *List) IsMuted(id uuid.UUID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.muted[id]
	return ok
}

func (l *List) Add(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.muted[id] = struct{}{}
}

func (l *List) Remove(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.muted, id)
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.muted)
}

// Apply merges a server-pushed delta into the local mirror.
func (l *List) Apply(upd protocol.MuteListUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range upd.Muted {
		l.muted[id] = struct{}{}
	}
	for _, id := range upd.Unmuted {
		delete(l.muted, id)
	}
}

// Request builds the wire message asking the server for a full list.
func Request(agentID uuid.UUID) protocol.MuteListRequest {
	return protocol.MuteListRequest{Type: protocol.TypeMuteListRequest, AgentID: agentID}
}
