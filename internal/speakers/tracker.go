// Package speakers merges voice-engine telemetry with session membership
// into a sorted, decaying view of who is active.
package speakers

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/venarius/gridtalk/internal/gateway"
	"github.com/venarius/gridtalk/internal/mutes"
	"github.com/venarius/gridtalk/internal/names"
	"github.com/venarius/gridtalk/internal/observability"
)

// Status orders speakers: lower sorts first.
type Status int

const (
	StatusSpeaking Status = iota
	StatusHasSpoken
	StatusVoiceActive
	StatusMuted
	StatusTextOnly
	StatusNotInChannel
)

func (s Status) String() string {
	switch s {
	case StatusSpeaking:
		return "speaking"
	case StatusHasSpoken:
		return "has_spoken"
	case StatusVoiceActive:
		return "voice_active"
	case StatusMuted:
		return "muted"
	case StatusTextOnly:
		return "text_only"
	case StatusNotInChannel:
		return "not_in_channel"
	default:
		return "unknown"
	}
}

const (
	// How long a departed speaker lingers before eviction.
	evictAfter = 10 * time.Second
	// How long HasSpoken persists after the last audio before decaying to
	// VoiceActive.
	hasSpokenDecay = 10 * time.Second
	// Exponential smoothing weight for incoming energy samples.
	energyWeight = 0.7
)

// Speaker is the exported snapshot of one tracked participant.
type Speaker struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Status      Status    `json:"-"`
	StatusText  string    `json:"status"`
	Energy      float64   `json:"energy"`
	LastSpokeAt time.Time `json:"last_spoke_at,omitzero"`
	IsModerator bool      `json:"is_moderator,omitempty"`
	MutedVoice  bool      `json:"muted_voice,omitempty"`
	Typing      bool      `json:"typing,omitempty"`
}

type speaker struct {
	id          uuid.UUID
	name        string
	status      Status
	energy      float64
	lastSpoke   time.Time
	departedAt  time.Time
	isModerator bool
	mutedVoice  bool
	typing      bool
}

// Source enumerates current channel membership; the default reads the voice
// engine, a proximity view plugs in its own enumeration.
type Source func() []gateway.Participant

type Config struct {
	Gateway gateway.Gateway
	Source  Source
	Names   *names.Cache
	Mutes   *mutes.List
	Metrics *observability.Metrics
	Log     zerolog.Logger
	Now     func() time.Time
}

// Tracker owns all speaker records. Update is the single mutation entry
// point, called once per tick.
type Tracker struct {
	source  Source
	names   *names.Cache
	mutes   *mutes.List
	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	speakers map[uuid.UUID]*speaker
	// Ordering from the last allowed resort; new arrivals append until the
	// next one.
	order   []uuid.UUID
	subs    map[int]func()
	nextSub int
}

func NewTracker(cfg Config) *Tracker {
	if cfg.Source == nil && cfg.Gateway != nil {
		gw := cfg.Gateway
		cfg.Source = gw.Participants
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		source:   cfg.Source,
		names:    cfg.Names,
		mutes:    cfg.Mutes,
		metrics:  cfg.Metrics,
		log:      cfg.Log.With().Str("component", "speakers").Logger(),
		now:      cfg.Now,
		speakers: map[uuid.UUID]*speaker{},
		subs:     map[int]func(){},
	}
}

// OnListChanged fires after a resort changes the visible ordering.
func (t *Tracker) OnListChanged(fn func()) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Update refreshes every record from the membership source. Sorting and
// eviction run only when resortOK, so the visible ordering never jitters
// under the user's cursor.
func (t *Tracker) Update(resortOK bool) {
	participants := t.source()
	now := t.now()

	t.mu.Lock()
	seen := make(map[uuid.UUID]bool, len(participants))
	for _, p := range participants {
		seen[p.ID] = true
		s, ok := t.speakers[p.ID]
		if !ok {
			s = &speaker{id: p.ID, status: StatusVoiceActive}
			t.speakers[p.ID] = s
			t.order = append(t.order, p.ID)
		}
		t.refreshName(s, p.LegacyName)
		s.energy = s.energy*(1-energyWeight) + p.Energy*energyWeight
		s.mutedVoice = p.IsModeratorMuted
		s.departedAt = time.Time{}

		switch {
		case t.mutes != nil && t.mutes.IsMuted(p.ID):
			s.status = StatusMuted
		case p.IsSpeaking:
			s.status = StatusSpeaking
			s.lastSpoke = now
		case s.status == StatusSpeaking:
			s.status = StatusHasSpoken
		case s.status == StatusHasSpoken:
			if now.Sub(s.lastSpoke) > hasSpokenDecay {
				s.status = StatusVoiceActive
			}
		default:
			s.status = StatusVoiceActive
		}
	}

	for id, s := range t.speakers {
		if seen[id] || s.status == StatusTextOnly {
			continue
		}
		if s.status != StatusNotInChannel {
			s.status = StatusNotInChannel
			s.departedAt = now
		}
	}

	var changed bool
	if resortOK {
		changed = t.resortLocked(now)
	}
	t.metrics.SetTrackedSpeakers(len(t.speakers))
	subs := t.subsSnapshotLocked(changed)
	t.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// AddTextParticipant tracks a session member with no voice presence. Text
// participants always sort last and are never auto-evicted.
func (t *Tracker) AddTextParticipant(id uuid.UUID, name string) {
	t.mu.Lock()
	s, ok := t.speakers[id]
	if !ok {
		s = &speaker{id: id, status: StatusTextOnly}
		t.speakers[id] = s
		t.order = append(t.order, id)
	}
	if s.status == StatusNotInChannel {
		s.status = StatusTextOnly
		s.departedAt = time.Time{}
	}
	t.refreshName(s, name)
	t.mu.Unlock()
}

// Remove drops a participant immediately, e.g. on session leave.
func (t *Tracker) Remove(id uuid.UUID) {
	t.mu.Lock()
	delete(t.speakers, id)
	t.order = removeID(t.order, id)
	t.mu.Unlock()
}

// Chatted records text activity so recency sorting reflects it.
func (t *Tracker) Chatted(id uuid.UUID) {
	t.mu.Lock()
	if s, ok := t.speakers[id]; ok {
		s.lastSpoke = t.now()
	}
	t.mu.Unlock()
}

func (t *Tracker) SetTyping(id uuid.UUID, typing bool) {
	t.mu.Lock()
	if s, ok := t.speakers[id]; ok {
		s.typing = typing
	}
	t.mu.Unlock()
}

func (t *Tracker) SetModerator(id uuid.UUID, moderator bool) {
	t.mu.Lock()
	if s, ok := t.speakers[id]; ok {
		s.isModerator = moderator
	}
	t.mu.Unlock()
}

// List returns the speakers in display order as of the last resort.
func (t *Tracker) List() []Speaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Speaker, 0, len(t.order))
	for _, id := range t.order {
		s, ok := t.speakers[id]
		if !ok {
			continue
		}
		out = append(out, Speaker{
			ID:          s.id,
			Name:        s.name,
			Status:      s.status,
			StatusText:  s.status.String(),
			Energy:      s.energy,
			LastSpokeAt: s.lastSpoke,
			IsModerator: s.isModerator,
			MutedVoice:  s.mutedVoice,
			Typing:      s.typing,
		})
	}
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.speakers)
}

// resortLocked evicts expired departures and re-sorts by (status priority,
// most recent speech, name). Reports whether the visible order changed.
func (t *Tracker) resortLocked(now time.Time) bool {
	for id, s := range t.speakers {
		if s.status == StatusNotInChannel && !s.departedAt.IsZero() && now.Sub(s.departedAt) > evictAfter {
			delete(t.speakers, id)
		}
	}

	next := make([]uuid.UUID, 0, len(t.speakers))
	for id := range t.speakers {
		next = append(next, id)
	}
	sort.Slice(next, func(i, j int) bool {
		a, b := t.speakers[next[i]], t.speakers[next[j]]
		if a.status != b.status {
			return a.status < b.status
		}
		if !a.lastSpoke.Equal(b.lastSpoke) {
			return a.lastSpoke.After(b.lastSpoke)
		}
		if a.name != b.name {
			return a.name < b.name
		}
		return a.id.String() < b.id.String()
	})

	changed := len(next) != len(t.order)
	if !changed {
		for i := range next {
			if next[i] != t.order[i] {
				changed = true
				break
			}
		}
	}
	t.order = next
	return changed
}

func (t *Tracker) subsSnapshotLocked(changed bool) []func() {
	if !changed {
		return nil
	}
	subs := make([]func(), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	return subs
}

func (t *Tracker) refreshName(s *speaker, fallback string) {
	if t.names != nil {
		if n, ok := t.names.Lookup(s.id); ok {
			s.name = n.CompleteName()
			return
		}
	}
	if s.name == "" && fallback != "" {
		s.name = fallback
	}
	if s.name == "" {
		s.name = s.id.String()
	}
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
