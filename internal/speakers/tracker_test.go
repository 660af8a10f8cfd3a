package speakers

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/venarius/gridtalk/internal/gateway"
	"github.com/venarius/gridtalk/internal/mutes"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type scriptedSource struct {
	mu           sync.Mutex
	participants []gateway.Participant
}

func (s *scriptedSource) set(ps ...gateway.Participant) {
	s.mu.Lock()
	s.participants = ps
	s.mu.Unlock()
}

func (s *scriptedSource) get() []gateway.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.Participant, len(s.participants))
	copy(out, s.participants)
	return out
}

func newTestTracker(src *scriptedSource, clk *fakeClock, muted *mutes.List) *Tracker {
	return NewTracker(Config{
		Source: src.get,
		Mutes:  muted,
		Log:    zerolog.Nop(),
		Now:    clk.Now,
	})
}

func statusOf(t *testing.T, tr *Tracker, id uuid.UUID) Status {
	t.Helper()
	for _, s := range tr.List() {
		if s.ID == id {
			return s.Status
		}
	}
	t.Fatalf("speaker %s not tracked", id)
	return 0
}

func TestSpeakingDecaysToVoiceActive(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	src := &scriptedSource{}
	tr := newTestTracker(src, clk, nil)
	id := uuid.New()

	src.set(gateway.Participant{ID: id, LegacyName: "James Cook", IsSpeaking: true, Energy: 0.8})
	tr.Update(true)
	require.Equal(t, StatusSpeaking, statusOf(t, tr, id))

	src.set(gateway.Participant{ID: id, LegacyName: "James Cook"})
	tr.Update(true)
	require.Equal(t, StatusHasSpoken, statusOf(t, tr, id), "one silent tick keeps recent-speaker status")

	clk.Advance(11 * time.Second)
	tr.Update(true)
	require.Equal(t, StatusVoiceActive, statusOf(t, tr, id))
}

func TestSortByStatusThenRecency(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	src := &scriptedSource{}
	tr := newTestTracker(src, clk, nil)
	talker := uuid.New()
	listener := uuid.New()
	texter := uuid.New()

	tr.AddTextParticipant(texter, "Text Only")
	src.set(
		gateway.Participant{ID: listener, LegacyName: "Quiet One"},
		gateway.Participant{ID: talker, LegacyName: "Loud One", IsSpeaking: true},
	)
	tr.Update(true)

	list := tr.List()
	require.Len(t, list, 3)
	require.Equal(t, talker, list[0].ID)
	require.Equal(t, listener, list[1].ID)
	require.Equal(t, texter, list[2].ID, "text participants sort last")
}

func TestOrderFrozenWithoutResort(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	src := &scriptedSource{}
	tr := newTestTracker(src, clk, nil)
	a, b := uuid.New(), uuid.New()

	src.set(
		gateway.Participant{ID: a, LegacyName: "Alpha", IsSpeaking: true},
		gateway.Participant{ID: b, LegacyName: "Beta"},
	)
	tr.Update(true)
	require.Equal(t, a, tr.List()[0].ID)

	// Beta starts speaking while the cursor hovers: status updates, the
	// visible order does not.
	clk.Advance(time.Second)
	src.set(
		gateway.Participant{ID: a, LegacyName: "Alpha"},
		gateway.Participant{ID: b, LegacyName: "Beta", IsSpeaking: true},
	)
	tr.Update(false)
	require.Equal(t, a, tr.List()[0].ID)
	require.Equal(t, StatusSpeaking, statusOf(t, tr, b))

	tr.Update(true)
	require.Equal(t, b, tr.List()[0].ID)
}

func TestDepartedEvictedOnlyDuringResort(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	src := &scriptedSource{}
	tr := newTestTracker(src, clk, nil)
	id := uuid.New()

	src.set(gateway.Participant{ID: id, LegacyName: "Ghost"})
	tr.Update(true)

	src.set()
	tr.Update(true)
	require.Equal(t, StatusNotInChannel, statusOf(t, tr, id))

	clk.Advance(11 * time.Second)
	tr.Update(false)
	require.Equal(t, 1, tr.Len(), "eviction must wait for an allowed resort")

	tr.Update(true)
	require.Equal(t, 0, tr.Len())
}

func TestMutedOverridesSpeaking(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	src := &scriptedSource{}
	muted := mutes.NewList()
	tr := newTestTracker(src, clk, muted)
	id := uuid.New()

	muted.Add(id)
	src.set(gateway.Participant{ID: id, LegacyName: "Blocked", IsSpeaking: true, Energy: 0.9})
	tr.Update(true)
	require.Equal(t, StatusMuted, statusOf(t, tr, id))
}

func TestEnergySmoothing(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	src := &scriptedSource{}
	tr := newTestTracker(src, clk, nil)
	id := uuid.New()

	src.set(gateway.Participant{ID: id, LegacyName: "Speaker", IsSpeaking: true, Energy: 1.0})
	tr.Update(true)
	first := tr.List()[0].Energy
	require.InDelta(t, 0.7, first, 0.001)

	tr.Update(true)
	second := tr.List()[0].Energy
	require.Greater(t, second, first)
	require.Less(t, second, 1.0)
}

func TestListChangedFiresOnlyOnReorder(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	src := &scriptedSource{}
	tr := newTestTracker(src, clk, nil)
	a, b := uuid.New(), uuid.New()

	var mu sync.Mutex
	fires := 0
	tr.OnListChanged(func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})

	// Discovery order differs from sorted order, so the first resort
	// reorders the list.
	src.set(
		gateway.Participant{ID: b, LegacyName: "Beta"},
		gateway.Participant{ID: a, LegacyName: "Alpha", IsSpeaking: true},
	)
	tr.Update(true)
	mu.Lock()
	afterFirst := fires
	mu.Unlock()
	require.Positive(t, afterFirst)

	// Same membership, same order: no new event.
	tr.Update(true)
	mu.Lock()
	require.Equal(t, afterFirst, fires)
	mu.Unlock()
}

func TestTypingAndChatted(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	src := &scriptedSource{}
	tr := newTestTracker(src, clk, nil)
	id := uuid.New()

	tr.AddTextParticipant(id, "Texter")
	tr.SetTyping(id, true)
	tr.Chatted(id)

	list := tr.List()
	require.Len(t, list, 1)
	require.True(t, list[0].Typing)
	require.Equal(t, clk.Now(), list[0].LastSpokeAt)
}
