// Package stream receives the point-to-point message feed and routes each
// frame to the component that owns it: instant messages and session control
// to the registry, mute deltas to the mute list, membership to the speaker
// tracker.
package stream

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/venarius/gridtalk/internal/im"
	"github.com/venarius/gridtalk/internal/mutes"
	"github.com/venarius/gridtalk/internal/protocol"
	"github.com/venarius/gridtalk/internal/speakers"
)

// Dispatcher fans a decoded wire frame out to its owning component. It holds
// no state of its own and is safe for concurrent use.
type Dispatcher struct {
	registry *im.Registry
	mutes    *mutes.List
	tracker  *speakers.Tracker
	log      zerolog.Logger
}

func NewDispatcher(registry *im.Registry, muteList *mutes.List, tracker *speakers.Tracker, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		mutes:    muteList,
		tracker:  tracker,
		log:      log.With().Str("component", "stream").Logger(),
	}
}

// Dispatch decodes one raw frame and hands it to the right component. A
// decode failure is returned to the caller; routing itself never fails.
func (d *Dispatcher) Dispatch(raw []byte) error {
	msg, err := protocol.Parse(raw)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case protocol.InstantMessage:
		d.registry.HandleIncoming(m)
	case protocol.TypingState:
		d.registry.HandleTyping(m)
	case protocol.MuteListUpdate:
		d.mutes.Apply(m)
	case protocol.SessionRoster:
		d.registry.HandleRoster(m)
		for key, info := range m.Agents {
			id, err := uuid.Parse(key)
			if err != nil {
				continue
			}
			d.tracker.AddTextParticipant(id, "")
			d.tracker.SetModerator(id, info.IsModerator)
		}
	case protocol.MembershipUpdate:
		d.registry.HandleMembershipUpdate(m)
		for key, change := range m.Updates {
			id, err := uuid.Parse(key)
			if err != nil {
				continue
			}
			switch change.Transition {
			case protocol.TransitionEnter:
				d.tracker.AddTextParticipant(id, "")
			case protocol.TransitionLeave:
				d.tracker.Remove(id)
			}
			if change.Info != nil {
				d.tracker.SetModerator(id, change.Info.IsModerator)
			}
		}
	default:
		// Voice events ride the engine gateway, not the message feed.
		d.log.Debug().Str("type", fmt.Sprintf("%T", msg)).Msg("ignoring feed frame")
	}
	return nil
}
