package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotifyFansOut(t *testing.T) {
	n := NewNotifier()
	var got []string
	n.Subscribe(func(note Notification) { got = append(got, "a:"+note.Key) })
	n.Subscribe(func(note Notification) { got = append(got, "b:"+note.Key) })

	n.Notify("VoiceChannelJoinFailed", map[string]string{"channel": "Friends"})
	require.ElementsMatch(t, []string{"a:VoiceChannelJoinFailed", "b:VoiceChannelJoinFailed"}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	n := NewNotifier()
	count := 0
	cancel := n.Subscribe(func(Notification) { count++ })
	n.Notify("x", nil)
	cancel()
	n.Notify("x", nil)
	require.Equal(t, 1, count)
}
