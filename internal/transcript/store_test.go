package transcript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndTail(t *testing.T) {
	s := NewStore(t.TempDir(), false)
	require.NoError(t, s.Append("friends", "James Cook", "hello"))
	require.NoError(t, s.Append("friends", "Ada Byron", "hi there"))

	lines, err := s.Tail("friends", 1<<16)
	require.NoError(t, err)
	require.Equal(t, []string{"James Cook: hello", "Ada Byron: hi there"}, lines)
}

func TestTailMissingLogIsEmpty(t *testing.T) {
	s := NewStore(t.TempDir(), false)
	lines, err := s.Tail("nope", 1<<16)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestTailBoundsSizeAndDropsPartialLine(t *testing.T) {
	s := NewStore(t.TempDir(), false)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Append("busy", "Talker", strings.Repeat("x", 50)))
	}

	lines, err := s.Tail("busy", 500)
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	require.Less(t, len(lines), 12)
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, "Talker: "), "partial line leaked: %q", line)
	}
}

func TestTimestampPrefix(t *testing.T) {
	s := NewStore(t.TempDir(), true)
	require.NoError(t, s.Append("stamped", "James Cook", "hello"))
	lines, err := s.Tail("stamped", 1<<16)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Regexp(t, `^\[\d{4}/\d{2}/\d{2} \d{2}:\d{2}\] James Cook: hello$`, lines[0])
}

func TestLogID(t *testing.T) {
	require.Equal(t, "Bad_Name_", LogID(`Bad/Name?`))
	require.Equal(t, "conversation", LogID("  "))
}
