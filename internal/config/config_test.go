package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8090", cfg.BindAddr)
	require.Equal(t, 32, cfg.MaxNameRequests)
	require.Equal(t, 100*time.Millisecond, cfg.NameTick)
	require.Equal(t, int64(65536), cfg.HistoryMaxBytes)
	require.True(t, cfg.TranscriptTimestamps)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GRIDTALK_BIND_ADDR", ":9999")
	t.Setenv("GRIDTALK_MAX_NAME_BATCH", "10")
	t.Setenv("GRIDTALK_SPEAKER_TICK", "1s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.BindAddr)
	require.Equal(t, 10, cfg.MaxNameBatch)
	require.Equal(t, time.Second, cfg.SpeakerTick)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("GRIDTALK_MAX_NAME_REQUESTS", "0")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsShortShutdown(t *testing.T) {
	t.Setenv("GRIDTALK_SHUTDOWN_TIMEOUT", "10ms")
	_, err := Load()
	require.Error(t, err)
}
