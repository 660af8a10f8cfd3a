package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/venarius/gridtalk/internal/caps"
	"github.com/venarius/gridtalk/internal/config"
	"github.com/venarius/gridtalk/internal/gateway"
	"github.com/venarius/gridtalk/internal/httpapi"
	"github.com/venarius/gridtalk/internal/im"
	"github.com/venarius/gridtalk/internal/mutes"
	"github.com/venarius/gridtalk/internal/names"
	"github.com/venarius/gridtalk/internal/notify"
	"github.com/venarius/gridtalk/internal/observability"
	"github.com/venarius/gridtalk/internal/protocol"
	"github.com/venarius/gridtalk/internal/speakers"
	"github.com/venarius/gridtalk/internal/stream"
	"github.com/venarius/gridtalk/internal/transcript"
	"github.com/venarius/gridtalk/internal/voice"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	capsClient := caps.NewClient(logger, metrics)
	capsClient.SetCapability(protocol.CapNameLookup, cfg.NameLookupURL)
	capsClient.SetCapability(protocol.CapChatSessionRequest, cfg.ChatSessionURL)
	capsClient.SetCapability(protocol.CapHistoryFetch, cfg.HistoryFetchURL)
	capsClient.SetCapability(protocol.CapDisplayNameSet, cfg.DisplayNameSetURL)
	capsClient.SetCapability(protocol.CapOfflineMessages, cfg.OfflineMessagesURL)

	nameCache := names.NewCache(names.NewCapabilityResolver(capsClient), logger, metrics, names.CacheOptions{
		MaxOutstanding: cfg.MaxNameRequests,
		MaxBatch:       cfg.MaxNameBatch,
	})
	if f, err := os.Open(cfg.NameCacheFile); err == nil {
		if _, err := nameCache.ImportFile(f); err != nil {
			logger.Warn().Err(err).Msg("name cache import failed")
		}
		_ = f.Close()
	}

	logs := transcript.NewStore(cfg.TranscriptDir, cfg.TranscriptTimestamps)
	notifier := notify.NewNotifier()
	notifier.Subscribe(func(n notify.Notification) {
		logger.Info().Str("key", n.Key).Fields(map[string]any{"args": n.Args}).Msg("notification")
	})
	muteList := mutes.NewList()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	var gw gateway.Gateway
	if cfg.VoiceGatewayURL != "" {
		client, err := gateway.Dial(runCtx, cfg.VoiceGatewayURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("voice gateway dial failed")
		}
		defer client.Close()
		gw = client
	} else {
		logger.Warn().Msg("no voice gateway configured, voice runs against an in-process stub")
		gw = gateway.NewMock()
	}

	registry := im.NewRegistry(im.Config{
		AgentID:         cfg.AgentID,
		HistoryMaxBytes: cfg.HistoryMaxBytes,
		Send:            legacySender(cfg.LegacySendURL, logger),
		Caps:            capsClient,
		Names:           nameCache,
		Logs:            logs,
		Notifier:        notifier,
		Metrics:         metrics,
		Log:             logger,
	})

	vm := voice.NewManager(voice.Config{
		AgentID:       cfg.AgentID,
		Caps:          capsClient,
		Gateway:       gw,
		Notifier:      notifier,
		Metrics:       metrics,
		Log:           logger,
		SystemMessage: registry.SystemMessage,
	})
	defer vm.Close()

	tracker := speakers.NewTracker(speakers.Config{
		Gateway: gw,
		Names:   nameCache,
		Mutes:   muteList,
		Metrics: metrics,
		Log:     logger,
	})

	// A group session's id is the group id itself; anything else with an
	// invite handle is an inbound one-to-one call.
	registry.SetVoiceStarter(func(sessionID, otherID uuid.UUID, label, handle string) {
		switch {
		case handle != "":
			vm.AcceptIncoming(sessionID, otherID, label, handle)
		case sessionID == otherID:
			vm.StartGroup(sessionID, label)
		default:
			vm.StartP2P(sessionID, otherID, label)
		}
	})
	registry.SetTypingSink(func(_, fromID uuid.UUID, typing bool) {
		tracker.SetTyping(fromID, typing)
	})
	registry.OnMessage(func(line im.Line) {
		tracker.Chatted(line.FromID)
	})

	if capsClient.Has(protocol.CapOfflineMessages) {
		go fetchOfflineMessages(runCtx, capsClient, registry, logger)
	}

	dispatcher := stream.NewDispatcher(registry, muteList, tracker, logger)
	if cfg.MessageStreamURL != "" {
		feed := stream.Open(runCtx, cfg.MessageStreamURL, cfg.AgentID, dispatcher, logger)
		defer feed.Close()
	} else {
		logger.Warn().Msg("no message feed configured, inbound traffic arrives only via /v1/ingest")
	}

	go runTicks(runCtx, cfg, nameCache, tracker)

	api := httpapi.New(cfg, registry, vm, tracker, nameCache, capsClient, dispatcher, metrics)
	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: api.Router()}

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	exportNameCache(cfg.NameCacheFile, nameCache, logger)
	logger.Info().Msg("shutdown complete")
}

// runTicks drives the periodic work: batched name resolution and speaker
// refresh.
func runTicks(ctx context.Context, cfg config.Config, nameCache *names.Cache, tracker *speakers.Tracker) {
	nameTick := time.NewTicker(cfg.NameTick)
	defer nameTick.Stop()
	speakerTick := time.NewTicker(cfg.SpeakerTick)
	defer speakerTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-nameTick.C:
			nameCache.Tick(ctx)
		case <-speakerTick.C:
			tracker.Update(true)
		}
	}
}

// legacySender posts point-to-point messages to the legacy transport, or
// drops them with a log line when none is configured.
func legacySender(endpoint string, logger zerolog.Logger) im.SendFunc {
	if endpoint == "" {
		return func(msg protocol.InstantMessage) error {
			logger.Debug().Str("dialog", string(msg.Dialog)).Stringer("session", msg.SessionID).
				Msg("no legacy transport configured, dropping outbound message")
			return nil
		}
	}
	client := &http.Client{Timeout: 15 * time.Second}
	return func(msg protocol.InstantMessage) error {
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		resp, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return errors.New("legacy send failed: " + resp.Status)
		}
		return nil
	}
}

// fetchOfflineMessages replays messages that arrived while the agent was
// offline through the normal incoming path.
func fetchOfflineMessages(ctx context.Context, capsClient *caps.Client, registry *im.Registry, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var resp struct {
		Messages []protocol.InstantMessage `json:"messages"`
	}
	if _, err := capsClient.Get(ctx, protocol.CapOfflineMessages, url.Values{}, &resp); err != nil {
		logger.Warn().Err(err).Msg("offline message fetch failed")
		return
	}
	logger.Info().Int("count", len(resp.Messages)).Msg("replaying offline messages")
	for _, msg := range resp.Messages {
		registry.HandleIncoming(msg)
	}
}

func exportNameCache(path string, nameCache *names.Cache, logger zerolog.Logger) {
	f, err := os.Create(path)
	if err != nil {
		logger.Warn().Err(err).Msg("name cache export failed")
		return
	}
	defer f.Close()
	if err := nameCache.ExportFile(f); err != nil {
		logger.Warn().Err(err).Msg("name cache export failed")
	}
}
