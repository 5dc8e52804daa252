package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/drgolem/audio-bridge/internal/hub/api"
	"github.com/drgolem/audio-bridge/internal/hub/events"
	"github.com/drgolem/audio-bridge/internal/hub/library"
	"github.com/drgolem/audio-bridge/internal/hub/outputs"
	"github.com/drgolem/audio-bridge/internal/hub/playback"
	"github.com/drgolem/audio-bridge/internal/hub/sessions"
	"github.com/prometheus/client_golang/prometheus"
)

// HubConfig is read from environment variables via caarlos0/env, following
// the same env-var config idiom ManuGH-xg2g uses for its own server
// config. Device index/buffer-size flags stay cobra flags on the bridge
// side (§A "Config" in SPEC_FULL.md); the hub additionally needs a few
// deployment-shaped knobs better suited to env vars (listen address,
// library root, configured bridges).
type HubConfig struct {
	ListenAddr    string        `env:"AUDIO_HUB_LISTEN_ADDR" envDefault:":8090"`
	LibraryRoot   string        `env:"AUDIO_HUB_LIBRARY_ROOT" envDefault:"."`
	Bridges       string        `env:"AUDIO_HUB_BRIDGES"`               // "id=http://host:port|host:streamport,id2=..."
	DefaultTTL    time.Duration `env:"AUDIO_HUB_SESSION_TTL" envDefault:"30s"`
	StatusPollInt time.Duration `env:"AUDIO_HUB_STATUS_POLL_INTERVAL" envDefault:"1s"`
}

// parseBridges parses "id=httpAddr|streamAddr,id2=..." entries: httpAddr is
// the bridge's small HTTP control surface (devices/status/set-device),
// streamAddr is the framed-protocol listener (cmd/bridge.go's --listen) the
// hub's bridgeWorker dials to push audio. A missing "|streamAddr" falls
// back to httpAddr's host with the default bridge listen port, so a bare
// "id=http://host:7701" entry still works if the bridge was started with
// the default --listen :7700.
func parseBridges(spec string) []outputs.BridgeConfig {
	var out []outputs.BridgeConfig
	if spec == "" {
		return out
	}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		addrs := strings.SplitN(parts[1], "|", 2)
		cfg := outputs.BridgeConfig{ID: parts[0], Name: parts[0], HTTPAddr: addrs[0]}
		if len(addrs) == 2 {
			cfg.StreamAddr = addrs[1]
		} else {
			cfg.StreamAddr = defaultStreamAddr(addrs[0])
		}
		out = append(out, cfg)
	}
	return out
}

// defaultStreamAddr derives host:7700 from an HTTP control surface address
// like "http://host:7701" when no explicit stream address was configured.
func defaultStreamAddr(httpAddr string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(httpAddr, "http://"), "https://")
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host + ":7700"
}

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Control server commands (sessions, output providers, REST API)",
}

var hubServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control server",
	RunE:  runHubServe,
}

func init() {
	hubCmd.AddCommand(hubServeCmd)
	rootCmd.AddCommand(hubCmd)
}

func runHubServe(cmd *cobra.Command, args []string) error {
	var cfg HubConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse hub config: %w", err)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	lib, err := library.New(cfg.LibraryRoot)
	if err != nil {
		return fmt.Errorf("open library root: %w", err)
	}

	sessionReg := sessions.New()
	defer sessionReg.Close()

	bridgeProvider := outputs.NewBridgeProvider(parseBridges(cfg.Bridges))
	localProvider := outputs.NewLocalProvider(nil)
	castProvider := outputs.NewCastProvider(nil, func(path string) string {
		return fmt.Sprintf("%s/stream?path=%s", strings.TrimSuffix(cfg.ListenAddr, "/"), path)
	})
	outputReg := outputs.New(bridgeProvider, castProvider, localProvider)

	playbackMgr := playback.New(sessionReg, outputReg)

	reg := prometheus.NewRegistry()
	bus := events.New(reg)
	store := events.NewStore()

	server := api.New(log, lib, sessionReg, outputReg, playbackMgr, bus, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server.StartStatusPolling(ctx, cfg.StatusPollInt)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down hub server")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("library_root", lib.Root()).Msg("hub server listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
