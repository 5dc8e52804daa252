package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/drgolem/audio-bridge/internal/bridge/controller"
	"github.com/drgolem/audio-bridge/internal/bridge/device"
	"github.com/drgolem/audio-bridge/internal/bridge/httpapi"
	"github.com/drgolem/audio-bridge/internal/bridge/receiver"
	"github.com/spf13/cobra"

	"github.com/drgolem/go-portaudio/portaudio"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Bridge host commands (receive and play streamed audio)",
}

var (
	bridgeListenAddr     string
	bridgeHTTPListenAddr string
	bridgeSpoolDir       string
	bridgeDeviceIdx      int
	bridgeSampleRate     float64
	bridgeChannels       int
	bridgeFramesPerBuf   int
	bridgeVerbose        bool
)

var bridgeServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept a control-server connection and stream audio to a local device",
	RunE:  runBridgeServe,
}

var bridgeListDevicesCmd = &cobra.Command{
	Use:   "list-devices",
	Short: "List local PortAudio output devices",
	RunE:  runBridgeListDevices,
}

func init() {
	bridgeServeCmd.Flags().StringVar(&bridgeListenAddr, "listen", ":7700", "address to listen on for the control server connection")
	bridgeServeCmd.Flags().StringVar(&bridgeHTTPListenAddr, "http-listen", ":7701", "address to listen on for the HTTP control surface (/devices, /status)")
	bridgeServeCmd.Flags().StringVar(&bridgeSpoolDir, "spool-dir", os.TempDir(), "directory to spool incoming track files into")
	bridgeServeCmd.Flags().IntVar(&bridgeDeviceIdx, "device", 1, "PortAudio output device index")
	bridgeServeCmd.Flags().Float64Var(&bridgeSampleRate, "sample-rate", 48000, "device output sample rate")
	bridgeServeCmd.Flags().IntVar(&bridgeChannels, "channels", 2, "device output channel count")
	bridgeServeCmd.Flags().IntVar(&bridgeFramesPerBuf, "frames-per-buffer", 1024, "PortAudio frames per callback")
	bridgeServeCmd.Flags().BoolVarP(&bridgeVerbose, "verbose", "v", false, "enable debug logging")

	bridgeCmd.AddCommand(bridgeServeCmd)
	bridgeCmd.AddCommand(bridgeListDevicesCmd)
	rootCmd.AddCommand(bridgeCmd)
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func runBridgeServe(cmd *cobra.Command, args []string) error {
	setupLogging(bridgeVerbose)

	if err := receiver.CleanupTempFiles(bridgeSpoolDir); err != nil {
		slog.Warn("spool cleanup failed", "error", err)
	}

	slog.Info("initializing portaudio")
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	out, err := device.New(bridgeDeviceIdx, bridgeFramesPerBuf, bridgeChannels, bridgeSampleRate)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer out.Close()

	ln, err := net.Listen("tcp", bridgeListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	slog.Info("bridge listening", "addr", bridgeListenAddr, "device_index", bridgeDeviceIdx)

	httpServer := &http.Server{Addr: bridgeHTTPListenAddr, Handler: httpapi.New(out)}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("bridge HTTP control surface stopped", "error", err)
		}
	}()
	slog.Info("bridge HTTP control surface listening", "addr", bridgeHTTPListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down bridge")
		ln.Close()
		_ = httpServer.Close()
	}()

	ctl := controller.New(out)
	for {
		conn, err := ln.Accept()
		if err != nil {
			slog.Info("listener closed", "error", err)
			return nil
		}
		go func() {
			if err := ctl.Run(conn, bridgeSpoolDir); err != nil {
				slog.Warn("connection ended", "error", err, "peer", conn.RemoteAddr())
			}
		}()
	}
}

func runBridgeListDevices(cmd *cobra.Command, args []string) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	count, err := portaudio.GetDeviceCount()
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	for i := 0; i < count; i++ {
		info, err := portaudio.GetDeviceInfo(i)
		if err != nil {
			continue
		}
		fmt.Printf("%d: %s (max output channels: %d)\n", i, info.Name, info.MaxOutputChannels)
	}
	return nil
}
