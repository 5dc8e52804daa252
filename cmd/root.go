package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "audio-bridge",
	Short: "Distributed networked music playback hub and bridge host",
	Long: `audio-bridge runs either side of a networked playback system: a bridge
host that receives streamed audio over a framed TCP protocol and drives a
local audio device, or a control server (hub) that owns playback sessions
and dispatches commands across heterogeneous output providers.

Commands:
  - bridge serve: run the bridge host (receiver + decode/resample/device pipeline)
  - bridge list-devices: list local PortAudio output devices
  - hub serve: run the control server (sessions, output providers, REST API)
  - play / playlist: local-only playback of files, useful for bridge device testing
  - transform: offline resample/convert a file to WAV`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
