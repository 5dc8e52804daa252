package main

import "github.com/drgolem/audio-bridge/cmd"

func main() {
	cmd.Execute()
}
