package main

import (
	"github.com/spf13/cobra"

	"screenshare/cmd/client"
	"screenshare/cmd/server"
)

var rootCmd = &cobra.Command{Use: "screenshare"}

func init() {
	rootCmd.AddCommand(server.ServerCmd)
	rootCmd.AddCommand(client.ClientCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
