package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "slick",
	Short: "Peer-to-peer service discovery",
	Long: `A decentralized service-discovery fabric: nodes publish small payloads
under string keys and gossip about each other through a seeded mesh, with
no central registry.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
