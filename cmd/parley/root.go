package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley is a conversation orchestration server for requirements gathering",
	Long: `Parley runs the conversational front-end of an app builder: it gathers
application requirements over a dialogue, streams assistant output as typed
frames with exactly-once delivery, and hands confirmed requirements off to
code generation.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringP("config", "c", "parley.yaml", "Path to the configuration file")
}
