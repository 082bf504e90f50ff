package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "clipvault",
	Short: "Save videos and links shared over Instagram DMs",
	Long: `clipvault receives Instagram messaging webhooks, pairs each shared video
with the title its sender typed, and enriches the result (transcript, tags,
category, embedding) into a searchable library.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.AddCommand(serveCmd, statusCmd, jobsCmd, sendersCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
