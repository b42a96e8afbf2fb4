// Package main provides the prbuild CLI: resolve AppVeyor pull-request builds
// to artifact download links, run the monitor agent, or serve MCP.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"prbuild-resolver/src/config"
	"prbuild-resolver/src/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	// Application configuration
	appConfig *config.Config
	// Logger for commands whose stdout carries JSON
	log logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "prbuild",
	Short: "prbuild - resolve AppVeyor pull-request builds to downloadable artifacts",
	Long: `prbuild answers "where can I download the build for this pull request?".

Given an AppVeyor build status link, or a pull request number, it finds the
newest successful build, its first successful job and the named artifact, and
prints the artifact's download link. Answers are cached; when AppVeyor is down
the last good answer for a status link is served instead.

Configuration comes from the environment (and an optional .env file):
APPVEYOR_ACCOUNT, APPVEYOR_PROJECT, PRBUILD_ARTIFACT_NAME, REDPANDA_BROKERS, ...`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		appConfig, err = config.LoadFromEnv()
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		debug, _ := cmd.Flags().GetBool("debug")
		log = logger.NewWriterLogger(os.Stderr, debug || appConfig.Debug)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(urlCmd)
	rootCmd.AddCommand(prCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var nf *notFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
