// Package main provides the CLI entry point for the Trestle bridge service.
//
// Trestle connects app users to their personal WhatsApp and Signal accounts
// through mautrix bridge bots on a Matrix homeserver, and exposes the
// connection lifecycle (pairing, status, resync, disconnect) over an
// authenticated HTTP API.
//
// # Basic Usage
//
// Start the server:
//
//	trestle serve --config trestle.yaml
//
// Validate a configuration file:
//
//	trestle config validate --config trestle.yaml
//
// # Environment Variables
//
//   - TRESTLE_CONFIG: Path to configuration file (default: trestle.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultConfigName = "trestle.yaml"

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trestle",
		Short: "Trestle - Matrix bridge connection service",
		Long: `Trestle pairs app users with their own WhatsApp and Signal accounts
through mautrix bridge bots on a Matrix homeserver.

It provisions a homeserver account per user, negotiates pairing with the
bridge bot (pairing code or QR), monitors the login until the phone approves
it, and keeps a sync loop running to forward messages.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}

// resolveConfigPath lets TRESTLE_CONFIG override the default config path
// when the flag was left untouched.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" || path == defaultConfigName {
		if env := strings.TrimSpace(os.Getenv("TRESTLE_CONFIG")); env != "" {
			return env
		}
	}
	if strings.TrimSpace(path) == "" {
		return defaultConfigName
	}
	return path
}
