// Mcphub manages connections to Model Context Protocol servers.
//
// It keeps a registry of stdio, SSE and streamable HTTP servers, supervises
// the child processes of stdio servers, installs servers from npm, GitHub
// or a local directory, and serves everything over a REST API plus one
// aggregated MCP endpoint.
//
// Usage:
//
//	mcphub serve                  Start the API and gateway
//	mcphub test <server-id>       Probe a configured server
//	mcphub search [query]         Search the server catalog
//	mcphub install <package>      Install a server and print its definition
//	mcphub import [path]          Convert a desktop client config to YAML
//	mcphub version                Print version information
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcphub-go/pkg/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mcphub",
		Short:         "Connect, supervise and install MCP servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err = cfg.Log.NewLogger(os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: search standard locations)")

	rootCmd.AddCommand(
		serveCmd(),
		testCmd(),
		searchCmd(),
		installCmd(),
		importCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mcphub: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. Without an explicit path a missing
// file is not an error and the defaults apply.
func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	var c *config.Config
	switch {
	case err == nil:
		c, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	case explicit != "":
		return nil, err
	default:
		c = config.Default()
	}
	if err := c.Validate(); err != nil {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				fmt.Fprintf(os.Stderr, "  %s\n", e)
			}
		}
		return nil, err
	}
	return c, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		// The config is not needed to print the version.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mcphub %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
