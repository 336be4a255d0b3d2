package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the obsidian-mcp application
var rootCmd = &cobra.Command{
	Use:   "obsidian-mcp",
	Short: "Serves an Obsidian vault to AI assistants over MCP",
	Long: `obsidian-mcp exposes a folder of markdown notes (an Obsidian vault) to
AI assistants through the Model Context Protocol.

It can run as:
  - A streamable HTTP server with persistent sessions and optional OAuth (default)
  - A stdio server for local assistants`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "obsidian-mcp version %s\n" .Version}}`)

	// If no subcommand is provided, run the serve command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newRecordsCmd())
	rootCmd.AddCommand(newGenerateDocsCmd())
	rootCmd.AddCommand(newVersionCmd())
}
