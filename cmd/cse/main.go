package main

import (
	"fmt"
	"os"

	"github.com/cloo-solutions/cseassist/internal/cli"
	"github.com/cloo-solutions/cseassist/internal/cli/client"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "cse",
		Short: "Ask questions about CSE documents and French labour law",
		Long: `cse talks to a csed server and answers questions from the indexed corpus.

Environment variables:
  CSE_API_TOKEN    API token, when the server requires one
  CSE_SERVER_URL   Server URL (default: http://localhost:8080)`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("output", false, "Output as JSON")
	rootCmd.PersistentFlags().String("token", "", "API token (overrides env and config)")
	rootCmd.PersistentFlags().String("url", "", "Server URL (overrides env and config)")
	cli.AddHelpJSONFlag(rootCmd)

	rootCmd.AddCommand(client.AskCmd())
	rootCmd.AddCommand(client.ChatCmd())
	rootCmd.AddCommand(client.SearchCmd())
	rootCmd.AddCommand(client.HistoryCmd())
	rootCmd.AddCommand(client.AuthCmd())

	cli.CheckHelpJSON(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
