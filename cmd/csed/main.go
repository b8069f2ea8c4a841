package main

import (
	"fmt"
	"os"

	"github.com/cloo-solutions/cseassist/internal/cli"
	"github.com/cloo-solutions/cseassist/internal/cli/daemon"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "csed",
		Short:   "CSE assistant daemon",
		Long:    "Runs the question-answering API over the CSE and labour-law corpus, and manages its vector index",
		Version: version,
	}

	cli.AddHelpJSONFlag(rootCmd)
	rootCmd.AddCommand(daemon.ServeCmd())
	rootCmd.AddCommand(daemon.IndexCmd())

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	cli.CheckHelpJSON(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
