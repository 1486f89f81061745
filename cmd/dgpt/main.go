package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "dgpt",
	Short: "Terminal client for a DocsGPT-compatible backend",
	Long: `dgpt asks questions against your DocsGPT knowledge base and manages the
documents behind it.

Examples:
  dgpt ask "How do I rotate the signing keys?"
  dgpt chat
  dgpt ingest ./handbook.pdf ./faq.md --name handbook
  dgpt ingest --remote github --set repo_url=https://github.com/org/repo --name repo
  dgpt docs list`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
