package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/dgpt/internal/api"
	"github.com/kalambet/dgpt/internal/config"
)

func init() {
	rootCmd.AddCommand(
		askCmd,
		chatCmd,
		ingestCmd,
		ingestorsCmd,
		taskCmd,
		docsCmd,
		chunksCmd,
		keysCmd,
		configCmd,
		statusCmd,
		mcpCmd,
	)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		token := "not set"
		if cfg.Gateway.Token != "" {
			token = "set"
		}
		fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, "gateway.token"), colorize(colorDim, token))
		printStep("Overrides stored in %s", config.Location())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore the default of a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token [token]",
	Short: "Store the backend bearer token in the secret store",
	Long: `Store the backend bearer token in the platform secret store.

With no argument the token is read from stdin, which keeps it out of shell
history:
  pass show docsgpt | dgpt config set-token

Use --clear to remove a stored token.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if remove, _ := cmd.Flags().GetBool("clear"); remove {
			if len(args) > 0 {
				return errors.New("--clear takes no token")
			}
			if err := config.ClearToken(); err != nil {
				return fmt.Errorf("removing token: %w", err)
			}
			printSuccess("Token removed")
			return nil
		}

		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			raw, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
			if err != nil {
				return fmt.Errorf("reading token from stdin: %w", err)
			}
			token = string(raw)
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return errors.New("token is empty")
		}
		if err := config.SaveToken(token); err != nil {
			return fmt.Errorf("saving token: %w", err)
		}
		printSuccess("Token saved")
		return nil
	},
}

func init() {
	configSetTokenCmd.Flags().Bool("clear", false, "remove the stored token")
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configSetTokenCmd)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend reachability and local state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return showStatus(cmd.Context(), a)
	},
}

func showStatus(ctx context.Context, a *app) error {
	var (
		docCount, keyCount, activeTasks int
		docsErr, keysErr                error
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs, err := a.session.RefreshSources(gCtx, a.gw)
		docCount, docsErr = len(docs), err
		return nil
	})
	g.Go(func() error {
		keys, err := a.gw.APIKeys(gCtx)
		keyCount, keysErr = len(keys), err
		return nil
	})
	g.Go(func() error {
		tasks, err := a.store.ListTasks(100, true)
		if err != nil {
			return fmt.Errorf("reading task ledger: %w", err)
		}
		activeTasks = len(tasks)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	printStatus("Backend", "%s", a.gw.BaseURL())
	if docsErr != nil {
		printStatus("Reachable", "%s", colorize(colorRed, "no"))
		slog.Debug("backend check failed", "error", docsErr)
		printError("%v", docsErr)
	} else {
		printStatus("Reachable", "%s", colorize(colorGreen, "yes"))
		printStatus("Documents", "%d", docCount)
	}
	if a.gw.Authenticated() {
		printStatus("Token", "set")
	} else {
		printStatus("Token", "not set")
	}
	if keysErr == nil {
		printStatus("API keys", "%d", keyCount)
	}

	selected := a.session.SelectedDocs()
	if len(selected) == 0 {
		printStatus("Selected", "none")
	} else {
		names := make([]string, len(selected))
		for i, d := range selected {
			names[i] = d.Name
		}
		printStatus("Selected", "%s", strings.Join(names, ", "))
	}
	if id := a.session.ConversationID(); id != "" {
		printStatus("Conversation", "%s", id)
	}
	printStatus("Active tasks", "%d", activeTasks)
	printStatus("Data dir", "%s", a.cfg.Storage.DataDir)
	return nil
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the knowledge base to agents over MCP (stdio)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Chat:    a.controller(),
			Gateway: a.gw,
			Session: a.session,
			Ledger:  a.store,
			Version: version,
		})
		slog.Info("MCP server started (stdio transport)")
		stdioSrv := server.NewStdioServer(mcpSrv)
		if err := stdioSrv.Listen(cmd.Context(), os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}
