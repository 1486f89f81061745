package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/dgpt/internal/gateway"
)

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List, select and manage backend documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents; selected ones are marked with *",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		page, _ := cmd.Flags().GetInt("page")
		rows, _ := cmd.Flags().GetInt("rows")
		search, _ := cmd.Flags().GetString("search")
		sort, _ := cmd.Flags().GetString("sort")
		order, _ := cmd.Flags().GetString("order")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		selected := a.session.SelectedDocs()

		if all {
			docs, err := a.session.RefreshSources(ctx, a.gw)
			if err != nil {
				return err
			}
			writeDocs(out, docs, selected)
			return nil
		}

		p, err := a.gw.PaginatedSources(ctx, gateway.PageQuery{
			Sort: sort, Order: order, Page: page, Rows: rows, Search: search,
		})
		if err != nil {
			return fmt.Errorf("listing documents: %w", err)
		}
		writeDocs(out, p.Documents, selected)
		if p.TotalPages > 1 {
			printStep("Page %d of %d (%d documents)", p.CurrentPage, p.TotalPages, p.Total)
		}
		return nil
	},
}

func writeDocs(w io.Writer, docs, selected []gateway.Document) {
	if len(docs) == 0 {
		printStep("No documents")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, " \tID\tNAME\tTYPE\tTOKENS\tDATE\tSYNC")
	for _, d := range docs {
		mark := " "
		if slices.ContainsFunc(selected, func(s gateway.Document) bool { return s.ID == d.ID }) {
			mark = "*"
		}
		date := d.Date
		if t, ok := d.Time(); ok {
			date = t.Local().Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			mark, d.ID, d.Name, d.Type, formatTokens(d.TokenCount()), date, d.SyncFrequency)
	}
	tw.Flush()
}

var docsSelectCmd = &cobra.Command{
	Use:   "select [ids...]",
	Short: "Choose the documents answers are grounded on",
	RunE: func(cmd *cobra.Command, args []string) error {
		none, _ := cmd.Flags().GetBool("none")
		if none == (len(args) > 0) {
			return fmt.Errorf("pass document ids or --none")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if none {
			if err := a.session.SetSelectedDocs(nil); err != nil {
				return err
			}
			printSuccess("Cleared the selection; answers use no documents")
			return nil
		}

		if _, err := a.session.RefreshSources(cmd.Context(), a.gw); err != nil {
			return err
		}
		if err := a.session.SelectDocs(args...); err != nil {
			return err
		}
		printSuccess("Selected %d document(s)", len(args))
		return nil
	},
}

var docsSyncCmd = &cobra.Command{
	Use:   "sync <id> <" + strings.Join(gateway.SyncFrequencies, "|") + ">",
	Short: "Set how often a remote document is re-ingested",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.gw.ManageSync(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("updating sync: %w", err)
		}
		if _, err := a.session.RefreshSources(ctx, a.gw); err != nil {
			printWarning("refreshing documents: %v", err)
		}
		printSuccess("Sync for %s set to %s", args[0], args[1])
		return nil
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.gw.DeleteSource(ctx, id); err != nil {
			return fmt.Errorf("deleting document: %w", err)
		}
		if _, err := a.session.RefreshSources(ctx, a.gw); err != nil {
			printWarning("refreshing documents: %v", err)
		}

		selected := a.session.SelectedDocs()
		kept := slices.DeleteFunc(slices.Clone(selected), func(d gateway.Document) bool { return d.ID == id })
		if len(kept) != len(selected) {
			if err := a.session.SetSelectedDocs(kept); err != nil {
				return err
			}
		}
		printSuccess("Deleted %s", id)
		return nil
	},
}

func init() {
	docsListCmd.Flags().Bool("all", false, "list every document without paging")
	docsListCmd.Flags().Int("page", 1, "page number")
	docsListCmd.Flags().Int("rows", 20, "documents per page")
	docsListCmd.Flags().String("search", "", "filter by name")
	docsListCmd.Flags().String("sort", "date", "sort field")
	docsListCmd.Flags().String("order", "desc", "sort order: asc or desc")
	docsSelectCmd.Flags().Bool("none", false, "clear the selection")
	docsCmd.AddCommand(docsListCmd, docsSelectCmd, docsSyncCmd, docsDeleteCmd)
}

// --- chunks ---

var chunksCmd = &cobra.Command{
	Use:   "chunks",
	Short: "Inspect and edit the stored chunks of a document",
}

var chunksListCmd = &cobra.Command{
	Use:   "list <doc-id>",
	Short: "List chunks of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		perPage, _ := cmd.Flags().GetInt("per-page")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.gw.Chunks(cmd.Context(), args[0], page, perPage)
		if err != nil {
			return fmt.Errorf("listing chunks: %w", err)
		}
		out := cmd.OutOrStdout()
		for _, c := range p.Chunks {
			fmt.Fprintf(out, "%s\n", colorize(colorBold, c.DocID))
			text := c.Text
			if len(text) > 300 {
				text = text[:300] + "..."
			}
			fmt.Fprintf(out, "  %s\n", text)
		}
		if p.Total > len(p.Chunks) {
			pages := (p.Total + p.PerPage - 1) / p.PerPage
			printStep("Page %d of %d (%d chunks)", p.Page, pages, p.Total)
		}
		return nil
	},
}

var chunksAddCmd = &cobra.Command{
	Use:   "add <doc-id> <text>",
	Short: "Add a chunk to a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := metadataFlag(cmd)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.gw.AddChunk(cmd.Context(), args[0], args[1], meta); err != nil {
			return fmt.Errorf("adding chunk: %w", err)
		}
		printSuccess("Added chunk to %s", args[0])
		return nil
	},
}

var chunksUpdateCmd = &cobra.Command{
	Use:   "update <doc-id> <chunk-id> <text>",
	Short: "Replace the text of a chunk",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := metadataFlag(cmd)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.gw.UpdateChunk(cmd.Context(), args[0], args[1], args[2], meta); err != nil {
			return fmt.Errorf("updating chunk: %w", err)
		}
		printSuccess("Updated chunk %s", args[1])
		return nil
	},
}

var chunksDeleteCmd = &cobra.Command{
	Use:   "delete <doc-id> <chunk-id>",
	Short: "Delete a chunk",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.gw.DeleteChunk(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("deleting chunk: %w", err)
		}
		printSuccess("Deleted chunk %s", args[1])
		return nil
	},
}

// metadataFlag parses repeated --meta key=value flags.
func metadataFlag(cmd *cobra.Command) (map[string]any, error) {
	pairs, _ := cmd.Flags().GetStringArray("meta")
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --meta %q: want key=value", p)
		}
		meta[strings.TrimSpace(k)] = v
	}
	return meta, nil
}

func init() {
	chunksListCmd.Flags().Int("page", 1, "page number")
	chunksListCmd.Flags().Int("per-page", 10, "chunks per page")
	chunksAddCmd.Flags().StringArray("meta", nil, "metadata as key=value (repeatable)")
	chunksUpdateCmd.Flags().StringArray("meta", nil, "metadata as key=value (repeatable)")
	chunksCmd.AddCommand(chunksListCmd, chunksAddCmd, chunksUpdateCmd, chunksDeleteCmd)
}

// --- keys ---

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage agent API keys",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		keys, err := a.gw.APIKeys(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing keys: %w", err)
		}
		if len(keys) == 0 {
			printStep("No API keys")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tKEY\tSOURCE\tPROMPT\tCHUNKS")
		for _, k := range keys {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, maskKey(k.Key), k.Source, k.PromptID, k.Chunks)
		}
		tw.Flush()
		return nil
	},
}

func maskKey(k string) string {
	if len(k) <= 8 {
		return strings.Repeat("*", len(k))
	}
	return k[:4] + strings.Repeat("*", len(k)-8) + k[len(k)-4:]
}

var keysCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an API key bound to a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		promptID, _ := cmd.Flags().GetString("prompt-id")
		chunks, _ := cmd.Flags().GetInt("chunks")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if promptID == "" {
			promptID = a.cfg.Chat.PromptID
		}
		if chunks <= 0 {
			chunks = a.cfg.Chat.Chunks
		}
		key, err := a.gw.CreateAPIKey(cmd.Context(), gateway.CreateAPIKeyRequest{
			Name:     args[0],
			Source:   source,
			PromptID: promptID,
			Chunks:   strconv.Itoa(chunks),
		})
		if err != nil {
			return fmt.Errorf("creating key: %w", err)
		}
		printSuccess("Created key %s", key.ID)
		printWarning("The key is shown only once")
		fmt.Fprintln(cmd.OutOrStdout(), key.Key)
		return nil
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.gw.DeleteAPIKey(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("deleting key: %w", err)
		}
		printSuccess("Deleted key %s", args[0])
		return nil
	},
}

func init() {
	keysCreateCmd.Flags().String("source", "", "document id the key answers from")
	keysCreateCmd.Flags().String("prompt-id", "", "prompt id (default: chat.prompt_id)")
	keysCreateCmd.Flags().Int("chunks", 0, "chunks per answer (default: chat.chunks)")
	keysCmd.AddCommand(keysListCmd, keysCreateCmd, keysDeleteCmd)
}
