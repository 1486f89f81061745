package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kalambet/dgpt/internal/ingest"
	"github.com/kalambet/dgpt/internal/storage"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Upload documents or ingest a remote source",
	Long: `Upload local files, or ingest a remote source, and follow the training task.

Examples:
  dgpt ingest ./handbook.pdf ./faq.md --name handbook
  dgpt ingest --remote crawler --set url=https://docs.example.com --name docs
  dgpt ingest --remote reddit --set client_id=abc --set client_secret=xyz \
      --set user_agent=dgpt --set search_queries=golang --name reddit
  dgpt ingest ./notes.txt --detach

Run "dgpt ingestors" to see the fields each remote type accepts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		remote, _ := cmd.Flags().GetString("remote")
		sets, _ := cmd.Flags().GetStringArray("set")
		detach, _ := cmd.Flags().GetBool("detach")

		if remote == "" && len(args) == 0 {
			return fmt.Errorf("pass files to upload or --remote <type>")
		}
		if remote != "" && len(args) > 0 {
			return fmt.Errorf("files and --remote cannot be combined")
		}

		var (
			t   ingest.IngestorType
			cfg ingest.Config
		)
		if remote != "" {
			var err error
			if t, err = ingest.ParseType(remote); err != nil {
				return err
			}
			if cfg, err = ingest.ParseAssignments(t, sets); err != nil {
				return err
			}
		} else if name == "" {
			base := filepath.Base(args[0])
			name = strings.TrimSuffix(base, filepath.Ext(base))
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		view := newJobView(os.Stderr)
		o := a.orchestrator(view.render)
		defer o.Close()

		ctx := cmd.Context()
		if remote != "" {
			err = o.IngestRemote(ctx, name, t, cfg)
		} else {
			err = o.UploadFiles(ctx, name, args)
		}
		if err != nil {
			return err
		}

		return follow(ctx, o, view, detach)
	},
}

func init() {
	ingestCmd.Flags().String("name", "", "document name (default: first file name)")
	ingestCmd.Flags().String("remote", "", "remote ingestor type: crawler, url, github, reddit")
	ingestCmd.Flags().StringArray("set", nil, "remote ingestor field as key=value (repeatable)")
	ingestCmd.Flags().Bool("detach", false, "return once the backend accepted the task")
}

// follow waits for the orchestrator's job to finish unless detach is set.
func follow(ctx context.Context, o *ingest.Orchestrator, view *jobView, detach bool) error {
	if job := o.Job(); detach && !job.Phase.Terminal() {
		view.finish()
		printSuccess("Queued task %s", job.TaskID)
		printStep("Follow it with: dgpt task watch %s", job.TaskID)
		return nil
	}

	job, err := o.Wait(ctx)
	view.finish()
	if errors.Is(err, context.Canceled) {
		printWarning("Stopped following task %s; it keeps training on the backend", job.TaskID)
		printStep("Follow it again with: dgpt task watch %s", job.TaskID)
		return nil
	}
	if err != nil {
		return err
	}
	return jobResult(job)
}

func jobResult(job ingest.Job) error {
	switch {
	case job.Phase == ingest.PhaseSucceeded:
		printSuccess("Trained %q (task %s)", job.Name, job.TaskID)
		return nil
	case job.TokenLimited:
		printWarning("Training stopped at the backend token limit; the newest local document was selected")
		return fmt.Errorf("task %s hit the token limit", job.TaskID)
	case job.Err != nil:
		return job.Err
	default:
		return fmt.Errorf("task %s ended in phase %s", job.TaskID, job.Phase)
	}
}

// jobView renders job changes: one line per phase, plus an in-place progress
// bar on terminals.
type jobView struct {
	w    io.Writer
	live bool

	mu        sync.Mutex
	lastPhase ingest.Phase
	lastPct   int
	inline    bool
}

func newJobView(w io.Writer) *jobView {
	live := false
	if f, ok := w.(*os.File); ok {
		live = isatty.IsTerminal(f.Fd())
	}
	return &jobView{w: w, live: live, lastPct: -1}
}

func (v *jobView) render(j ingest.Job) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if j.Phase != v.lastPhase {
		v.breakLine()
		v.lastPhase, v.lastPct = j.Phase, -1
		switch j.Phase {
		case ingest.PhaseUploading:
			printStep("Uploading %s", j.Name)
		case ingest.PhaseQueued:
			printStep("Queued as task %s", j.TaskID)
		case ingest.PhaseTraining:
			printStep("Training")
		}
	}
	if j.Phase != ingest.PhaseUploading && j.Phase != ingest.PhaseTraining {
		return
	}
	if j.Percentage == v.lastPct {
		return
	}
	v.lastPct = j.Percentage
	if v.live {
		fmt.Fprintf(v.w, "\r  %s", progressBar(j.Percentage))
		v.inline = true
	} else if j.Percentage%25 == 0 || j.Percentage == 100 {
		fmt.Fprintf(v.w, "  %s\n", progressBar(j.Percentage))
	}
}

func (v *jobView) finish() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.breakLine()
}

func (v *jobView) breakLine() {
	if v.inline {
		fmt.Fprintln(v.w)
		v.inline = false
	}
}

// --- ingestors ---

var ingestorsCmd = &cobra.Command{
	Use:   "ingestors [type]",
	Short: "List remote ingestor types and their fields",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		types := ingest.Types()
		if len(args) == 1 {
			t, err := ingest.ParseType(args[0])
			if err != nil {
				return err
			}
			types = []ingest.IngestorType{t}
		}

		out := cmd.OutOrStdout()
		for i, t := range types {
			if i > 0 {
				fmt.Fprintln(out)
			}
			fields, err := ingest.Schema(t)
			if err != nil {
				return err
			}
			defaults, _ := ingest.Defaults(t)

			fmt.Fprintln(out, colorize(colorBold, string(t)))
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, f := range fields {
				var notes []string
				if f.Required {
					notes = append(notes, "required")
				}
				if f.Advanced {
					notes = append(notes, "advanced")
				}
				if d, ok := defaults[f.Name]; ok && !isBlank(d) {
					notes = append(notes, fmt.Sprintf("default %v", d))
				}
				if len(f.Options) > 0 {
					notes = append(notes, "one of "+strings.Join(f.Options, "|"))
				}
				fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", f.Name, f.Type, f.Label, strings.Join(notes, ", "))
			}
			tw.Flush()
		}
		return nil
	},
}

func isBlank(v any) bool {
	s, ok := v.(string)
	return ok && s == ""
}

// --- task ---

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect ingestion tasks recorded on this machine",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent ingestion tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		active, _ := cmd.Flags().GetBool("active")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		tasks, err := a.store.ListTasks(limit, active)
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
		if len(tasks) == 0 {
			printStep("No ingestion tasks recorded")
			return nil
		}
		writeTasks(cmd.OutOrStdout(), tasks)
		return nil
	},
}

func writeTasks(w io.Writer, tasks []storage.TaskRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tNAME\tKIND\tPHASE\tPROGRESS\tUPDATED")
	for _, t := range tasks {
		kind := t.Kind
		if t.Ingestor != "" {
			kind += "/" + t.Ingestor
		}
		phase := t.Phase
		if t.TokenLimited {
			phase += " (token limit)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
			t.TaskID, t.Name, kind, phase, t.Percentage, t.UpdatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

var taskWatchCmd = &cobra.Command{
	Use:   "watch <task-id>",
	Short: "Follow a running ingestion task until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if rec, err := a.store.GetTask(args[0]); err == nil && rec.Terminal() {
			printStatus("Phase", "%s", rec.Phase)
			return nil
		}

		view := newJobView(os.Stderr)
		o := a.orchestrator(view.render)
		defer o.Close()

		if err := o.Watch(cmd.Context(), args[0], name); err != nil {
			return err
		}
		return follow(cmd.Context(), o, view, false)
	},
}

var taskPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Forget finished tasks older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.store.PruneTasks(time.Now().Add(-olderThan))
		if err != nil {
			return fmt.Errorf("pruning tasks: %w", err)
		}
		printSuccess("Removed %d task(s)", n)
		return nil
	},
}

func init() {
	taskListCmd.Flags().Int("limit", 20, "maximum number of tasks")
	taskListCmd.Flags().Bool("active", false, "only tasks that are still running")
	taskWatchCmd.Flags().String("name", "", "name to show for a task this machine did not submit")
	taskPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "age of finished tasks to remove")
	taskCmd.AddCommand(taskListCmd, taskWatchCmd, taskPruneCmd)
}
