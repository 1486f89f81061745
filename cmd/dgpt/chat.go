package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/dgpt/internal/conversation"
	"github.com/kalambet/dgpt/internal/gateway"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a single question and stream the answer",
	Long: `Ask a single question against the selected documents.

The conversation id is remembered between runs so follow-up questions keep
their context on the backend. Pass --new to start over.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fresh, _ := cmd.Flags().GetBool("new")
		showSources, _ := cmd.Flags().GetBool("sources")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctrl := a.controller()
		if fresh {
			if err := ctrl.NewChat(); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		r := newRenderer(out, ctrl)
		defer r.stop()

		if err := ctrl.Ask(cmd.Context(), strings.Join(args, " ")); err != nil {
			return err
		}
		q, err := lastQuery(ctrl.Store())
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		if q.Failed() {
			return errors.New(q.Error)
		}
		if showSources {
			writeSources(out, q.Sources)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().Bool("new", false, "start a new conversation")
	askCmd.Flags().Bool("sources", false, "print the sources the answer was grounded on")
}

// renderer streams answer tokens to out while the controller follows the
// answer.
type renderer struct {
	cancel func()
}

func newRenderer(out io.Writer, ctrl *conversation.Controller) *renderer {
	cancel := ctrl.Store().Watch(func(c conversation.Change) {
		if c.Token != "" && ctrl.AutoFollow() {
			fmt.Fprint(out, c.Token)
		}
	})
	return &renderer{cancel: cancel}
}

func (r *renderer) stop() { r.cancel() }

func lastQuery(s *conversation.Store) (conversation.Query, error) {
	return s.At(s.Len() - 1)
}

func writeSources(w io.Writer, sources []gateway.Source) {
	if len(sources) == 0 {
		return
	}
	fmt.Fprintln(w, colorize(colorDim, "Sources:"))
	for i, s := range sources {
		title := s.Title
		if s.Source != "" && s.Source != "local" {
			title += " (" + s.Source + ")"
		}
		fmt.Fprintf(w, "  %d. %s\n", i+1, title)
	}
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Long: `Start an interactive conversation.

Press Ctrl+C while an answer streams to stop following it; the answer keeps
loading and can be printed with /show. Ctrl+C at the prompt exits.

Commands:
  /retry            retry the last failed question
  /edit <n> <text>  replace question n and ask it again
  /like [n]         rate answer n (default: last) as helpful
  /dislike [n]      rate answer n as unhelpful
  /unrate [n]       clear the rating of answer n
  /show [n]         print answer n with its sources
  /history          list the questions of this conversation
  /new              start a new conversation
  /quit             exit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctrl := a.controller()
		r := newRenderer(cmd.OutOrStdout(), ctrl)
		defer r.stop()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		defer signal.Stop(sigs)

		// The REPL owns Ctrl+C, so the root signal context must not end it.
		ctx := context.WithoutCancel(cmd.Context())
		return runChat(ctx, &chatSession{
			ctrl: ctrl,
			in:   cmd.InOrStdin(),
			out:  cmd.OutOrStdout(),
			sigs: sigs,
		})
	},
}

type chatSession struct {
	ctrl *conversation.Controller
	in   io.Reader
	out  io.Writer
	sigs <-chan os.Signal
}

func runChat(ctx context.Context, s *chatSession) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.in)
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	printStep("Chatting with the knowledge base. /quit to exit.")
	for {
		fmt.Fprint(s.out, colorize(colorBold, "> "))
		var line string
		select {
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.out)
				return nil
			}
			line = strings.TrimSpace(l)
		case <-s.sigs:
			fmt.Fprintln(s.out)
			return nil
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := s.command(ctx, line)
			if err != nil {
				printError("%v", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := s.stream(ctx, func(ctx context.Context) error { return s.ctrl.Submit(ctx, line) }); err != nil {
			printError("%v", err)
		}
	}
}

// stream runs op in the background so Ctrl+C can stop following the answer.
func (s *chatSession) stream(ctx context.Context, op func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- op(ctx) }()

	var err error
wait:
	for {
		select {
		case err = <-done:
			break wait
		case <-s.sigs:
			s.ctrl.Interrupt()
			fmt.Fprintln(s.out)
			printWarning("Stopped following the answer; it keeps loading in the background")
		}
	}
	if err != nil {
		return err
	}

	q, qerr := lastQuery(s.ctrl.Store())
	if qerr != nil {
		return qerr
	}
	if !s.ctrl.AutoFollow() {
		printStep("Answer finished; /show to print it")
	} else {
		fmt.Fprintln(s.out)
	}
	if q.Failed() {
		printError("%s", q.Error)
		printStep("/retry to ask again, or type a new question to replace it")
	}
	return nil
}

func (s *chatSession) command(ctx context.Context, line string) (quit bool, err error) {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	store := s.ctrl.Store()

	switch name {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		if err := s.ctrl.NewChat(); err != nil {
			return false, err
		}
		printSuccess("Started a new conversation")

	case "/retry":
		n := store.Len()
		if n == 0 {
			return false, errors.New("nothing to retry")
		}
		return false, s.stream(ctx, func(ctx context.Context) error { return s.ctrl.Retry(ctx, n-1) })

	case "/edit":
		idxStr, prompt, _ := strings.Cut(rest, " ")
		idx, err := queryIndex(store, idxStr)
		if err != nil {
			return false, err
		}
		return false, s.stream(ctx, func(ctx context.Context) error { return s.ctrl.Resend(ctx, idx, prompt) })

	case "/like", "/dislike", "/unrate":
		idx, err := queryIndex(store, rest)
		if err != nil {
			return false, err
		}
		value := map[string]conversation.Feedback{
			"/like":    conversation.FeedbackPositive,
			"/dislike": conversation.FeedbackNegative,
			"/unrate":  conversation.FeedbackUnset,
		}[name]
		if err := s.ctrl.SubmitFeedback(ctx, idx, value); err != nil {
			return false, err
		}
		q, _ := store.At(idx)
		if q.Feedback != value {
			printWarning("The backend rejected the rating")
			return false, nil
		}
		printSuccess("Rated answer %d: %s", idx+1, value)

	case "/show":
		idx, err := queryIndex(store, rest)
		if err != nil {
			return false, err
		}
		q, _ := store.At(idx)
		fmt.Fprintln(s.out, q.Response)
		writeSources(s.out, q.Sources)
		if q.Failed() {
			printError("%s", q.Error)
		}

	case "/history":
		for i, q := range store.Queries() {
			mark := " "
			if q.Failed() {
				mark = colorize(colorRed, "!")
			}
			fmt.Fprintf(s.out, "%s %d. %s\n", mark, i+1, q.Prompt)
		}

	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
	return false, nil
}

// queryIndex converts a 1-based position typed by the user to a store index.
// An empty string selects the last query.
func queryIndex(store *conversation.Store, s string) (int, error) {
	n := store.Len()
	if n == 0 {
		return 0, errors.New("the conversation is empty")
	}
	if s == "" {
		return n - 1, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 1 || i > n {
		return 0, fmt.Errorf("question number must be between 1 and %d", n)
	}
	return i - 1, nil
}
