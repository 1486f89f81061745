package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/kalambet/dgpt/internal/gateway"
)

// feedbackAttempts is the initial call plus one retry.
const feedbackAttempts = 2

// Gateway is the subset of the backend client the controller uses.
type Gateway interface {
	Ask(ctx context.Context, req gateway.AskRequest) (*gateway.Stream, error)
	Feedback(ctx context.Context, req gateway.FeedbackRequest) error
}

// Session is the persisted state the controller reads and writes.
type Session interface {
	ConversationID() string
	SetConversationID(id string) error
	SelectedDocs() []gateway.Document
}

// Options carries per-request tuning sent with every ask.
type Options struct {
	PromptID   string
	Chunks     int
	TokenLimit int
	Logger     *slog.Logger
}

// Controller drives ask, retry and resend cycles against a Store. At most one
// stream is active at a time.
type Controller struct {
	store   *Store
	gw      Gateway
	session Session
	opts    Options
	logger  *slog.Logger

	interrupted atomic.Bool
}

// NewController restores the persisted conversation id into store.
func NewController(store *Store, gw Gateway, sess Session, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PromptID == "" {
		opts.PromptID = "default"
	}
	if opts.Chunks <= 0 {
		opts.Chunks = 2
	}
	if opts.TokenLimit <= 0 {
		opts.TokenLimit = 2000
	}
	if store.ConversationID() == "" {
		store.setConversationID(sess.ConversationID())
	}
	return &Controller{
		store:   store,
		gw:      gw,
		session: sess,
		opts:    opts,
		logger:  logger.With("component", "conversation"),
	}
}

func (c *Controller) Store() *Store { return c.store }

// Ask appends prompt and streams its answer. Stream failures are recorded on
// the query, not returned; only precondition failures and context
// cancellation are.
func (c *Controller) Ask(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	if !c.store.begin() {
		return ErrBusy
	}
	defer c.store.end()

	c.interrupted.Store(false)
	index, _ := c.store.Append(prompt)
	return c.run(ctx, index)
}

// Submit asks prompt, or resends it in place when the last query failed.
func (c *Controller) Submit(ctx context.Context, prompt string) error {
	if n := c.store.Len(); n > 0 {
		if last, err := c.store.At(n - 1); err == nil && last.Failed() {
			return c.Resend(ctx, n-1, prompt)
		}
	}
	return c.Ask(ctx, prompt)
}

// Retry re-issues the failed query at index without creating a new entry.
func (c *Controller) Retry(ctx context.Context, index int) error {
	q, err := c.store.At(index)
	if err != nil {
		return err
	}
	if !q.Failed() {
		return ErrNotRetryable
	}
	if !c.store.begin() {
		return ErrBusy
	}
	defer c.store.end()

	return c.rerun(ctx, index)
}

// Resend replaces the prompt at index and re-issues it in place.
func (c *Controller) Resend(ctx context.Context, index int, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	if _, err := c.store.At(index); err != nil {
		return err
	}
	if !c.store.begin() {
		return ErrBusy
	}
	defer c.store.end()

	if err := c.store.ReplacePromptAt(index, prompt); err != nil {
		return err
	}
	return c.rerun(ctx, index)
}

func (c *Controller) rerun(ctx context.Context, index int) error {
	c.interrupted.Store(false)
	// Error stays until the new attempt finishes.
	if err := c.store.UpdateAt(index, Update{
		Response:  ptr(""),
		Sources:   ptr([]gateway.Source(nil)),
		ToolCalls: ptr([]gateway.ToolCall(nil)),
	}); err != nil {
		return err
	}
	return c.run(ctx, index)
}

func (c *Controller) request(index int) (gateway.AskRequest, error) {
	queries := c.store.Queries()
	if index >= len(queries) {
		return gateway.AskRequest{}, &IndexError{Index: index, Len: len(queries)}
	}

	var history []gateway.HistoryTurn
	for _, q := range queries[:index] {
		if q.Response == "" {
			continue
		}
		history = append(history, gateway.HistoryTurn{Prompt: q.Prompt, Response: q.Response})
	}

	req := gateway.AskRequest{
		Question:       queries[index].Prompt,
		History:        gateway.EncodeHistory(history),
		ConversationID: c.store.ConversationID(),
		PromptID:       c.opts.PromptID,
		Chunks:         c.opts.Chunks,
		TokenLimit:     c.opts.TokenLimit,
	}
	if docs := c.session.SelectedDocs(); len(docs) > 0 {
		req.ActiveDocs = docs[0].ID
		req.Retriever = docs[0].Retriever
	} else {
		req.NoDocs = true
	}
	return req, nil
}

// run streams the answer for index into the store.
func (c *Controller) run(ctx context.Context, index int) error {
	req, err := c.request(index)
	if err != nil {
		return err
	}

	stream, err := c.gw.Ask(ctx, req)
	if err != nil {
		return c.fail(ctx, index, err)
	}
	defer stream.Close()

	for {
		frag, err := stream.Next(ctx)
		if err == io.EOF {
			// Next only reports EOF after the end marker was already handled.
			return nil
		}
		if err != nil {
			return c.fail(ctx, index, err)
		}

		switch frag.Kind {
		case gateway.FragmentToken:
			err = c.store.UpdateAt(index, Update{Token: frag.Token})
		case gateway.FragmentSources:
			err = c.store.UpdateAt(index, Update{Sources: ptr(frag.Sources)})
		case gateway.FragmentToolCalls:
			err = c.store.UpdateAt(index, Update{ToolCalls: ptr(frag.ToolCalls)})
		case gateway.FragmentConversationID:
			c.assignConversation(frag.ConversationID)
		case gateway.FragmentError:
			return c.fail(ctx, index, errors.New(frag.Err))
		case gateway.FragmentEnd:
			err = c.store.UpdateAt(index, Update{Error: ptr("")})
		}
		if err != nil {
			// The store was reset under an active stream.
			c.logger.Debug("dropping fragment for discarded query", "index", index, "error", err)
			return nil
		}
		if frag.Kind == gateway.FragmentEnd {
			return nil
		}
	}
}

func (c *Controller) assignConversation(id string) {
	if id == "" {
		return
	}
	c.store.setConversationID(id)
	if err := c.session.SetConversationID(id); err != nil {
		c.logger.Warn("failed to persist conversation id", "error", err)
	}
}

// fail records err on the query. Context cancellation is also returned so
// callers can stop.
func (c *Controller) fail(ctx context.Context, index int, err error) error {
	msg := errorMessage(err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		msg = "request cancelled"
	}
	c.logger.Debug("ask failed", "index", index, "error", err)
	if uerr := c.store.UpdateAt(index, Update{Error: ptr(msg)}); uerr != nil {
		c.logger.Debug("dropping failure for discarded query", "index", index, "error", uerr)
	}
	return ctx.Err()
}

func errorMessage(err error) string {
	var se *gateway.StatusError
	switch {
	case errors.As(err, &se):
		return fmt.Sprintf("backend returned HTTP %d", se.Status)
	case errors.Is(err, gateway.ErrStreamTruncated):
		return "the answer stream ended unexpectedly"
	default:
		return err.Error()
	}
}

// SubmitFeedback sets feedback optimistically, then sends it with one retry.
// When both attempts fail the previous value is restored. Gateway failures
// are logged, never returned.
func (c *Controller) SubmitFeedback(ctx context.Context, index int, value Feedback) error {
	q, err := c.store.At(index)
	if err != nil {
		return err
	}
	prev := q.Feedback
	if err := c.store.UpdateAt(index, Update{Feedback: ptr(value)}); err != nil {
		return err
	}

	req := gateway.FeedbackRequest{
		Question:       q.Prompt,
		Answer:         q.Response,
		Feedback:       value.wire(),
		ConversationID: c.store.ConversationID(),
		QuestionIndex:  index,
	}

	var lastErr error
	for attempt := range feedbackAttempts {
		if lastErr = c.gw.Feedback(ctx, req); lastErr == nil {
			return nil
		}
		c.logger.Debug("feedback attempt failed", "index", index, "attempt", attempt+1, "error", lastErr)
	}

	c.logger.Warn("feedback rejected, rolling back", "index", index, "error", lastErr)
	if cur, err := c.store.At(index); err == nil && cur.Feedback == value {
		if uerr := c.store.UpdateAt(index, Update{Feedback: ptr(prev)}); uerr != nil {
			c.logger.Debug("dropping feedback rollback for discarded query", "index", index, "error", uerr)
		}
	}
	return nil
}

// Interrupt disables auto-follow for the current response. It has no effect
// when idle and never cancels the stream.
func (c *Controller) Interrupt() {
	if c.store.Status() == StatusLoading {
		c.interrupted.Store(true)
	}
}

// AutoFollow reports whether a view should keep following the growing answer.
func (c *Controller) AutoFollow() bool {
	return !c.interrupted.Load()
}

// NewChat clears the conversation and its persisted id.
func (c *Controller) NewChat() error {
	if c.store.Status() == StatusLoading {
		return ErrBusy
	}
	c.store.Reset()
	c.interrupted.Store(false)
	if err := c.session.SetConversationID(""); err != nil {
		return fmt.Errorf("clearing conversation id: %w", err)
	}
	return nil
}
