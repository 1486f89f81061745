package conversation

import (
	"slices"
	"strings"
	"sync"

	"github.com/kalambet/dgpt/internal/gateway"
)

// Feedback is the user's rating of an answer.
type Feedback int

const (
	FeedbackUnset Feedback = iota
	FeedbackPositive
	FeedbackNegative
)

func (f Feedback) String() string {
	switch f {
	case FeedbackPositive:
		return "positive"
	case FeedbackNegative:
		return "negative"
	default:
		return "unset"
	}
}

func (f Feedback) wire() gateway.FeedbackValue {
	switch f {
	case FeedbackPositive:
		return gateway.FeedbackLike
	case FeedbackNegative:
		return gateway.FeedbackDislike
	default:
		return gateway.FeedbackNone
	}
}

// Status is the conversation-level request status.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
)

func (s Status) String() string {
	if s == StatusLoading {
		return "loading"
	}
	return "idle"
}

// Query is one turn of the conversation. Empty Response or Error means absent.
type Query struct {
	Prompt    string
	Response  string
	Error     string
	Sources   []gateway.Source
	ToolCalls []gateway.ToolCall
	Feedback  Feedback
}

// Failed reports whether the query's last attempt ended in error.
func (q Query) Failed() bool { return q.Error != "" }

func (q Query) clone() Query {
	q.Sources = slices.Clone(q.Sources)
	q.ToolCalls = slices.Clone(q.ToolCalls)
	return q
}

// Update is a partial change merged into a Query. Nil fields are left alone.
// Token is appended to Response after Response is applied.
type Update struct {
	Token     string
	Response  *string
	Error     *string
	Sources   *[]gateway.Source
	ToolCalls *[]gateway.ToolCall
	Feedback  *Feedback
}

// Change describes one store mutation delivered to watchers.
type Change struct {
	// Index is -1 for whole-conversation changes.
	Index  int
	Query  Query
	Token  string
	Reset  bool
	Status Status
}

// Store is the ordered, in-memory record of a conversation. Queries are never
// removed individually; Reset clears everything.
type Store struct {
	mu             sync.Mutex
	queries        []Query
	conversationID string
	status         Status

	watchMu  sync.Mutex
	watchers []watcher
	nextID   int
}

type watcher struct {
	id int
	fn func(Change)
}

func NewStore() *Store {
	return &Store{}
}

// Append adds a query for prompt and returns its index. A prompt that is
// empty after trimming is ignored and ok is false.
func (s *Store) Append(prompt string) (index int, ok bool) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return -1, false
	}

	s.mu.Lock()
	s.queries = append(s.queries, Query{Prompt: prompt})
	index = len(s.queries) - 1
	snap := s.queries[index].clone()
	status := s.status
	s.mu.Unlock()

	s.notify(Change{Index: index, Query: snap, Status: status})
	return index, true
}

// UpdateAt merges u into the query at index.
func (s *Store) UpdateAt(index int, u Update) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.queries) {
		n := len(s.queries)
		s.mu.Unlock()
		return &IndexError{Index: index, Len: n}
	}
	q := &s.queries[index]
	if u.Response != nil {
		q.Response = *u.Response
	}
	q.Response += u.Token
	if u.Error != nil {
		q.Error = *u.Error
	}
	if u.Sources != nil {
		q.Sources = slices.Clone(*u.Sources)
	}
	if u.ToolCalls != nil {
		q.ToolCalls = slices.Clone(*u.ToolCalls)
	}
	if u.Feedback != nil {
		q.Feedback = *u.Feedback
	}
	snap := q.clone()
	status := s.status
	s.mu.Unlock()

	s.notify(Change{Index: index, Query: snap, Token: u.Token, Status: status})
	return nil
}

// ReplacePromptAt sets a new prompt on an existing query.
func (s *Store) ReplacePromptAt(index int, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}

	s.mu.Lock()
	if index < 0 || index >= len(s.queries) {
		n := len(s.queries)
		s.mu.Unlock()
		return &IndexError{Index: index, Len: n}
	}
	s.queries[index].Prompt = prompt
	snap := s.queries[index].clone()
	status := s.status
	s.mu.Unlock()

	s.notify(Change{Index: index, Query: snap, Status: status})
	return nil
}

// Reset clears all queries and the conversation id.
func (s *Store) Reset() {
	s.mu.Lock()
	s.queries = nil
	s.conversationID = ""
	status := s.status
	s.mu.Unlock()

	s.notify(Change{Index: -1, Reset: true, Status: status})
}

// Queries returns a snapshot of every query.
func (s *Store) Queries() []Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Query, len(s.queries))
	for i, q := range s.queries {
		out[i] = q.clone()
	}
	return out
}

// At returns a snapshot of the query at index.
func (s *Store) At(index int) (Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.queries) {
		return Query{}, &IndexError{Index: index, Len: len(s.queries)}
	}
	return s.queries[index].clone(), nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

// ConversationID returns the backend-assigned id, empty until the first answer.
func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Store) setConversationID(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

// begin moves the store to loading. It reports false if already loading.
func (s *Store) begin() bool {
	s.mu.Lock()
	if s.status == StatusLoading {
		s.mu.Unlock()
		return false
	}
	s.status = StatusLoading
	s.mu.Unlock()

	s.notify(Change{Index: -1, Status: StatusLoading})
	return true
}

func (s *Store) end() {
	s.mu.Lock()
	s.status = StatusIdle
	s.mu.Unlock()

	s.notify(Change{Index: -1, Status: StatusIdle})
}

// Watch registers fn for every subsequent change. Callbacks run synchronously
// on the mutating goroutine and must not call back into mutating methods.
func (s *Store) Watch(fn func(Change)) (cancel func()) {
	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers = append(s.watchers, watcher{id: id, fn: fn})
	s.watchMu.Unlock()

	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		s.watchers = slices.DeleteFunc(s.watchers, func(w watcher) bool { return w.id == id })
	}
}

func (s *Store) notify(c Change) {
	s.watchMu.Lock()
	ws := slices.Clone(s.watchers)
	s.watchMu.Unlock()

	for _, w := range ws {
		w.fn(c)
	}
}

func ptr[T any](v T) *T { return &v }
