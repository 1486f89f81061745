// Package session holds the client-side state shared by the conversation and
// ingestion controllers: auth token, conversation id, selected documents and
// the canonical source list. Selection and conversation id survive restarts.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/dgpt/internal/gateway"
	"github.com/kalambet/dgpt/internal/storage"
)

const (
	prefConversationID = "conversation_id"
	prefSelectedDocs   = "selected_docs"
)

// Preferences is the persistent key/value store backing a Session.
type Preferences interface {
	GetPreference(key string) (string, error)
	SetPreference(key, value string) error
	DeletePreference(key string) error
}

// SourceLister fetches the canonical source list.
type SourceLister interface {
	Sources(ctx context.Context) ([]gateway.Document, error)
}

// Session is safe for concurrent use.
type Session struct {
	prefs  Preferences
	token  string
	logger *slog.Logger

	mu             sync.RWMutex
	conversationID string
	selected       []gateway.Document
	sources        []gateway.Document

	refresh singleflight.Group
}

// Open loads persisted state from prefs.
func Open(prefs Preferences, token string) (*Session, error) {
	s := &Session{
		prefs:  prefs,
		token:  token,
		logger: slog.Default().With("component", "session"),
	}

	id, err := prefs.GetPreference(prefConversationID)
	switch {
	case err == nil:
		s.conversationID = id
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("loading conversation id: %w", err)
	}

	raw, err := prefs.GetPreference(prefSelectedDocs)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(raw), &s.selected); err != nil {
			s.logger.Warn("discarding unreadable document selection", "error", err)
			s.selected = nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("loading selected documents: %w", err)
	}

	return s, nil
}

// Token returns the bearer token, empty when the backend runs without auth.
func (s *Session) Token() string { return s.token }

func (s *Session) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// SetConversationID updates and persists the conversation id. An empty id
// clears it.
func (s *Session) SetConversationID(id string) error {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()

	if id == "" {
		return s.prefs.DeletePreference(prefConversationID)
	}
	if err := s.prefs.SetPreference(prefConversationID, id); err != nil {
		return fmt.Errorf("persisting conversation id: %w", err)
	}
	return nil
}

// SelectedDocs returns a copy of the current selection.
func (s *Session) SelectedDocs() []gateway.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.selected)
}

// SetSelectedDocs replaces and persists the selection.
func (s *Session) SetSelectedDocs(docs []gateway.Document) error {
	s.mu.Lock()
	s.selected = slices.Clone(docs)
	s.mu.Unlock()

	if len(docs) == 0 {
		return s.prefs.DeletePreference(prefSelectedDocs)
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("encoding selected documents: %w", err)
	}
	if err := s.prefs.SetPreference(prefSelectedDocs, string(raw)); err != nil {
		return fmt.Errorf("persisting selected documents: %w", err)
	}
	return nil
}

// SelectDocs selects documents by id from the known source list.
func (s *Session) SelectDocs(ids ...string) error {
	s.mu.RLock()
	var picked []gateway.Document
	for _, id := range ids {
		i := slices.IndexFunc(s.sources, func(d gateway.Document) bool { return d.ID == id })
		if i < 0 {
			s.mu.RUnlock()
			return fmt.Errorf("unknown source %q", id)
		}
		picked = append(picked, s.sources[i])
	}
	s.mu.RUnlock()
	return s.SetSelectedDocs(picked)
}

// SourceDocs returns a copy of the canonical source list.
func (s *Session) SourceDocs() []gateway.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sources)
}

func (s *Session) SetSourceDocs(docs []gateway.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = slices.Clone(docs)
}

// RefreshSources fetches the source list and stores it. Concurrent callers
// share one request.
func (s *Session) RefreshSources(ctx context.Context, lister SourceLister) ([]gateway.Document, error) {
	v, err, shared := s.refresh.Do("sources", func() (any, error) {
		docs, err := lister.Sources(ctx)
		if err != nil {
			return nil, err
		}
		s.SetSourceDocs(docs)
		return docs, nil
	})
	if err != nil {
		return nil, fmt.Errorf("refreshing sources: %w", err)
	}
	if shared {
		s.logger.Debug("source refresh shared with concurrent caller")
	}
	return slices.Clone(v.([]gateway.Document)), nil
}
