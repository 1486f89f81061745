package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kalambet/dgpt/internal/config"
	"github.com/kalambet/dgpt/internal/conversation"
	"github.com/kalambet/dgpt/internal/gateway"
	"github.com/kalambet/dgpt/internal/ingest"
	"github.com/kalambet/dgpt/internal/session"
	"github.com/kalambet/dgpt/internal/storage"
)

// app bundles the long-lived pieces a command needs.
type app struct {
	cfg     config.Config
	gw      *gateway.Client
	store   *storage.Store
	session *session.Session
}

var newApp = func() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))
	return openApp(cfg)
}

func openApp(cfg config.Config) (*app, error) {
	gw, err := gateway.New(gateway.Options{
		BaseURL:       cfg.Gateway.BaseURL,
		Token:         cfg.Gateway.Token,
		Timeout:       config.Duration("gateway.timeout", cfg.Gateway.Timeout, 30*time.Second),
		StreamTimeout: config.Duration("gateway.stream_timeout", cfg.Gateway.StreamTimeout, 300*time.Second),
		RateLimit:     cfg.Gateway.RateLimit,
		Proxy:         cfg.Gateway.Proxy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gateway client: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	sess, err := session.Open(store, cfg.Gateway.Token)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening session: %w", err)
	}

	return &app{cfg: cfg, gw: gw, store: store, session: sess}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
}

func (a *app) controller() *conversation.Controller {
	return conversation.NewController(conversation.NewStore(), a.gw, a.session, conversation.Options{
		PromptID:   a.cfg.Chat.PromptID,
		Chunks:     a.cfg.Chat.Chunks,
		TokenLimit: a.cfg.Chat.TokenLimit,
	})
}

func (a *app) orchestrator(onChange func(ingest.Job)) *ingest.Orchestrator {
	return ingest.New(a.gw, a.session, a.store, ingest.Options{
		PollInterval:  config.Duration("ingest.poll_interval", a.cfg.Ingest.PollInterval, 5*time.Second),
		GraceInterval: config.Duration("ingest.grace_interval", a.cfg.Ingest.GraceInterval, 3*time.Second),
		MaxPollFaults: a.cfg.Ingest.MaxPollFaults,
		OnChange:      onChange,
	})
}
