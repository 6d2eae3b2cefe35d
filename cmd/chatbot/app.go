package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/comigor/chatbot-go/internal/config"
	"github.com/comigor/chatbot-go/internal/conversation"
	"github.com/comigor/chatbot-go/internal/history"
	"github.com/comigor/chatbot-go/internal/llm"
	"github.com/comigor/chatbot-go/internal/logger"
	"github.com/comigor/chatbot-go/internal/session"
	"github.com/comigor/chatbot-go/internal/speech"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	store    history.Store
	engine   *conversation.Engine
	session  *session.Session
	registry *prometheus.Registry
}

func newApp(ctx context.Context, logOut io.Writer) (*app, error) {
	if configPath != "" {
		if err := os.Setenv("CONFIG_PATH", configPath); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetOutput(logOut, cfg.Log.Format)
	logger.SetLevel(cfg.Log.Level)

	engine, err := conversation.New(conversation.Kind(cfg.Conversation.Backend),
		conversation.WithPromptWindow(cfg.Conversation.PromptWindow))
	if err != nil {
		return nil, err
	}
	store := history.Open(cfg.Storage)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []session.Option{session.WithMetrics(session.NewMetrics(reg))}
	if cfg.Speech.Enabled {
		opts = append(opts, session.WithTranscriber(speech.NewWhisper(cfg.LLM, cfg.Speech)))
	}
	sess := session.New(llm.NewClient(cfg.LLM), cfg.LLM, engine, store, opts...)

	a := &app{cfg: cfg, store: store, engine: engine, session: sess, registry: reg}
	if err := sess.Start(ctx, !freshChat); err != nil {
		a.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}
	go a.logEvents(ctx)

	logger.L.Info("chat ready",
		"model", cfg.LLM.Model,
		"backend", cfg.Conversation.Backend,
		"storage", cfg.Storage.Driver,
		"stream", cfg.LLM.Stream,
	)
	return a, nil
}

// logEvents consumes one-shot session events when no UI is attached.
func (a *app) logEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.session.Events():
			if ev.Kind == session.EventError {
				logger.L.Warn("chat error", "text", ev.Text, "error", ev.Err)
				continue
			}
			logger.L.Debug("chat event", "kind", ev.Kind)
		}
	}
}

// Close flushes pending writes before the store goes away.
func (a *app) Close() {
	if err := a.session.Close(); err != nil {
		logger.L.Warn("session close error", "error", err)
	}
	a.engine.Close()
	if err := a.store.Close(); err != nil {
		logger.L.Warn("store close error", "error", err)
	}
}
