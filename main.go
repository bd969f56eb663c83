package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"exam-prep-server/api"
	"exam-prep-server/config"
	"exam-prep-server/exercise"
	"exam-prep-server/fallback"
	"exam-prep-server/history"
	"exam-prep-server/identity"
	"exam-prep-server/loghandler"
	"exam-prep-server/notify"
	"exam-prep-server/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found; using environment variables")
	}

	slog.SetDefault(slog.New(loghandler.NewCompactHandler(os.Stdout, slog.LevelInfo)))

	cfg := config.Load()
	ctx := context.Background()

	registry := exercise.NewRegistry()

	remote, err := storage.NewStore(ctx, cfg.DatabaseURL, registry)
	if err != nil {
		slog.Warn("remote store unreachable at startup, running degraded",
			"tag", "main", "error", err)
	}
	if remote == nil && cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL is not set; records go to the fallback store only", "tag", "main")
	}
	defer remote.Close()

	// Fold in exercise types registered remotely but unknown to the builtin
	// table, then freeze the registry.
	if remoteTypes, err := remote.ListTypes(ctx); err == nil {
		registry = registry.WithRemote(remoteTypes)
	}

	fb, err := fallback.NewStore(cfg.FallbackDir)
	if err != nil {
		slog.Error("fallback store init failed", "tag", "main", "error", err)
		os.Exit(1)
	}

	hub := notify.NewHub()
	adapter := history.NewAdapter(remote, fb, registry,
		time.Duration(cfg.RemoteTimeoutMS)*time.Millisecond, hub)

	resolver := identity.NewResolver(cfg.AuthBaseURL,
		time.Duration(cfg.SessionTokenTTLMin)*time.Minute)
	if cfg.AuthBaseURL == "" {
		slog.Warn("AUTH_BASE_URL is not set; all identities will be transient", "tag", "main")
	}

	// Best-effort replay of records stranded by earlier outages, then a
	// periodic pass.
	go func() {
		replayOnce(ctx, adapter)
		if cfg.ReplayIntervalSec <= 0 {
			return
		}
		ticker := time.NewTicker(time.Duration(cfg.ReplayIntervalSec) * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			replayOnce(ctx, adapter)
		}
	}()

	handler := api.NewHandler(cfg, adapter, resolver)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session", handler.Session)
	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handler.SaveHistory(w, r)
		case http.MethodDelete:
			handler.DeleteHistory(w, r)
		default:
			handler.History(w, r)
		}
	})
	mux.HandleFunc("/api/stats", handler.Stats)
	mux.HandleFunc("/api/themes", handler.Themes)
	mux.HandleFunc("/ws/events", hub.ServeWS)

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	slog.Info("exam prep server listening", "tag", "main", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("server stopped", "tag", "main", "error", err)
		os.Exit(1)
	}
}

func replayOnce(ctx context.Context, adapter *history.Adapter) {
	synced, err := adapter.Replay(ctx)
	if err != nil {
		slog.Warn("replay pass incomplete", "tag", "main", "synced", synced, "error", err)
		return
	}
	if synced > 0 {
		slog.Info("replayed fallback records", "tag", "main", "synced", synced)
	}
}
