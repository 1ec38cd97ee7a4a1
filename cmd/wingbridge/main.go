package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wingbridge/wingbridge/internal/config"
	"github.com/wingbridge/wingbridge/internal/gateway"
	"github.com/wingbridge/wingbridge/internal/offscreen"
	"github.com/wingbridge/wingbridge/internal/relay"
	"github.com/wingbridge/wingbridge/internal/router"
	"github.com/wingbridge/wingbridge/internal/store"
	"github.com/wingbridge/wingbridge/internal/tabs"
)

var version = "dev"

const staleCleanInterval = 30 * time.Second

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("wingbridge %s\n", version)
		os.Exit(0)
	}

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		slog.Error("cannot create state dir", "err", err)
		os.Exit(1)
	}

	st, err := store.NewFileStore(cfg.StateDir)
	if err != nil {
		slog.Error("cannot open state store", "err", err)
		os.Exit(1)
	}

	_, allocCancel, browserCtx, browserCancel, err := tabs.InitChrome(cfg)
	if err != nil {
		slog.Error("Chrome failed to start",
			"err", err,
			"hint", "set CDP_URL to attach to a running Chrome, or check CHROME_BINARY",
		)
		os.Exit(1)
	}
	defer browserCancel()
	defer allocCancel()

	tabMgr := tabs.NewManager(browserCtx, cfg)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go tabMgr.CleanStale(cleanupCtx, staleCleanInterval)

	hub := relay.NewHub()
	supervisor := offscreen.NewSupervisor(cfg, tabMgr, hub)
	rt := router.New(cfg, st, tabMgr, hub, supervisor, &http.Client{})

	// Content scripts reach the router through the hub; their tab identity
	// comes from the connection, not from the message body.
	hub.OnInbound = func(ctx context.Context, senderTabID string, body json.RawMessage) json.RawMessage {
		var msg router.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			out, _ := json.Marshal(router.Fail(fmt.Errorf("decode: %w", err)))
			return out
		}
		res := rt.DispatchInternal(ctx, &router.Request{Msg: msg, SenderTabID: senderTabID})
		out, _ := json.Marshal(res)
		return out
	}

	mux := http.NewServeMux()
	h := gateway.New(cfg, rt, hub, tabMgr)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownOnce := &sync.Once{}
	doShutdown := func() {
		shutdownOnce.Do(func() {
			slog.Info("shutting down")
			cleanupCancel()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("server shutdown", "err", err)
			}

			browserCancel()
			allocCancel()
			slog.Info("chrome closed")
		})
	}

	h.RegisterRoutes(mux, doShutdown)
	srv.Handler = gateway.Chain(mux)

	setupSignalHandler(doShutdown, func() {
		cleanupCancel()
		browserCancel()
		allocCancel()
	})

	slog.Info("wingbridge listening", "port", cfg.Port, "cdp", cfg.CdpURL, "origins", cfg.AllowedOrigins)
	if cfg.Token != "" {
		slog.Info("auth enabled")
	} else {
		slog.Info("auth disabled (set WB_TOKEN to enable)")
	}

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server", "err", err)
		os.Exit(1)
	}
}

func setupSignalHandler(shutdownFn func(), forceFn func()) {
	go func() {
		sig := make(chan os.Signal, 2)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		go shutdownFn()
		<-sig
		slog.Warn("force shutdown requested")
		forceFn()
		os.Exit(130)
	}()
}
