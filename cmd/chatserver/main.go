package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/support-chat/internal/chat"
	"github.com/whisper/support-chat/internal/config"
	"github.com/whisper/support-chat/internal/gateway"
	"github.com/whisper/support-chat/internal/history"
	"github.com/whisper/support-chat/internal/messaging"
	"github.com/whisper/support-chat/internal/metrics"
	"github.com/whisper/support-chat/internal/ratelimit"
	"github.com/whisper/support-chat/internal/routing"
	"github.com/whisper/support-chat/internal/session"
	"github.com/whisper/support-chat/internal/ws"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- NATS ---
	natsConfig := cfg.NATS()
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.Redis(), cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	chatStore := chat.NewStore(sessionStore.Client())
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- Postgres ---
	dbCtx, dbCancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := history.Open(dbCtx, cfg.DatabaseURL)
	dbCancel()
	if err != nil {
		log.Fatalf("failed to open history database: %v", err)
	}
	historyStore := history.NewStore(db)

	wsConfig := cfg.WS()
	log.Printf("Support chat server starting")
	log.Printf("  listen_addr:     %s", wsConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", wsConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", wsConfig.MaxConnections)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  pending_grace:   %s", cfg.PendingGrace)

	coord := routing.NewCoordinator(cfg.Routing(), chatStore, natsClient, historyStore, sessionStore)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(wsConfig, sessionStore, dispatcher.Dispatch)

	gw := gateway.New(coord, limiter, natsClient, server, sessionStore)
	gw.Register(dispatcher)
	if err := gw.Start(); err != nil {
		log.Fatalf("failed to subscribe to operator broadcasts: %v", err)
	}
	server.SetOnConnect(gw.OnConnect)
	server.SetOnDisconnect(gw.OnDisconnect)

	server.Handle("/metrics", metrics.Handler())
	server.Handle("/api/", history.NewRouter(history.APIConfig{AllowedOrigins: cfg.AllowedOrigins}, historyStore, coord))

	ctx, cancel := context.WithCancel(context.Background())
	go coord.StartCleanup(ctx)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		cancel()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("history db close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
