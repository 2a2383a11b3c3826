package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"wombocombo/server"
)

// WomboCombo entry point: load config, wire the gateway and registry, and
// run the HTTP + WebSocket listener until signaled to stop.
func main() {
	cfg := server.LoadConfig()

	if err := server.InitLogger(cfg.LogFile, cfg.LogLevel); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	server.Log.Infow("=== WomboCombo game server starting ===",
		"port", cfg.Port,
		"tick_rate", cfg.TickRate,
		"max_rooms", cfg.MaxRooms,
		"max_players_per_room", cfg.MaxPlayersPerRoom,
		"log_level", cfg.LogLevel,
	)

	store := server.NewRedisSecretStore(cfg.RedisAddr, cfg.RedisPassword)
	fetchCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	verifyKey := server.FetchVerificationKey(fetchCtx, store)
	cancel()
	if len(verifyKey) == 0 {
		server.Log.Warn("running in dev mode: no token-verification key available")
	}

	registry := server.NewRegistry(cfg.MaxRooms, cfg.MaxPlayersPerRoom)
	gateway := server.NewGateway(cfg, registry, verifyKey)

	tick := server.NewTicker(registry, cfg.TickRate)
	go tick.Run()
	defer tick.Stop()

	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux)

	addr := ":" + strconv.Itoa(cfg.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		server.Log.Infof("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			server.Log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	server.Log.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
