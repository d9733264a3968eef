package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iconvo/relay/internal/chat"
	"github.com/iconvo/relay/internal/config"
	"github.com/iconvo/relay/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log.Println("Starting iConvo relay...")

	cfg := config.FromEnv()
	cfg.Sanitize()

	store := chat.NewMessageStore(chat.StoreOptions{
		Dir:          cfg.PersistDir,
		Persist:      cfg.EnablePersistence,
		MaxHistory:   cfg.MaxMessageHistory,
		EditWindow:   cfg.EditWindow,
		DeleteWindow: cfg.DeleteWindow,
	})

	hub := server.NewHub(cfg, store)
	go hub.Run()
	log.Println("Hub started and ready to manage WebSocket connections")

	svc := server.NewService(cfg, hub)
	httpServer := server.CreateServer(cfg.Port, svc.Routes())

	errCh := make(chan error, 1)
	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Printf("HTTP server failed: %v", err)
	case sig := <-stop:
		log.Printf("Received %s, shutting down...", sig)
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		log.Printf("HTTP shutdown did not complete cleanly: %v", err)
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		log.Printf("Hub shutdown did not complete cleanly: %v", err)
	}

	// Settle the snapshots before exit; in-flight writers drain here.
	store.FlushAll()
	log.Println("Server exiting")
}
