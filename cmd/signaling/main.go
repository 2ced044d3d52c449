package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mossy-p/pair-signaling/config"
	"github.com/mossy-p/pair-signaling/internal/handlers"
	"github.com/mossy-p/pair-signaling/internal/redis"
	"github.com/mossy-p/pair-signaling/internal/relay"
	"github.com/mossy-p/pair-signaling/internal/rooms"
)

const roomKeyTTL = 24 * time.Hour

func main() {
	// Load configuration
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pick the room store
	var store rooms.Store
	switch cfg.RoomStore {
	case config.RoomStoreRedis:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer client.Close()
		log.Println("Redis connection established")
		// Rooms belong to this run only; a restart starts from empty rooms.
		instance := uuid.NewString()
		log.Printf("Redis room keys scoped to instance %s", instance)
		store = rooms.NewRedisStore(client, instance, roomKeyTTL)
	case config.RoomStoreMemory:
		store = rooms.NewMemoryStore()
	default:
		log.Fatalf("Unknown ROOM_STORE %q", cfg.RoomStore)
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := relay.NewHub(rooms.NewRegistry(store))
	router := handlers.NewRouter(cfg, hub)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		log.Println("Shutting down signaling server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown: %v", err)
		}
		// Websockets are hijacked, so Shutdown does not wait for them.
		hub.Shutdown(shutdownCtx)
	}()

	// Start server
	log.Printf("Starting WebRTC signaling server on port %s (room store: %s)", cfg.Port, cfg.RoomStore)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Failed to start server: %v", err)
		os.Exit(1)
	}
	<-shutdownDone
}
