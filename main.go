package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"quizrealtime/api"
	"quizrealtime/auth"
	"quizrealtime/config"
	"quizrealtime/services"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

// Headless runner: connects the realtime channel, subscribes to room
// discovery and optionally joins one room. The UI normally sits where this
// main does.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	creds := auth.StaticToken(cfg.AuthToken)
	apiClient := api.NewClient(cfg.APIBaseURL, creds)
	channel := services.NewChannelManager(cfg.RealtimeURL, logger)

	rooms, err := services.NewRoomService(channel, apiClient, creds, logger)
	if err != nil {
		logger.Error("invalid credential", "error", err)
		os.Exit(1)
	}
	game := services.NewGameService(channel, rooms, apiClient, logger)

	exited := make(chan string, 1)
	rooms.OnForcedExit(func(reason string) {
		game.Reset()
		exited <- reason
	})

	ctx := context.Background()
	if err := channel.Connect(ctx, creds.Token()); err != nil {
		// Realtime features are unavailable, but the resource APIs still
		// work; keep running in request/response-only mode.
		logger.Error("realtime unavailable", "error", err)
	}

	if err := rooms.SubscribeRoomList(); err != nil {
		logger.Warn("room discovery unavailable", "error", err)
	}

	if cfg.RoomCode != "" {
		room, err := rooms.JoinRoomByCode(ctx, cfg.RoomCode)
		if err != nil {
			logger.Error("join failed", "code", cfg.RoomCode, "error", err)
			os.Exit(1)
		}
		game.Attach()
		logger.Info("in room", "room", room.Code, "name", room.Name)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		logger.Info("shutting down")
	case reason := <-exited:
		logger.Warn("session ended remotely", "reason", reason)
	}

	game.Reset()
	rooms.Detach() // reload semantics: keep server-side membership
	channel.Disconnect()
}
