package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/embedchat/widgetcore/internal/config"
	"github.com/embedchat/widgetcore/internal/domain"
	"github.com/embedchat/widgetcore/internal/logging"
	"github.com/embedchat/widgetcore/internal/stubserver"
)

func main() {
	// Load .env file - try multiple locations
	for _, p := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := logging.Setup(cfg.Logging); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}

	if cfg.Auth.TokenSecret == "" {
		log.Fatal().Msg("TOKEN_SECRET is required")
	}

	srv := stubserver.NewServer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)

	// Register the agent the widget is configured for, so a widgetctl
	// pointed at this server works out of the box.
	if cfg.Widget.ClientID != "" && cfg.Widget.AgentKey != "" {
		err := srv.RegisterAgent(stubserver.Agent{
			ClientID: cfg.Widget.ClientID,
			AgentID:  cfg.Widget.AgentID,
			Config: domain.RemoteConfig{
				BotName:    "Demo Assistant",
				ChatHeader: "Hi! Ask me anything.",
			},
		}, cfg.Widget.AgentKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to register agent")
		}
		log.Info().
			Str("client_id", cfg.Widget.ClientID).
			Str("agent_id", cfg.Widget.AgentID).
			Msg("Registered demo agent")
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Msgf("Stub backend listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
