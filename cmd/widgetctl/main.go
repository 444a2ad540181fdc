package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/embedchat/widgetcore/internal/auth"
	"github.com/embedchat/widgetcore/internal/config"
	"github.com/embedchat/widgetcore/internal/controller"
	"github.com/embedchat/widgetcore/internal/domain"
	"github.com/embedchat/widgetcore/internal/logging"
	"github.com/embedchat/widgetcore/internal/orchestrator"
	"github.com/embedchat/widgetcore/internal/retry"
	"github.com/embedchat/widgetcore/internal/storage"
	"github.com/embedchat/widgetcore/internal/storage/memory"
	"github.com/embedchat/widgetcore/internal/storage/redisstore"
	"github.com/embedchat/widgetcore/internal/storage/sqlite"
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

	if cfg.Widget.ClientID == "" || cfg.Widget.AgentID == "" || cfg.Widget.AgentKey == "" {
		log.Fatal().Msg("WIDGET_CLIENT_ID, WIDGET_AGENT_ID, and WIDGET_AGENT_KEY are required")
	}

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("Failed to open session store")
	}
	defer backend.Close()

	store := storage.NewService(backend,
		storage.WithMaxSessions(cfg.Session.MaxPerAgent),
		storage.WithSessionTTL(cfg.Session.TTL),
	)

	ctx := context.Background()
	if removed, err := store.CleanupExpiredSessions(ctx); err != nil {
		log.Warn().Err(err).Msg("Session cleanup failed")
	} else if removed > 0 {
		log.Info().Int("removed", removed).Msg("Expired sessions cleaned up")
	}

	policy := retry.Policy{
		MaxRetries:           cfg.Retry.MaxRetries,
		InitialDelay:         cfg.Retry.InitialDelay,
		MaxDelay:             cfg.Retry.MaxDelay,
		BackoffFactor:        cfg.Retry.BackoffFactor,
		RetryableStatusCodes: retry.DefaultPolicy().RetryableStatusCodes,
		Timeout:              cfg.Retry.Timeout,
	}
	exec := retry.NewExecutor(&http.Client{Timeout: cfg.Retry.Timeout + 5*time.Second})

	authSvc := auth.NewService(exec, auth.Options{
		TokenURL:   cfg.Widget.TokenURL,
		Origin:     cfg.Widget.Origin,
		Production: cfg.Widget.Production,
		Policy:     &policy,
	})

	sub := authSvc.Subscribe(func(state domain.AuthState) {
		log.Debug().Bool("authenticated", state.IsAuthenticated).Bool("error", state.HasAuthError).Msg("Auth state changed")
	})
	defer sub.Cancel()

	if err := authSvc.Initialize(ctx, cfg.Widget.ClientID, cfg.Widget.AgentID, cfg.Widget.AgentKey, ""); err != nil {
		log.Fatal().Err(err).Msg("Authentication failed")
	}

	registry := orchestrator.NewRegistry(orchestrator.Deps{
		Auth:      authSvc,
		Executor:  exec,
		Policy:    &policy,
		ConfigTTL: &cfg.Widget.ConfigTTL,
	})
	orch := registry.Instance(cfg.Widget.ClientID, cfg.Widget.AgentID, cfg.Widget.BaseURL, false)

	if err := orch.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("Chat initialization failed")
	}
	cfgRemote := orch.RemoteConfig()
	if cfgRemote != nil {
		fmt.Printf("Connected to %s\n", cfgRemote.BotName)
	}

	ctrl := controller.New(controller.Options{
		ClientID:     cfg.Widget.ClientID,
		AgentID:      cfg.Widget.AgentID,
		Store:        store,
		Orchestrator: orch,
	})
	if err := ctrl.Activate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to activate chat")
	}

	for _, m := range ctrl.Messages() {
		printMessage(m)
	}

	repl(ctx, ctrl, orch)
}

func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Driver {
	case "memory", "":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(cfg.SQLite.Path)
	case "redis":
		return redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

const replHelp = `Commands:
  /sessions          list sessions
  /switch <id>       switch to a session
  /new               start a new session
  /like <msgid>      like a bot message
  /dislike <msgid>   dislike a bot message
  /refresh <msgid>   regenerate a bot message
  /quit              exit
Anything else is sent as a chat message.`

func repl(ctx context.Context, ctrl *controller.Controller, orch *orchestrator.Service) {
	fmt.Println(replHelp)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "/quit", "/exit":
			if err := orch.EndChat(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to end chat")
			}
			return
		case "/help":
			fmt.Println(replHelp)
		case "/sessions":
			summaries, err := ctrl.Sessions(ctx)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			for _, s := range summaries {
				marker := " "
				if s.IsActive {
					marker = "*"
				}
				fmt.Printf("%s %s  %-30q  %s\n", marker, s.SessionID, s.Title, s.LastActivity.Format(time.RFC3339))
			}
		case "/switch":
			if err := ctrl.SwitchToSession(ctx, arg); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			for _, m := range ctrl.Messages() {
				printMessage(m)
			}
		case "/new":
			if err := ctrl.CreateNewSession(ctx); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case "/like":
			if err := ctrl.UpdateReaction(ctx, arg, domain.ReactionLiked); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case "/dislike":
			if err := ctrl.UpdateReaction(ctx, arg, domain.ReactionDisliked); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case "/refresh":
			m, err := ctrl.RefreshMessage(ctx, arg)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			printMessage(m)
		default:
			m, err := ctrl.SendMessage(ctx, line)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			printMessage(m)
		}
	}
}

func printMessage(m domain.Message) {
	prefix := "you"
	if m.Sender == domain.SenderBot {
		prefix = "bot"
	}
	suffix := ""
	if m.Reaction != domain.ReactionNone {
		suffix = fmt.Sprintf(" [%s]", m.Reaction)
	}
	fmt.Printf("[%s] %s: %s%s\n", m.ID, prefix, m.Text, suffix)
}
