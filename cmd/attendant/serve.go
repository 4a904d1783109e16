package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ordsvc/attendant/internal/api"
	"github.com/ordsvc/attendant/internal/assistant"
	"github.com/ordsvc/attendant/internal/config"
	"github.com/ordsvc/attendant/internal/db"
	"github.com/ordsvc/attendant/internal/dispatch"
	"github.com/ordsvc/attendant/internal/gateway"
	discordadapter "github.com/ordsvc/attendant/internal/gateway/discord"
	slackadapter "github.com/ordsvc/attendant/internal/gateway/slack"
	"github.com/ordsvc/attendant/internal/queue"
	"github.com/ordsvc/attendant/internal/registry"
	"github.com/ordsvc/attendant/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the attendant",
		Long:  "Connects to the chat platform, the assistant API, and the store, then serves conversations until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "attendant.yaml", "path to config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Gateway.Platform == "" {
		return fmt.Errorf("serve: no platform configured in %s (add gateway.platform)", configPath)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("serve: connect to %s: %w", cfg.Database.Database, err)
	}
	if err := db.Migrate(gormDB); err != nil {
		return fmt.Errorf("serve: migrate: %w", err)
	}

	svc, err := assistant.NewOpenAIService(assistant.OpenAIOpts{
		APIKey:       cfg.Assistant.APIKey,
		AssistantID:  cfg.Assistant.AssistantID,
		Model:        cfg.Assistant.Model,
		Instructions: cfg.Assistant.Instructions,
	})
	if err != nil {
		return err
	}

	transcriber, err := assistant.NewWhisperTranscriber(cfg.Assistant.APIKey)
	if err != nil {
		return err
	}

	overrides := make(map[string]dispatch.Endpoint, len(cfg.Tools.Endpoints))
	for name, ep := range cfg.Tools.Endpoints {
		overrides[name] = dispatch.Endpoint{Path: ep.Path, Method: ep.Method}
	}
	dispatcher, err := dispatch.New(dispatch.Opts{
		BaseURL:     cfg.Tools.BaseURL,
		Timeout:     cfg.ToolTimeout(),
		MaxAttempts: cfg.Tools.MaxAttempts,
		BackoffBase: time.Duration(cfg.Tools.BackoffBaseMS) * time.Millisecond,
		CacheTTL:    time.Duration(cfg.Tools.CacheTTLSec) * time.Second,
		Overrides:   overrides,
		Aliases:     cfg.Tools.FieldAliases,
		Headers:     cfg.Tools.Headers,
		Auth: dispatch.Auth{
			Scheme:      cfg.Tools.Auth.Scheme,
			Username:    cfg.Tools.Auth.Username,
			Password:    cfg.Tools.Auth.Password,
			Token:       cfg.Tools.Auth.Token,
			HeaderName:  cfg.Tools.Auth.HeaderName,
			HeaderValue: cfg.Tools.Auth.HeaderValue,
		},
	})
	if err != nil {
		return err
	}

	reg, err := registry.New(registry.Opts{
		DB:        gormDB,
		Assistant: svc,
		Medium:    cfg.Gateway.Platform,
	})
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Opts{
		Assistant:      svc,
		Tools:          dispatcher,
		PollInterval:   cfg.PollInterval(),
		PollMaxRetries: cfg.Assistant.PollMaxRetries,
		BackoffBase:    time.Duration(cfg.Assistant.BackoffBaseMS) * time.Millisecond,
		MaxRunWait:     time.Duration(cfg.Assistant.MaxRunWaitSec) * time.Second,
	})
	if err != nil {
		return err
	}

	queueOpts := queue.Opts{
		DB:      gormDB,
		Key:     cfg.Queue.Key,
		PopWait: time.Duration(cfg.Queue.PopWaitSec) * time.Second,
	}
	if cfg.Queue.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			return fmt.Errorf("serve: parse redis url: %w", err)
		}
		queueOpts.Redis = redis.NewClient(redisOpts)
	}
	q, err := queue.New(queueOpts)
	if err != nil {
		return err
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	daemon, err := gateway.NewDaemon(gateway.DaemonOpts{
		DB:          gormDB,
		Adapter:     adapter,
		Registry:    reg,
		Scheduler:   sched,
		Queue:       q,
		Transcriber: transcriber,
		Window:      cfg.DebounceWindow(),
		RefreshSpec: cfg.Gateway.AllowlistRefresh,
		Open:        cfg.Gateway.OpenAllowlist,
		Out:         cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cfg.Queue.RedisURL != "" {
		go func() {
			if err := q.RunConsumer(ctx); err != nil && ctx.Err() == nil {
				log.Printf("serve: queue consumer stopped: %v", err)
			}
		}()
	}

	go func() {
		err := api.Start(ctx, api.StartOpts{
			DB:       gormDB,
			Registry: reg,
			Tools:    dispatcher,
			Port:     cfg.Admin.Port,
			Out:      cmd.OutOrStdout(),
		})
		if err != nil {
			log.Printf("serve: admin api stopped: %v", err)
		}
	}()

	return daemon.Run(ctx)
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (gateway.Adapter, error) {
	switch cfg.Gateway.Platform {
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken: cfg.Gateway.BotToken,
		})
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Gateway.AppToken,
			BotToken: cfg.Gateway.BotToken,
		})
	default:
		return nil, fmt.Errorf("serve: unsupported platform %q", cfg.Gateway.Platform)
	}
}
