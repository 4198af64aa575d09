package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/unifeed/internal/backend"
	"github.com/memohai/unifeed/internal/backend/adapters/discord"
	"github.com/memohai/unifeed/internal/backend/adapters/slack"
	"github.com/memohai/unifeed/internal/backend/adapters/telegram"
	"github.com/memohai/unifeed/internal/config"
	"github.com/memohai/unifeed/internal/feed"
	"github.com/memohai/unifeed/internal/feed/event"
	"github.com/memohai/unifeed/internal/logger"
	"github.com/memohai/unifeed/internal/resolver"
)

var errNoBackends = errors.New("no backend configured: set a bot token for slack, discord or telegram")

type cliOptions struct {
	configPath string
	envFile    string
}

// appDeps is what a command needs from the container.
type appDeps struct {
	fx.In

	Config   config.Config
	Logger   *slog.Logger
	Registry *backend.Registry
	Hub      *event.Hub
	Session  *feed.Session
}

var FeedModule = fx.Module(
	"feed",
	fx.Provide(
		provideRegistry,
		resolver.New,
		provideHub,
		provideSession,
	),
)

func newApp(opts *cliOptions, deps *appDeps) *fx.App {
	return fx.New(
		fx.Supply(opts),
		fx.Provide(
			provideConfig,
			provideLogger,
		),
		FeedModule,
		fx.Invoke(func(d appDeps) { *deps = d }),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
	)
}

// runApp starts the container, hands the dependencies to fn and stops the
// container afterwards.
func runApp(ctx context.Context, opts *cliOptions, fn func(ctx context.Context, d appDeps) error) error {
	var deps appDeps
	app := newApp(opts, &deps)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancelStart := context.WithTimeout(ctx, app.StartTimeout())
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
		defer cancelStop()
		if err := app.Stop(stopCtx); err != nil {
			deps.Logger.Warn("shutdown incomplete", slog.Any("error", err))
		}
	}()

	return fn(logger.WithContext(ctx, deps.Logger), deps)
}

func provideConfig(opts *cliOptions) (config.Config, error) {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return config.Config{}, fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.Load(config.ResolvePath(opts.configPath))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	return logger.Init(cfg.Log.Level, cfg.Log.Format)
}

// provideRegistry registers an adapter for every backend that has credentials.
func provideRegistry(log *slog.Logger, cfg config.Config) (*backend.Registry, error) {
	registry := backend.NewRegistry()
	if strings.TrimSpace(cfg.Slack.BotToken) != "" {
		registry.MustRegister(slack.New(log, slackConfig(cfg.Slack)))
	}
	if strings.TrimSpace(cfg.Discord.BotToken) != "" {
		registry.MustRegister(discord.New(log, discordConfig(cfg.Discord)))
	}
	if strings.TrimSpace(cfg.Telegram.BotToken) != "" {
		registry.MustRegister(telegram.New(log, telegramConfig(cfg.Telegram)))
	}
	if len(registry.Types()) == 0 {
		return nil, errNoBackends
	}
	log.Debug("backends registered", slog.Any("backends", registry.Types()))
	return registry, nil
}

func provideHub(lc fx.Lifecycle) *event.Hub {
	hub := event.NewHub()
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			hub.Close()
			return nil
		},
	})
	return hub
}

func provideSession(lc fx.Lifecycle, log *slog.Logger, registry *backend.Registry, names *resolver.Resolver, hub *event.Hub) *feed.Session {
	session := feed.NewSession(log, registry, names, hub)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := session.Close(ctx); err != nil {
				return fmt.Errorf("close session: %w", err)
			}
			return nil
		},
	})
	return session
}

func slackConfig(c config.SlackConfig) slack.Config {
	return slack.Config{
		BotToken:           c.BotToken,
		AppToken:           c.AppToken,
		APIURL:             c.APIURL,
		HistoryLimit:       c.HistoryLimit,
		MaxHistoryChannels: c.MaxHistoryChannels,
		LookupsPerMinute:   c.LookupsPerMinute,
		LiveBuffer:         c.LiveBuffer,
		Reconnect: slack.ReconnectConfig{
			Enabled:         c.Reconnect.Enabled,
			MaxAttempts:     c.Reconnect.MaxAttempts,
			InitialInterval: c.Reconnect.InitialInterval,
			MaxInterval:     c.Reconnect.MaxInterval,
		},
	}
}

func discordConfig(c config.DiscordConfig) discord.Config {
	return discord.Config{
		BotToken:           c.BotToken,
		ChannelIDs:         c.ChannelIDs,
		GuildIDs:           c.GuildIDs,
		HistoryLimit:       c.HistoryLimit,
		MaxHistoryChannels: c.MaxHistoryChannels,
	}
}

func telegramConfig(c config.TelegramConfig) telegram.Config {
	return telegram.Config{
		BotToken:     c.BotToken,
		APIEndpoint:  c.APIEndpoint,
		HistoryLimit: c.HistoryLimit,
	}
}

func loadTimeout(cfg config.Config) time.Duration {
	if cfg.Feed.LoadTimeout <= 0 {
		return config.DefaultLoadTimeout
	}
	return cfg.Feed.LoadTimeout
}
