package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memohai/unifeed/internal/backend"
	"github.com/memohai/unifeed/internal/feed"
	"github.com/memohai/unifeed/internal/feed/event"
	"github.com/memohai/unifeed/internal/version"
)

const tailBuffer = 256

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "unifeed",
		Short:         "One merged feed over Slack, Discord and Telegram",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the TOML config (default $CONFIG_PATH or config.toml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file with credentials (default .env)")

	root.AddCommand(
		newTailCommand(opts),
		newChannelsCommand(opts),
		newSendCommand(opts),
		newUploadCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "unifeed %s\n", info)
			if info.BuildTime != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "built %s\n", info.BuildTime)
			}
		},
	}
}

type targetFlags struct {
	backend string
	channel string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.backend, "backend", "", "backend: slack, discord or telegram")
	cmd.Flags().StringVar(&f.channel, "channel", "", "channel id")
}

// filter parses the flags as an optional view filter.
func (f targetFlags) filter() (feed.Filter, error) {
	var out feed.Filter
	if strings.TrimSpace(f.backend) != "" {
		bt, err := backend.ParseType(f.backend)
		if err != nil {
			return out, err
		}
		out.Backend = bt
	}
	out.ChannelID = strings.TrimSpace(f.channel)
	if out.ChannelID != "" && out.Backend == "" {
		return out, errors.New("--channel requires --backend")
	}
	return out, nil
}

// target parses the flags as a mandatory delivery target.
func (f targetFlags) target() (backend.Type, string, error) {
	if strings.TrimSpace(f.backend) == "" {
		return "", "", errors.New("--backend is required")
	}
	bt, err := backend.ParseType(f.backend)
	if err != nil {
		return "", "", err
	}
	channelID := strings.TrimSpace(f.channel)
	if channelID == "" {
		return "", "", errors.New("--channel is required")
	}
	return bt, channelID, nil
}

func newTailCommand(opts *cliOptions) *cobra.Command {
	var flags targetFlags
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Load history from every backend and follow new messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			return runApp(cmd.Context(), opts, func(ctx context.Context, d appDeps) error {
				return tail(ctx, d, filter, cmd.OutOrStdout())
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func tail(ctx context.Context, d appDeps, filter feed.Filter, out io.Writer) error {
	_, events, cancel := d.Hub.Subscribe(tailBuffer)
	defer cancel()

	if err := d.Session.Connect(ctx); err != nil {
		d.Logger.Warn("live connection unavailable", slog.Any("error", err))
	}
	if err := load(ctx, d); err != nil {
		return err
	}

	p := newPrinter(out, d.Session)
	for _, msg := range d.Session.Messages(filter) {
		p.Message(msg)
	}
	d.Session.Start(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case event.TypeMessageInserted:
				if ev.Message != nil && filter.Match(*ev.Message) {
					p.Message(*ev.Message)
				}
			case event.TypeStreamClosed:
				d.Logger.Warn("live stream closed", slog.String("backend", ev.Backend.String()), slog.String("error", ev.Error))
			case event.TypeChannelUpdated:
				if ev.Channel != nil {
					d.Logger.Debug("channel updated", slog.String("backend", ev.Backend.String()), slog.String("channel", ev.Channel.ID), slog.String("name", ev.Channel.Name))
				}
			}
		}
	}
}

func load(ctx context.Context, d appDeps) error {
	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout(d.Config))
	defer cancel()
	if err := d.Session.LoadAll(loadCtx); err != nil {
		return fmt.Errorf("load feed: %w", err)
	}
	return nil
}

func newChannelsCommand(opts *cliOptions) *cobra.Command {
	var flags targetFlags
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List rooms and direct conversations per backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			return runApp(cmd.Context(), opts, func(ctx context.Context, d appDeps) error {
				if err := load(ctx, d); err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout(), d.Session)
				for _, bt := range d.Registry.Types() {
					if filter.Backend != "" && filter.Backend != bt {
						continue
					}
					p.Directory(bt, d.Session.Channels(bt))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&flags.backend, "backend", "", "backend: slack, discord or telegram")
	return cmd
}

func newSendCommand(opts *cliOptions) *cobra.Command {
	var flags targetFlags
	cmd := &cobra.Command{
		Use:   "send TEXT...",
		Short: "Send a text message to a channel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bt, channelID, err := flags.target()
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			return runApp(cmd.Context(), opts, func(ctx context.Context, d appDeps) error {
				if err := d.Session.SelectBackend(bt); err != nil {
					return err
				}
				d.Session.SelectChannel(channelID)
				d.Session.SetDraft(text)
				return d.Session.Send(ctx)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newUploadCommand(opts *cliOptions) *cobra.Command {
	var (
		flags    targetFlags
		mimeType string
	)
	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a file to a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bt, channelID, err := flags.target()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}
			return runApp(cmd.Context(), opts, func(ctx context.Context, d appDeps) error {
				if err := d.Session.SelectBackend(bt); err != nil {
					return err
				}
				d.Session.SelectChannel(channelID)
				return d.Session.UploadFile(ctx, filepath.Base(args[0]), mimeType, data)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type (detected from the content when empty)")
	return cmd
}
