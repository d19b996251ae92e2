package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/mimic/internal/bot"
	discordadapter "github.com/zulandar/mimic/internal/bot/discord"
	slackadapter "github.com/zulandar/mimic/internal/bot/slack"
	"github.com/zulandar/mimic/internal/config"
	"github.com/zulandar/mimic/internal/dashboard"
)

// Environment variables holding the platform tokens.
const (
	envDiscordToken  = "DISCORD_BOT_TOKEN"
	envSlackBotToken = "SLACK_BOT_TOKEN"
	envSlackAppToken = "SLACK_APP_TOKEN"
)

func newBotCmd() *cobra.Command {
	var (
		configPath string
		withDash   bool
		port       int
	)

	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run the live chat bot",
		Long: `Connects to the configured Discord or Slack channel and answers as the target
using the fine-tuned model. Messages arriving in quick succession are answered
once; a message starting with the reset prefix clears the conversation.

Tokens are read from DISCORD_BOT_TOKEN, or SLACK_BOT_TOKEN and SLACK_APP_TOKEN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, configPath, withDash, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to mimic config file")
	cmd.Flags().BoolVar(&withDash, "dashboard", false, "also serve the dashboard with the live context")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "dashboard port (default dashboard.port)")

	cmd.AddCommand(newBotSessionsCmd())
	return cmd
}

func runBot(cmd *cobra.Command, configPath string, withDash bool, port int) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateBot(); err != nil {
		return err
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}
	client, err := newLLMClient(cfg)
	if err != nil {
		return err
	}

	daemon, err := bot.NewDaemon(bot.DaemonOpts{
		Config:    cfg,
		Adapter:   adapter,
		Completer: client,
		DB:        gormDB,
		Out:       out,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if !withDash {
		return daemon.Run(ctx)
	}

	if port == 0 {
		port = cfg.Dashboard.Port
	}
	dashErr := make(chan error, 1)
	go func() {
		dashErr <- dashboard.Start(ctx, dashboard.StartOpts{
			DB:     gormDB,
			Port:   port,
			Out:    out,
			Live:   daemon,
			Target: cfg.Target,
		})
	}()

	err = daemon.Run(ctx)
	cancel()
	if derr := <-dashErr; derr != nil {
		fmt.Fprintf(out, "Dashboard stopped: %v\n", derr)
	}
	return err
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (bot.Adapter, error) {
	switch cfg.Bot.Platform {
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  os.Getenv(envSlackAppToken),
			BotToken:  os.Getenv(envSlackBotToken),
			ChannelID: cfg.Bot.Channel,
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  os.Getenv(envDiscordToken),
			ChannelID: cfg.Bot.Channel,
		})
	default:
		return nil, fmt.Errorf("bot: unsupported platform %q", cfg.Bot.Platform)
	}
}

func newBotSessionsCmd() *cobra.Command {
	var (
		configPath string
		limit      int
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List logged conversations of the live bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			sessions, err := bot.Sessions(gormDB, cfg.Bot.Channel, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions logged.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPLATFORM\tSTARTED\tENDED\tTURNS")
			for _, s := range sessions {
				ended := "open"
				if s.EndedAt != nil {
					ended = fmt.Sprintf("%s (%s)", s.EndedAt.Format(time.DateTime), s.EndReason)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", s.ID, s.Platform, s.StartedAt.Format(time.DateTime), ended, len(s.Turns))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if !verbose {
				return nil
			}
			for _, s := range sessions {
				fmt.Fprintf(out, "\n== session %d ==\n", s.ID)
				for _, t := range s.Turns {
					fmt.Fprintf(out, "%s %s: %s\n", t.CreatedAt.Format(time.TimeOnly), t.UserName, strings.ReplaceAll(t.Content, "\n", "\n    "))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to mimic config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of sessions to show")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the turns of each session")
	return cmd
}
