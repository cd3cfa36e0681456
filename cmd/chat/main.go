package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/chat/internal/client"
	"github.com/zhouzirui/z-tavern/chat/internal/config"
	"github.com/zhouzirui/z-tavern/chat/internal/logging"
	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chat/internal/session"
)

// rootOptions carries flags shared by every subcommand. Flags that were set
// explicitly win over the environment.
type rootOptions struct {
	apiURL         string
	timeout        time.Duration
	serializeStart bool
	name           string
	major          string
	quarter        string

	cfg *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:          "chat",
		Short:        "Talk to the chat service from a terminal or expose a session to a UI",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api-url", "", "chat service endpoint (overrides CHAT_API_URL)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per-request timeout (overrides CHAT_HTTP_TIMEOUT)")
	flags.BoolVar(&opts.serializeStart, "serialize-start", false, "ignore start requests while another request is in flight")
	flags.StringVar(&opts.name, "name", "", "profile name; leave empty to chat anonymously")
	flags.StringVar(&opts.major, "major", "", "profile major")
	flags.StringVar(&opts.quarter, "quarter", "", "profile quarter")

	rootCmd.AddCommand(newREPLCmd(opts), newBridgeCmd(opts))
	return rootCmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	logging.Setup(cfg.Log)
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file loaded")
	}

	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.Client.APIURL = strings.TrimRight(o.apiURL, "/")
	}
	if flags.Changed("timeout") {
		cfg.Client.Timeout = o.timeout
	}
	if flags.Changed("serialize-start") {
		cfg.Client.SerializeStart = o.serializeStart
	}

	o.cfg = cfg
	return nil
}

// profile returns nil when no name was given, which starts an anonymous
// session.
func (o *rootOptions) profile() *chat.UserProfile {
	if strings.TrimSpace(o.name) == "" {
		return nil
	}
	return &chat.UserProfile{Name: o.name, Major: o.major, Quarter: o.quarter}
}

func (o *rootOptions) newStore() *session.Store {
	api := client.New(o.cfg.Client.APIURL, client.WithTimeout(o.cfg.Client.Timeout))

	storeOpts := []session.Option{session.WithLogger(log.With().Str("component", "session").Logger())}
	if o.cfg.Client.SerializeStart {
		storeOpts = append(storeOpts, session.WithSerializedStart())
	}
	return session.New(api, storeOpts...)
}
