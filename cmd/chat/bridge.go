package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-tavern/chat/internal/bridge"
	"github.com/zhouzirui/z-tavern/chat/internal/session"
)

func newBridgeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr      string
		autostart bool
	)

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve one chat session to a browser over HTTP, SSE and WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				opts.cfg.Client.BridgeAddr = addr
			}
			store := opts.newStore()
			if autostart {
				profile := opts.profile()
				go func() {
					_ = store.StartSession(cmd.Context(), profile == nil, profile)
				}()
			}
			return runBridge(cmd.Context(), opts.cfg.Client.BridgeAddr, store)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides CHAT_BRIDGE_ADDR)")
	cmd.Flags().BoolVar(&autostart, "autostart", true, "start a session as soon as the bridge is up")
	return cmd
}

func runBridge(ctx context.Context, addr string, store *session.Store) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           bridge.New(store).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info().Str("addr", addr).Msg("[bridge] listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("[bridge] shutdown error")
			return err
		}
		log.Info().Msg("[bridge] shutdown complete")
		return nil
	})

	return eg.Wait()
}
