package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/statlink-project/statlink/internal/config"
	"github.com/statlink-project/statlink/internal/mockserver"
	"github.com/statlink-project/statlink/internal/util"
)

func mockCmd(flags *globalFlags) *cobra.Command {
	var (
		addr         string
		useTLS       bool
		requiredKey  string
		pingInterval time.Duration
		pingTimeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Run a local statistics endpoint for development",
		Long: `Run a socket.io-style endpoint that accepts the uplink's connections,
logs received events and answers updateStats and ping like a real server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := util.InitLogger(util.LogConfig{Level: flags.logLevel, Console: true}); err != nil {
				return err
			}

			var tlsConfig *tls.Config
			if useTLS {
				var err error
				tlsConfig, err = util.SelfSignedTLSConfig("localhost", "127.0.0.1")
				if err != nil {
					return fmt.Errorf("failed to create certificate: %w", err)
				}
				log.Info().Msg("serving TLS with a self-signed certificate, clients need insecure_skip_verify")
			}

			srv := mockserver.New(mockserver.Options{
				PingInterval: pingInterval,
				PingTimeout:  pingTimeout,
				RequiredKey:  requiredKey,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe(addr, tlsConfig) }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case <-sigCh:
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return err
			}
			log.Info().Int("events", len(srv.Events())).Msg("mock endpoint stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", fmt.Sprintf("127.0.0.1:%d", config.DefaultMockPort), "listen address")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "serve wss with a self-signed certificate")
	cmd.Flags().StringVar(&requiredKey, "key", "", "reject namespace connects without this access key")
	cmd.Flags().DurationVar(&pingInterval, "ping-interval", 25*time.Second, "advertised ping interval")
	cmd.Flags().DurationVar(&pingTimeout, "ping-timeout", 20*time.Second, "advertised ping timeout")

	return cmd
}
