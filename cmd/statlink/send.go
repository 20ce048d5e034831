package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/statlink-project/statlink/internal/connector"
	"github.com/statlink-project/statlink/internal/events"
)

func sendCmd(flags *globalFlags) *cobra.Command {
	var (
		data    string
		file    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <event>",
		Short: "Deliver one event and exit",
		Long: `Connect with the configured endpoint and credentials, deliver a single
event with a JSON payload and wait until it has been written to the socket.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, validation, err := loadConfig(flags, true)
			if err != nil {
				return err
			}
			if !validation.IsValid() {
				return errors.New("configuration validation failed, please fix the errors above")
			}

			var payload interface{}
			switch {
			case file != "":
				raw, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read payload file: %w", err)
				}
				payload = json.RawMessage(raw)
			case data != "":
				payload = json.RawMessage(data)
			}

			bus := events.NewEventBus()
			defer bus.Stop()

			delivered := make(chan struct{}, 1)
			bus.Subscribe("send", func(ctx context.Context, ev events.Event) error {
				if p, ok := ev.Payload.(events.DeliveryPayload); ok && p.Event == args[0] {
					select {
					case delivered <- struct{}{}:
					default:
					}
				}
				return nil
			}, events.EventDelivered)

			client := connector.NewClient(connector.OptionsFromConfig(cfg), bus)
			defer client.Close()

			if err := client.SubmitEvent(args[0], payload); err != nil {
				return err
			}

			select {
			case <-delivered:
				log.Info().Str("event", args[0]).Msg("event delivered")
				return nil
			case <-time.After(timeout):
				st := client.Stats()
				return fmt.Errorf("event not delivered within %s (state %s, last error %q)", timeout, st.State, st.LastError)
			}
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the JSON payload from a file")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for delivery")

	return cmd
}
