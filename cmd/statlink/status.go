package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/statlink-project/statlink/internal/cli"
	"github.com/statlink-project/statlink/internal/config"
	"github.com/statlink-project/statlink/internal/connector"
	"github.com/statlink-project/statlink/internal/db"
)

func statusCmd(flags *globalFlags) *cobra.Command {
	var (
		history int
		addr    string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running agent",
		Long:  `Query the control API of a running agent and print its uplink status.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			}
			client := &http.Client{Timeout: 5 * time.Second}

			var status struct {
				Uplink connector.Stats `json:"uplink"`
			}
			if err := getJSON(client, addr, cfg.API.Token, "/api/status", &status); err != nil {
				return err
			}
			cli.RenderStatus(os.Stdout, status.Uplink)

			if history > 0 {
				var hist struct {
					Entries []db.Entry `json:"entries"`
				}
				path := fmt.Sprintf("/api/history?limit=%d", history)
				if err := getJSON(client, addr, cfg.API.Token, path, &hist); err != nil {
					return err
				}
				fmt.Println()
				cli.RenderHistory(os.Stdout, hist.Entries)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&history, "history", "n", 0, "also show the last n history entries")
	cmd.Flags().StringVar(&addr, "addr", "", "control API address (defaults to the configured one)")

	return cmd
}

func getJSON(client *http.Client, addr, token, path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("agent not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
