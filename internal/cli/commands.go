// Package cli implements the interactive console of the statlink agent and
// the table renderers shared with the one-shot commands.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/statlink-project/statlink/internal/config"
	"github.com/statlink-project/statlink/internal/connector"
	"github.com/statlink-project/statlink/internal/db"
	"github.com/statlink-project/statlink/internal/stats"
)

// Uplink is the part of the connector client the console drives.
type Uplink interface {
	stats.Transport
	Stats() connector.Stats
}

// History is the delivery history shown by the history command.
type History interface {
	Recent(limit int) ([]db.Entry, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	uplink   Uplink
	reporter *stats.Reporter
	history  History

	in     io.Reader
	out    io.Writer
	onQuit func()
}

// NewCLI creates a new CLI handler reading commands from in.
func NewCLI(cfg *config.Config, uplink Uplink, reporter *stats.Reporter, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		uplink:   uplink,
		reporter: reporter,
		in:       in,
		out:      out,
	}
}

// SetHistory enables the history command.
func (c *CLI) SetHistory(h History) {
	c.history = h
}

// OnQuit registers the function called by the quit command.
func (c *CLI) OnQuit(fn func()) {
	c.onQuit = fn
}

// Start runs the read-eval loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nstatlink console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "statlink> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			parts := strings.Fields(line)
			if err := c.Execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs a single console command.
func (c *CLI) Execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		RenderStatus(c.out, c.uplink.Stats())
	case "history":
		return c.cmdHistory(args)
	case "battles", "b":
		RenderBattles(c.out, c.reporter.Aggregator().Snapshot())
	case "send":
		return c.cmdSend(args)
	case "flush":
		return c.cmdFlush(args)
	case "key":
		return c.cmdKey(args)
	case "player":
		return c.cmdPlayer(args)
	case "join":
		return c.reporter.JoinRoom("", "")
	case "ping":
		return c.reporter.Ping()
	case "clear":
		c.reporter.Aggregator().Clear()
		fmt.Fprintln(c.out, "Aggregated stats cleared")
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down statlink...")
		if c.onQuit != nil {
			c.onQuit()
		}
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
Commands:
  status              Show uplink state and counters
  history [n]         Show the last n delivery history entries
  battles             Show aggregated battle stats
  send <event> [json] Queue a raw event
  flush [playerId]    Queue the aggregated stats as updateStats
  key <accessKey>     Replace the access key (applies on next connect)
  player <playerId>   Replace the player id
  join                Queue a joinRoom event
  ping                Queue an application ping
  clear               Discard aggregated stats
  quit                Shutdown statlink
  help                Show this help message`)
}

func (c *CLI) cmdHistory(args []string) error {
	if c.history == nil {
		return fmt.Errorf("history storage is disabled")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}
	entries, err := c.history.Recent(limit)
	if err != nil {
		return err
	}
	RenderHistory(c.out, entries)
	return nil
}

func (c *CLI) cmdSend(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: send <event> [json]")
	}
	var payload interface{}
	if len(args) > 1 {
		payload = json.RawMessage(strings.Join(args[1:], " "))
	}
	if err := c.uplink.SubmitEvent(args[0], payload); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Event %s queued\n", args[0])
	return nil
}

func (c *CLI) cmdFlush(args []string) error {
	playerID := ""
	if len(args) > 0 {
		playerID = args[0]
	}
	r := c.reporter.SendStats(playerID)
	fmt.Fprintf(c.out, "%d %s\n", r.StatusCode, r.Message)
	return nil
}

func (c *CLI) cmdKey(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: key <accessKey>")
	}
	c.uplink.SetCredentials(args[0])

	auth := c.cfg.GetAuth()
	auth.AccessKey = args[0]
	c.cfg.SetAuth(auth)
	if c.cfg.Path() != "" {
		if err := c.cfg.Save(); err != nil {
			return err
		}
	}
	log.Info().Msg("CLI: access key updated")
	fmt.Fprintln(c.out, "Access key updated, applied on next connect")
	return nil
}

func (c *CLI) cmdPlayer(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: player <playerId>")
	}
	c.uplink.SetPlayerID(args[0])

	auth := c.cfg.GetAuth()
	auth.PlayerID = args[0]
	c.cfg.SetAuth(auth)
	if c.cfg.Path() != "" {
		if err := c.cfg.Save(); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.out, "Player id set to %s\n", args[0])
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
