package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/statlink-project/statlink/internal/connector"
	"github.com/statlink-project/statlink/internal/db"
	"github.com/statlink-project/statlink/internal/stats"
)

// RenderStatus prints the uplink counters as a two-column table.
func RenderStatus(w io.Writer, st connector.Stats) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Field", "Value"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	lastSent := "-"
	if !st.LastSentAt.IsZero() {
		lastSent = st.LastSentAt.Format(time.RFC3339)
	}
	lastErr := st.LastError
	if lastErr == "" {
		lastErr = "-"
	}

	tw.AppendBulk([][]string{
		{"State", st.State},
		{"Namespace joined", strconv.FormatBool(st.Established)},
		{"Queue", fmt.Sprintf("%d/%d", st.QueueLength, st.QueueCapacity)},
		{"Sent", strconv.FormatUint(st.Sent, 10)},
		{"Dropped", strconv.FormatUint(st.Dropped, 10)},
		{"Rejected", strconv.FormatUint(st.Rejected, 10)},
		{"Reconnects", strconv.FormatUint(st.Reconnects, 10)},
		{"Consecutive failures", strconv.Itoa(st.ConsecutiveFailures)},
		{"Last sent", lastSent},
		{"Last error", lastErr},
	})
	tw.Render()
}

// RenderHistory prints delivery history entries, newest first.
func RenderHistory(w io.Writer, entries []db.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No history entries")
		return
	}

	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Time", "Kind", "Event", "Bytes", "Reason"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, e := range entries {
		tw.Append([]string{
			e.At.Format("15:04:05"),
			e.Kind,
			e.Event,
			strconv.Itoa(e.Bytes),
			e.Reason,
		})
	}
	tw.Render()
}

// RenderBattles prints one row per player per battle.
func RenderBattles(w io.Writer, body stats.Body) {
	if body.Empty() {
		fmt.Fprintln(w, "No aggregated stats")
		return
	}

	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Arena", "Map", "Win", "Player", "Vehicle", "Damage", "Kills", "Points"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, arenaID := range sortedKeys(body.BattleStats) {
		b := body.BattleStats[arenaID]
		if len(b.Players) == 0 {
			tw.Append([]string{arenaID, b.MapName, strconv.Itoa(b.Win), "-", "-", "-", "-", "-"})
			continue
		}
		for _, playerID := range sortedKeys(b.Players) {
			p := b.Players[playerID]
			tw.Append([]string{
				arenaID,
				b.MapName,
				strconv.Itoa(b.Win),
				p.Name,
				p.Vehicle,
				strconv.Itoa(p.Damage),
				strconv.Itoa(p.Kills),
				strconv.Itoa(p.Points),
			})
		}
	}
	tw.Render()

	if len(body.PlayerInfo) > 0 {
		fmt.Fprintln(w, "Players:")
		for _, id := range sortedKeys(body.PlayerInfo) {
			fmt.Fprintf(w, "  %s  %s\n", id, body.PlayerInfo[id])
		}
	}
}
