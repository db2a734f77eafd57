package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Iron-Ham/branchyard/internal/output"
	"github.com/Iron-Ham/branchyard/internal/session"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-agent session statistics",
	Long: `Display session statistics from the recorded history.

Shows, per agent:
- Number of sessions and how many are still running
- Clean exits, failures and orphaned sessions
- Total time spent in finished sessions`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

var statsJSON bool

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(statsCmd)
}

// agentStats aggregates the sessions of one agent.
type agentStats struct {
	AgentID  string        `json:"agent_id"`
	Sessions int           `json:"sessions"`
	Running  int           `json:"running"`
	Clean    int           `json:"clean"`
	Failed   int           `json:"failed"`
	Orphaned int           `json:"orphaned"`
	Total    time.Duration `json:"total_ns"`
}

func collectStats(records []session.Record) []agentStats {
	byAgent := map[string]*agentStats{}
	for _, r := range records {
		s, ok := byAgent[r.AgentID]
		if !ok {
			s = &agentStats{AgentID: r.AgentID}
			byAgent[r.AgentID] = s
		}
		s.Sessions++
		switch {
		case r.Exit == nil:
			s.Running++
			continue
		case r.Exit.Kind == session.ExitOrphaned:
			s.Orphaned++
		case r.Exit.Success():
			s.Clean++
		default:
			s.Failed++
		}
		if r.EndedAt != nil {
			s.Total += r.EndedAt.Sub(r.StartedAt)
		}
	}

	out := make([]agentStats, 0, len(byAgent))
	for _, s := range byAgent {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sessions != out[j].Sessions {
			return out[i].Sessions > out[j].Sessions
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

func runStats(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	records, err := e.History(cmd.Context(), session.Query{})
	if err != nil {
		return err
	}
	stats := collectStats(records)

	if statsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	if len(stats) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded.")
		return nil
	}

	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{
			s.AgentID,
			strconv.Itoa(s.Sessions),
			strconv.Itoa(s.Running),
			strconv.Itoa(s.Clean),
			strconv.Itoa(s.Failed),
			strconv.Itoa(s.Orphaned),
			s.Total.Round(time.Second).String(),
		})
	}
	return output.Render(cmd.OutOrStdout(),
		[]string{"AGENT", "SESSIONS", "RUNNING", "CLEAN", "FAILED", "ORPHANED", "TIME"}, rows)
}
