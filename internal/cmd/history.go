package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iron-Ham/branchyard/internal/output"
	"github.com/Iron-Ham/branchyard/internal/session"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded agent sessions",
	Long: `History lists recorded sessions, newest first. Sessions left running by a
process that has exited are shown as orphaned.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var (
	historyBranch  string
	historyAgent   string
	historyRunning bool
	historyLimit   int
	historyJSON    bool
)

func init() {
	historyCmd.Flags().StringVar(&historyBranch, "branch", "", "only sessions of this branch")
	historyCmd.Flags().StringVarP(&historyAgent, "agent", "a", "", "only sessions of this agent")
	historyCmd.Flags().BoolVar(&historyRunning, "running", false, "only sessions that have not finished")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of sessions (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print records as JSON")

	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	records, err := e.History(cmd.Context(), session.Query{
		Branch:      historyBranch,
		AgentID:     historyAgent,
		RunningOnly: historyRunning,
		Limit:       historyLimit,
	})
	if err != nil {
		return err
	}

	if historyJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if records == nil {
			records = []session.Record{}
		}
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded.")
		return nil
	}
	return printRecords(cmd, records, time.Now())
}

func printRecords(cmd *cobra.Command, records []session.Record, now time.Time) error {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		status := "running"
		if r.Exit != nil {
			status = r.Exit.String()
		}
		rows = append(rows, []string{
			shortID(r.ID),
			r.Branch,
			r.AgentID,
			string(r.Mode),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Duration(now).Round(time.Second).String(),
			status,
		})
	}
	return output.Render(cmd.OutOrStdout(),
		[]string{"ID", "BRANCH", "AGENT", "MODE", "STARTED", "DURATION", "STATUS"}, rows)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
