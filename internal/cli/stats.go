package cli

import (
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

// NewStatsCmd создаёт группу команд статистики.
func NewStatsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue and execution statistics",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "jobs",
			Short: "Show scheduled job queue state",
			RunE: func(cmd *cobra.Command, args []string) error {
				stats, err := clientFn().JobStats()
				if err != nil {
					return err
				}
				outputFn().Print(
					[]string{"READY", "IN_FLIGHT", "DEFERRED", "STALE"},
					[][]string{{strconv.Itoa(stats.Ready), strconv.Itoa(stats.InFlight), strconv.Itoa(stats.Deferred), strconv.Itoa(stats.Stale)}},
					stats,
				)
				return nil
			},
		},
		newExecutionStatsCmd(clientFn, outputFn),
	)

	return cmd
}

func newExecutionStatsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Show execution counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := clientFn().ExecutionStats(tenantID)
			if err != nil {
				return err
			}

			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)

			rows := make([][]string, len(statuses))
			for i, s := range statuses {
				rows[i] = []string{s, strconv.Itoa(counts[s])}
			}
			outputFn().Print([]string{"STATUS", "COUNT"}, rows, counts)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Only this tenant")

	return cmd
}
