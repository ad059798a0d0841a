package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewExecutionCmd создаёт группу команд для просмотра и отмены executions.
func NewExecutionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Inspect and cancel chain executions",
	}

	cmd.AddCommand(
		newExecutionListCmd(clientFn, outputFn),
		newExecutionShowCmd(clientFn, outputFn),
		newExecutionStepsCmd(clientFn, outputFn),
		newExecutionEntitiesCmd(clientFn, outputFn),
		newExecutionCancelCmd(clientFn, outputFn),
	)

	return cmd
}

var executionHeaders = []string{"ID", "STATUS", "STEP", "TRIGGER", "CORRELATION_ID", "CREATED"}

func executionRow(e ExecutionResponse) []string {
	status := e.Status
	if e.CancelRequested && status != "CANCELLED" {
		status += " (cancel requested)"
	}
	return []string{e.ID, status, strconv.Itoa(e.CurrentStepIndex), e.TriggerEventType, e.CorrelationID, e.CreatedAt}
}

func newExecutionListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListExecutionsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Status = strings.ToUpper(opts.Status)
			execs, err := clientFn().ListExecutions(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(execs))
			for i, e := range execs {
				rows[i] = executionRow(e)
			}

			outputFn().Print(executionHeaders, rows, execs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (PENDING, RUNNING, COMPLETED, FAILED, COMPENSATING, COMPENSATED, CANCELLED)")
	cmd.Flags().StringVar(&opts.TenantID, "tenant-id", "", "Filter by tenant ID")
	cmd.Flags().StringVar(&opts.DefinitionID, "definition-id", "", "Filter by definition version ID")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "Filter by correlation ID")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of results to skip")

	return cmd
}

func newExecutionShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := clientFn().GetExecution(args[0])
			if err != nil {
				return err
			}

			out := outputFn()
			out.Print(executionHeaders, [][]string{executionRow(*exec)}, exec)
			if !out.jsonMode {
				if exec.FailedStepAlias != "" {
					fmt.Fprintf(out.w, "\nFailed step: %s\n", exec.FailedStepAlias)
				}
				for _, e := range exec.Errors {
					fmt.Fprintf(out.w, "  - %s\n", e)
				}
			}
			return nil
		},
	}
}

func newExecutionStepsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "steps ID",
		Short: "List step executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := clientFn().ListSteps(args[0])
			if err != nil {
				return err
			}

			rows := make([][]string, len(steps))
			for i, s := range steps {
				retries := fmt.Sprintf("%d/%d", s.RetryCount, s.MaxRetries)
				rows[i] = []string{strconv.Itoa(s.StepIndex), s.StepAlias, s.Status, retries, s.Error}
			}

			outputFn().Print([]string{"INDEX", "ALIAS", "STATUS", "RETRIES", "ERROR"}, rows, steps)
			return nil
		},
	}
}

func newExecutionEntitiesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var alias string

	cmd := &cobra.Command{
		Use:   "entities ID",
		Short: "List entities created by execution steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entities, err := clientFn().ListEntities(args[0], alias)
			if err != nil {
				return err
			}

			rows := make([][]string, len(entities))
			for i, e := range entities {
				rows[i] = []string{e.StepAlias, e.EntityType, e.EntityID, e.Module}
			}

			outputFn().Print([]string{"STEP", "TYPE", "ID", "MODULE"}, rows, entities)
			return nil
		},
	}

	cmd.Flags().StringVar(&alias, "alias", "", "Only entities of this step")

	return cmd
}

func newExecutionCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Request cancellation of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := clientFn().CancelExecution(args[0])
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Cancellation requested: %s (%s)", exec.ID, exec.Status))
			out.Print(executionHeaders, [][]string{executionRow(*exec)}, exec)
			return nil
		},
	}
}
