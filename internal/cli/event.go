package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewEventCmd создаёт группу команд для отправки доменных событий.
func NewEventCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Submit domain events",
	}

	cmd.AddCommand(newEventSubmitCmd(clientFn, outputFn))

	return cmd
}

func newEventSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var event EventRequest
	var payload string
	var fields []string

	cmd := &cobra.Command{
		Use:   "submit --type TYPE --tenant-id TENANT",
		Short: "Submit a domain event and print created executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			event.Payload = make(map[string]any)
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
					return fmt.Errorf("invalid --payload JSON: %w", err)
				}
			}
			for _, kv := range fields {
				key, value, ok := strings.Cut(kv, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid --set format %q, expected KEY=VALUE", kv)
				}
				event.Payload[key] = value
			}

			ids, err := clientFn().SubmitEvent(event)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Event accepted, %d execution(s) created", len(ids)))

			rows := make([][]string, len(ids))
			for i, id := range ids {
				rows[i] = []string{id}
			}
			out.Print([]string{"EXECUTION_ID"}, rows, map[string]any{"execution_ids": ids})
			return nil
		},
	}

	cmd.Flags().StringVar(&event.Type, "type", "", "Event type, e.g. family.member_joined")
	cmd.Flags().StringVar(&event.TenantID, "tenant-id", "", "Tenant ID")
	cmd.Flags().StringVar(&event.SourceModule, "module", "", "Source module")
	cmd.Flags().StringVar(&event.ID, "id", "", "Source event ID")
	cmd.Flags().StringVar(&payload, "payload", "", "Payload as a JSON object")
	cmd.Flags().StringSliceVar(&fields, "set", nil, "Payload field as KEY=VALUE (repeatable, string values)")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("tenant-id")

	return cmd
}
