package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewDefinitionCmd создаёт группу команд для управления определениями цепочек.
func NewDefinitionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definition",
		Aliases: []string{"def"},
		Short:   "Manage chain definitions",
	}

	cmd.AddCommand(
		newDefinitionListCmd(clientFn, outputFn),
		newDefinitionShowCmd(clientFn, outputFn),
		newDefinitionApplyCmd(clientFn, outputFn),
		newDefinitionToggleCmd(clientFn, outputFn, true),
		newDefinitionToggleCmd(clientFn, outputFn, false),
		newDefinitionInstantiateCmd(clientFn, outputFn),
	)

	return cmd
}

var definitionHeaders = []string{"ID", "TENANT", "NAME", "VERSION", "ENABLED", "TRIGGER", "STEPS"}

func definitionRow(d DefinitionSummary) []string {
	trigger := d.TriggerEventType
	if d.TriggerModule != "" {
		trigger = d.TriggerModule + ":" + trigger
	}
	name := d.Name
	if d.IsTemplate {
		name += " (template)"
	}
	return []string{d.ID, d.TenantID, name, strconv.Itoa(d.Version), strconv.FormatBool(d.IsEnabled), trigger, strconv.Itoa(d.Steps)}
}

func summarize(d *DefinitionResponse) DefinitionSummary {
	return DefinitionSummary{
		ID:               d.ID,
		TenantID:         d.TenantID,
		Name:             d.Name,
		Version:          d.Version,
		IsEnabled:        d.IsEnabled,
		IsTemplate:       d.IsTemplate,
		TriggerEventType: d.TriggerEventType,
		TriggerModule:    d.TriggerModule,
		Steps:            len(d.Steps),
	}
}

func newDefinitionListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListDefinitionsOpts
	var templates bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List definition versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("templates") {
				opts.Templates = &templates
			}

			defs, err := clientFn().ListDefinitions(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(defs))
			for i, d := range defs {
				rows[i] = definitionRow(d)
			}

			outputFn().Print(definitionHeaders, rows, defs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.TenantID, "tenant-id", "", "Filter by tenant ID")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Filter by definition name")
	cmd.Flags().BoolVar(&opts.EnabledOnly, "enabled", false, "Only enabled versions")
	cmd.Flags().BoolVar(&templates, "templates", false, "Only templates (true) or only tenant definitions (false)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newDefinitionShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a definition version with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := clientFn().GetDefinition(args[0])
			if err != nil {
				return err
			}

			out := outputFn()
			if out.jsonMode {
				out.JSON(def)
				return nil
			}

			out.Table(definitionHeaders, [][]string{definitionRow(summarize(def))})
			fmt.Fprintln(out.w)

			rows := make([][]string, len(def.Steps))
			for i, s := range def.Steps {
				compensation := "-"
				if s.IsCompensatable {
					compensation = s.CompensationActionType
				}
				action := fmt.Sprintf("%s/%s@v%d", s.ActionModule, s.ActionType, s.ActionVersion)
				rows[i] = []string{strconv.Itoa(s.StepOrder), s.Alias, action, compensation, s.ConditionExpression}
			}
			out.Table([]string{"ORDER", "ALIAS", "ACTION", "COMPENSATION", "CONDITION"}, rows)
			return nil
		},
	}
}

func newDefinitionApplyCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "apply -f FILE",
		Short: "Import definitions from YAML; unchanged definitions are skipped",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(files) == 0 {
				return fmt.Errorf("at least one -f FILE is required")
			}

			client := clientFn()
			out := outputFn()

			var all ImportResponse
			for _, path := range files {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				res, err := client.ImportDefinitions(data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				all.Created = append(all.Created, res.Created...)
				all.Unchanged = append(all.Unchanged, res.Unchanged...)
			}

			for _, d := range all.Created {
				out.Success(fmt.Sprintf("%s: version %d created", d.Name, d.Version))
			}
			if len(all.Unchanged) > 0 {
				out.Success("unchanged: " + strings.Join(all.Unchanged, ", "))
			}

			rows := make([][]string, len(all.Created))
			for i, d := range all.Created {
				rows[i] = definitionRow(d)
			}
			out.Print(definitionHeaders, rows, all)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "YAML file with definitions (repeatable)")

	return cmd
}

func newDefinitionToggleCmd(clientFn func() *Client, outputFn func() *Output, enable bool) *cobra.Command {
	use, short, verb := "disable ID", "Disable a definition version", "disabled"
	if enable {
		use, short, verb = "enable ID", "Enable a definition version (other versions are disabled)", "enabled"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := clientFn().SetDefinitionEnabled(args[0], enable)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Definition %s v%d %s", def.Name, def.Version, verb))
			out.Print(definitionHeaders, [][]string{definitionRow(summarize(def))}, def)
			return nil
		},
	}
}

func newDefinitionInstantiateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "instantiate TEMPLATE_ID --tenant-id TENANT",
		Short: "Create a tenant definition from a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := clientFn().InstantiateDefinition(args[0], tenantID)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Definition created: %s", def.ID))
			out.Print(definitionHeaders, [][]string{definitionRow(summarize(def))}, def)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Target tenant ID")
	cmd.MarkFlagRequired("tenant-id")

	return cmd
}
