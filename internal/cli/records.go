package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"raidboard/api/internal/cache"
	"raidboard/api/internal/grid"
	"raidboard/api/internal/raid"
)

func listCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list [type]",
		Short: "List the register, grouped by type",
		Long: `List every item of the project grouped by type, newest first.

Items marked ! failed to save and could not be reloaded. An * after the
analysis rollup means the item changed since it was last analyzed.

Examples:
  raidctl list -p apollo
  raidctl list -p apollo risks`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			groups := s.cache.List()
			if len(args) == 1 {
				t, ok := raid.ParseType(args[0])
				if !ok {
					return fmt.Errorf("unknown type %q", args[0])
				}
				groups = []cache.Group{{Type: t, Records: s.cache.Group(t)}}
			}
			if s.cache.Len() == 0 {
				fmt.Fprintln(s.out, "The register is empty.")
				return nil
			}
			printGroups(s.out, groups, s.cache)
			return nil
		},
	}
}

func showCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one item with its latest analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			record, err := s.record(args[0])
			if err != nil {
				return err
			}
			var stale *cache.Stale
			if mark, ok := s.cache.Stale(record.ID); ok {
				stale = &mark
			}
			printRecord(s.out, record, stale)
			return nil
		},
	}
}

func createCmd(opts *options) *cobra.Command {
	var (
		owner       string
		status      string
		priority    string
		probability int
		severity    int
		due         string
		plan        string
	)
	cmd := &cobra.Command{
		Use:   "create <type> <description>",
		Short: "Add an item to the register",
		Long: `Add a Risk, Assumption, Issue or Dependency. The owner is required.

Examples:
  raidctl create -p apollo risk "Supplier may slip" --owner Dana -P 60 -S 70`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := raid.ParseType(args[0])
			if !ok {
				return fmt.Errorf("unknown type %q", args[0])
			}
			draft := raid.Record{
				ProjectID:   opts.project,
				Type:        t,
				Description: strings.Join(args[1:], " "),
				OwnerLabel:  owner,
				Probability: probability,
				Severity:    severity,
			}
			if status != "" {
				parsed, ok := raid.ParseStatus(status)
				if !ok {
					return fmt.Errorf("unknown status %q", status)
				}
				draft.Status = parsed
			}
			parsedPriority, ok := raid.ParsePriority(priority)
			if !ok {
				return fmt.Errorf("unknown priority %q", priority)
			}
			draft.Priority = parsedPriority
			if due != "" {
				date, ok := raid.ParseDate(due)
				if !ok {
					return fmt.Errorf("cannot read due date %q", due)
				}
				draft.DueDate = date
			}
			if plan != "" {
				draft.ResponsePlan = &plan
			}

			s, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return s.report(s.engine.Create(cmd.Context(), draft))
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&owner, "owner", "", "owner label (required)")
	flags.StringVar(&status, "status", "", "status (default Open)")
	flags.StringVar(&priority, "priority", "", "priority")
	flags.IntVarP(&probability, "probability", "P", 0, "probability 0-100")
	flags.IntVarP(&severity, "severity", "S", 0, "severity 0-100")
	flags.StringVar(&due, "due", "", "due date, YYYY-MM-DD or DD/MM/YY")
	flags.StringVar(&plan, "plan", "", "response plan")
	return cmd
}

func setCmd(opts *options) *cobra.Command {
	var cycle bool
	cmd := &cobra.Command{
		Use:   "set <id> <field> [value...]",
		Short: "Edit one field of an item",
		Long: `Edit one field the way a grid cell is edited. Fields: description, owner,
priority, status, probability, severity, due, plan.

An empty value clears priority, due date and plan. --cycle moves status or
priority to its next value.

Examples:
  raidctl set -p apollo 3f2a severity 80
  raidctl set -p apollo 3f2a status "in progress"
  raidctl set -p apollo 3f2a priority --cycle`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			field, ok := raid.ParseFieldName(args[1])
			if !ok {
				return fmt.Errorf("unknown field %q", args[1])
			}
			s, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			editor, err := s.editorAt(cmd.Context(), args[0], field)
			if err != nil {
				return err
			}

			var commit grid.Commit
			if cycle {
				commit, err = editor.HandleKey(cmd.Context(), grid.KeyCycle)
			} else {
				if err := editor.SetBuffer(strings.Join(args[2:], " ")); err != nil {
					return err
				}
				commit, err = editor.HandleKey(cmd.Context(), grid.KeyCommit)
			}
			if !commit.Sent && err == nil {
				fmt.Fprintf(s.out, "%s %s unchanged\n", okMark(), field)
				return nil
			}
			return s.report(commit.Result, err)
		},
	}
	cmd.Flags().BoolVar(&cycle, "cycle", false, "advance an enum field to its next value")
	return cmd
}

func deleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			record, err := s.record(args[0])
			if err != nil {
				return err
			}
			return s.report(s.engine.Delete(cmd.Context(), record.ID))
		},
	}
}

func moveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <before-id>",
		Short: "Preview an item moved to another's position",
		Long: `Move an item to the position of another item of the same type and print
the resulting order. Manual order is a local view and is not saved.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			drag, err := s.record(args[0])
			if err != nil {
				return err
			}
			drop, err := s.record(args[1])
			if err != nil {
				return err
			}
			editor := grid.New(s.cache, s.engine, drag.Type, grid.WithLogger(opts.log))
			if !editor.Drop(drag.ID, drop.ID) {
				return fmt.Errorf("%s and %s are not in the same group", shortID(drag.ID), shortID(drop.ID))
			}
			printGroups(s.out, []cache.Group{{Type: drag.Type, Records: editor.Rows()}}, s.cache)
			return nil
		},
	}
}

// editorAt opens a grid editor on the group of id with the cursor on field.
func (s *session) editorAt(ctx context.Context, id string, field raid.Field) (*grid.Editor, error) {
	record, err := s.record(id)
	if err != nil {
		return nil, err
	}
	editor := grid.New(s.cache, s.engine, record.Type, grid.WithLogger(s.opts.log))
	row := -1
	for i, candidate := range editor.Rows() {
		if candidate.ID == record.ID {
			row = i
			break
		}
	}
	col := -1
	for i, candidate := range editor.Columns() {
		if candidate == field {
			col = i
			break
		}
	}
	if row < 0 || col < 0 {
		return nil, fmt.Errorf("%s is not editable on %s", field, shortID(record.ID))
	}
	if _, err := editor.Activate(ctx, row, col); err != nil {
		return nil, err
	}
	return editor, nil
}
