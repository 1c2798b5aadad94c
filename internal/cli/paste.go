package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"raidboard/api/internal/raid"
)

func pasteCmd(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "paste <id> <field>",
		Short: "Paste tab-separated rows starting at a cell",
		Long: `Paste a block copied from a spreadsheet onto the grid, with its top-left
cell at the given item and field. Columns follow the grid order:

  description, owner, priority, status, probability, severity, due, plan

Rows continue down the item's group in display order. Cells past the last
row or column are dropped. Bad cells are reported and skipped; the rest of
their row is still saved.

Examples:
  pbpaste | raidctl paste -p apollo 3f2a priority
  raidctl paste -p apollo 3f2a owner -f block.tsv`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			field, ok := raid.ParseFieldName(args[1])
			if !ok {
				return fmt.Errorf("unknown field %q", args[1])
			}
			var input io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open paste file: %w", err)
				}
				defer f.Close()
				input = f
			}
			text, err := io.ReadAll(input)
			if err != nil {
				return fmt.Errorf("read paste: %w", err)
			}

			s, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			editor, err := s.editorAt(cmd.Context(), args[0], field)
			if err != nil {
				return err
			}
			report, err := editor.Paste(cmd.Context(), string(text))
			if err != nil {
				return err
			}
			if !report.Handled {
				return fmt.Errorf("input has no tabs or line breaks; use set for a single value")
			}

			fmt.Fprintf(s.out, "%s Pasted %d cells into %d rows, %d saved", okMark(), report.Cells, report.Rows, report.Saved)
			if report.Clipped > 0 {
				fmt.Fprintf(s.out, ", %d cells outside the grid dropped", report.Clipped)
			}
			fmt.Fprintln(s.out)
			for _, rowErr := range report.Errors {
				fmt.Fprintf(s.out, "%s %s\n", errMark(), rowErr.Error())
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("%d cells or rows failed", len(report.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the block from a file instead of stdin")
	return cmd
}
