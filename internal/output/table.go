// Package output renders command listings for the terminal.
package output

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// Table creates a borderless, left-aligned table on w with the given header
// row. Rows are added with Append and written by Render.
func Table(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}

// Render writes a table of rows in one step.
func Render(w io.Writer, headers []string, rows [][]string) error {
	table := Table(w, headers...)
	for i, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("table row %d: %w", i, err)
		}
	}
	return table.Render()
}
