package output

import (
	"encoding/json"
	"io"
	"strings"
	"text/tabwriter"
)

// Tabler is implemented by results that know how to lay themselves out as
// a table. wide asks for the extra columns.
type Tabler interface {
	Table(wide bool) *Table
}

// TableFormatter formats data as an aligned text table.
type TableFormatter struct {
	Wide      bool
	NoHeaders bool
}

// Format renders a *Table or a Tabler. Other values are written as
// indented JSON.
func (f *TableFormatter) Format(w io.Writer, data any) error {
	switch v := data.(type) {
	case nil:
		return nil
	case *Table:
		return v.RenderWithOptions(w, f.NoHeaders)
	case Tabler:
		return v.Table(f.Wide).RenderWithOptions(w, f.NoHeaders)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Table is a header row plus data rows. Sections, if any, are rendered
// after the rows, each preceded by a blank line and its title.
type Table struct {
	Headers  []string
	Rows     [][]string
	Sections []*Section
}

// Section is a titled sub-table.
type Section struct {
	Title string
	Table *Table
}

// NewTable creates a table with the given headers.
func NewTable(headers ...string) *Table {
	return &Table{Headers: headers}
}

// KeyValue creates a two column table without headers for single objects.
func KeyValue(pairs ...string) *Table {
	t := &Table{}
	for i := 0; i+1 < len(pairs); i += 2 {
		t.AddRow(pairs[i]+":", pairs[i+1])
	}
	return t
}

// Render renders the table to the writer.
func (t *Table) Render(w io.Writer) error {
	return t.RenderWithOptions(w, false)
}

// RenderWithOptions renders the table with options.
func (t *Table) RenderWithOptions(w io.Writer, noHeaders bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if !noHeaders && len(t.Headers) > 0 {
		io.WriteString(tw, strings.Join(t.Headers, "\t")+"\n")
	}
	for _, row := range t.Rows {
		io.WriteString(tw, strings.Join(row, "\t")+"\n")
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, s := range t.Sections {
		if _, err := io.WriteString(w, "\n"+s.Title+"\n"); err != nil {
			return err
		}
		if err := s.Table.RenderWithOptions(w, noHeaders); err != nil {
			return err
		}
	}
	return nil
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// AddSection appends a titled sub-table.
func (t *Table) AddSection(title string, sub *Table) {
	t.Sections = append(t.Sections, &Section{Title: title, Table: sub})
}

// SetHeaders sets the table headers.
func (t *Table) SetHeaders(headers ...string) {
	t.Headers = headers
}
