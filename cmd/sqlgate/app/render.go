package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TFMV/sqlgate/pkg/models"
)

// Format selects how results are written.
type Format string

// Output formats.
const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates an output format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format: %s", s)
	}
}

// Hints printed after a deferred batch.
const (
	CommandPendingHint  = "Run 'sqlgate confirm' or 'sqlgate reject'."
	ShellPendingHint    = `Run \confirm or \reject.`
	VolatilePendingHint = "The memory pending store ends with this command, so the batch cannot be confirmed later. Set pending.backend to sql or redis."
)

// Renderer writes results to an output stream.
type Renderer struct {
	out         io.Writer
	format      Format
	pendingHint string
}

// NewRenderer creates a renderer.
func NewRenderer(out io.Writer, format Format) *Renderer {
	return &Renderer{out: out, format: format, pendingHint: CommandPendingHint}
}

// WithPendingHint replaces the line printed after a deferred batch.
func (r *Renderer) WithPendingHint(hint string) *Renderer {
	r.pendingHint = hint
	return r
}

func (r *Renderer) structured(v interface{}) (bool, error) {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

// Execution writes the outcome of a batch.
func (r *Renderer) Execution(res *models.ExecutionResult) error {
	if done, err := r.structured(res); done {
		return err
	}

	if !res.Success {
		fmt.Fprintf(r.out, "Error: %s\n", res.ErrorMessage)
		if res.AuditID != 0 {
			fmt.Fprintf(r.out, "Audit ID: %d\n", res.AuditID)
		}
		return nil
	}

	data := res.Data
	if len(data.Columns) > 0 {
		if err := r.table(data.Columns, data.Rows); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "(%d row(s))\n", len(data.Rows))
	}

	for _, msg := range data.Messages {
		fmt.Fprintln(r.out, msg)
	}
	if res.ErrorMessage != "" {
		fmt.Fprintf(r.out, "Warning: %s\n", res.ErrorMessage)
	}

	if res.NeedsConfirmation() {
		fmt.Fprintf(r.out, "%d statement(s) need confirmation:\n", data.ThresholdExceededCount)
		for _, d := range data.ThresholdExceeded {
			fmt.Fprintf(r.out, "  Query %d (%s) affects %d row(s), threshold %d: %s\n",
				d.Index, d.Type, d.RowsAffected, d.Threshold, d.Statement)
		}
		fmt.Fprintf(r.out, "Pending audit ID: %d. %s\n", res.AuditID, r.pendingHint)
		return nil
	}

	if len(data.Columns) == 0 && len(data.Messages) == 0 {
		fmt.Fprintf(r.out, "OK, %d row(s) affected.\n", data.RowsAffected)
	}
	return nil
}

// Confirm writes the outcome of a confirmation.
func (r *Renderer) Confirm(res *models.ConfirmResult) error {
	if done, err := r.structured(res); done {
		return err
	}

	for _, msg := range res.Messages {
		fmt.Fprintln(r.out, msg)
	}

	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "QUERY\tPREVIEWED\tAFFECTED\tAUDIT ID\tRESULT")
	for _, s := range res.Statements {
		result := "committed"
		if s.Leased {
			result = "committed (held transaction)"
		}
		if s.Error != "" {
			result = "failed: " + s.Error
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\n", s.Index, s.PreviewedRows, s.RowsAffected, s.AuditID, result)
	}
	return tw.Flush()
}

// Reject writes the outcome of a rejection.
func (r *Renderer) Reject(res *models.RejectResult) error {
	if done, err := r.structured(res); done {
		return err
	}
	fmt.Fprintln(r.out, res.Message)
	if !res.Updated {
		fmt.Fprintf(r.out, "Audit record %d was not updated.\n", res.AuditID)
	}
	return nil
}

// Pending writes an unresolved batch.
func (r *Renderer) Pending(batch *models.PendingBatch) error {
	if done, err := r.structured(batch); done {
		return err
	}

	fmt.Fprintf(r.out, "Pending audit ID %d on %s (%s, %d row(s))\n",
		batch.AuditID, batch.Database, batch.QueryType, batch.RowsAffected)
	for _, d := range batch.Deferred {
		fmt.Fprintf(r.out, "  Query %d: %s\n", d.Index, d.Statement)
	}
	return nil
}

// AuditRecords writes an audit listing.
func (r *Renderer) AuditRecords(records []models.AuditRecord) error {
	if done, err := r.structured(records); done {
		return err
	}

	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIMESTAMP\tUSER\tDATABASE\tSTATUS\tDEFECT\tROWS\tQUERY")
	for _, rec := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.AuditID,
			rec.Timestamp.Format(time.RFC3339),
			rec.User,
			rec.DatabaseName,
			rec.Status,
			rec.DefectNumber,
			rec.RowsAffected,
			abbreviate(rec.QueryText, 60))
	}
	return tw.Flush()
}

// AuditRecord writes one audit record in full.
func (r *Renderer) AuditRecord(rec *models.AuditRecord) error {
	if done, err := r.structured(rec); done {
		return err
	}

	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%d\n", rec.AuditID)
	fmt.Fprintf(tw, "Timestamp:\t%s\n", rec.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(tw, "User:\t%s\n", rec.User)
	fmt.Fprintf(tw, "Database:\t%s\n", rec.DatabaseName)
	fmt.Fprintf(tw, "Status:\t%s\n", rec.Status)
	fmt.Fprintf(tw, "Defect:\t%s\n", rec.DefectNumber)
	fmt.Fprintf(tw, "Rows affected:\t%d\n", rec.RowsAffected)
	if rec.ErrorMessage != nil {
		fmt.Fprintf(tw, "Error:\t%s\n", *rec.ErrorMessage)
	}
	fmt.Fprintf(tw, "Query:\t%s\n", rec.QueryText)
	return tw.Flush()
}

// Health writes database health results.
func (r *Renderer) Health(results []HealthStatus) error {
	if done, err := r.structured(results); done {
		return err
	}

	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATABASE\tSTATUS\tLATENCY\tDETAIL")
	for _, h := range results {
		status := "ok"
		if !h.Healthy {
			status = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.Database, status, h.Latency.Round(time.Millisecond), h.Error)
	}
	return tw.Flush()
}

func (r *Renderer) table(columns []string, rows [][]interface{}) error {
	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(columns, "\t"))

	cells := make([]string, len(columns))
	for _, row := range rows {
		for i := range cells {
			var v interface{}
			if i < len(row) {
				v = row[i]
			}
			cells[i] = formatValue(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	case string:
		return strings.NewReplacer("\t", " ", "\n", " ").Replace(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func abbreviate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
