// Package report prints run outcomes, service status and run history as
// text, JSON or YAML.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/artpar/dockship/internal/shell/store"
	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"gopkg.in/yaml.v3"
)

// Format selects the report encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var ErrUnknownFormat = errors.New("unknown report format")

// ParseFormat accepts text, json or yaml. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q (want text, json or yaml)", ErrUnknownFormat, s)
	}
}

const timeFormat = "2006-01-02 15:04:05"

// =============================================================================
// Printer
// =============================================================================

// Printer writes reports to out.
type Printer struct {
	out    io.Writer
	format Format
	color  bool
}

// New creates a Printer. Color is used for text reports unless noColor is
// set or the terminal does not support it.
func New(out io.Writer, format Format, noColor bool) *Printer {
	if format == "" {
		format = FormatText
	}
	return &Printer{
		out:    out,
		format: format,
		color:  !noColor && !color.NoColor,
	}
}

func (p *Printer) paint(attr color.Attribute, tmpl string, a ...any) string {
	if !p.color {
		return fmt.Sprintf(tmpl, a...)
	}
	c := color.New(attr, color.Bold)
	c.EnableColor()
	return c.Sprintf(tmpl, a...)
}

func (p *Printer) encode(v any) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, p.format)
	}
}

// =============================================================================
// Outcome
// =============================================================================

// Outcome prints the result of one run: the verdict, sync counters, the
// service table and the log tail.
func (p *Printer) Outcome(o domain.Outcome) error {
	if p.format != FormatText {
		return p.encode(o)
	}

	var b strings.Builder
	if o.Success {
		fmt.Fprintf(&b, "%s %s", p.paint(color.FgGreen, "DEPLOYED"), o.Target)
	} else {
		fmt.Fprintf(&b, "%s %s", p.paint(color.FgRed, "FAILED"), o.Target)
		if o.FailedState != "" {
			fmt.Fprintf(&b, " at %s", o.FailedState)
		}
	}
	fmt.Fprintf(&b, " (run %s", o.RunID)
	if o.Revision != "" {
		fmt.Fprintf(&b, ", revision %s", shortRevision(o.Revision))
	}
	if d := o.Duration(); d > 0 {
		fmt.Fprintf(&b, ", %s", d.Round(time.Millisecond))
	}
	b.WriteString(")\n")

	if o.Reason != "" {
		fmt.Fprintf(&b, "%s\n", p.reason(o.Success, o.Reason))
	}
	if o.Sync != (domain.SyncResult{}) {
		fmt.Fprintf(&b, "sync: %d transferred (%s), %d unchanged, %d removed\n",
			o.Sync.FilesTransferred, units.HumanSize(float64(o.Sync.BytesTransferred)),
			o.Sync.FilesUnchanged, o.Sync.DeletedRemoteOnly)
	}
	if _, err := io.WriteString(p.out, b.String()); err != nil {
		return err
	}

	return p.Status(o.Services, o.Logs)
}

func (p *Printer) reason(success bool, reason string) string {
	if success {
		return reason
	}
	return p.paint(color.FgRed, "%s", reason)
}

// =============================================================================
// Status
// =============================================================================

// statusReport is the encoded form of a status query.
type statusReport struct {
	Services []domain.ServiceStatus `json:"services" yaml:"services"`
	Logs     string                 `json:"logs,omitempty" yaml:"logs,omitempty"`
}

// Status prints a service table followed by the log tail.
func (p *Printer) Status(services []domain.ServiceStatus, logs string) error {
	if p.format != FormatText {
		if services == nil {
			services = []domain.ServiceStatus{}
		}
		return p.encode(statusReport{Services: services, Logs: logs})
	}

	var b strings.Builder
	if len(services) == 0 {
		b.WriteString("\nno containers found for the project\n")
	} else {
		data := make([][]string, 0, len(services))
		for _, s := range services {
			data = append(data, []string{s.Service, s.Container, p.state(s), s.Health, s.Status})
		}
		table, err := renderTable([]string{"Service", "Container", "State", "Health", "Status"}, data)
		if err != nil {
			return err
		}
		b.WriteString("\n")
		b.WriteString(table)
	}

	if logs = strings.TrimRight(logs, "\n"); logs != "" {
		b.WriteString("\n")
		b.WriteString(p.paint(color.FgCyan, "logs:"))
		b.WriteString("\n")
		b.WriteString(logs)
		b.WriteString("\n")
	}

	_, err := io.WriteString(p.out, b.String())
	return err
}

func (p *Printer) state(s domain.ServiceStatus) string {
	switch {
	case s.IsRunning() && (s.Healthy || s.Health == ""):
		return p.paint(color.FgGreen, "%s", s.State)
	case s.IsRunning():
		return p.paint(color.FgYellow, "%s", s.State)
	default:
		return p.paint(color.FgRed, "%s", s.State)
	}
}

// =============================================================================
// History
// =============================================================================

// Runs prints recorded runs, newest first.
func (p *Printer) Runs(runs []store.Run) error {
	if p.format != FormatText {
		if runs == nil {
			runs = []store.Run{}
		}
		return p.encode(runs)
	}

	if len(runs) == 0 {
		_, err := io.WriteString(p.out, "no runs recorded\n")
		return err
	}

	data := make([][]string, 0, len(runs))
	for _, r := range runs {
		result := p.paint(color.FgGreen, "ok")
		if !r.Success {
			result = p.paint(color.FgRed, "failed at %s", r.FailedState)
		}
		data = append(data, []string{
			r.StartedAt.Local().Format(timeFormat),
			r.ID,
			r.Target,
			shortRevision(r.Revision),
			r.Trigger,
			result,
			r.ErrorKind,
			units.HumanDuration(r.Duration()),
		})
	}
	table, err := renderTable([]string{"Started", "Run", "Target", "Revision", "Trigger", "Result", "Error", "Took"}, data)
	if err != nil {
		return err
	}
	_, err = io.WriteString(p.out, table)
	return err
}

// =============================================================================
// Helpers
// =============================================================================

func renderTable(header []string, data [][]string) (string, error) {
	buf := strings.Builder{}

	table := tablewriter.NewTable(
		&buf,
		tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines: tw.Lines{
					ShowHeaderLine: tw.Off,
				},
				Separators: tw.Separators{
					BetweenColumns: tw.Off,
				},
			},
		})),
	)

	if len(header) > 0 {
		table.Header(header)
	}

	if err := table.Bulk(data); err != nil {
		return "", fmt.Errorf("bulk adding data to table: %w", err)
	}

	if err := table.Render(); err != nil {
		return "", fmt.Errorf("rendering table: %w", err)
	}

	return buf.String(), nil
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
