package report

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/astrace/internal/model"
	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MarkdownWriter outputs results in Markdown format.
type MarkdownWriter struct {
	baseWriter

	version string
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer, version string) *MarkdownWriter {
	return &MarkdownWriter{
		baseWriter: newBaseWriter(output),
		version:    version,
	}
}

// Write outputs the result in Markdown format.
func (w *MarkdownWriter) Write(r *model.Result) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, r)
	w.writeSummary(md, r)
	w.writePaths(md, r)
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, r *model.Result) {
	md.H1("AS Path Report: " + r.Destination)
	md.PlainText("")

	title := cases.Title(language.English)
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run", "`" + r.ID + "`"},
			{"Destination", "`" + r.Destination + "`"},
			{"Destination Address", addrText(r.DestinationAddress)},
			{"Source Address", addrText(sourceAddress(r))},
			{"Started", r.StartedAt.Format("2006-01-02 15:04:05 MST")},
			{"Duration", r.Duration().Round(time.Millisecond).String()},
			{"Status", title.String(r.Status.String())},
			{"Origin", Origin(r)},
			{"Paths", strconv.Itoa(len(r.PathsStep4))},
		},
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeSummary(md *markdown.Markdown, r *model.Result) {
	md.H2("Relationships")
	md.PlainText("")

	var total model.Stats
	for _, p := range r.PathsStep4 {
		if p == nil {
			continue
		}
		s := stats(p)
		total.C2P += s.C2P
		total.P2P += s.P2P
		total.P2C += s.P2C
		total.S2S += s.S2S
		total.IXP += s.IXP
		total.NF += s.NF
	}

	rows := make([][]string, 0, len(model.RelationshipTypes()))
	sum := 0
	for _, t := range model.RelationshipTypes() {
		n := total.Count(t)
		sum += n
		rows = append(rows, []string{t.String(), strconv.Itoa(n)})
	}
	rows = append(rows, []string{"**Total**", "**" + strconv.Itoa(sum) + "**"})
	md.Table(markdown.TableSet{
		Header: []string{"Type", "Count"},
		Rows:   rows,
	})
	md.PlainText("")

	if sum > 0 {
		w.writePieChart(md, total)
	}
	w.writeAlert(md, r)
}

func (w *MarkdownWriter) writePieChart(md *markdown.Markdown, total model.Stats) {
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Relationship Distribution"),
		piechart.WithShowData(true),
	)
	for _, t := range model.RelationshipTypes() {
		if n := total.Count(t); n > 0 {
			chart.LabelAndIntValue(t.String(), uint64(n))
		}
	}

	md.PlainText("")
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, r *model.Result) {
	d := r.Diagnostics
	switch {
	case r.Status == model.StatusCancelled:
		md.Cautionf("The run was cancelled. %d path(s) are partial.", len(r.PathsStep4))
	case r.Status == model.StatusFailed:
		md.Cautionf("The run failed. %d path(s) are partial.", len(r.PathsStep4))
	case d.UnresolvedCoordinates > 0:
		md.Warningf("%d of %d coordinate(s) could not be resolved to ASes.", d.UnresolvedCoordinates, d.Coordinates)
	case d.UnanchoredPaths > 0:
		md.Importantf("%d path(s) had no resolved hop and were left out.", d.UnanchoredPaths)
	case d.RelationshipFailures > 0:
		md.Importantf("%d relationship lookup(s) failed and are reported as NF.", d.RelationshipFailures)
	case len(r.PathsStep4) == 0:
		md.Note("No path was found.")
	default:
		md.Tip("Every coordinate was resolved.")
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writePaths(md *markdown.Markdown, r *model.Result) {
	md.H2("Paths")
	md.PlainText("")

	if len(r.PathsStep4) == 0 {
		md.PlainText("No paths.")
		md.PlainText("")
		return
	}

	for i, p := range r.PathsStep4 {
		if p == nil {
			continue
		}
		md.PlainTextf("### Path %d: `%s`", i+1, p)
		md.PlainText("")

		s := stats(p)
		md.BulletList(
			"Flags: `"+p.Flags.Hex()+"` "+p.Flags.String(),
			"Completed: "+strconv.FormatBool(s.Completed),
			"Variants: "+strconv.Itoa(max(p.Variants, 1)),
		)
		md.PlainText("")

		md.Table(markdown.TableSet{
			Header: []string{"Hop", "AS", "Name", "Kind", "Relationship"},
			Rows:   hopRows(p),
		})
		md.PlainText("")
	}
}

// hopRows returns one row per hop. The relationship column holds the edge
// leaving the hop.
func hopRows(p *model.Path) [][]string {
	edges := make(map[int]model.RelationshipEdge, len(p.Relationships))
	for _, e := range p.Relationships {
		edges[e.Hop] = e
	}

	rows := make([][]string, len(p.Hops))
	for i, h := range p.Hops {
		name, kind := "-", "-"
		if info, ok := h.Info(); ok {
			name = truncateString(info.Name, 40)
			kind = info.Kind.String()
			if info.IXPName != "" {
				name = truncateString(info.IXPName, 40)
			}
		}
		if h.IsMultiple() {
			name = "ambiguous"
		}
		rel := "-"
		if e, ok := edges[i]; ok {
			rel = e.Type.String()
			if e.Inferred {
				rel += " (inferred)"
			}
		}
		rows[i] = []string{strconv.Itoa(i), h.Detail(), name, kind, rel}
	}
	return rows
}

func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	version := strings.TrimSpace(w.version)
	if version == "" {
		version = "dev"
	}
	md.PlainTextf("*Report generated by astrace %s*", version)
}

func stats(p *model.Path) model.Stats {
	if p.Stats != nil {
		return *p.Stats
	}
	return model.ComputeStats(p)
}

// truncateString truncates a string to maxLen characters with ellipsis.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

