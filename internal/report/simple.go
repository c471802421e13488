package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/nao1215/astrace/internal/model"
)

// SimpleWriter writes the console format of the measurement tool:
//
//	FINISH example.com (192.0.2.1 --> 198.51.100.7) LIVE
//		Path: 00000000 AS100 AS200 AS300
type SimpleWriter struct {
	baseWriter

	// verbose adds flag names and relationships below every path.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithVerbose enables verbose output with additional details.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{
		baseWriter: newBaseWriter(output),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write outputs the final paths of the result.
func (w *SimpleWriter) Write(r *model.Result) (int, error) {
	var sb strings.Builder

	head := "FINISH"
	switch r.Status {
	case model.StatusCancelled:
		head = "CANCEL"
	case model.StatusFailed:
		head = "FAILED"
	}
	fmt.Fprintf(&sb, "%s %s (%s --> %s) %s\n",
		head, r.Destination, addrText(sourceAddress(r)), addrText(r.DestinationAddress), Origin(r))

	for _, p := range r.PathsStep4 {
		if p == nil {
			continue
		}
		fmt.Fprintf(&sb, "\tPath: %s %s\n", p.Flags.Hex(), p)
		if w.verbose {
			w.writeDetails(&sb, p)
		}
	}

	if r.Diagnostics.HasFailures() || w.verbose {
		d := r.Diagnostics
		fmt.Fprintf(&sb, "\tDiagnostics: coordinates=%d unresolved=%d unanchored=%d relationship_failures=%d failed_uploads=%d\n",
			d.Coordinates, d.UnresolvedCoordinates, d.UnanchoredPaths, d.RelationshipFailures, d.FailedUploads)
	}

	return w.output.Write([]byte(sb.String()))
}

func (w *SimpleWriter) writeDetails(sb *strings.Builder, p *model.Path) {
	fmt.Fprintf(sb, "\t\tFlags: %s\n", p.Flags)
	if len(p.Relationships) == 0 {
		return
	}
	rels := make([]string, len(p.Relationships))
	for i, e := range p.Relationships {
		rels[i] = e.String()
	}
	fmt.Fprintf(sb, "\t\tRelationships: %s\n", strings.Join(rels, ", "))
}
