package report

import (
	"encoding/json"
	"io"

	"github.com/nao1215/astrace/internal/model"
)

// JSONWriter outputs results in JSON format.
type JSONWriter struct {
	baseWriter

	indent       bool
	indentPrefix string
	indentString string

	// finalOnly drops the intermediate step grids.
	finalOnly bool
}

// JSONWriterOption configures a JSONWriter.
type JSONWriterOption func(*JSONWriter)

// WithIndent enables pretty-printed JSON output.
// The prefix is prepended to each line, and indent is used for each level.
func WithIndent(prefix, indent string) JSONWriterOption {
	return func(w *JSONWriter) {
		w.indent = true
		w.indentPrefix = prefix
		w.indentString = indent
	}
}

// WithPrettyPrint enables pretty-printed JSON with default indentation.
func WithPrettyPrint() JSONWriterOption {
	return WithIndent("", "  ")
}

// WithFinalOnly writes only the final paths, without the paths of steps 1 to 3.
func WithFinalOnly() JSONWriterOption {
	return func(w *JSONWriter) {
		w.finalOnly = true
	}
}

// NewJSONWriter creates a JSONWriter that outputs to the given writer.
func NewJSONWriter(output io.Writer, opts ...JSONWriterOption) *JSONWriter {
	w := &JSONWriter{
		baseWriter: newBaseWriter(output),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write outputs the result in JSON format.
func (w *JSONWriter) Write(r *model.Result) (int, error) {
	return w.writeJSON(w.view(r))
}

func (w *JSONWriter) view(r *model.Result) *model.Result {
	if !w.finalOnly {
		return r
	}
	v := *r
	v.PathsStep1 = nil
	v.PathsStep2 = nil
	v.PathsStep3 = nil
	return &v
}

// writeJSON marshals v and writes it with a trailing newline.
func (w *JSONWriter) writeJSON(v any) (int, error) {
	var data []byte
	var err error

	if w.indent {
		data, err = json.MarshalIndent(v, w.indentPrefix, w.indentString)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return 0, err
	}

	data = append(data, '\n')
	return w.output.Write(data)
}

// JSONReport wraps a result with the version of the tool that produced it.
type JSONReport struct {
	Version string        `json:"version"`
	Origin  string        `json:"origin"`
	Result  *model.Result `json:"result"`
}

// FullJSONWriter outputs results wrapped in a JSONReport.
type FullJSONWriter struct {
	*JSONWriter

	version string
}

// NewFullJSONWriter creates a writer for results with metadata.
func NewFullJSONWriter(output io.Writer, version string, opts ...JSONWriterOption) *FullJSONWriter {
	return &FullJSONWriter{
		JSONWriter: NewJSONWriter(output, opts...),
		version:    version,
	}
}

// Write outputs the result wrapped with metadata.
func (w *FullJSONWriter) Write(r *model.Result) (int, error) {
	return w.writeJSON(&JSONReport{
		Version: w.version,
		Origin:  Origin(r),
		Result:  w.view(r),
	})
}
