package report

import (
	"io"
	"net/netip"

	"github.com/nao1215/astrace/internal/model"
)

// Writer writes one aggregation result.
type Writer interface {
	// Write outputs the result and returns the number of bytes written.
	Write(result *model.Result) (int, error)
}

// MultiWriter writes to multiple Writers in order.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a Writer that writes to all provided Writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// Write outputs the result to all configured Writers.
// Stops on first error encountered.
func (m *MultiWriter) Write(result *model.Result) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := w.Write(result)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// baseWriter provides common functionality for report writers.
type baseWriter struct {
	output io.Writer
}

func newBaseWriter(output io.Writer) baseWriter {
	return baseWriter{output: output}
}

// Origin returns "CACHE" for reused results and "LIVE" otherwise.
func Origin(r *model.Result) string {
	if r.Cached {
		return "CACHE"
	}
	return "LIVE"
}

// sourceAddress returns the local address, or the public one when the
// local address is unknown.
func sourceAddress(r *model.Result) netip.Addr {
	if r.SourceAddress.IsValid() {
		return r.SourceAddress
	}
	return r.PublicAddress
}

func addrText(a netip.Addr) string {
	if !a.IsValid() {
		return "?"
	}
	return a.String()
}
