// Package report writes aggregation results.
//
// This package contains writers for different output formats:
//   - SimpleWriter: console lines in the measurement tool format
//   - JSONWriter: the full result as JSON
//   - MarkdownWriter: a shareable summary with per-path tables
package report
