package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/astrace/internal/model"
)

func asHop(asn int, name string) model.Hop {
	return model.NewHop(model.ASInformation{Number: asn, Name: name, Kind: model.KindAS})
}

func createTestResult() *model.Result {
	complete := model.NewPath(model.Coordinate{}, []model.Hop{
		asHop(100, "SRC"), asHop(200, "TRANSIT"), asHop(300, "DST"),
	})
	complete.Relationships = []model.RelationshipEdge{
		{Hop: 0, AS0: 100, AS1: 200, Type: model.RelationshipC2P},
		{Hop: 1, AS0: 200, AS1: 300, Type: model.RelationshipP2C},
	}
	gap := model.NewPath(model.Coordinate{Flow: 1}, []model.Hop{
		asHop(100, "SRC"), model.MissingHop(), asHop(300, "DST"),
	})
	gap.Flags = model.FlagMissingHopEdgeAS
	gap.Relationships = []model.RelationshipEdge{
		{Hop: 0, AS0: 100, AS1: 300, Type: model.RelationshipP2P, Inferred: true},
	}

	r := model.NewResult("run-1", "example.com")
	r.StartedAt = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	r.FinishedAt = r.StartedAt.Add(1500 * time.Millisecond)
	r.Status = model.StatusCompleted
	r.SourceAddress = netip.MustParseAddr("192.0.2.1")
	r.DestinationAddress = netip.MustParseAddr("198.51.100.7")
	r.PathsStep1 = [][][]*model.Path{{{complete}}}
	r.PathsStep4 = []*model.Path{complete, gap}
	return r
}

// TestSimpleWriter tests the console format.
func TestSimpleWriter(t *testing.T) {
	t.Parallel()

	t.Run("live result", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).Write(createTestResult()); err != nil {
			t.Fatalf("Write() error: %v", err)
		}

		want := "FINISH example.com (192.0.2.1 --> 198.51.100.7) LIVE\n" +
			"\tPath: 00000000 AS100 AS200 AS300\n" +
			"\tPath: 00000400 AS100 AS? AS300\n"
		if buf.String() != want {
			t.Errorf("output = %q, expected %q", buf.String(), want)
		}
	})

	t.Run("cached result with failures", func(t *testing.T) {
		t.Parallel()

		r := createTestResult()
		r.Cached = true
		r.SourceAddress = netip.Addr{}
		r.PublicAddress = netip.MustParseAddr("203.0.113.1")
		r.Diagnostics.UnanchoredPaths = 2

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).Write(r); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		out := buf.String()
		if !strings.HasPrefix(out, "FINISH example.com (203.0.113.1 --> 198.51.100.7) CACHE\n") {
			t.Errorf("unexpected header in %q", out)
		}
		if !strings.Contains(out, "unanchored=2") {
			t.Errorf("diagnostics missing in %q", out)
		}
	})

	t.Run("verbose", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf, WithVerbose(true)).Write(createTestResult()); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		out := buf.String()
		for _, s := range []string{"Flags: MissingHopEdgeAs", "AS100 -C2P-> AS200, AS200 -P2C-> AS300", "Diagnostics:"} {
			if !strings.Contains(out, s) {
				t.Errorf("output does not contain %q:\n%s", s, out)
			}
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()

		r := createTestResult()
		r.Status = model.StatusCancelled
		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).Write(r); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		if !strings.HasPrefix(buf.String(), "CANCEL ") {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("failed", func(t *testing.T) {
		t.Parallel()

		r := createTestResult()
		r.Status = model.StatusFailed
		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).Write(r); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		if !strings.HasPrefix(buf.String(), "FAILED ") {
			t.Errorf("output = %q", buf.String())
		}
	})
}

// TestJSONWriter tests JSON output.
func TestJSONWriter(t *testing.T) {
	t.Parallel()

	t.Run("full result", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewJSONWriter(&buf).Write(createTestResult()); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		var got model.Result
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if got.ID != "run-1" || len(got.PathsStep4) != 2 || len(got.PathsStep1) != 1 {
			t.Errorf("decoded = %+v", got)
		}
	})

	t.Run("final paths only", func(t *testing.T) {
		t.Parallel()

		r := createTestResult()
		var buf bytes.Buffer
		if _, err := NewJSONWriter(&buf, WithFinalOnly(), WithPrettyPrint()).Write(r); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		if strings.Contains(buf.String(), "paths_step1") {
			t.Error("step 1 paths were written")
		}
		if !strings.Contains(buf.String(), "\n  \"id\"") {
			t.Error("output is not indented")
		}
		if r.PathsStep1 == nil {
			t.Error("input result was modified")
		}
	})

	t.Run("wrapped", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewFullJSONWriter(&buf, "1.2.3").Write(createTestResult()); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		var got JSONReport
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if got.Version != "1.2.3" || got.Origin != "LIVE" || got.Result == nil {
			t.Errorf("decoded = %+v", got)
		}
	})
}

// TestMarkdownWriter tests Markdown output.
func TestMarkdownWriter(t *testing.T) {
	t.Parallel()

	t.Run("complete result", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewMarkdownWriter(&buf, "1.0.0").Write(createTestResult()); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		out := buf.String()
		for _, s := range []string{
			"# AS Path Report: example.com",
			"Completed",
			"### Path 2: `AS100 AS? AS300`",
			"P2P (inferred)",
			"```mermaid",
			"Relationship Distribution",
			"astrace 1.0.0",
		} {
			if !strings.Contains(out, s) {
				t.Errorf("output does not contain %q", s)
			}
		}
	})

	t.Run("unresolved coordinates", func(t *testing.T) {
		t.Parallel()

		r := createTestResult()
		r.Diagnostics.Coordinates = 8
		r.Diagnostics.UnresolvedCoordinates = 3
		var buf bytes.Buffer
		if _, err := NewMarkdownWriter(&buf, "").Write(r); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		if !strings.Contains(buf.String(), "3 of 8 coordinate(s)") {
			t.Errorf("warning missing in:\n%s", buf.String())
		}
	})

	t.Run("no paths", func(t *testing.T) {
		t.Parallel()

		r := model.NewResult("run-2", "empty.example")
		var buf bytes.Buffer
		if _, err := NewMarkdownWriter(&buf, "").Write(r); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		if strings.Contains(buf.String(), "```mermaid") {
			t.Error("pie chart written without relationships")
		}
		if !strings.Contains(buf.String(), "No paths.") {
			t.Error("empty path section missing")
		}
	})
}

type failingWriter struct{}

var errWrite = errors.New("write failed")

func (failingWriter) Write(*model.Result) (int, error) { return 0, errWrite }

// TestMultiWriter tests writing to several writers.
func TestMultiWriter(t *testing.T) {
	t.Parallel()

	var a, b bytes.Buffer
	mw := NewMultiWriter(NewSimpleWriter(&a), NewJSONWriter(&b))
	n, err := mw.Write(createTestResult())
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if n != a.Len()+b.Len() || a.Len() == 0 || b.Len() == 0 {
		t.Errorf("n = %d, outputs %d and %d", n, a.Len(), b.Len())
	}

	var c bytes.Buffer
	_, err = NewMultiWriter(failingWriter{}, NewSimpleWriter(&c)).Write(createTestResult())
	if !errors.Is(err, errWrite) {
		t.Errorf("expected errWrite, got %v", err)
	}
	if c.Len() != 0 {
		t.Error("writing continued after an error")
	}
}

// TestTruncateString tests string truncation.
func TestTruncateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"a very long name", 10, "a very ..."},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncateString(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("truncateString(%q, %d) = %q, expected %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}
