// internal/diff/diff.go
package diff

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Line represents a single line in a diff with its type and content.
// OldNum and NewNum are 1-based and zero on the side the line is absent from.
type Line struct {
	Type      LineType `json:"type"`
	Content   string   `json:"content"`
	OldNum    int      `json:"old_num,omitempty"`
	NewNum    int      `json:"new_num,omitempty"`
	NoNewline bool     `json:"no_newline,omitempty"`
}

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

func (t LineType) String() string {
	switch t {
	case Addition:
		return "add"
	case Deletion:
		return "delete"
	}
	return "context"
}

func (t LineType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *LineType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "add":
		*t = Addition
	case "delete":
		*t = Deletion
	case "context":
		*t = Context
	default:
		return fmt.Errorf("unknown line type %q", b)
	}
	return nil
}

// DiffResult contains the complete diff information
type DiffResult struct {
	Hunks []Hunk `json:"hunks"`
	Stats struct {
		Additions int `json:"additions"`
		Deletions int `json:"deletions"`
		Changes   int `json:"changes"`
	} `json:"stats"`
}

// Hunk represents a continuous section of changes
type Hunk struct {
	OldStart int    `json:"old_start"`
	OldLines int    `json:"old_lines"`
	NewStart int    `json:"new_start"`
	NewLines int    `json:"new_lines"`
	Lines    []Line `json:"lines"`
}

// Engine provides diffing capabilities
type Engine struct {
	contextLines int
}

// NewEngine creates a new diff engine with specified context lines
func NewEngine(contextLines int) *Engine {
	return &Engine{
		contextLines: max(0, contextLines),
	}
}

// Diff generates a line-by-line diff between two contents. Identical
// contents produce a result without hunks.
func (e *Engine) Diff(oldContent, newContent []byte) *DiffResult {
	result := &DiffResult{Hunks: []Hunk{}}
	if bytes.Equal(oldContent, newContent) {
		return result
	}

	lines := lineOps(string(oldContent), string(newContent))
	result.Hunks = e.group(lines)

	for _, hunk := range result.Hunks {
		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				result.Stats.Additions++
			case Deletion:
				result.Stats.Deletions++
			}
		}
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions

	return result
}

// Empty reports whether the two sides were identical.
func (r *DiffResult) Empty() bool {
	return len(r.Hunks) == 0
}

// lineOps runs a line-mode diff and flattens it into numbered lines.
func lineOps(oldText, newText string) []Line {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	a, b, table := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), table)

	var out []Line
	oldNum, newNum := 0, 0
	for _, d := range diffs {
		for _, text := range splitLines(d.Text) {
			line := Line{
				Content:   strings.TrimSuffix(text, "\n"),
				NoNewline: !strings.HasSuffix(text, "\n"),
			}
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				oldNum++
				newNum++
				line.Type, line.OldNum, line.NewNum = Context, oldNum, newNum
			case diffmatchpatch.DiffDelete:
				oldNum++
				line.Type, line.OldNum = Deletion, oldNum
			case diffmatchpatch.DiffInsert:
				newNum++
				line.Type, line.NewNum = Addition, newNum
			}
			out = append(out, line)
		}
	}
	return out
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.SplitAfter(s, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// group cuts the flattened lines into hunks, merging changes separated by
// at most twice the context width.
func (e *Engine) group(lines []Line) []Hunk {
	hunks := []Hunk{}
	oldSeen, newSeen := 0, 0 // lines consumed before index i

	for i := 0; i < len(lines); {
		if lines[i].Type == Context {
			oldSeen++
			newSeen++
			i++
			continue
		}

		start := max(0, i-e.contextLines)
		end := i
		for j := i; j < len(lines); {
			if lines[j].Type != Context {
				j++
				end = j
				continue
			}
			k := j
			for k < len(lines) && lines[k].Type == Context {
				k++
			}
			if k == len(lines) || k-j > 2*e.contextLines {
				break
			}
			j = k
		}
		stop := min(len(lines), end+e.contextLines)

		lead := i - start
		hunk := Hunk{Lines: append([]Line(nil), lines[start:stop]...)}
		for _, l := range hunk.Lines {
			if l.Type != Addition {
				hunk.OldLines++
			}
			if l.Type != Deletion {
				hunk.NewLines++
			}
		}
		hunk.OldStart = oldSeen - lead
		hunk.NewStart = newSeen - lead
		if hunk.OldLines > 0 {
			hunk.OldStart++
		}
		if hunk.NewLines > 0 {
			hunk.NewStart++
		}
		hunks = append(hunks, hunk)

		for _, l := range lines[i:stop] {
			if l.Type != Addition {
				oldSeen++
			}
			if l.Type != Deletion {
				newSeen++
			}
		}
		i = stop
	}
	return hunks
}

// Format returns the hunks in unified diff notation.
func (r *DiffResult) Format() string {
	var buf bytes.Buffer

	for _, hunk := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%s +%s @@\n",
			hunkRange(hunk.OldStart, hunk.OldLines),
			hunkRange(hunk.NewStart, hunk.NewLines))

		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				buf.WriteString("+")
			case Deletion:
				buf.WriteString("-")
			case Context:
				buf.WriteString(" ")
			}
			buf.WriteString(line.Content)
			buf.WriteString("\n")
			if line.NoNewline {
				buf.WriteString("\\ No newline at end of file\n")
			}
		}
	}

	return buf.String()
}

// Unified returns Format with file headers for the two sides.
func (r *DiffResult) Unified(oldName, newName string) string {
	if r.Empty() {
		return ""
	}
	return fmt.Sprintf("--- %s\n+++ %s\n%s", oldName, newName, r.Format())
}

func hunkRange(start, count int) string {
	if count == 1 {
		return fmt.Sprintf("%d", start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}
