// Package diffparse converts unified diff text into per-file, line-addressed
// change records.
package diffparse

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/onexay/revcache/internal/types"
)

// Reason classifies a DiffFormatError.
type Reason string

const (
	// ReasonSkew means a hunk header disagrees with the running line offset.
	ReasonSkew Reason = "skew"
	// ReasonOutOfOrder means a hunk starts before the current position.
	ReasonOutOfOrder Reason = "out-of-order"
	// ReasonHeader means a hunk header could not be parsed.
	ReasonHeader Reason = "header"
)

// DiffFormatError reports a diff that cannot be mapped onto line coordinates.
type DiffFormatError struct {
	File    string
	Line    int
	Reason  Reason
	Message string
}

func (e *DiffFormatError) Error() string {
	return fmt.Sprintf("diff %s at line %d (%s): %s", e.Reason, e.Line, e.File, e.Message)
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// cursor is the (new, old) 0-based line position inside a file.
type cursor struct {
	new, old int
}

func (c cursor) skew() int { return c.new - c.old }

type parser struct {
	out  []types.FileDiff
	file *types.FileDiff
	pos  cursor

	// lines still expected in the current hunk
	oldLeft, newLeft int
}

// Parse splits diff text into one FileDiff per file. Added lines carry their
// 0-based line number in the new file, removed lines their 0-based number in
// the old file.
func Parse(text string) ([]types.FileDiff, error) {
	p := &parser{}
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSuffix(lines[i], "\r")

		if p.inHunk() {
			switch {
			case strings.HasPrefix(line, "@@ "), isFileStart(line):
				slog.Warn("diff hunk ended early", "file", p.name(), "line", i+1)
				p.oldLeft, p.newLeft = 0, 0
			default:
				p.content(line, i+1)
				continue
			}
		}

		switch {
		case isFileStart(line):
			p.finish()
			p.begin(fileNames(line))
		case strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ "):
			oldName := headerName(line[4:], "a/")
			newName := headerName(strings.TrimSuffix(lines[i+1], "\r")[4:], "b/")
			if p.file == nil || len(p.file.Changes) > 0 || p.pos != (cursor{}) {
				p.finish()
				p.begin("", "")
			}
			p.file.Old.Name = oldName
			p.file.New.Name = newName
			i++
		case strings.HasPrefix(line, "@@ ") && p.file != nil:
			if err := p.hunk(line, i+1); err != nil {
				return nil, err
			}
		default:
			// changeset preamble, file mode, index and rename lines
		}
	}
	p.finish()
	if p.out == nil {
		return []types.FileDiff{}, nil
	}
	return p.out, nil
}

func (p *parser) inHunk() bool {
	return p.oldLeft > 0 || p.newLeft > 0
}

func (p *parser) name() string {
	if p.file == nil {
		return ""
	}
	if p.file.New.Name != "" {
		return p.file.New.Name
	}
	return p.file.Old.Name
}

func (p *parser) begin(oldName, newName string) {
	p.file = &types.FileDiff{
		Old:     types.FileRef{Name: oldName},
		New:     types.FileRef{Name: newName},
		Changes: []types.LineChange{},
	}
	p.pos = cursor{}
	p.oldLeft, p.newLeft = 0, 0
}

func (p *parser) finish() {
	if p.file == nil {
		return
	}
	p.out = append(p.out, *p.file)
	p.file = nil
}

func (p *parser) hunk(line string, lineNo int) error {
	m := hunkHeader.FindStringSubmatch(line)
	if m == nil {
		return &DiffFormatError{File: p.name(), Line: lineNo, Reason: ReasonHeader, Message: fmt.Sprintf("bad hunk header %q", line)}
	}
	oldStart, oldLen := rangeOf(m[1], m[2])
	newStart, newLen := rangeOf(m[3], m[4])
	next := cursor{new: startOf(newStart, newLen), old: startOf(oldStart, oldLen)}

	if next.new < p.pos.new {
		return &DiffFormatError{
			File:    p.name(),
			Line:    lineNo,
			Reason:  ReasonOutOfOrder,
			Message: fmt.Sprintf("hunk starts at new line %d, already at %d", next.new, p.pos.new),
		}
	}
	if next.skew() != p.pos.skew() {
		return &DiffFormatError{
			File:    p.name(),
			Line:    lineNo,
			Reason:  ReasonSkew,
			Message: fmt.Sprintf("expecting a skew of %d, hunk implies %d", p.pos.skew(), next.skew()),
		}
	}

	// lines between hunks are unchanged
	p.pos = next
	p.oldLeft, p.newLeft = oldLen, newLen
	return nil
}

func (p *parser) content(line string, lineNo int) {
	if line == "" {
		// context line whose single leading space was stripped
		line = " "
	}
	switch line[0] {
	case '+':
		p.file.Changes = append(p.file.Changes, types.LineChange{New: &types.Line{Line: p.pos.new, Content: line[1:]}})
		p.pos.new++
		p.newLeft--
	case '-':
		p.file.Changes = append(p.file.Changes, types.LineChange{Old: &types.Line{Line: p.pos.old, Content: line[1:]}})
		p.pos.old++
		p.oldLeft--
	case ' ':
		p.pos.new++
		p.pos.old++
		p.newLeft--
		p.oldLeft--
	case '\\':
		// no newline at end of file
	default:
		slog.Warn("bad diff line", "file", p.name(), "line", lineNo, "content", line)
	}
	if p.oldLeft < 0 {
		p.oldLeft = 0
	}
	if p.newLeft < 0 {
		p.newLeft = 0
	}
}

// rangeOf parses the start and length of a hunk range; a missing length is 1.
func rangeOf(start, length string) (int, int) {
	s, _ := strconv.Atoi(start)
	if length == "" {
		return s, 1
	}
	l, _ := strconv.Atoi(length)
	return s, l
}

// startOf converts a 1-based hunk start into a 0-based position. An empty
// range names the line before it, so its start is already the 0-based slot.
func startOf(start, length int) int {
	if length == 0 {
		return max(0, start)
	}
	return max(0, start-1)
}

func headerName(raw, prefix string) string {
	if tab := strings.IndexByte(raw, '\t'); tab >= 0 {
		raw = raw[:tab]
	}
	raw = strings.TrimSpace(raw)
	if raw == "/dev/null" {
		return raw
	}
	return strings.TrimPrefix(raw, prefix)
}

// isFileStart reports whether line opens a file section. Other lines starting
// with "diff" may appear in the commit message of a changeset patch.
func isFileStart(line string) bool {
	return strings.HasPrefix(line, "diff --git ") || strings.HasPrefix(line, "diff -r ")
}

// fileNames extracts the paths of a "diff --git a/x b/y" line, or the single
// path of a "diff -r rev [-r rev] path" line.
func fileNames(line string) (string, string) {
	fields := strings.Fields(line)
	if len(fields) >= 4 && fields[1] == "--git" {
		return strings.TrimPrefix(fields[2], "a/"), strings.TrimPrefix(fields[3], "b/")
	}
	if len(fields) >= 4 && fields[1] == "-r" {
		path := fields[len(fields)-1]
		return path, path
	}
	return "", ""
}
