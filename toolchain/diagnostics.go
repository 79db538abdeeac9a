package toolchain

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Severity of a Diagnostic.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityNote    Severity = "note"
)

// Diagnostic is one compiler message.
type Diagnostic struct {
	Unit     string // source unit being compiled
	File     string // file the message points at, may be a header
	Line     int
	Column   int
	Severity Severity
	Message  string
}

func (d Diagnostic) String() string {
	var b strings.Builder
	if d.File != "" {
		b.WriteString(d.File)
		if d.Line > 0 {
			fmt.Fprintf(&b, ":%d", d.Line)
			if d.Column > 0 {
				fmt.Fprintf(&b, ":%d", d.Column)
			}
		}
		b.WriteString(": ")
	} else if d.Unit != "" {
		b.WriteString(d.Unit)
		b.WriteString(": ")
	}
	b.WriteString(string(d.Severity))
	b.WriteString(": ")
	b.WriteString(d.Message)
	return b.String()
}

// CompileError reports a unit the compiler rejected.
type CompileError struct {
	Key         string
	Unit        string
	Diagnostics []Diagnostic
	Cause       error // exit status of the compiler
}

func (e *CompileError) Error() string {
	n := 0
	var first *Diagnostic
	for i, d := range e.Diagnostics {
		if d.Severity == SeverityError || d.Severity == SeverityFatal {
			n++
			if first == nil {
				first = &e.Diagnostics[i]
			}
		}
	}
	switch {
	case first != nil:
		return fmt.Sprintf("compile %s (%s): %d error(s), first: %s", e.Key, e.Unit, n, first)
	case e.Cause != nil:
		return fmt.Sprintf("compile %s (%s): %s", e.Key, e.Unit, e.Cause)
	default:
		return fmt.Sprintf("compile %s (%s) failed", e.Key, e.Unit)
	}
}

func (e *CompileError) Unwrap() error {
	return e.Cause
}

// Errors are the diagnostics of error or fatal severity.
func (e *CompileError) Errors() (out []Diagnostic) {
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError || d.Severity == SeverityFatal {
			out = append(out, d)
		}
	}
	return
}

var diagnosticLine = regexp.MustCompile(`^(.+?):(\d+):(?:(\d+):)?\s*(?:(fatal error|error|warning|note|remark):)?\s*(.*)$`)

// ParseDiagnostics reads compiler output of the form file:line[:col]: [severity:] message.
// A message without severity, as go tool compile prints them, is an error. Lines that do not
// match continue the previous diagnostic, or become notes when none precedes them.
func ParseDiagnostics(unit, output string) (out []Diagnostic) {
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := diagnosticLine.FindStringSubmatch(line)
		if m == nil {
			if n := len(out); n > 0 {
				out[n-1].Message += "\n" + line
			} else {
				out = append(out, Diagnostic{Unit: unit, Severity: SeverityNote, Message: line})
			}
			continue
		}
		d := Diagnostic{Unit: unit, File: m[1], Message: m[5]}
		d.Line, _ = strconv.Atoi(m[2])
		d.Column, _ = strconv.Atoi(m[3])
		switch m[4] {
		case "fatal error":
			d.Severity = SeverityFatal
		case "warning":
			d.Severity = SeverityWarning
		case "note", "remark":
			d.Severity = SeverityNote
		default:
			d.Severity = SeverityError
		}
		out = append(out, d)
	}
	return
}
