package toolchain

import (
	"errors"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
)

func TestParseDiagnostics(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []Diagnostic
	}{
		{
			name: "clang",
			output: "/tmp/x/0-a.cpp:3:12: error: use of undeclared identifier 'y'\n" +
				"/tmp/x/0-a.cpp:1:5: warning: unused variable 'z' [-Wunused-variable]\n" +
				"1 warning and 1 error generated.\n",
			want: []Diagnostic{
				{Unit: "a.cpp", File: "/tmp/x/0-a.cpp", Line: 3, Column: 12, Severity: SeverityError,
					Message: "use of undeclared identifier 'y'"},
				{Unit: "a.cpp", File: "/tmp/x/0-a.cpp", Line: 1, Column: 5, Severity: SeverityWarning,
					Message: "unused variable 'z' [-Wunused-variable]\n1 warning and 1 error generated."},
			},
		},
		{
			name: "gcc context",
			output: "a.c: In function 'f':\n" +
				"a.c:2:10: fatal error: missing.h: No such file or directory\n" +
				"compilation terminated.\n",
			want: []Diagnostic{
				{Unit: "a.c", Severity: SeverityNote, Message: "a.c: In function 'f':"},
				{Unit: "a.c", File: "a.c", Line: 2, Column: 10, Severity: SeverityFatal,
					Message: "missing.h: No such file or directory\ncompilation terminated."},
			},
		},
		{
			name:   "go",
			output: "./main.go:7:2: undefined: Missing\n",
			want: []Diagnostic{
				{Unit: "a.c", File: "./main.go", Line: 7, Column: 2, Severity: SeverityError, Message: "undefined: Missing"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit := "a.c"
			if tt.name == "clang" {
				unit = "a.cpp"
			}
			got := ParseDiagnostics(unit, tt.output)
			if len(got) != len(tt.want) {
				t.Fatalf("got %s", spew.Sdump(got))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("diagnostic %d\n got %#v\nwant %#v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCompileErrorMessage(t *testing.T) {
	e := &CompileError{Key: "addonB", Unit: "b.cpp", Cause: errors.New("exit status 1"), Diagnostics: []Diagnostic{
		{Unit: "b.cpp", Severity: SeverityNote, Message: "In file included from b.cpp"},
		{Unit: "b.cpp", File: "b.h", Line: 4, Column: 1, Severity: SeverityError, Message: "expected ';'"},
		{Unit: "b.cpp", File: "b.cpp", Line: 9, Severity: SeverityError, Message: "unknown type"},
	}}
	msg := e.Error()
	for _, want := range []string{"addonB", "b.cpp", "2 error(s)", "b.h:4:1: error: expected ';'"} {
		if !strings.Contains(msg, want) {
			t.Errorf("%q does not contain %q", msg, want)
		}
	}
	if len(e.Errors()) != 2 || e.Unwrap() == nil {
		t.Fatalf("errors %v", e.Errors())
	}
}

func TestParseIncludes(t *testing.T) {
	out := `ignoring nonexistent directory "/usr/local/include/x86_64-linux-gnu"
#include "..." search starts here:
#include <...> search starts here:
 /usr/include/c++/12
 /usr/lib/gcc/x86_64-linux-gnu/12/include
 /System/Library/Frameworks (framework directory)
End of search list.
`
	got := parseIncludes(out)
	want := []string{"/usr/include/c++/12", "/usr/lib/gcc/x86_64-linux-gnu/12/include", "/System/Library/Frameworks"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %v", got)
	}
}
