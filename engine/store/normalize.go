package store

import (
	"regexp"
	"strings"
)

var collapseWhitespace = regexp.MustCompile(`\s+`)

// Normalize folds a workspace or name string into its comparison form:
// lowercase, trimmed, with internal runs of whitespace collapsed to a single
// space. All other characters are preserved.
//
//	Normalize("  Foo   BAR ") == "foo bar"
//	Normalize("A_B-C")        == "a_b-c"
//	Normalize("")             == ""
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return collapseWhitespace.ReplaceAllString(s, " ")
}

// DefaultWorkspace is used when StoreOptions.Workspace is empty.
const DefaultWorkspace = "default"

// resolveWorkspace applies the default-workspace rule and returns both the
// display form and its normalized form.
func resolveWorkspace(ws string) (display, norm string) {
	if ws == "" {
		ws = DefaultWorkspace
	}
	return ws, Normalize(ws)
}
