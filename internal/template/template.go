// Package template implements the minimal `{{path.to.var}}` substitutor
// used to render runbook step commands, API bodies, and headers against an
// execution's captured variables. It does not evaluate
// expressions, call methods, or support control flow, only variable
// lookup plus a small filter whitelist, so a runbook author cannot use a
// template to reach arbitrary code.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRE = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)(?:\s*\|\s*([a-zA-Z0-9_]+)(?:\(([^)]*)\))?)?\s*\}\}`)

// UndefinedVariableError is returned when a template references a variable
// with no value and no "default" filter.
type UndefinedVariableError struct {
	Path string
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("template: undefined variable %q", e.Path)
}

// Render substitutes every `{{path.to.var}}` placeholder in s using vars, a
// flat map of dotted-path variable names to string values (the shape
// RunbookExecution.Variables and step output-capture produce). Returns an
// UndefinedVariableError on the first unresolved placeholder that has no
// "default" filter, matching the fail-fast templating semantics runbook
// steps rely on to avoid silently shipping an empty/garbage command.
func Render(s string, vars map[string]string) (string, error) {
	var firstErr error
	out := placeholderRE.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		groups := placeholderRE.FindStringSubmatch(match)
		path, filter, arg := groups[1], groups[2], groups[3]

		value, ok := vars[path]
		if !ok {
			if filter == "default" {
				return strings.Trim(arg, `"'`)
			}
			firstErr = &UndefinedVariableError{Path: path}
			return match
		}
		return applyFilter(value, filter, arg)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func applyFilter(value, filter, arg string) string {
	switch filter {
	case "", "default":
		return value
	case "upper":
		return strings.ToUpper(value)
	case "lower":
		return strings.ToLower(value)
	case "trim":
		return strings.TrimSpace(value)
	case "truncate":
		n := parsePositiveInt(arg, len(value))
		if n >= len(value) {
			return value
		}
		return value[:n]
	default:
		return value
	}
}

func parsePositiveInt(s string, fallback int) int {
	s = strings.TrimSpace(s)
	n := 0
	if s == "" {
		return fallback
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	return n
}
