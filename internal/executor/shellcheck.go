package executor

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ValidateShellCommand parses cmd as POSIX shell and returns a descriptive
// error if it doesn't parse, catching a broken rendered command (an
// unescaped variable value containing a stray quote, for example) before
// it's shipped to a remote host.
func ValidateShellCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return fmt.Errorf("executor: empty command")
	}
	parser := syntax.NewParser()
	if _, err := parser.Parse(strings.NewReader(cmd), ""); err != nil {
		return fmt.Errorf("executor: invalid shell command: %w", err)
	}
	return nil
}
