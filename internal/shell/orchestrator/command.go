package orchestrator

import (
	"regexp"
	"strings"
)

// =============================================================================
// Compose Command Builder
// =============================================================================

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ComposeCommand builds the remote script that runs one docker compose
// subcommand inside projectPath:
//
//	cd <projectPath> && docker compose --project-name <p> [-f file]... <args>
func ComposeCommand(projectPath, projectName string, files []string, args ...string) string {
	words := []string{"docker", "compose", "--project-name", Quote(projectName)}
	for _, f := range files {
		words = append(words, "-f", Quote(f))
	}
	for _, a := range args {
		words = append(words, Quote(a))
	}
	return "cd " + Quote(projectPath) + " && " + strings.Join(words, " ")
}

// lastLines returns at most n trailing lines of s.
func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if n <= 0 || s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
