package seeding

import (
	"fmt"
	"strings"
)

// Mode selects what a run does.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeDelete Mode = "delete"
)

// ParseMode maps a command-line argument to a Mode. An empty argument means
// create; otherwise any non-empty prefix of a mode name selects that mode,
// ignoring case. Any other word is an error, never a fallback to create.
func ParseMode(arg string) (Mode, error) {
	arg = strings.ToLower(strings.TrimSpace(arg))
	switch {
	case arg == "":
		return ModeCreate, nil
	case strings.HasPrefix(string(ModeCreate), arg):
		return ModeCreate, nil
	case strings.HasPrefix(string(ModeDelete), arg):
		return ModeDelete, nil
	}
	return "", fmt.Errorf("unsupported mode %q: use %q or %q", arg, ModeCreate, ModeDelete)
}
