package probe

import (
	"strings"

	"pgcluster/pkg/remote"
)

// Outcome is the classified state of a daemon as seen by its health command.
type Outcome int

const (
	Unknown Outcome = iota
	Ready
	Starting
	Crashed
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Starting:
		return "starting"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Rule maps a health command result to an outcome. A rule matches when
// Substring (if set) occurs in stdout or stderr and ExitCode (if set) equals
// the command's exit code. A rule with neither set never matches.
type Rule struct {
	Substring string
	ExitCode  *int
	Outcome   Outcome
}

// Exit is a convenience for building Rule.ExitCode.
func Exit(code int) *int { return &code }

// Classifier is an ordered rule list; the first matching rule wins.
type Classifier struct {
	Rules []Rule
}

// Classify maps a result to an outcome. It is a pure function of its input:
// results that match no rule are Unknown, so an unrecognised failure is retried
// rather than treated as fatal.
func (c Classifier) Classify(res remote.Result) Outcome {
	for _, r := range c.Rules {
		if r.Substring == "" && r.ExitCode == nil {
			continue
		}
		if r.ExitCode != nil && *r.ExitCode != res.ExitCode {
			continue
		}
		if r.Substring != "" && !strings.Contains(res.Stdout, r.Substring) && !strings.Contains(res.Stderr, r.Substring) {
			continue
		}
		return r.Outcome
	}
	return Unknown
}
