package probe

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"pgcluster/pkg/remote"
)

var testRules = Classifier{Rules: []Rule{
	{Substring: "rejecting connections", Outcome: Starting},
	{Substring: "no response", Outcome: Crashed},
	{Substring: "ok", ExitCode: Exit(0), Outcome: Ready},
	{ExitCode: Exit(2), Outcome: Crashed},
}}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		res  remote.Result
		want Outcome
	}{
		{"ready", remote.Result{Stdout: "ok"}, Ready},
		{"starting on stdout", remote.Result{Stdout: "/tmp:5432 - rejecting connections", ExitCode: 1}, Starting},
		{"crashed on stderr", remote.Result{Stderr: "/tmp:5432 - no response", ExitCode: 1}, Crashed},
		{"exit code only", remote.Result{Stdout: "", ExitCode: 2}, Crashed},
		{"ok text but failing exit", remote.Result{Stdout: "ok", ExitCode: 1}, Unknown},
		{"unmatched failure", remote.Result{Stdout: "permission denied", ExitCode: 127}, Unknown},
		{"empty", remote.Result{}, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, testRules.Classify(tt.res))
		})
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	c := Classifier{Rules: []Rule{
		{Substring: "connections", Outcome: Starting},
		{Substring: "accepting connections", Outcome: Ready},
	}}
	assert.Equal(t, Starting, c.Classify(remote.Result{Stdout: "accepting connections"}))
}

func TestClassifySkipsEmptyRules(t *testing.T) {
	c := Classifier{Rules: []Rule{{Outcome: Ready}}}
	assert.Equal(t, Unknown, c.Classify(remote.Result{Stdout: "anything"}))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "crashed", Crashed.String())
	assert.Equal(t, "unknown", Unknown.String())
}

// TestClassifyDeterministic checks that the same result always classifies to the same outcome.
func TestClassifyDeterministic(t *testing.T) {
	properties := gopter.NewProperties(nil)

	words := gen.OneConstOf("ok", "rejecting connections", "no response", "accepting", "", "error")
	properties.Property("classification is a pure function", prop.ForAll(
		func(stdout, stderr string, code int) bool {
			res := remote.Result{Stdout: stdout, Stderr: stderr, ExitCode: code}
			first := testRules.Classify(res)
			for i := 0; i < 5; i++ {
				if testRules.Classify(res) != first {
					return false
				}
			}
			return true
		},
		words,
		words,
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
