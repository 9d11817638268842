package worker

import (
	"encoding/json"
	"path"
	"slices"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"
)

var completionPhrases = []string{
	"all tasks complete",
	"implementation complete",
	"work complete",
	"finished all tasks",
	"completed all tasks",
}

// HasCompletionPhrase reports whether s contains one of the phrases a worker
// uses to announce it is done. Matching ignores case.
func HasCompletionPhrase(s string) bool {
	s = strings.ToLower(s)
	for _, p := range completionPhrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

var editTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// Analysis is what the monitor learns from a window of activity records.
type Analysis struct {
	ToolsExecuted    int
	Succeeded        int
	ChangedFiles     []string
	TestsRun         int
	CompletionSignal bool
	LastFailure      *Activity
	// Final is the terminal Result record reported by the executor, if any.
	Final   *Activity
	FirstAt time.Time
	LastAt  time.Time
}

func (a *Analysis) SuccessRate() float64 {
	if a.ToolsExecuted == 0 {
		return 0
	}
	return float64(a.Succeeded) / float64(a.ToolsExecuted)
}

func (a *Analysis) Seen() bool {
	return !a.FirstAt.IsZero()
}

// Result builds the result payload stored on a completed worker.
func (a *Analysis) Result(inferred bool) *Result {
	r := &Result{
		ToolsExecuted: a.ToolsExecuted,
		SuccessRate:   a.SuccessRate(),
		ChangedFiles:  a.ChangedFiles,
		TestsRun:      a.TestsRun,
		Inferred:      inferred,
	}
	if r.ChangedFiles == nil {
		r.ChangedFiles = []string{}
	}
	if a.Final != nil {
		r.Summary = a.Final.Output
	}
	return r
}

// Analyze summarizes records, which must be ordered oldest first.
func Analyze(records []*Activity) *Analysis {
	a := &Analysis{}
	for _, rec := range records {
		if a.FirstAt.IsZero() {
			a.FirstAt = rec.CreatedAt
		}
		a.LastAt = rec.CreatedAt
		if HasCompletionPhrase(rec.Output) {
			a.CompletionSignal = true
		}
		if rec.ToolName == ResultToolName {
			a.Final = rec
			continue
		}
		a.ToolsExecuted++
		if rec.Success {
			a.Succeeded++
		} else {
			a.LastFailure = rec
		}
		if editTools[rec.ToolName] {
			if f := changedFile(rec.RawInput); f != "" && !slices.Contains(a.ChangedFiles, f) {
				a.ChangedFiles = append(a.ChangedFiles, f)
			}
		}
		if rec.ToolName == "Bash" && IsTestCommand(inputString(rec.RawInput, "command")) {
			a.TestsRun++
		}
	}
	return a
}

func changedFile(raw string) string {
	if f := inputString(raw, "file_path"); f != "" {
		return f
	}
	return inputString(raw, "notebook_path")
}

func inputString(raw, key string) string {
	var in map[string]any
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return ""
	}
	s, _ := in[key].(string)
	return s
}

var testRunners = map[string]bool{
	"pytest":  true,
	"jest":    true,
	"vitest":  true,
	"mocha":   true,
	"rspec":   true,
	"phpunit": true,
	"ava":     true,
	"tox":     true,
}

// Tools that take "test" as a subcommand: go test, cargo test, npm test ...
var testSubcommands = map[string]bool{
	"go":      true,
	"cargo":   true,
	"npm":     true,
	"yarn":    true,
	"pnpm":    true,
	"bun":     true,
	"make":    true,
	"mix":     true,
	"dotnet":  true,
	"gradle":  true,
	"gradlew": true,
	"mvn":     true,
	"deno":    true,
}

// IsTestCommand reports whether a shell command line runs a test suite.
func IsTestCommand(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return false
	}
	f, err := syntax.NewParser().Parse(strings.NewReader(cmd), "")
	if err != nil {
		return looksLikeTest(cmd)
	}
	found := false
	syntax.Walk(f, func(node syntax.Node) bool {
		if found {
			return false
		}
		if call, ok := node.(*syntax.CallExpr); ok {
			args := make([]string, 0, len(call.Args))
			for _, w := range call.Args {
				args = append(args, w.Lit())
			}
			found = isTestCall(args)
		}
		return true
	})
	return found
}

func isTestCall(args []string) bool {
	if len(args) == 0 {
		return false
	}
	name := path.Base(args[0])
	rest := args[1:]
	switch {
	case name == "npx" || name == "bunx":
		return len(rest) > 0 && testRunners[path.Base(rest[0])]
	case name == "python" || name == "python3":
		return len(rest) > 1 && rest[0] == "-m" && (rest[1] == "pytest" || rest[1] == "unittest")
	case testRunners[name]:
		return true
	case testSubcommands[name]:
		for i, a := range rest {
			if a == "test" || strings.HasPrefix(a, "test:") {
				return true
			}
			if a == "run" && i+1 < len(rest) && strings.HasPrefix(rest[i+1], "test") {
				return true
			}
			if !strings.HasPrefix(a, "-") && a != "run" {
				return false
			}
		}
	}
	return false
}

func looksLikeTest(cmd string) bool {
	for _, s := range []string{"go test", "npm test", "yarn test", "pnpm test", "cargo test", "make test", "pytest", "jest", "vitest"} {
		if strings.Contains(cmd, s) {
			return true
		}
	}
	return false
}
