package worker

import (
	"fmt"
	"regexp"
	"strings"
)

// AgentType is a worker capability profile.
type AgentType string

const (
	AgentDatabase       AgentType = "database"
	AgentFrontend       AgentType = "frontend"
	AgentBackend        AgentType = "backend"
	AgentTesting        AgentType = "testing"
	AgentInfrastructure AgentType = "infrastructure"
	AgentSecurity       AgentType = "security"
	AgentDocumentation  AgentType = "documentation"
	AgentGeneral        AgentType = "general"
)

type profile struct {
	agentType AgentType
	keywords  []string
	pattern   *regexp.Regexp
}

// profiles is ordered; on equal scores the earlier profile wins.
var profiles = buildProfiles([]struct {
	agentType AgentType
	keywords  []string
}{
	{AgentDatabase, []string{"database", "sql", "query", "migration", "schema", "index", "postgres", "mysql", "sqlite", "transaction", "orm"}},
	{AgentFrontend, []string{"ui", "component", "react", "vue", "css", "html", "frontend", "render", "layout", "button", "page", "browser"}},
	{AgentBackend, []string{"api", "endpoint", "server", "handler", "service", "backend", "request", "response", "route", "controller"}},
	{AgentTesting, []string{"test", "tests", "spec", "assertion", "expect", "mock", "fixture", "coverage", "flaky", "jest", "vitest"}},
	{AgentInfrastructure, []string{"deploy", "docker", "kubernetes", "ci", "pipeline", "terraform", "config", "configuration", "environment", "build"}},
	{AgentSecurity, []string{"security", "auth", "authentication", "authorization", "token", "password", "permission", "vulnerability", "xss", "csrf", "encrypt"}},
	{AgentDocumentation, []string{"docs", "documentation", "readme", "comment", "guide", "changelog"}},
})

func buildProfiles(defs []struct {
	agentType AgentType
	keywords  []string
}) []profile {
	out := make([]profile, 0, len(defs))
	for _, d := range defs {
		quoted := make([]string, len(d.keywords))
		for i, k := range d.keywords {
			quoted[i] = regexp.QuoteMeta(k)
		}
		out = append(out, profile{
			agentType: d.agentType,
			keywords:  d.keywords,
			pattern:   regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`),
		})
	}
	return out
}

// AgentTypes lists every profile including the general fallback.
func AgentTypes() []AgentType {
	out := make([]AgentType, 0, len(profiles)+1)
	for _, p := range profiles {
		out = append(out, p.agentType)
	}
	return append(out, AgentGeneral)
}

func ParseAgentType(s string) (AgentType, error) {
	for _, t := range AgentTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown agent type %q", s)
}

// Score counts keyword occurrences of every profile in text.
func Score(text string) map[AgentType]int {
	scores := make(map[AgentType]int, len(profiles))
	for _, p := range profiles {
		scores[p.agentType] = len(p.pattern.FindAllStringIndex(text, -1))
	}
	return scores
}

// SelectAgent returns the profile with the most keyword matches in text,
// or AgentGeneral when nothing matches.
func SelectAgent(text string) AgentType {
	best, bestScore := AgentGeneral, 0
	scores := Score(text)
	for _, p := range profiles {
		if s := scores[p.agentType]; s > bestScore {
			best, bestScore = p.agentType, s
		}
	}
	return best
}
