package worker

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/kazz187/specguild/internal/spec"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var promptTemplate = template.Must(template.ParseFS(templateFS, "templates/prompt.md.tmpl"))

type promptData struct {
	AgentType       AgentType
	SpecID          string
	Title           string
	Proposal        string
	Tasks           string
	Design          string
	PreviousFailure string
	RetryCount      int
}

// BuildPrompt renders the task prompt for a spec. previousFailure is the
// error of the attempt being retried, empty for a first spawn.
func BuildPrompt(agentType AgentType, s *spec.Spec, c *spec.Content, previousFailure string, retryCount int) (string, error) {
	d := promptData{
		AgentType:       agentType,
		SpecID:          s.ID,
		Title:           s.Title,
		PreviousFailure: strings.TrimSpace(previousFailure),
		RetryCount:      retryCount,
	}
	if c != nil {
		d.Proposal = strings.TrimSpace(c.Proposal)
		d.Tasks = strings.TrimSpace(c.Tasks)
		d.Design = strings.TrimSpace(c.Design)
	}
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
