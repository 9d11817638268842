package failure

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"text/template"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/kazz187/specguild/internal/spec"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

type GenerateInput struct {
	Failure     *Failure
	History     *History
	ErrorType   ErrorType
	Occurrences int
	Priority    int
}

type Proposal struct {
	Title   string
	Content *spec.Content
}

// Generator turns a failure into a change proposal.
type Generator interface {
	Generate(ctx context.Context, in GenerateInput) (*Proposal, error)
}

var errorTypeHints = map[ErrorType]string{
	ErrorTypeType:          "Check the types flowing into the failing call and any recent signature changes.",
	ErrorTypeMissingProp:   "A value is missing a field the test relies on. Check initialization and fixtures.",
	ErrorTypeAssertion:     "Decide whether the behaviour or the expectation is wrong before changing either.",
	ErrorTypeNetwork:       "The failure depends on the network. Prefer a local fake over retries.",
	ErrorTypeConfiguration: "Check environment variables and config files the test environment provides.",
}

// TemplateGenerator renders proposals from the embedded templates.
type TemplateGenerator struct {
	proposal *template.Template
	tasks    *template.Template
	design   *template.Template
}

func NewTemplateGenerator() (*TemplateGenerator, error) {
	funcs := template.FuncMap{
		"hint": func(t ErrorType) string { return errorTypeHints[t] },
	}
	parse := func(name string) (*template.Template, error) {
		t, err := template.New(name).Funcs(funcs).ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		return t, nil
	}
	g := &TemplateGenerator{}
	var err error
	if g.proposal, err = parse("proposal.md.tmpl"); err != nil {
		return nil, err
	}
	if g.tasks, err = parse("tasks.md.tmpl"); err != nil {
		return nil, err
	}
	if g.design, err = parse("design.md.tmpl"); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *TemplateGenerator) Generate(_ context.Context, in GenerateInput) (*Proposal, error) {
	render := func(t *template.Template) (string, error) {
		var buf bytes.Buffer
		if err := t.Execute(&buf, in); err != nil {
			return "", fmt.Errorf("render %s: %w", t.Name(), err)
		}
		return buf.String(), nil
	}
	proposal, err := render(g.proposal)
	if err != nil {
		return nil, err
	}
	tasks, err := render(g.tasks)
	if err != nil {
		return nil, err
	}
	design, err := render(g.design)
	if err != nil {
		return nil, err
	}
	return &Proposal{
		Title: fmt.Sprintf("Fix failing test %s", in.Failure.TestName),
		Content: &spec.Content{
			Proposal: proposal,
			Tasks:    tasks,
			Design:   design,
		},
	}, nil
}

// UnifiedDiff renders the change from before to after as a unified diff.
func UnifiedDiff(name, before, after string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + name,
		ToFile:   "b/" + name,
		Context:  3,
	})
}
