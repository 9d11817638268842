package spec

import (
	"math"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var checklistParser = goldmark.New(goldmark.WithExtensions(extension.TaskList)).Parser()

type Checklist struct {
	Total int
	Done  int
}

// ParseChecklist counts the task list items ("- [ ]" / "- [x]") in a
// markdown document.
func ParseChecklist(tasks string) Checklist {
	var c Checklist
	src := []byte(tasks)
	doc := checklistParser.Parse(text.NewReader(src))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if box, ok := n.(*extast.TaskCheckBox); ok {
			c.Total++
			if box.IsChecked {
				c.Done++
			}
		}
		return ast.WalkContinue, nil
	})
	return c
}

// Percentage is round(done/total*100), 0 for an empty checklist.
func (c Checklist) Percentage() int {
	if c.Total == 0 {
		return 0
	}
	return int(math.Round(float64(c.Done) * 100 / float64(c.Total)))
}

func (c Checklist) Complete() bool {
	return c.Total > 0 && c.Done == c.Total
}
