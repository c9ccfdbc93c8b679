package parser

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/zheng/codectx/internal/graph"
)

// parseTree runs tree-sitter over content. A new parser is created per call
// because sitter.Parser is not safe for concurrent use.
func parseTree(ctx context.Context, lang *sitter.Language, content []byte) (*sitter.Tree, error) {
	p := sitter.NewParser()
	defer p.Close()
	p.SetLanguage(lang)
	tree, err := p.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	if tree.RootNode() == nil {
		tree.Close()
		return nil, ErrSyntax
	}
	return tree, nil
}

func nodeText(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return n.Content(src)
}

func nodeSpan(n *sitter.Node) graph.Span {
	return graph.Span{
		Start: graph.Position{Line: int(n.StartPoint().Row) + 1, Column: int(n.StartPoint().Column) + 1},
		End:   graph.Position{Line: int(n.EndPoint().Row) + 1, Column: int(n.EndPoint().Column) + 1},
	}
}

func nodeLine(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

// firstErrorLine returns the line of the first ERROR or missing node.
func firstErrorLine(n *sitter.Node) int {
	if n.IsError() || n.IsMissing() {
		return nodeLine(n)
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.HasError() || c.IsMissing() {
			if line := firstErrorLine(c); line > 0 {
				return line
			}
		}
	}
	return 0
}

// walk visits n and its descendants in document order. Returning false
// from fn skips the children of the visited node.
func walk(n *sitter.Node, fn func(*sitter.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		walk(n.NamedChild(i), fn)
	}
}

// lastSegment returns the part after the final '.' of a dotted name.
func lastSegment(name string) string {
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// isAllCaps reports whether name looks like a constant (FOO_BAR).
func isAllCaps(name string) bool {
	hasLetter := false
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
			hasLetter = true
		case r == '_' || (r >= '0' && r <= '9'):
		default:
			return false
		}
	}
	return hasLetter
}
