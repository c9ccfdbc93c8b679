package parser

import (
	"context"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/zheng/codectx/internal/graph"
)

// PythonParser parses Python files with tree-sitter.
type PythonParser struct {
	lang *sitter.Language
}

func NewPythonParser() *PythonParser {
	return &PythonParser{lang: python.GetLanguage()}
}

func (p *PythonParser) Parse(ctx context.Context, path string, content []byte) (*FileResult, error) {
	tree, err := parseTree(ctx, p.lang, content)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	py := &pyFile{src: content, path: path, b: newBuilder(path, "python")}
	if root.HasError() {
		// Nothing recognizable: refuse the file instead of indexing noise.
		if root.NamedChildCount() == 0 || root.Child(0).IsError() && root.ChildCount() == 1 {
			return nil, &ParseError{Path: path, Line: firstErrorLine(root), Err: ErrSyntax}
		}
		py.b.res.Partial = true
	}

	py.module(root)
	py.block(root, py.moduleID, "")
	return py.b.finish(), nil
}

type pyFile struct {
	src      []byte
	path     string
	b        *builder
	moduleID string
}

func (py *pyFile) module(root *sitter.Node) {
	name := strings.TrimSuffix(filepath.Base(py.path), filepath.Ext(py.path))
	py.moduleID = graph.NewEntityID(py.path, "")
	meta := map[string]string{"language": "python"}
	if name == "__init__" {
		meta["package"] = "true"
		name = filepath.Base(filepath.Dir(py.path))
	}
	py.b.entity(graph.Entity{
		ID:          py.moduleID,
		Kind:        graph.KindModule,
		Name:        name,
		Path:        py.path,
		Span:        graph.Span{Start: graph.Position{Line: 1, Column: 1}, End: graph.Position{Line: lineCount(py.src)}},
		Description: py.docstring(root),
		Metadata:    meta,
	})
}

// block processes the statements of a module or class body. owner is the
// entity that contains the definitions; class is the enclosing class name.
func (py *pyFile) block(n *sitter.Node, owner, class string) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		stmt := n.NamedChild(i)
		switch stmt.Type() {
		case "import_statement", "import_from_statement":
			py.importStmt(stmt)
		case "class_definition":
			py.class(stmt, owner, nil)
		case "function_definition":
			py.function(stmt, owner, class, nil)
		case "decorated_definition":
			py.decorated(stmt, owner, class)
		case "expression_statement":
			if class == "" {
				py.assignment(stmt)
			}
			py.calls(stmt, owner)
		default:
			py.calls(stmt, owner)
		}
	}
}

func (py *pyFile) decorated(n *sitter.Node, owner, class string) {
	var decorators []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "decorator" {
			decorators = append(decorators, strings.TrimPrefix(nodeText(c, py.src), "@"))
		}
	}
	def := n.ChildByFieldName("definition")
	if def == nil {
		return
	}
	switch def.Type() {
	case "class_definition":
		py.class(def, owner, decorators)
	case "function_definition":
		py.function(def, owner, class, decorators)
	}
}

func (py *pyFile) importStmt(n *sitter.Node) {
	text := strings.TrimSpace(nodeText(n, py.src))
	id := graph.NewEntityID(py.path, text)
	if !py.b.entity(graph.Entity{
		ID:       id,
		Kind:     graph.KindImport,
		Name:     text,
		Path:     py.path,
		Span:     nodeSpan(n),
		Content:  text,
		Metadata: map[string]string{"import_type": n.Type()},
	}) {
		return
	}
	py.b.relate(py.moduleID, id, graph.RelContains)

	line := nodeLine(n)
	if n.Type() == "import_statement" {
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if c.Type() == "aliased_import" {
				c = c.ChildByFieldName("name")
			}
			if name := nodeText(c, py.src); name != "" {
				py.b.reference(id, "", lastSegment(name), graph.RelImports, line)
			}
		}
		return
	}

	moduleNode := n.ChildByFieldName("module_name")
	module := strings.TrimLeft(nodeText(moduleNode, py.src), ".")
	names := 0
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if moduleNode != nil && c.StartByte() == moduleNode.StartByte() {
			continue
		}
		switch c.Type() {
		case "dotted_name":
			py.b.reference(id, module, lastSegment(nodeText(c, py.src)), graph.RelImports, line)
			names++
		case "aliased_import":
			py.b.reference(id, module, lastSegment(nodeText(c.ChildByFieldName("name"), py.src)), graph.RelImports, line)
			names++
		}
	}
	// "from pkg import *" depends on the module itself.
	if names == 0 && module != "" {
		py.b.reference(id, "", lastSegment(module), graph.RelImports, line)
	}
}

func (py *pyFile) class(n *sitter.Node, owner string, decorators []string) {
	name := nodeText(n.ChildByFieldName("name"), py.src)
	if name == "" {
		return
	}
	id := graph.NewEntityID(py.path, name)
	body := n.ChildByFieldName("body")

	var bases []string
	if supers := n.ChildByFieldName("superclasses"); supers != nil {
		for i := 0; i < int(supers.NamedChildCount()); i++ {
			arg := supers.NamedChild(i)
			if arg.Type() == "identifier" || arg.Type() == "attribute" {
				bases = append(bases, nodeText(arg, py.src))
			}
		}
	}

	meta := map[string]string{}
	if len(bases) > 0 {
		meta["bases"] = strings.Join(bases, ",")
	}
	if len(decorators) > 0 {
		meta["decorators"] = strings.Join(decorators, ",")
	}
	sig := "class " + name
	if len(bases) > 0 {
		sig += "(" + strings.Join(bases, ", ") + ")"
	}
	if !py.b.entity(graph.Entity{
		ID:          id,
		Kind:        graph.KindClass,
		Name:        name,
		Path:        py.path,
		Span:        nodeSpan(n),
		Signature:   sig,
		Description: py.docstring(body),
		Content:     nodeText(n, py.src),
		Metadata:    meta,
	}) {
		return
	}
	py.b.relate(owner, id, graph.RelContains)

	for _, base := range bases {
		qualifier := ""
		if idx := strings.LastIndex(base, "."); idx >= 0 {
			qualifier = base[:idx]
		}
		py.b.reference(id, qualifier, lastSegment(base), graph.RelInherits, nodeLine(n))
	}
	if body != nil {
		py.block(body, id, name)
	}
}

func (py *pyFile) function(n *sitter.Node, owner, class string, decorators []string) {
	short := nodeText(n.ChildByFieldName("name"), py.src)
	if short == "" {
		return
	}
	name, kind := short, graph.KindFunction
	if class != "" {
		name, kind = class+"."+short, graph.KindMethod
	}
	id := graph.NewEntityID(py.path, name)

	sig := "def " + short + nodeText(n.ChildByFieldName("parameters"), py.src)
	if ret := n.ChildByFieldName("return_type"); ret != nil {
		sig += " -> " + nodeText(ret, py.src)
	}
	if n.ChildCount() > 0 && n.Child(0).Type() == "async" {
		sig = "async " + sig
	}

	meta := map[string]string{}
	if class != "" {
		meta["parent_class"] = class
	}
	if len(decorators) > 0 {
		meta["decorators"] = strings.Join(decorators, ",")
	}
	if !strings.HasPrefix(short, "_") || strings.HasSuffix(short, "__") {
		meta["exported"] = "true"
	}

	body := n.ChildByFieldName("body")
	if !py.b.entity(graph.Entity{
		ID:          id,
		Kind:        kind,
		Name:        name,
		Path:        py.path,
		Span:        nodeSpan(n),
		Signature:   sig,
		Description: py.docstring(body),
		Content:     nodeText(n, py.src),
		Metadata:    meta,
	}) {
		return
	}
	py.b.relate(owner, id, graph.RelContains)
	if ret := n.ChildByFieldName("return_type"); ret != nil {
		py.types(ret, id)
	}
	if params := n.ChildByFieldName("parameters"); params != nil {
		walk(params, func(c *sitter.Node) bool {
			if c.Type() == "type" {
				py.types(c, id)
				return false
			}
			return true
		})
	}
	if body != nil {
		py.calls(body, id)
	}
}

// types records the names used in a type annotation.
func (py *pyFile) types(n *sitter.Node, source string) {
	walk(n, func(c *sitter.Node) bool {
		if c.Type() == "identifier" {
			py.b.reference(source, "", nodeText(c, py.src), graph.RelUses, nodeLine(c))
		}
		return true
	})
}

// calls records every call below n as a dependency of source. Calls in
// nested functions and lambdas count for the enclosing definition.
func (py *pyFile) calls(n *sitter.Node, source string) {
	walk(n, func(c *sitter.Node) bool {
		if c.Type() != "call" {
			return true
		}
		if fn := c.ChildByFieldName("function"); fn != nil {
			switch fn.Type() {
			case "identifier":
				py.b.reference(source, "", nodeText(fn, py.src), graph.RelCalls, nodeLine(c))
			case "attribute":
				qualifier := nodeText(fn.ChildByFieldName("object"), py.src)
				if qualifier == "self" || qualifier == "cls" {
					qualifier = ""
				}
				py.b.reference(source, qualifier, nodeText(fn.ChildByFieldName("attribute"), py.src), graph.RelCalls, nodeLine(c))
			}
		}
		return true
	})
}

func (py *pyFile) assignment(stmt *sitter.Node) {
	for i := 0; i < int(stmt.NamedChildCount()); i++ {
		a := stmt.NamedChild(i)
		if a.Type() != "assignment" {
			continue
		}
		left := a.ChildByFieldName("left")
		if left == nil || left.Type() != "identifier" {
			continue
		}
		name := nodeText(left, py.src)
		kind := graph.KindVariable
		if isAllCaps(name) {
			kind = graph.KindConstant
		}
		id := graph.NewEntityID(py.path, name)
		text := nodeText(a, py.src)
		if py.b.entity(graph.Entity{
			ID:       id,
			Kind:     kind,
			Name:     name,
			Path:     py.path,
			Span:     nodeSpan(a),
			Content:  text,
			Metadata: map[string]string{"assignment": text},
		}) {
			py.b.relate(py.moduleID, id, graph.RelContains)
			if typ := a.ChildByFieldName("type"); typ != nil {
				py.types(typ, id)
			}
		}
	}
}

// docstring returns the leading string literal of a body.
func (py *pyFile) docstring(body *sitter.Node) string {
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	str := first.NamedChild(0)
	if str.Type() != "string" {
		return ""
	}
	raw := nodeText(str, py.src)
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(raw, q) && strings.HasSuffix(raw, q) && len(raw) >= 2*len(q) {
			return strings.TrimSpace(raw[len(q) : len(raw)-len(q)])
		}
	}
	return strings.TrimSpace(raw)
}
