package parser

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/zheng/codectx/internal/graph"
)

// JavaScriptParser parses JavaScript (including JSX) and TypeScript with
// tree-sitter. TypeScript adds interfaces, type aliases, enums and
// implements clauses on top of the JavaScript constructs.
type JavaScriptParser struct {
	lang     *sitter.Language
	language string
}

func NewJavaScriptParser() *JavaScriptParser {
	return &JavaScriptParser{lang: javascript.GetLanguage(), language: "javascript"}
}

func NewTypeScriptParser() *JavaScriptParser {
	return &JavaScriptParser{lang: typescript.GetLanguage(), language: "typescript"}
}

// NewTSXParser parses .tsx files.
func NewTSXParser() *JavaScriptParser {
	return &JavaScriptParser{lang: tsx.GetLanguage(), language: "typescript"}
}

func (p *JavaScriptParser) Parse(ctx context.Context, filePath string, content []byte) (*FileResult, error) {
	tree, err := parseTree(ctx, p.lang, content)
	if err != nil {
		return nil, &ParseError{Path: filePath, Err: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	js := &jsFile{src: content, path: filePath, b: newBuilder(filePath, p.language)}
	if root.HasError() {
		if root.NamedChildCount() == 0 || root.Child(0).IsError() && root.ChildCount() == 1 {
			return nil, &ParseError{Path: filePath, Line: firstErrorLine(root), Err: ErrSyntax}
		}
		js.b.res.Partial = true
	}

	js.moduleID = graph.NewEntityID(filePath, "")
	js.b.entity(graph.Entity{
		ID:       js.moduleID,
		Kind:     graph.KindModule,
		Name:     strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath)),
		Path:     filePath,
		Span:     graph.Span{Start: graph.Position{Line: 1, Column: 1}, End: graph.Position{Line: lineCount(content)}},
		Metadata: map[string]string{"language": p.language},
	})
	js.statements(root, false)
	return js.b.finish(), nil
}

type jsFile struct {
	src      []byte
	path     string
	b        *builder
	moduleID string
}

func (js *jsFile) statements(n *sitter.Node, exported bool) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		stmt := n.NamedChild(i)
		switch stmt.Type() {
		case "import_statement":
			js.importStmt(stmt)
		case "export_statement":
			if decl := stmt.ChildByFieldName("declaration"); decl != nil {
				js.declaration(decl, true)
			} else {
				js.calls(stmt, js.moduleID)
			}
		default:
			if !js.declaration(stmt, exported) {
				js.calls(stmt, js.moduleID)
			}
		}
	}
}

// declaration handles one top-level declaration. It reports whether the
// statement was a declaration.
func (js *jsFile) declaration(n *sitter.Node, exported bool) bool {
	switch n.Type() {
	case "function_declaration", "generator_function_declaration":
		name := nodeText(n.ChildByFieldName("name"), js.src)
		js.function(n, name, "", graph.KindFunction, exported, n.ChildByFieldName("body"))
	case "class_declaration", "abstract_class_declaration":
		js.class(n, exported)
	case "lexical_declaration", "variable_declaration":
		js.variables(n, exported)
	case "interface_declaration", "type_alias_declaration", "enum_declaration":
		js.typeDecl(n, exported)
	default:
		return false
	}
	return true
}

func (js *jsFile) importStmt(n *sitter.Node) {
	text := strings.TrimSpace(nodeText(n, js.src))
	id := graph.NewEntityID(js.path, text)
	source := strings.Trim(nodeText(n.ChildByFieldName("source"), js.src), "'\"`")
	if !js.b.entity(graph.Entity{
		ID:       id,
		Kind:     graph.KindImport,
		Name:     text,
		Path:     js.path,
		Span:     nodeSpan(n),
		Content:  text,
		Metadata: map[string]string{"source": source},
	}) {
		return
	}
	js.b.relate(js.moduleID, id, graph.RelContains)

	// Only relative imports can point at project files.
	if !strings.HasPrefix(source, ".") {
		return
	}
	module := strings.TrimSuffix(path.Base(source), path.Ext(source))
	line := nodeLine(n)
	names := 0
	walk(n, func(c *sitter.Node) bool {
		switch c.Type() {
		case "import_specifier":
			js.b.reference(id, module, nodeText(c.ChildByFieldName("name"), js.src), graph.RelImports, line)
			names++
			return false
		case "namespace_import":
			return false
		}
		return true
	})
	if names == 0 {
		js.b.reference(id, "", module, graph.RelImports, line)
	}
}

func (js *jsFile) class(n *sitter.Node, exported bool) {
	name := nodeText(n.ChildByFieldName("name"), js.src)
	if name == "" {
		return
	}
	id := graph.NewEntityID(js.path, name)

	var base string
	var implements []string
	sig := "class " + name
	if n.Type() == "abstract_class_declaration" {
		sig = "abstract " + sig
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() != "class_heritage" {
			continue
		}
		sig += " " + nodeText(c, js.src)
		for j := 0; j < int(c.NamedChildCount()); j++ {
			clause := c.NamedChild(j)
			switch clause.Type() {
			case "extends_clause":
				if v := clause.ChildByFieldName("value"); v != nil {
					base = nodeText(v, js.src)
				} else if clause.NamedChildCount() > 0 {
					base = nodeText(clause.NamedChild(0), js.src)
				}
			case "implements_clause":
				for k := 0; k < int(clause.NamedChildCount()); k++ {
					implements = append(implements, stripTypeArgs(nodeText(clause.NamedChild(k), js.src)))
				}
			default:
				// JavaScript puts the base expression directly under the heritage.
				if j == 0 {
					base = nodeText(clause, js.src)
				}
			}
		}
	}

	meta := map[string]string{}
	if exported {
		meta["exported"] = "true"
	}
	if base != "" {
		meta["extends"] = base
	}
	if len(implements) > 0 {
		meta["implements"] = strings.Join(implements, ",")
	}
	if !js.b.entity(graph.Entity{
		ID:          id,
		Kind:        graph.KindClass,
		Name:        name,
		Path:        js.path,
		Span:        nodeSpan(n),
		Signature:   sig,
		Description: js.leadingComment(n),
		Content:     nodeText(n, js.src),
		Metadata:    meta,
	}) {
		return
	}
	js.b.relate(js.moduleID, id, graph.RelContains)
	if base != "" {
		qualifier := ""
		if idx := strings.LastIndex(base, "."); idx >= 0 {
			qualifier = base[:idx]
		}
		js.b.reference(id, qualifier, lastSegment(base), graph.RelInherits, nodeLine(n))
	}
	for _, iface := range implements {
		js.b.reference(id, "", lastSegment(iface), graph.RelImplements, nodeLine(n))
	}

	body := n.ChildByFieldName("body")
	if body == nil {
		return
	}
	for i := 0; i < int(body.NamedChildCount()); i++ {
		m := body.NamedChild(i)
		if m.Type() != "method_definition" && m.Type() != "abstract_method_signature" {
			continue
		}
		mname := nodeText(m.ChildByFieldName("name"), js.src)
		if mname == "" {
			continue
		}
		if mid := js.function(m, name+"."+mname, mname, graph.KindMethod, exported, m.ChildByFieldName("body")); mid != "" {
			js.b.relate(id, mid, graph.RelContains)
		}
	}
}

// function records a function or method. sigName overrides the name used
// in the signature. It returns the entity id, or "" when nothing was added.
func (js *jsFile) function(n *sitter.Node, name, sigName string, kind graph.EntityKind, exported bool, body *sitter.Node) string {
	if name == "" {
		return ""
	}
	if sigName == "" {
		sigName = name
	}
	id := graph.NewEntityID(js.path, name)
	sig := "function " + sigName
	if kind == graph.KindMethod {
		sig = sigName
	}
	sig += nodeText(n.ChildByFieldName("parameters"), js.src)
	sig += nodeText(n.ChildByFieldName("return_type"), js.src)
	if n.ChildCount() > 0 && n.Child(0).Type() == "async" {
		sig = "async " + sig
	}

	meta := map[string]string{}
	if exported {
		meta["exported"] = "true"
	}
	if !js.b.entity(graph.Entity{
		ID:          id,
		Kind:        kind,
		Name:        name,
		Path:        js.path,
		Span:        nodeSpan(n),
		Signature:   sig,
		Description: js.leadingComment(n),
		Content:     nodeText(n, js.src),
		Metadata:    meta,
	}) {
		return ""
	}
	if kind != graph.KindMethod {
		js.b.relate(js.moduleID, id, graph.RelContains)
	}
	if body != nil {
		js.calls(body, id)
	}
	return id
}

func (js *jsFile) variables(n *sitter.Node, exported bool) {
	isConst := n.ChildCount() > 0 && n.Child(0).Type() == "const"
	for i := 0; i < int(n.NamedChildCount()); i++ {
		d := n.NamedChild(i)
		if d.Type() != "variable_declarator" {
			continue
		}
		nameNode := d.ChildByFieldName("name")
		if nameNode == nil || nameNode.Type() != "identifier" {
			continue
		}
		name := nodeText(nameNode, js.src)
		value := d.ChildByFieldName("value")
		if value != nil {
			switch value.Type() {
			case "arrow_function", "function", "function_expression", "generator_function":
				js.function(value, name, "", graph.KindFunction, exported, value.ChildByFieldName("body"))
				continue
			}
		}

		kind := graph.KindVariable
		if isConst && isAllCaps(name) {
			kind = graph.KindConstant
		}
		id := graph.NewEntityID(js.path, name)
		meta := map[string]string{}
		if exported {
			meta["exported"] = "true"
		}
		if !js.b.entity(graph.Entity{
			ID:          id,
			Kind:        kind,
			Name:        name,
			Path:        js.path,
			Span:        nodeSpan(d),
			Description: js.leadingComment(n),
			Content:     nodeText(n, js.src),
			Metadata:    meta,
		}) {
			continue
		}
		js.b.relate(js.moduleID, id, graph.RelContains)
		if value != nil {
			js.calls(value, id)
		}
	}
}

// typeDecl records a TypeScript interface, type alias or enum. Interfaces
// and type aliases become interface entities, enums become classes.
func (js *jsFile) typeDecl(n *sitter.Node, exported bool) {
	name := nodeText(n.ChildByFieldName("name"), js.src)
	if name == "" {
		return
	}
	id := graph.NewEntityID(js.path, name)

	kind := graph.KindInterface
	meta := map[string]string{}
	var sig string
	switch n.Type() {
	case "interface_declaration":
		sig = "interface " + name
	case "type_alias_declaration":
		sig = "type " + name
		meta["type_alias"] = "true"
	case "enum_declaration":
		kind = graph.KindClass
		sig = "enum " + name
		meta["enum"] = "true"
	}
	if exported {
		meta["exported"] = "true"
	}

	var bases []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() != "extends_type_clause" {
			continue
		}
		sig += " " + nodeText(c, js.src)
		for j := 0; j < int(c.NamedChildCount()); j++ {
			bases = append(bases, stripTypeArgs(nodeText(c.NamedChild(j), js.src)))
		}
	}

	if !js.b.entity(graph.Entity{
		ID:          id,
		Kind:        kind,
		Name:        name,
		Path:        js.path,
		Span:        nodeSpan(n),
		Signature:   sig,
		Description: js.leadingComment(n),
		Content:     nodeText(n, js.src),
		Metadata:    meta,
	}) {
		return
	}
	js.b.relate(js.moduleID, id, graph.RelContains)
	for _, base := range bases {
		js.b.reference(id, "", lastSegment(base), graph.RelInherits, nodeLine(n))
	}
}

// stripTypeArgs strips type arguments: "Repo<User>" becomes "Repo".
func stripTypeArgs(s string) string {
	if idx := strings.Index(s, "<"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func (js *jsFile) calls(n *sitter.Node, source string) {
	walk(n, func(c *sitter.Node) bool {
		switch c.Type() {
		case "call_expression":
			fn := c.ChildByFieldName("function")
			if fn == nil {
				return true
			}
			switch fn.Type() {
			case "identifier":
				js.b.reference(source, "", nodeText(fn, js.src), graph.RelCalls, nodeLine(c))
			case "member_expression":
				qualifier := nodeText(fn.ChildByFieldName("object"), js.src)
				if qualifier == "this" {
					qualifier = ""
				}
				js.b.reference(source, qualifier, nodeText(fn.ChildByFieldName("property"), js.src), graph.RelCalls, nodeLine(c))
			}
		case "new_expression":
			if ctor := c.ChildByFieldName("constructor"); ctor != nil && ctor.Type() == "identifier" {
				js.b.reference(source, "", nodeText(ctor, js.src), graph.RelUses, nodeLine(c))
			}
		}
		return true
	})
}

// leadingComment returns the comment right above n, without comment markers.
func (js *jsFile) leadingComment(n *sitter.Node) string {
	target := n
	if p := n.Parent(); p != nil && p.Type() == "export_statement" {
		target = p
	}
	prev := target.PrevNamedSibling()
	if prev == nil || prev.Type() != "comment" || int(prev.EndPoint().Row)+1 < int(target.StartPoint().Row) {
		return ""
	}
	text := nodeText(prev, js.src)
	text = strings.TrimPrefix(text, "//")
	text = strings.TrimPrefix(text, "/**")
	text = strings.TrimPrefix(text, "/*")
	text = strings.TrimSuffix(text, "*/")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimPrefix(strings.TrimSpace(l), "* ")
		lines[i] = strings.TrimPrefix(lines[i], "*")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
