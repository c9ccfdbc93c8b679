package parser

import (
	"bytes"
	"context"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/scanner"
	"go/token"
	"strconv"
	"strings"

	"golang.org/x/tools/go/ast/inspector"

	"github.com/zheng/codectx/internal/graph"
)

// goBuiltins are never turned into references.
var goBuiltins = map[string]bool{
	"append": true, "cap": true, "clear": true, "close": true, "complex": true, "copy": true,
	"delete": true, "imag": true, "len": true, "make": true, "max": true, "min": true,
	"new": true, "panic": true, "print": true, "println": true, "real": true, "recover": true,
	"bool": true, "byte": true, "error": true, "float32": true, "float64": true, "int": true,
	"int8": true, "int16": true, "int32": true, "int64": true, "rune": true, "string": true,
	"uint": true, "uint8": true, "uint16": true, "uint32": true, "uint64": true, "uintptr": true,
	"any": true, "comparable": true,
}

// GoParser parses Go files with go/parser. It works on syntax only: names
// are linked by spelling, not by type information.
type GoParser struct{}

func NewGoParser() *GoParser { return &GoParser{} }

func (p *GoParser) Parse(ctx context.Context, path string, content []byte) (*FileResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, content, parser.ParseComments|parser.SkipObjectResolution)
	if f == nil || f.Name == nil || f.Name.Name == "" {
		pe := &ParseError{Path: path, Err: ErrSyntax}
		if list, ok := err.(scanner.ErrorList); ok && len(list) > 0 {
			pe.Line = list[0].Pos.Line
		}
		return nil, pe
	}

	g := &goFile{fset: fset, file: f, src: content, b: newBuilder(path, "go"), path: path}
	g.b.res.Partial = err != nil
	g.module()
	g.declarations()
	g.bodies()
	return g.b.finish(), nil
}

type goFile struct {
	fset *token.FileSet
	file *ast.File
	src  []byte
	b    *builder
	path string

	moduleID string
	types    map[string]string // 类型名 -> 实体 id
	globals  map[string]string // 包级变量/常量名 -> 实体 id
}

func (g *goFile) span(n ast.Node) graph.Span {
	start := g.fset.Position(n.Pos())
	end := g.fset.Position(n.End())
	return graph.Span{
		Start: graph.Position{Line: start.Line, Column: start.Column},
		End:   graph.Position{Line: end.Line, Column: end.Column},
	}
}

func (g *goFile) text(n ast.Node) string {
	start := g.fset.Position(n.Pos()).Offset
	end := g.fset.Position(n.End()).Offset
	if start < 0 || end > len(g.src) || start > end {
		return ""
	}
	return string(g.src[start:end])
}

func (g *goFile) module() {
	g.moduleID = graph.NewEntityID(g.path, "")
	meta := map[string]string{"language": "go", "package": g.file.Name.Name}
	if strings.HasSuffix(g.path, "_test.go") {
		meta["test"] = "true"
	}
	g.b.entity(graph.Entity{
		ID:          g.moduleID,
		Kind:        graph.KindModule,
		Name:        g.file.Name.Name,
		Path:        g.path,
		Span:        graph.Span{Start: graph.Position{Line: 1, Column: 1}, End: graph.Position{Line: lineCount(g.src)}},
		Description: strings.TrimSpace(g.file.Doc.Text()),
		Metadata:    meta,
	})

	for _, imp := range g.file.Imports {
		importPath, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		id := graph.NewEntityID(g.path, "import "+importPath)
		meta := map[string]string{"import_path": importPath}
		if imp.Name != nil {
			meta["alias"] = imp.Name.Name
		}
		if g.b.entity(graph.Entity{
			ID:       id,
			Kind:     graph.KindImport,
			Name:     importPath,
			Path:     g.path,
			Span:     g.span(imp),
			Content:  g.text(imp),
			Metadata: meta,
		}) {
			g.b.relate(g.moduleID, id, graph.RelContains)
		}
	}
}

func (g *goFile) declarations() {
	g.types = make(map[string]string)
	g.globals = make(map[string]string)

	for _, decl := range g.file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok {
			continue
		}
		for _, spec := range gen.Specs {
			switch s := spec.(type) {
			case *ast.TypeSpec:
				g.typeSpec(gen, s)
			case *ast.ValueSpec:
				g.valueSpec(gen, s)
			}
		}
	}

	for _, decl := range g.file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok {
			g.funcDecl(fn)
		}
	}
}

func (g *goFile) typeSpec(gen *ast.GenDecl, s *ast.TypeSpec) {
	kind := graph.EntityKind("type")
	switch s.Type.(type) {
	case *ast.StructType:
		kind = graph.KindStruct
	case *ast.InterfaceType:
		kind = graph.KindInterface
	}
	doc := s.Doc
	if doc == nil && len(gen.Specs) == 1 {
		doc = gen.Doc
	}

	id := graph.NewEntityID(g.path, s.Name.Name)
	var node ast.Node = s
	if len(gen.Specs) == 1 {
		node = gen
	}
	if !g.b.entity(graph.Entity{
		ID:          id,
		Kind:        kind,
		Name:        s.Name.Name,
		Path:        g.path,
		Span:        g.span(node),
		Signature:   "type " + s.Name.Name,
		Description: strings.TrimSpace(doc.Text()),
		Content:     g.text(node),
		Metadata:    exportedMeta(s.Name.Name),
	}) {
		return
	}
	g.types[s.Name.Name] = id
	g.b.relate(g.moduleID, id, graph.RelContains)

	line := g.fset.Position(s.Pos()).Line
	switch t := s.Type.(type) {
	case *ast.StructType:
		for _, field := range t.Fields.List {
			rel := graph.RelUses
			if len(field.Names) == 0 {
				rel = graph.RelInherits
			}
			for _, name := range typeNames(field.Type) {
				g.b.reference(id, name.qualifier, name.name, rel, line)
			}
		}
	case *ast.InterfaceType:
		for _, m := range t.Methods.List {
			if len(m.Names) == 0 {
				for _, name := range typeNames(m.Type) {
					g.b.reference(id, name.qualifier, name.name, graph.RelInherits, line)
				}
			}
		}
	default:
		for _, name := range typeNames(s.Type) {
			g.b.reference(id, name.qualifier, name.name, graph.RelUses, line)
		}
	}
}

func (g *goFile) valueSpec(gen *ast.GenDecl, s *ast.ValueSpec) {
	kind := graph.KindVariable
	keyword := "var"
	if gen.Tok == token.CONST {
		kind = graph.KindConstant
		keyword = "const"
	}
	doc := s.Doc
	if doc == nil {
		doc = gen.Doc
	}
	for _, name := range s.Names {
		if name.Name == "_" {
			continue
		}
		id := graph.NewEntityID(g.path, name.Name)
		sig := keyword + " " + name.Name
		if s.Type != nil {
			sig += " " + g.text(s.Type)
		}
		if !g.b.entity(graph.Entity{
			ID:          id,
			Kind:        kind,
			Name:        name.Name,
			Path:        g.path,
			Span:        g.span(s),
			Signature:   sig,
			Description: strings.TrimSpace(doc.Text()),
			Content:     g.text(s),
			Metadata:    exportedMeta(name.Name),
		}) {
			continue
		}
		g.globals[name.Name] = id
		g.b.relate(g.moduleID, id, graph.RelContains)
		for _, tn := range typeNames(s.Type) {
			g.b.reference(id, tn.qualifier, tn.name, graph.RelUses, g.fset.Position(s.Pos()).Line)
		}
	}
}

func (g *goFile) funcDecl(fn *ast.FuncDecl) {
	name := fn.Name.Name
	kind := graph.KindFunction
	recv := ""
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		recv = receiverType(fn.Recv.List[0].Type)
		if recv != "" {
			name = recv + "." + name
			kind = graph.KindMethod
		}
	}
	if fn.Name.Name == "_" {
		return
	}

	id := graph.NewEntityID(g.path, name)
	meta := exportedMeta(fn.Name.Name)
	if recv != "" {
		meta["receiver"] = recv
	}
	if !g.b.entity(graph.Entity{
		ID:          id,
		Kind:        kind,
		Name:        name,
		Path:        g.path,
		Span:        g.span(fn),
		Signature:   g.signature(fn),
		Description: strings.TrimSpace(fn.Doc.Text()),
		Content:     g.text(fn),
		Metadata:    meta,
	}) {
		return
	}

	line := g.fset.Position(fn.Pos()).Line
	if recv == "" {
		g.b.relate(g.moduleID, id, graph.RelContains)
	} else if typeID, ok := g.types[recv]; ok {
		g.b.relate(typeID, id, graph.RelContains)
	} else {
		// The receiver type lives in another file of the package.
		g.b.reference(id, "", recv, graph.RelReferences, line)
	}

	for _, list := range []*ast.FieldList{fn.Type.Params, fn.Type.Results} {
		if list == nil {
			continue
		}
		for _, field := range list.List {
			for _, tn := range typeNames(field.Type) {
				g.b.reference(id, tn.qualifier, tn.name, graph.RelUses, line)
			}
		}
	}
}

// signature prints the declaration without its body.
func (g *goFile) signature(fn *ast.FuncDecl) string {
	decl := *fn
	decl.Body = nil
	decl.Doc = nil
	var buf bytes.Buffer
	if err := printer.Fprint(&buf, g.fset, &decl); err != nil {
		return "func " + fn.Name.Name
	}
	return buf.String()
}

// bodies walks function bodies for calls, composite literals and uses of
// package-level names.
func (g *goFile) bodies() {
	insp := inspector.New([]*ast.File{g.file})
	filter := []ast.Node{(*ast.CallExpr)(nil), (*ast.CompositeLit)(nil), (*ast.Ident)(nil)}
	insp.WithStack(filter, func(n ast.Node, push bool, stack []ast.Node) bool {
		if !push {
			return true
		}
		source := g.enclosing(stack)
		if source == "" {
			return true
		}
		line := g.fset.Position(n.Pos()).Line

		switch x := n.(type) {
		case *ast.CallExpr:
			switch fun := ast.Unparen(x.Fun).(type) {
			case *ast.Ident:
				if !goBuiltins[fun.Name] {
					g.b.reference(source, "", fun.Name, graph.RelCalls, line)
				}
			case *ast.SelectorExpr:
				qualifier := ""
				if id, ok := fun.X.(*ast.Ident); ok {
					qualifier = id.Name
				}
				g.b.reference(source, qualifier, fun.Sel.Name, graph.RelCalls, line)
			case *ast.IndexExpr:
				if id, ok := fun.X.(*ast.Ident); ok {
					g.b.reference(source, "", id.Name, graph.RelCalls, line)
				}
			}
		case *ast.CompositeLit:
			for _, tn := range typeNames(x.Type) {
				g.b.reference(source, tn.qualifier, tn.name, graph.RelUses, line)
			}
		case *ast.Ident:
			if target, ok := g.globals[x.Name]; ok {
				g.b.relate(source, target, graph.RelReferences)
			}
		}
		return true
	})
}

// enclosing returns the id of the function declaration on the stack.
func (g *goFile) enclosing(stack []ast.Node) string {
	for i := len(stack) - 1; i >= 0; i-- {
		fn, ok := stack[i].(*ast.FuncDecl)
		if !ok {
			continue
		}
		if fn.Body == nil {
			return ""
		}
		// Only calls inside the body count, not the signature.
		if i+1 < len(stack) && stack[i+1] != fn.Body {
			return ""
		}
		name := fn.Name.Name
		if fn.Recv != nil && len(fn.Recv.List) > 0 {
			if recv := receiverType(fn.Recv.List[0].Type); recv != "" {
				name = recv + "." + name
			}
		}
		id := graph.NewEntityID(g.path, name)
		if !g.b.has(id) {
			return ""
		}
		return id
	}
	return ""
}

type typeName struct {
	qualifier string
	name      string
}

// typeNames lists the named types mentioned in a type expression,
// skipping builtins.
func typeNames(expr ast.Expr) []typeName {
	var names []typeName
	var walk func(ast.Expr)
	walk = func(e ast.Expr) {
		switch t := e.(type) {
		case *ast.Ident:
			if !goBuiltins[t.Name] {
				names = append(names, typeName{name: t.Name})
			}
		case *ast.SelectorExpr:
			if pkg, ok := t.X.(*ast.Ident); ok {
				names = append(names, typeName{qualifier: pkg.Name, name: t.Sel.Name})
			}
		case *ast.StarExpr:
			walk(t.X)
		case *ast.ArrayType:
			walk(t.Elt)
		case *ast.MapType:
			walk(t.Key)
			walk(t.Value)
		case *ast.ChanType:
			walk(t.Value)
		case *ast.Ellipsis:
			walk(t.Elt)
		case *ast.IndexExpr:
			walk(t.X)
			walk(t.Index)
		case *ast.IndexListExpr:
			walk(t.X)
			for _, idx := range t.Indices {
				walk(idx)
			}
		case *ast.ParenExpr:
			walk(t.X)
		}
	}
	if expr != nil {
		walk(expr)
	}
	return names
}

// receiverType extracts the type name from a receiver expression, e.g.
// "*Server[T]" -> "Server".
func receiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.IndexExpr:
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	case *ast.ParenExpr:
		return receiverType(t.X)
	}
	return ""
}

func exportedMeta(name string) map[string]string {
	if ast.IsExported(name) {
		return map[string]string{"exported": "true"}
	}
	return map[string]string{}
}
