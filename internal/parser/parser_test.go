package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zheng/codectx/internal/graph"
)

const goSource = `package store

import "fmt"

// Limit caps batches.
const Limit = 10

// Store keeps items.
type Store struct {
	items []Item
}

// Save writes one item.
func (s *Store) Save(it Item) error {
	if len(s.items) > Limit {
		return fmt.Errorf("full")
	}
	s.items = append(s.items, it)
	return nil
}

func NewStore() *Store {
	return &Store{}
}
`

const pySource = `"""Billing helpers."""
from b import bar
import os

RATE = 3

class Base:
    pass

class Invoice(Base):
    """An invoice."""

    def total(self):
        return self.subtotal() * RATE

    def subtotal(self):
        return bar(1)

def make():
    return Invoice()
`

const jsSource = `import { bar } from './b';

// Adds tax.
export function withTax(x) {
  return bar(x) * RATE;
}

const RATE = 2;

class Cart extends Base {
  total() {
    return withTax(this.sum());
  }
  sum() { return 1; }
}

const helper = (y) => new Cart();
`

func entities(res *FileResult) map[string]graph.Entity {
	m := make(map[string]graph.Entity)
	for _, e := range res.Entities {
		m[e.ID] = e
	}
	return m
}

func relIDs(res *FileResult) []string {
	ids := make([]string, 0, len(res.Relationships))
	for _, r := range res.Relationships {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestGoParser(t *testing.T) {
	res, err := NewGoParser().Parse(context.Background(), "store.go", []byte(goSource))
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.Equal(t, "go", res.Language)

	ents := entities(res)
	require.Len(t, ents, 6)
	assert.Equal(t, graph.KindModule, ents["store.go"].Kind)
	assert.Equal(t, "store", ents["store.go"].Name)
	assert.Equal(t, graph.KindImport, ents["store.go::import fmt"].Kind)
	assert.Equal(t, graph.KindConstant, ents["store.go::Limit"].Kind)
	assert.Equal(t, graph.KindStruct, ents["store.go::Store"].Kind)
	assert.Equal(t, graph.KindFunction, ents["store.go::NewStore"].Kind)

	save := ents["store.go::Store.Save"]
	assert.Equal(t, graph.KindMethod, save.Kind)
	assert.Equal(t, "func (s *Store) Save(it Item) error", save.Signature)
	assert.Equal(t, "Save writes one item.", save.Description)
	assert.Equal(t, 14, save.Span.Start.Line)
	assert.Equal(t, "true", save.Metadata["exported"])
	assert.Contains(t, save.Content, "s.items = append(s.items, it)")

	rels := relIDs(res)
	assert.Contains(t, rels, "store.go->contains->store.go::Store")
	assert.Contains(t, rels, "store.go::Store->contains->store.go::Store.Save")
	assert.Contains(t, rels, "store.go::Store.Save->references->store.go::Limit")
	assert.Contains(t, rels, "store.go::NewStore->uses->store.go::Store")

	assert.Contains(t, res.References, Reference{Source: "store.go::Store.Save", Qualifier: "fmt", Name: "Errorf", Kind: graph.RelCalls, Line: 16})
	assert.Contains(t, res.References, Reference{Source: "store.go::Store", Name: "Item", Kind: graph.RelUses, Line: 9})
	for _, ref := range res.References {
		assert.NotEqual(t, "len", ref.Name)
		assert.NotEqual(t, "append", ref.Name)
	}
}

func TestGoParser_SyntaxError(t *testing.T) {
	_, err := NewGoParser().Parse(context.Background(), "bad.go", []byte("not go at all"))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrSyntax)
	assert.Equal(t, 1, pe.Line)

	res, err := NewGoParser().Parse(context.Background(), "half.go", []byte("package half\n\nfunc Ok() {}\n\nfunc {\n"))
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Contains(t, entities(res), "half.go::Ok")
}

func TestPythonParser(t *testing.T) {
	res, err := NewPythonParser().Parse(context.Background(), "a.py", []byte(pySource))
	require.NoError(t, err)

	ents := entities(res)
	assert.Equal(t, "Billing helpers.", ents["a.py"].Description)
	assert.Equal(t, "a", ents["a.py"].Name)
	assert.Equal(t, graph.KindImport, ents["a.py::from b import bar"].Kind)
	assert.Equal(t, graph.KindConstant, ents["a.py::RATE"].Kind)
	assert.Equal(t, graph.KindClass, ents["a.py::Invoice"].Kind)
	assert.Equal(t, "An invoice.", ents["a.py::Invoice"].Description)
	assert.Equal(t, "class Invoice(Base)", ents["a.py::Invoice"].Signature)
	assert.Equal(t, graph.KindMethod, ents["a.py::Invoice.total"].Kind)
	assert.Equal(t, "def total(self)", ents["a.py::Invoice.total"].Signature)
	assert.Equal(t, graph.KindFunction, ents["a.py::make"].Kind)

	rels := relIDs(res)
	assert.Contains(t, rels, "a.py::Invoice->inherits->a.py::Base")
	assert.Contains(t, rels, "a.py::Invoice->contains->a.py::Invoice.total")
	assert.Contains(t, rels, "a.py::Invoice.total->calls->a.py::Invoice.subtotal")
	assert.Contains(t, rels, "a.py::make->calls->a.py::Invoice")
	assert.Contains(t, rels, "a.py->contains->a.py::from b import bar")

	assert.Contains(t, res.References, Reference{Source: "a.py::from b import bar", Qualifier: "b", Name: "bar", Kind: graph.RelImports, Line: 2})
	assert.Contains(t, res.References, Reference{Source: "a.py::import os", Name: "os", Kind: graph.RelImports, Line: 3})
	assert.Contains(t, res.References, Reference{Source: "a.py::Invoice.subtotal", Name: "bar", Kind: graph.RelCalls, Line: 17})
}

func TestJavaScriptParser(t *testing.T) {
	res, err := NewJavaScriptParser().Parse(context.Background(), "a.js", []byte(jsSource))
	require.NoError(t, err)

	ents := entities(res)
	withTax := ents["a.js::withTax"]
	assert.Equal(t, graph.KindFunction, withTax.Kind)
	assert.Equal(t, "Adds tax.", withTax.Description)
	assert.Equal(t, "function withTax(x)", withTax.Signature)
	assert.Equal(t, "true", withTax.Metadata["exported"])
	assert.Equal(t, graph.KindConstant, ents["a.js::RATE"].Kind)
	assert.Equal(t, graph.KindClass, ents["a.js::Cart"].Kind)
	assert.Equal(t, graph.KindMethod, ents["a.js::Cart.total"].Kind)
	assert.Equal(t, graph.KindFunction, ents["a.js::helper"].Kind)

	rels := relIDs(res)
	assert.Contains(t, rels, "a.js::Cart->contains->a.js::Cart.total")
	assert.Contains(t, rels, "a.js::Cart.total->calls->a.js::withTax")
	assert.Contains(t, rels, "a.js::Cart.total->calls->a.js::Cart.sum")
	assert.Contains(t, rels, "a.js::helper->uses->a.js::Cart")

	assert.Contains(t, res.References, Reference{Source: "a.js::import { bar } from './b';", Qualifier: "b", Name: "bar", Kind: graph.RelImports, Line: 1})
	assert.Contains(t, res.References, Reference{Source: "a.js::Cart", Name: "Base", Kind: graph.RelInherits, Line: 10})
}

const tsSource = `import { Store } from './store';

export interface Repo<T> extends Reader<T> {
  find(id: string): T;
}

type ID = string;

enum Status { Open, Closed }

// Keeps users in memory.
export class UserRepo extends BaseRepo implements Repo<User>, Closer {
  find(id: string): User {
    return lookup(id);
  }
}

export function lookup(id: ID): User {
  return new Store().get(id);
}
`

func TestTypeScriptParser(t *testing.T) {
	res, err := NewTypeScriptParser().Parse(context.Background(), "users.ts", []byte(tsSource))
	require.NoError(t, err)
	assert.Equal(t, "typescript", res.Language)
	assert.False(t, res.Partial)

	ents := entities(res)
	assert.Equal(t, graph.KindInterface, ents["users.ts::Repo"].Kind)
	assert.Equal(t, "true", ents["users.ts::Repo"].Metadata["exported"])
	assert.Equal(t, "true", ents["users.ts::ID"].Metadata["type_alias"])
	assert.Equal(t, graph.KindClass, ents["users.ts::Status"].Kind)

	repo := ents["users.ts::UserRepo"]
	assert.Equal(t, graph.KindClass, repo.Kind)
	assert.Equal(t, "Keeps users in memory.", repo.Description)
	assert.Equal(t, "BaseRepo", repo.Metadata["extends"])
	assert.Equal(t, "Repo,Closer", repo.Metadata["implements"])
	assert.Equal(t, graph.KindMethod, ents["users.ts::UserRepo.find"].Kind)
	assert.Equal(t, "function lookup(id: ID): User", ents["users.ts::lookup"].Signature)

	rels := relIDs(res)
	assert.Contains(t, rels, "users.ts::UserRepo->implements->users.ts::Repo")
	assert.Contains(t, rels, "users.ts::UserRepo.find->calls->users.ts::lookup")

	assert.Contains(t, res.References, Reference{Source: "users.ts::UserRepo", Name: "BaseRepo", Kind: graph.RelInherits, Line: 12})
	assert.Contains(t, res.References, Reference{Source: "users.ts::Repo", Name: "Reader", Kind: graph.RelInherits, Line: 3})
	assert.Contains(t, res.References, Reference{Source: "users.ts::lookup", Name: "Store", Kind: graph.RelUses, Line: 19})

	res, err = NewTSXParser().Parse(context.Background(), "view.tsx", []byte("export function View(p: Props) { return <div>{render(p)}</div>; }\n"))
	require.NoError(t, err)
	assert.Contains(t, entities(res), "view.tsx::View")
	assert.Contains(t, res.References, Reference{Source: "view.tsx::View", Name: "render", Kind: graph.RelCalls, Line: 1})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Supports("pkg/A.PY"))
	assert.Equal(t, "javascript", r.Language("web/app.jsx"))
	assert.Equal(t, "typescript", r.Language("web/app.ts"))
	assert.Equal(t, "typescript", r.Language("web/View.tsx"))
	assert.False(t, r.Supports("README.md"))
	assert.Contains(t, r.Extensions(), ".go")

	_, err := r.Parse(context.Background(), "README.md", []byte("# hi"))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, "README.md", pe.Path)

	res, err := r.Parse(context.Background(), "store.go", []byte(goSource))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Entities)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Parse(ctx, "store.go", []byte(goSource))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFinish_LeavesAmbiguousNamesForIndexer(t *testing.T) {
	b := newBuilder("x.py", "python")
	b.entity(graph.Entity{ID: "x.py::A.run", Kind: graph.KindMethod, Name: "A.run"})
	b.entity(graph.Entity{ID: "x.py::B.run", Kind: graph.KindMethod, Name: "B.run"})
	b.entity(graph.Entity{ID: "x.py::main", Kind: graph.KindFunction, Name: "main"})
	b.reference("x.py::main", "", "run", graph.RelCalls, 3)
	b.reference("x.py::main", "", "run", graph.RelCalls, 4)
	b.reference("x.py::main", "", "main", graph.RelCalls, 5)

	res := b.finish()
	require.Len(t, res.References, 1)
	assert.Equal(t, "run", res.References[0].Name)
	assert.Empty(t, res.Relationships, "self calls are dropped")
	assert.False(t, b.entity(graph.Entity{ID: "x.py::main", Kind: graph.KindFunction}))
}
