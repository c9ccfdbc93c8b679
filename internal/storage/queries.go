package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/zheng/codectx/internal/export"
	"github.com/zheng/codectx/internal/graph"
)

const entityColumns = `id, scope, kind, name, path, start_line, start_col, end_line, end_col, signature, description, content, metadata, embedding`

// dependencyKinds mirrors graph.RelationKind.IsDependency for SQL filters.
const dependencyKinds = `('calls', 'imports', 'inherits', 'implements', 'references', 'uses')`

// SaveDocument replaces everything stored with doc.
func (db *DB) SaveDocument(ctx context.Context, doc *export.Document) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM relationships; DELETE FROM entities;"); err != nil {
			return err
		}
		if err := insertDocument(ctx, tx, doc, nil); err != nil {
			return err
		}
		return writeIndexMeta(ctx, tx, doc)
	})
}

// SaveScopes rewrites only the given scopes from doc. A scope that doc no
// longer holds is removed.
func (db *DB) SaveScopes(ctx context.Context, doc *export.Document, scopes []string) error {
	if len(scopes) == 0 {
		return nil
	}
	keep := make(map[string]bool, len(scopes))
	args := make([]any, 0, len(scopes))
	for _, s := range scopes {
		keep[s] = true
		args = append(args, s)
	}
	in := placeholders(len(scopes))

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE scope IN (`+in+`)`, args...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE scope IN (`+in+`)`, args...); err != nil {
			return err
		}
		if err := insertDocument(ctx, tx, doc, keep); err != nil {
			return err
		}
		return writeIndexMeta(ctx, tx, doc)
	})
}

func insertDocument(ctx context.Context, tx *sql.Tx, doc *export.Document, only map[string]bool) error {
	nodeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer nodeStmt.Close()

	for _, n := range doc.Nodes {
		scope := n.Scope
		if scope == "" {
			scope = n.Path
		}
		if only != nil && !only[scope] {
			continue
		}
		meta, err := encodeMetadata(n.Metadata)
		if err != nil {
			return err
		}
		var vec any
		if len(n.Embedding) > 0 {
			vec = encodeVector(n.Embedding)
		}
		if _, err := nodeStmt.ExecContext(ctx,
			n.ID, scope, string(n.Kind), n.Name, n.Path,
			n.Span.Start.Line, n.Span.Start.Column, n.Span.End.Line, n.Span.End.Column,
			n.Signature, n.Description, n.Content, meta, vec,
		); err != nil {
			return fmt.Errorf("insert entity %s: %w", n.ID, err)
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO relationships (id, scope, source, target, kind, weight, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer edgeStmt.Close()

	for _, e := range doc.Edges {
		if only != nil && !only[e.Scope] {
			continue
		}
		meta, err := encodeMetadata(e.Metadata)
		if err != nil {
			return err
		}
		if _, err := edgeStmt.ExecContext(ctx, e.ID, e.Scope, e.Source, e.Target, string(e.Kind), e.Weight, meta); err != nil {
			return fmt.Errorf("insert relationship %s: %w", e.ID, err)
		}
	}
	return nil
}

func writeIndexMeta(ctx context.Context, tx *sql.Tx, doc *export.Document) error {
	for k, v := range map[string]int{
		metaSchemaVersion: doc.SchemaVersion,
		metaDimensions:    doc.Index.EmbeddingDimensions,
		metaLexicalDocs:   doc.Index.LexicalDocuments,
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, strconv.Itoa(v)); err != nil {
			return err
		}
	}
	return nil
}

// LoadDocument reads the stored graph back, in insertion order. It returns
// ErrEmpty before the first save.
func (db *DB) LoadDocument(ctx context.Context) (*export.Document, error) {
	version, err := db.Meta(ctx, metaSchemaVersion)
	if err != nil {
		return nil, err
	}
	if version == "" {
		return nil, ErrEmpty
	}
	doc := &export.Document{}
	if doc.SchemaVersion, err = strconv.Atoi(version); err != nil {
		return nil, fmt.Errorf("schema version %q: %w", version, err)
	}
	if doc.Index.EmbeddingDimensions, err = db.metaInt(ctx, metaDimensions); err != nil {
		return nil, err
	}
	if doc.Index.LexicalDocuments, err = db.metaInt(ctx, metaLexicalDocs); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		if len(n.Embedding) > 0 {
			doc.Index.SemanticVectors++
		}
		doc.Nodes = append(doc.Nodes, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edges, err := db.conn.QueryContext(ctx,
		`SELECT id, scope, source, target, kind, weight, metadata FROM relationships ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer edges.Close()
	for edges.Next() {
		var (
			e    export.Edge
			kind string
			meta sql.NullString
		)
		if err := edges.Scan(&e.ID, &e.Scope, &e.Source, &e.Target, &kind, &e.Weight, &meta); err != nil {
			return nil, err
		}
		e.Kind = graph.RelationKind(kind)
		if e.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		doc.Edges = append(doc.Edges, e)
	}
	return doc, edges.Err()
}

func (db *DB) metaInt(ctx context.Context, key string) (int, error) {
	v, err := db.Meta(ctx, key)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.Atoi(v)
}

// Stats summarizes the stored graph.
type Stats struct {
	Entities      int    `json:"entities"`
	Relationships int    `json:"relationships"`
	Scopes        int    `json:"scopes"`
	Vectors       int    `json:"vectors"`
	Root          string `json:"root,omitempty"`
	IndexedAt     string `json:"indexed_at,omitempty"`
}

// GetStats returns database statistics
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM entities),
			(SELECT COUNT(*) FROM relationships),
			(SELECT COUNT(DISTINCT scope) FROM entities),
			(SELECT COUNT(*) FROM entities WHERE embedding IS NOT NULL)`,
	).Scan(&st.Entities, &st.Relationships, &st.Scopes, &st.Vectors)
	if err != nil {
		return nil, err
	}
	if st.Root, err = db.Meta(ctx, MetaRoot); err != nil {
		return nil, err
	}
	if st.IndexedAt, err = db.Meta(ctx, MetaIndexedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// FindEntities returns entities whose name contains pattern. Results are
// sorted by match quality: exact short name, then suffix, then substring.
func (db *DB) FindEntities(ctx context.Context, pattern string, limit int) ([]*graph.Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE name LIKE ? AND kind != 'import'
		 ORDER BY
			CASE
				WHEN name = ? OR name LIKE '%.' || ? THEN 0
				WHEN name LIKE '%' || ? THEN 1
				ELSE 2
			END,
			length(name) ASC, id ASC
		 LIMIT ?`,
		"%"+pattern+"%", pattern, pattern, pattern, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntities(rows)
}

// ==================== Risk Score Queries ====================

// RiskScore is the change risk of one entity, measured by how much of the
// graph depends on it.
type RiskScore struct {
	Entity           *graph.Entity   `json:"entity"`
	DirectDependents int             `json:"direct_dependents"`
	TotalDependents  int             `json:"total_dependents"`
	RiskLevel        graph.RiskLevel `json:"risk_level"`
}

// GetRiskScore calculates the risk score for one entity. The transitive
// count stops at depth 50 so cycles terminate.
func (db *DB) GetRiskScore(ctx context.Context, id string) (*RiskScore, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", graph.ErrNotFound, id)
		}
		return nil, err
	}

	var direct int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT source) FROM relationships WHERE target = ? AND kind IN `+dependencyKinds,
		id).Scan(&direct); err != nil {
		return nil, err
	}

	var total int
	if err := db.conn.QueryRowContext(ctx, `
		WITH RECURSIVE dependents(id, depth) AS (
			SELECT source, 1 FROM relationships
			WHERE target = ? AND kind IN `+dependencyKinds+`
			UNION
			SELECT r.source, d.depth + 1
			FROM relationships r
			JOIN dependents d ON r.target = d.id
			WHERE r.kind IN `+dependencyKinds+` AND d.depth < 50
		)
		SELECT COUNT(DISTINCT id) FROM dependents WHERE id != ?`,
		id, id).Scan(&total); err != nil {
		return nil, err
	}

	return &RiskScore{
		Entity:           nodeEntity(n),
		DirectDependents: direct,
		TotalDependents:  total,
		RiskLevel:        graph.RiskFromDependents(direct),
	}, nil
}

// GetTopRiskyEntities returns the functions, methods and types with the
// most direct dependents. Only the direct count is computed for the list.
func (db *DB) GetTopRiskyEntities(ctx context.Context, limit int) ([]*RiskScore, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+prefixColumns("n")+`, COUNT(DISTINCT r.source) AS dependents
		FROM entities n
		LEFT JOIN relationships r ON r.target = n.id AND r.kind IN `+dependencyKinds+`
		WHERE n.kind NOT IN ('module', 'import')
		GROUP BY n.id
		HAVING dependents > 0
		ORDER BY dependents DESC, n.id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*RiskScore
	for rows.Next() {
		var direct int
		n, err := scanNodeWith(rows, &direct)
		if err != nil {
			return nil, err
		}
		results = append(results, &RiskScore{
			Entity:           nodeEntity(n),
			DirectDependents: direct,
			TotalDependents:  direct,
			RiskLevel:        graph.RiskFromDependents(direct),
		})
	}
	return results, rows.Err()
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*export.Node, error) {
	return scanNodeWith(row)
}

func scanNodeWith(row scanner, extra ...any) (*export.Node, error) {
	var (
		n                     export.Node
		kind                  string
		sig, desc, body, meta sql.NullString
		vec                   []byte
	)
	dest := []any{
		&n.ID, &n.Scope, &kind, &n.Name, &n.Path,
		&n.Span.Start.Line, &n.Span.Start.Column, &n.Span.End.Line, &n.Span.End.Column,
		&sig, &desc, &body, &meta, &vec,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	n.Kind = graph.EntityKind(kind)
	n.Signature = sig.String
	n.Description = desc.String
	n.Content = body.String
	var err error
	if n.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	if len(vec) > 0 {
		n.Embedding = decodeVector(vec)
	}
	return &n, nil
}

func scanEntities(rows *sql.Rows) ([]*graph.Entity, error) {
	var entities []*graph.Entity
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, nodeEntity(n))
	}
	return entities, rows.Err()
}

func nodeEntity(n *export.Node) *graph.Entity {
	return &graph.Entity{
		ID:          n.ID,
		Kind:        n.Kind,
		Name:        n.Name,
		Path:        n.Path,
		Span:        n.Span,
		Signature:   n.Signature,
		Description: n.Description,
		Content:     n.Content,
		Embedding:   n.Embedding,
		Metadata:    n.Metadata,
	}
}

func prefixColumns(alias string) string {
	cols := strings.Split(entityColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeMetadata(s sql.NullString) (map[string]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}
