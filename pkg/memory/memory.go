// Package memory implements the knowledge graph engine: typed nodes and
// edges in sqlite, full-text search over the FTS index, and recursive
// parent_of traversals.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hostbridge/hostbridge/pkg/apperr"
	"github.com/hostbridge/hostbridge/pkg/store"
)

// RelationParentOf is the relation traversed by children, ancestors, roots
// and subtree.
const RelationParentOf = "parent_of"

const (
	namePrefixLen     = 60
	contentPreviewLen = 120
	ancestorsDefault  = 10
)

// Node is one knowledge graph vertex.
type Node struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Content    string         `json:"content"`
	EntityType string         `json:"entity_type"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata"`
	Source     string         `json:"source,omitempty"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

// Neighbor is the summary of the node on the far side of an edge.
type Neighbor struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	EntityType     string `json:"entity_type"`
	ContentPreview string `json:"content_preview"`
}

// Relation is one incident edge seen from a node.
type Relation struct {
	EdgeID    string   `json:"edge_id"`
	Direction string   `json:"direction"` // outgoing or incoming
	Relation  string   `json:"relation"`
	Weight    float64  `json:"weight"`
	Neighbor  Neighbor `json:"neighbor"`
}

// RelationSpec names an edge to create alongside a stored node.
type RelationSpec struct {
	TargetID string  `json:"target_id"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
}

// StoreInput carries the fields of a new node.
type StoreInput struct {
	Content    string
	Name       string
	EntityType string
	Tags       []string
	Metadata   map[string]any
	Source     string
	Relations  []RelationSpec
}

// StoreResult reports the created node.
type StoreResult struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	CreatedAt        string `json:"created_at"`
	RelationsCreated int    `json:"relations_created"`
}

// SearchInput selects and ranks nodes.
type SearchInput struct {
	Query          string
	Mode           string // fulltext, tags, hybrid
	EntityType     string
	Tags           []string
	MaxResults     int
	TemporalFilter string // created_at upper bound, TimeLayout
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Node           Node    `json:"node"`
	RelevanceScore float64 `json:"relevance_score"`
	MatchedField   string  `json:"matched_field"`
}

// UpdateInput patches a node; nil fields are left unchanged. Metadata merges
// key by key.
type UpdateInput struct {
	Content  *string
	Name     *string
	Tags     []string
	Metadata map[string]any
}

// UpdateResult reports the patch and the content it replaced.
type UpdateResult struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	UpdatedAt       string `json:"updated_at"`
	PreviousContent string `json:"previous_content"`
}

// NodeRef is a minimal node handle used in delete reporting.
type NodeRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DeleteResult reports what a delete removed.
type DeleteResult struct {
	DeletedNode      NodeRef   `json:"deleted_node"`
	DeletedEdges     int       `json:"deleted_edges"`
	OrphanedChildren []NodeRef `json:"orphaned_children"`
}

// LinkInput upserts an edge.
type LinkInput struct {
	SourceID      string
	TargetID      string
	Relation      string
	Weight        float64
	Bidirectional bool
	Metadata      map[string]any
	ValidFrom     string
	ValidUntil    string
}

// LinkResult reports the upserted edge. Created distinguishes insert from
// update of an existing (source, target, relation) triple.
type LinkResult struct {
	EdgeID   string `json:"edge_id"`
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Relation string `json:"relation"`
	Created  bool   `json:"created"`
}

// ConnectedNode is a stats entry for the most-connected ranking.
type ConnectedNode struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	EdgeCount int    `json:"edge_count"`
}

// Stats summarises the graph.
type Stats struct {
	TotalNodes         int             `json:"total_nodes"`
	TotalEdges         int             `json:"total_edges"`
	NodesByType        map[string]int  `json:"nodes_by_type"`
	EdgesByRelation    map[string]int  `json:"edges_by_relation"`
	MostConnectedNodes []ConnectedNode `json:"most_connected_nodes"`
	OrphanedNodes      int             `json:"orphaned_nodes"`
	CreatedLast24h     int             `json:"created_last_24h"`
	TagsFrequency      map[string]int  `json:"tags_frequency"`
}

// Engine runs all graph operations over a shared database.
type Engine struct {
	db     *store.DB
	logger *slog.Logger
	clock  func() time.Time
}

// NewEngine returns a graph engine over db.
func NewEngine(db *store.DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, logger: logger, clock: time.Now}
}

// Store creates a node, optionally with edges to existing targets. Any
// missing target fails the whole operation before anything is written.
func (e *Engine) Store(ctx context.Context, in StoreInput) (StoreResult, error) {
	id := uuid.New().String()
	now := store.FormatTime(e.clock())
	name := in.Name
	if name == "" {
		name = truncateRunes(in.Content, namePrefixLen)
	}
	entityType := in.EntityType
	if entityType == "" {
		entityType = "note"
	}
	if in.Tags == nil {
		in.Tags = []string{}
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return StoreResult{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rel := range in.Relations {
		if err := nodeExistsTx(ctx, tx, rel.TargetID); err != nil {
			return StoreResult{}, apperr.New(apperr.KindNotFound,
				"Relation target node '%s' does not exist", rel.TargetID)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_nodes
			(id, name, content, entity_type, tags, metadata, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, name, in.Content, entityType,
		marshalJSON(in.Tags, "[]"), marshalJSON(in.Metadata, "{}"),
		nullable(in.Source), now, now,
	)
	if err != nil {
		return StoreResult{}, fmt.Errorf("inserting node: %w", err)
	}

	created := 0
	for _, rel := range in.Relations {
		weight := rel.Weight
		if weight == 0 {
			weight = 1.0
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memory_edges (id, source_id, target_id, relation, weight, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, '{}', ?)
			ON CONFLICT(source_id, target_id, relation) DO UPDATE
				SET weight = excluded.weight`,
			uuid.New().String(), id, rel.TargetID, rel.Relation, weight, now,
		)
		if err != nil {
			return StoreResult{}, fmt.Errorf("inserting edge: %w", err)
		}
		created++
	}

	if err := tx.Commit(); err != nil {
		return StoreResult{}, fmt.Errorf("committing node: %w", err)
	}
	e.logger.Info("memory_store", "node_id", id, "entity_type", entityType)
	return StoreResult{ID: id, Name: name, CreatedAt: now, RelationsCreated: created}, nil
}

// Get returns the node and, when includeRelations, every incident edge with
// a neighbour summary.
func (e *Engine) Get(ctx context.Context, id string, includeRelations bool) (Node, []Relation, error) {
	node, err := e.getNode(ctx, id)
	if err != nil {
		return Node{}, nil, err
	}
	if !includeRelations {
		return node, nil, nil
	}

	relations := []Relation{}
	for _, q := range []struct {
		direction string
		sql       string
	}{
		{"outgoing", `
			SELECT e.id, e.relation, e.weight,
			       n.id, n.name, n.entity_type, SUBSTR(n.content, 1, ?)
			FROM memory_edges e
			JOIN memory_nodes n ON n.id = e.target_id
			WHERE e.source_id = ?`},
		{"incoming", `
			SELECT e.id, e.relation, e.weight,
			       n.id, n.name, n.entity_type, SUBSTR(n.content, 1, ?)
			FROM memory_edges e
			JOIN memory_nodes n ON n.id = e.source_id
			WHERE e.target_id = ?`},
	} {
		rows, err := e.db.QueryContext(ctx, q.sql, contentPreviewLen, id)
		if err != nil {
			return Node{}, nil, fmt.Errorf("querying relations: %w", err)
		}
		for rows.Next() {
			var r Relation
			r.Direction = q.direction
			if err := rows.Scan(&r.EdgeID, &r.Relation, &r.Weight,
				&r.Neighbor.ID, &r.Neighbor.Name, &r.Neighbor.EntityType,
				&r.Neighbor.ContentPreview); err != nil {
				_ = rows.Close()
				return Node{}, nil, err
			}
			relations = append(relations, r)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return Node{}, nil, err
		}
		_ = rows.Close()
	}
	return node, relations, nil
}

var nonWordRe = regexp.MustCompile(`[^\w\s]`)

// Search runs fulltext, tags, or hybrid search. A malformed full-text
// expression yields an empty branch, never an error.
func (e *Engine) Search(ctx context.Context, in SearchInput) ([]SearchResult, error) {
	if in.MaxResults <= 0 {
		in.MaxResults = 10
	}
	mode := in.Mode
	if mode == "" {
		mode = "hybrid"
	}

	var results []SearchResult

	if mode == "fulltext" || mode == "hybrid" {
		hits, err := e.searchFulltext(ctx, in)
		if err != nil {
			return nil, err
		}
		results = hits
	}

	if mode == "tags" && len(in.Tags) > 0 {
		hits, err := e.searchTags(ctx, in)
		if err != nil {
			return nil, err
		}
		results = append(results, hits...)
	}

	if mode == "hybrid" && len(in.Tags) > 0 && len(results) == 0 {
		hits, err := e.searchTags(ctx, in)
		if err != nil {
			return nil, err
		}
		results = hits
	}

	if len(results) > in.MaxResults {
		results = results[:in.MaxResults]
	}
	return results, nil
}

// searchFulltext strips non-word characters and AND-joins the remaining
// tokens. Quoting the whole query would force phrase search, which fails for
// multi-word queries whose words are not consecutive.
func (e *Engine) searchFulltext(ctx context.Context, in SearchInput) ([]SearchResult, error) {
	tokens := strings.Fields(nonWordRe.ReplaceAllString(in.Query, " "))
	if len(tokens) == 0 {
		tokens = []string{in.Query}
	}
	safeQuery := strings.Join(tokens, " ")

	query := `
		SELECT n.id, n.name, n.content, n.entity_type, n.tags, n.metadata,
		       n.source, n.created_at, n.updated_at, -bm25(memory_nodes_fts) AS score
		FROM memory_nodes_fts
		JOIN memory_nodes n ON memory_nodes_fts.rowid = n.rowid
		WHERE memory_nodes_fts MATCH ?`
	args := []any{safeQuery}
	query, args = appendNodeFilters(query, args, in, "n")
	query += " ORDER BY score DESC LIMIT ?"
	args = append(args, in.MaxResults)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		// FTS5 MATCH syntax errors fall through to no results.
		e.logger.Debug("memory_fts_query_error", "query", safeQuery, "error", err)
		return nil, nil
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	seen := map[string]bool{}
	for rows.Next() {
		var node Node
		var score float64
		if err := scanNode(rows, &node, &score); err != nil {
			return nil, err
		}
		if seen[node.ID] {
			continue
		}
		seen[node.ID] = true
		results = append(results, SearchResult{Node: node, RelevanceScore: score, MatchedField: "content"})
	}
	return results, rows.Err()
}

func (e *Engine) searchTags(ctx context.Context, in SearchInput) ([]SearchResult, error) {
	query := `
		SELECT DISTINCT n.id, n.name, n.content, n.entity_type, n.tags,
		       n.metadata, n.source, n.created_at, n.updated_at, 1.0
		FROM memory_nodes n WHERE 1=1`
	args := []any{}
	query, args = appendNodeFilters(query, args, in, "n")
	query += " LIMIT ?"
	args = append(args, in.MaxResults)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tag search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var node Node
		var score float64
		if err := scanNode(rows, &node, &score); err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Node: node, RelevanceScore: 1.0, MatchedField: "tags"})
	}
	return results, rows.Err()
}

func appendNodeFilters(query string, args []any, in SearchInput, alias string) (string, []any) {
	if in.EntityType != "" {
		query += " AND " + alias + ".entity_type = ?"
		args = append(args, in.EntityType)
	}
	for _, tag := range in.Tags {
		query += " AND EXISTS (SELECT 1 FROM json_each(" + alias + ".tags) WHERE value = ?)"
		args = append(args, tag)
	}
	if in.TemporalFilter != "" {
		query += " AND " + alias + ".created_at <= ?"
		args = append(args, in.TemporalFilter)
	}
	return query, args
}

// Update patches a node and returns the content it replaced.
func (e *Engine) Update(ctx context.Context, id string, in UpdateInput) (UpdateResult, error) {
	existing, err := e.getNode(ctx, id)
	if err != nil {
		return UpdateResult{}, err
	}

	now := store.FormatTime(e.clock())
	content := existing.Content
	if in.Content != nil {
		content = *in.Content
	}
	name := existing.Name
	if in.Name != nil {
		name = *in.Name
	}
	tags := existing.Tags
	if in.Tags != nil {
		tags = in.Tags
	}
	if tags == nil {
		tags = []string{}
	}
	metadata := existing.Metadata
	if in.Metadata != nil {
		if metadata == nil {
			metadata = map[string]any{}
		}
		for k, v := range in.Metadata {
			metadata[k] = v
		}
	}

	_, err = e.db.ExecContext(ctx, `
		UPDATE memory_nodes
		SET content = ?, name = ?, tags = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		content, name, marshalJSON(tags, "[]"), marshalJSON(metadata, "{}"), now, id,
	)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("updating node: %w", err)
	}
	e.logger.Info("memory_update", "node_id", id)
	return UpdateResult{ID: id, Name: name, UpdatedAt: now, PreviousContent: existing.Content}, nil
}

// Delete removes a node; its edges cascade. Orphaned children are nodes
// whose only parent_of source was this node; with cascade they are deleted
// too and the reported list is empty.
func (e *Engine) Delete(ctx context.Context, id string, cascade bool) (DeleteResult, error) {
	existing, err := e.getNode(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}

	var edgeCount int
	err = e.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memory_edges WHERE source_id = ? OR target_id = ?", id, id,
	).Scan(&edgeCount)
	if err != nil {
		return DeleteResult{}, err
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT n.id, n.name FROM memory_nodes n
		WHERE EXISTS (
			SELECT 1 FROM memory_edges e
			WHERE e.source_id = ? AND e.target_id = n.id AND e.relation = ?
		)
		AND NOT EXISTS (
			SELECT 1 FROM memory_edges e2
			WHERE e2.source_id != ? AND e2.target_id = n.id AND e2.relation = ?
		)`, id, RelationParentOf, id, RelationParentOf)
	if err != nil {
		return DeleteResult{}, err
	}
	orphans := []NodeRef{}
	for rows.Next() {
		var ref NodeRef
		if err := rows.Scan(&ref.ID, &ref.Name); err != nil {
			_ = rows.Close()
			return DeleteResult{}, err
		}
		orphans = append(orphans, ref)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return DeleteResult{}, err
	}
	_ = rows.Close()

	if cascade {
		for _, child := range orphans {
			if _, err := e.db.ExecContext(ctx, "DELETE FROM memory_nodes WHERE id = ?", child.ID); err != nil {
				return DeleteResult{}, fmt.Errorf("deleting orphan %s: %w", child.ID, err)
			}
		}
	}
	if _, err := e.db.ExecContext(ctx, "DELETE FROM memory_nodes WHERE id = ?", id); err != nil {
		return DeleteResult{}, fmt.Errorf("deleting node: %w", err)
	}

	reported := orphans
	if cascade {
		reported = []NodeRef{}
	}
	e.logger.Info("memory_delete", "node_id", id, "cascade", cascade)
	return DeleteResult{
		DeletedNode:      NodeRef{ID: id, Name: existing.Name},
		DeletedEdges:     edgeCount,
		OrphanedChildren: reported,
	}, nil
}

// Link upserts an edge; with Bidirectional the mirror edge is upserted too.
func (e *Engine) Link(ctx context.Context, in LinkInput) (LinkResult, error) {
	for _, check := range []struct{ id, label string }{
		{in.SourceID, "source"}, {in.TargetID, "target"},
	} {
		if err := e.assertExists(ctx, check.id); err != nil {
			return LinkResult{}, apperr.New(apperr.KindNotFound,
				"Node '%s' (%s) not found", check.id, check.label)
		}
	}

	weight := in.Weight
	if weight == 0 {
		weight = 1.0
	}
	now := store.FormatTime(e.clock())

	edgeID, created, err := e.upsertEdge(ctx, in.SourceID, in.TargetID, in.Relation, weight, in.Metadata, now, in.ValidFrom, in.ValidUntil)
	if err != nil {
		return LinkResult{}, err
	}
	if in.Bidirectional {
		if _, _, err := e.upsertEdge(ctx, in.TargetID, in.SourceID, in.Relation, weight, in.Metadata, now, in.ValidFrom, in.ValidUntil); err != nil {
			return LinkResult{}, err
		}
	}

	e.logger.Info("memory_link", "source", in.SourceID, "target", in.TargetID, "relation", in.Relation)
	return LinkResult{
		EdgeID:   edgeID,
		SourceID: in.SourceID,
		TargetID: in.TargetID,
		Relation: in.Relation,
		Created:  created,
	}, nil
}

func (e *Engine) upsertEdge(ctx context.Context, source, target, relation string, weight float64, metadata map[string]any, now, validFrom, validUntil string) (string, bool, error) {
	var edgeID string
	err := e.db.QueryRowContext(ctx,
		"SELECT id FROM memory_edges WHERE source_id = ? AND target_id = ? AND relation = ?",
		source, target, relation,
	).Scan(&edgeID)
	created := err == sql.ErrNoRows
	if err != nil && !created {
		return "", false, err
	}
	if created {
		edgeID = uuid.New().String()
	}

	_, err = e.db.ExecContext(ctx, `
		INSERT INTO memory_edges
			(id, source_id, target_id, relation, weight, metadata, created_at, valid_from, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relation) DO UPDATE
			SET weight = excluded.weight,
			    metadata = excluded.metadata,
			    valid_from = excluded.valid_from,
			    valid_until = excluded.valid_until`,
		edgeID, source, target, relation, weight,
		marshalJSON(metadata, "{}"), now, nullable(validFrom), nullable(validUntil),
	)
	if err != nil {
		return "", false, fmt.Errorf("upserting edge: %w", err)
	}
	return edgeID, created, nil
}

// Children returns the immediate parent_of targets, ordered by creation.
func (e *Engine) Children(ctx context.Context, id string) ([]Node, error) {
	if err := e.assertExists(ctx, id); err != nil {
		return nil, err
	}
	return e.queryNodes(ctx, `
		SELECT n.id, n.name, n.content, n.entity_type, n.tags, n.metadata,
		       n.source, n.created_at, n.updated_at
		FROM memory_nodes n
		JOIN memory_edges e ON e.target_id = n.id
		WHERE e.source_id = ? AND e.relation = ?
		ORDER BY n.created_at`, id, RelationParentOf)
}

// Ancestors walks parent_of edges upward, bounded by maxDepth.
func (e *Engine) Ancestors(ctx context.Context, id string, maxDepth int) ([]Node, error) {
	if err := e.assertExists(ctx, id); err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = ancestorsDefault
	}
	return e.queryNodes(ctx, `
		WITH RECURSIVE ancestors(id, depth) AS (
			SELECT e.source_id, 1
			FROM memory_edges e
			WHERE e.target_id = ? AND e.relation = ?
			UNION
			SELECT e.source_id, a.depth + 1
			FROM memory_edges e
			JOIN ancestors a ON e.target_id = a.id
			WHERE e.relation = ? AND a.depth < ?
		)
		SELECT DISTINCT n.id, n.name, n.content, n.entity_type, n.tags,
		       n.metadata, n.source, n.created_at, n.updated_at
		FROM memory_nodes n
		JOIN ancestors a ON n.id = a.id
		ORDER BY n.created_at`, id, RelationParentOf, RelationParentOf, maxDepth)
}

// Roots returns nodes with no incoming parent_of edge.
func (e *Engine) Roots(ctx context.Context) ([]Node, error) {
	return e.queryNodes(ctx, `
		SELECT n.id, n.name, n.content, n.entity_type, n.tags, n.metadata,
		       n.source, n.created_at, n.updated_at
		FROM memory_nodes n
		WHERE NOT EXISTS (
			SELECT 1 FROM memory_edges e
			WHERE e.target_id = n.id AND e.relation = ?
		)
		ORDER BY n.created_at`, RelationParentOf)
}

// Related returns neighbours in either direction, optionally restricted to
// one relation label.
func (e *Engine) Related(ctx context.Context, id, relation string) ([]Node, error) {
	if err := e.assertExists(ctx, id); err != nil {
		return nil, err
	}
	if relation != "" {
		return e.queryNodes(ctx, `
			SELECT DISTINCT n.id, n.name, n.content, n.entity_type, n.tags,
			       n.metadata, n.source, n.created_at, n.updated_at
			FROM memory_nodes n
			WHERE n.id IN (
				SELECT target_id FROM memory_edges WHERE source_id = ? AND relation = ?
				UNION
				SELECT source_id FROM memory_edges WHERE target_id = ? AND relation = ?
			)
			ORDER BY n.name`, id, relation, id, relation)
	}
	return e.queryNodes(ctx, `
		SELECT DISTINCT n.id, n.name, n.content, n.entity_type, n.tags,
		       n.metadata, n.source, n.created_at, n.updated_at
		FROM memory_nodes n
		WHERE n.id IN (
			SELECT target_id FROM memory_edges WHERE source_id = ?
			UNION
			SELECT source_id FROM memory_edges WHERE target_id = ?
		)
		ORDER BY n.name`, id, id)
}

// Subtree descends parent_of edges, excluding the root, bounded by maxDepth.
func (e *Engine) Subtree(ctx context.Context, id string, maxDepth int) ([]Node, error) {
	if err := e.assertExists(ctx, id); err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = ancestorsDefault
	}
	return e.queryNodes(ctx, `
		WITH RECURSIVE subtree(id, depth) AS (
			SELECT e.target_id, 1
			FROM memory_edges e
			WHERE e.source_id = ? AND e.relation = ?
			UNION
			SELECT e.target_id, s.depth + 1
			FROM memory_edges e
			JOIN subtree s ON e.source_id = s.id
			WHERE e.relation = ? AND s.depth < ?
		)
		SELECT DISTINCT n.id, n.name, n.content, n.entity_type, n.tags,
		       n.metadata, n.source, n.created_at, n.updated_at
		FROM memory_nodes n
		JOIN subtree s ON n.id = s.id
		ORDER BY n.created_at`, id, RelationParentOf, RelationParentOf, maxDepth)
}

// GraphStats computes the summary counters.
func (e *Engine) GraphStats(ctx context.Context) (Stats, error) {
	s := Stats{
		NodesByType:        map[string]int{},
		EdgesByRelation:    map[string]int{},
		MostConnectedNodes: []ConnectedNode{},
		TagsFrequency:      map[string]int{},
	}

	if err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_nodes").Scan(&s.TotalNodes); err != nil {
		return Stats{}, err
	}
	if err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_edges").Scan(&s.TotalEdges); err != nil {
		return Stats{}, err
	}

	if err := e.countsInto(ctx, s.NodesByType,
		"SELECT entity_type, COUNT(*) FROM memory_nodes GROUP BY entity_type"); err != nil {
		return Stats{}, err
	}
	if err := e.countsInto(ctx, s.EdgesByRelation,
		"SELECT relation, COUNT(*) FROM memory_edges GROUP BY relation"); err != nil {
		return Stats{}, err
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT n.id, n.name,
		       (SELECT COUNT(*) FROM memory_edges e
		        WHERE e.source_id = n.id OR e.target_id = n.id) AS edge_count
		FROM memory_nodes n
		ORDER BY edge_count DESC
		LIMIT 10`)
	if err != nil {
		return Stats{}, err
	}
	for rows.Next() {
		var c ConnectedNode
		if err := rows.Scan(&c.ID, &c.Name, &c.EdgeCount); err != nil {
			_ = rows.Close()
			return Stats{}, err
		}
		s.MostConnectedNodes = append(s.MostConnectedNodes, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return Stats{}, err
	}
	_ = rows.Close()

	err = e.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memory_nodes n
		WHERE NOT EXISTS (
			SELECT 1 FROM memory_edges e
			WHERE e.source_id = n.id OR e.target_id = n.id
		)`).Scan(&s.OrphanedNodes)
	if err != nil {
		return Stats{}, err
	}

	cutoff := store.FormatTime(e.clock().Add(-24 * time.Hour))
	err = e.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memory_nodes WHERE created_at >= ?", cutoff,
	).Scan(&s.CreatedLast24h)
	if err != nil {
		return Stats{}, err
	}

	if err := e.countsInto(ctx, s.TagsFrequency, `
		SELECT jt.value, COUNT(*) AS cnt
		FROM memory_nodes n, json_each(n.tags) jt
		GROUP BY jt.value
		ORDER BY cnt DESC
		LIMIT 50`); err != nil {
		return Stats{}, err
	}
	return s, nil
}

func (e *Engine) countsInto(ctx context.Context, dest map[string]int, query string) error {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		dest[key] = count
	}
	return rows.Err()
}

func (e *Engine) getNode(ctx context.Context, id string) (Node, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT id, name, content, entity_type, tags, metadata, source,
		       created_at, updated_at
		FROM memory_nodes WHERE id = ?`, id)
	var node Node
	var tags, metadata string
	var source sql.NullString
	err := row.Scan(&node.ID, &node.Name, &node.Content, &node.EntityType,
		&tags, &metadata, &source, &node.CreatedAt, &node.UpdatedAt)
	if err == sql.ErrNoRows {
		return Node{}, apperr.New(apperr.KindNotFound, "Node '%s' not found", id)
	}
	if err != nil {
		return Node{}, err
	}
	node.Tags = parseJSONList(tags)
	node.Metadata = parseJSONMap(metadata)
	node.Source = source.String
	return node, nil
}

func (e *Engine) queryNodes(ctx context.Context, query string, args ...any) ([]Node, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	nodes := []Node{}
	for rows.Next() {
		var node Node
		var tags, metadata string
		var source sql.NullString
		if err := rows.Scan(&node.ID, &node.Name, &node.Content, &node.EntityType,
			&tags, &metadata, &source, &node.CreatedAt, &node.UpdatedAt); err != nil {
			return nil, err
		}
		node.Tags = parseJSONList(tags)
		node.Metadata = parseJSONMap(metadata)
		node.Source = source.String
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// scanNode reads the node columns plus a trailing score.
func scanNode(rows *sql.Rows, node *Node, score *float64) error {
	var tags, metadata string
	var source sql.NullString
	if err := rows.Scan(&node.ID, &node.Name, &node.Content, &node.EntityType,
		&tags, &metadata, &source, &node.CreatedAt, &node.UpdatedAt, score); err != nil {
		return err
	}
	node.Tags = parseJSONList(tags)
	node.Metadata = parseJSONMap(metadata)
	node.Source = source.String
	return nil
}

func (e *Engine) assertExists(ctx context.Context, id string) error {
	var found string
	err := e.db.QueryRowContext(ctx, "SELECT id FROM memory_nodes WHERE id = ?", id).Scan(&found)
	if err == sql.ErrNoRows {
		return apperr.New(apperr.KindNotFound, "Node '%s' not found", id)
	}
	return err
}

func nodeExistsTx(ctx context.Context, tx *sql.Tx, id string) error {
	var found string
	return tx.QueryRowContext(ctx, "SELECT id FROM memory_nodes WHERE id = ?", id).Scan(&found)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}

func marshalJSON(v any, empty string) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}

func parseJSONList(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return []string{}
	}
	if out == nil {
		return []string{}
	}
	return out
}

func parseJSONMap(s string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return map[string]any{}
	}
	if out == nil {
		return map[string]any{}
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
