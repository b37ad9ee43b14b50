package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/hostbridge/pkg/apperr"
	"github.com/hostbridge/hostbridge/pkg/store"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewEngine(db, nil)
}

func mustStore(t *testing.T, e *Engine, in StoreInput) StoreResult {
	t.Helper()
	res, err := e.Store(context.Background(), in)
	require.NoError(t, err)
	return res
}

func TestStoreAndGet(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	target := mustStore(t, e, StoreInput{Content: "SQLite supports recursive CTEs", EntityType: "fact"})
	res, err := e.Store(ctx, StoreInput{
		Content:   "Graph traversals can be expressed in SQL",
		Tags:      []string{"sql", "graphs"},
		Relations: []RelationSpec{{TargetID: target.ID, Relation: "related_to", Weight: 0.8}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RelationsCreated)
	assert.Equal(t, "Graph traversals can be expressed in SQL", res.Name)

	node, relations, err := e.Get(ctx, res.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "note", node.EntityType)
	assert.Equal(t, []string{"sql", "graphs"}, node.Tags)
	require.Len(t, relations, 1)
	assert.Equal(t, "outgoing", relations[0].Direction)
	assert.Equal(t, target.ID, relations[0].Neighbor.ID)
	assert.InDelta(t, 0.8, relations[0].Weight, 1e-9)

	_, incoming, err := e.Get(ctx, target.ID, true)
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, "incoming", incoming[0].Direction)
}

func TestStoreNameDefaultsToContentPrefix(t *testing.T) {
	e := newEngine(t)
	long := ""
	for i := 0; i < 100; i++ {
		long += "é"
	}
	res := mustStore(t, e, StoreInput{Content: long})
	assert.Len(t, []rune(res.Name), 60)
}

func TestStoreMissingRelationTargetFailsAtomically(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.Store(ctx, StoreInput{
		Content:   "dangling",
		Relations: []RelationSpec{{TargetID: "missing", Relation: "related_to"}},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	stats, err := e.GraphStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalNodes)
}

func TestSearchFulltext(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	mustStore(t, e, StoreInput{Content: "Machine learning is a subset of AI"})
	mustStore(t, e, StoreInput{Content: "Bread baking requires patience"})

	results, err := e.Search(ctx, SearchInput{Query: "machine learning", Mode: "fulltext", MaxResults: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Node.Content, "Machine learning")
	assert.Greater(t, results[0].RelevanceScore, 0.0)
	assert.Equal(t, "content", results[0].MatchedField)
}

func TestSearchInvalidFTSQueryYieldsEmpty(t *testing.T) {
	e := newEngine(t)
	mustStore(t, e, StoreInput{Content: "plain content"})

	// Punctuation is stripped before matching; a query reduced to nothing
	// falls back to the raw string, which may be FTS-invalid. Either way no
	// error escapes.
	results, err := e.Search(context.Background(), SearchInput{Query: `"((`, Mode: "fulltext"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchTagsAndHybridFallback(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	mustStore(t, e, StoreInput{Content: "Deploy checklist", Tags: []string{"ops", "deploy"}})
	mustStore(t, e, StoreInput{Content: "Meeting notes", Tags: []string{"ops"}})

	results, err := e.Search(ctx, SearchInput{Mode: "tags", Tags: []string{"ops", "deploy"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].RelevanceScore)
	assert.Equal(t, "tags", results[0].MatchedField)

	// Hybrid with a query matching nothing falls back to tags.
	results, err = e.Search(ctx, SearchInput{Query: "zzzzxxxx", Mode: "hybrid", Tags: []string{"ops"}})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestUpdateMergesMetadata(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	res := mustStore(t, e, StoreInput{Content: "v1", Metadata: map[string]any{"a": "1", "b": "2"}})
	content := "v2"
	out, err := e.Update(ctx, res.ID, UpdateInput{
		Content:  &content,
		Metadata: map[string]any{"b": "3", "c": "4"},
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", out.PreviousContent)

	node, _, err := e.Get(ctx, res.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "v2", node.Content)
	assert.Equal(t, map[string]any{"a": "1", "b": "3", "c": "4"}, node.Metadata)
}

func TestDeleteReportsOrphans(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	parent := mustStore(t, e, StoreInput{Content: "parent"})
	child := mustStore(t, e, StoreInput{Content: "child"})
	shared := mustStore(t, e, StoreInput{Content: "shared child"})
	other := mustStore(t, e, StoreInput{Content: "other parent"})

	for _, link := range []LinkInput{
		{SourceID: parent.ID, TargetID: child.ID, Relation: RelationParentOf},
		{SourceID: parent.ID, TargetID: shared.ID, Relation: RelationParentOf},
		{SourceID: other.ID, TargetID: shared.ID, Relation: RelationParentOf},
	} {
		_, err := e.Link(ctx, link)
		require.NoError(t, err)
	}

	res, err := e.Delete(ctx, parent.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.DeletedEdges)
	require.Len(t, res.OrphanedChildren, 1)
	assert.Equal(t, child.ID, res.OrphanedChildren[0].ID)

	// The orphan itself survives without cascade.
	_, _, err = e.Get(ctx, child.ID, false)
	require.NoError(t, err)
}

func TestDeleteCascadeRemovesOrphans(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	parent := mustStore(t, e, StoreInput{Content: "parent"})
	child := mustStore(t, e, StoreInput{Content: "child"})
	_, err := e.Link(ctx, LinkInput{SourceID: parent.ID, TargetID: child.ID, Relation: RelationParentOf})
	require.NoError(t, err)

	res, err := e.Delete(ctx, parent.ID, true)
	require.NoError(t, err)
	assert.Empty(t, res.OrphanedChildren)

	_, _, err = e.Get(ctx, child.ID, false)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestLinkUpsertAndBidirectional(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	a := mustStore(t, e, StoreInput{Content: "a"})
	b := mustStore(t, e, StoreInput{Content: "b"})

	first, err := e.Link(ctx, LinkInput{SourceID: a.ID, TargetID: b.ID, Relation: "related_to", Weight: 0.5})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := e.Link(ctx, LinkInput{SourceID: a.ID, TargetID: b.ID, Relation: "related_to", Weight: 0.9})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.EdgeID, second.EdgeID)

	_, err = e.Link(ctx, LinkInput{SourceID: a.ID, TargetID: b.ID, Relation: "depends_on", Bidirectional: true})
	require.NoError(t, err)
	stats, err := e.GraphStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEdges)

	_, err = e.Link(ctx, LinkInput{SourceID: a.ID, TargetID: "missing", Relation: "related_to"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestHierarchyTraversals(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	root := mustStore(t, e, StoreInput{Content: "root"})
	mid := mustStore(t, e, StoreInput{Content: "mid"})
	leaf := mustStore(t, e, StoreInput{Content: "leaf"})
	lone := mustStore(t, e, StoreInput{Content: "lone"})

	for _, link := range []LinkInput{
		{SourceID: root.ID, TargetID: mid.ID, Relation: RelationParentOf},
		{SourceID: mid.ID, TargetID: leaf.ID, Relation: RelationParentOf},
	} {
		_, err := e.Link(ctx, link)
		require.NoError(t, err)
	}

	children, err := e.Children(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, mid.ID, children[0].ID)

	ancestors, err := e.Ancestors(ctx, leaf.ID, 10)
	require.NoError(t, err)
	require.Len(t, ancestors, 2)

	// Depth cap stops before the root.
	ancestors, err = e.Ancestors(ctx, leaf.ID, 1)
	require.NoError(t, err)
	require.Len(t, ancestors, 1)
	assert.Equal(t, mid.ID, ancestors[0].ID)

	roots, err := e.Roots(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, n := range roots {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{root.ID, lone.ID}, ids)

	subtree, err := e.Subtree(ctx, root.ID, 10)
	require.NoError(t, err)
	require.Len(t, subtree, 2)
	for _, n := range subtree {
		assert.NotEqual(t, root.ID, n.ID)
	}
}

func TestRelatedFiltersByRelation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	a := mustStore(t, e, StoreInput{Content: "a"})
	b := mustStore(t, e, StoreInput{Content: "b"})
	c := mustStore(t, e, StoreInput{Content: "c"})

	_, err := e.Link(ctx, LinkInput{SourceID: a.ID, TargetID: b.ID, Relation: "depends_on"})
	require.NoError(t, err)
	_, err = e.Link(ctx, LinkInput{SourceID: c.ID, TargetID: a.ID, Relation: "related_to"})
	require.NoError(t, err)

	all, err := e.Related(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	deps, err := e.Related(ctx, a.ID, "depends_on")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, b.ID, deps[0].ID)
}

func TestGraphStats(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	a := mustStore(t, e, StoreInput{Content: "a", EntityType: "fact", Tags: []string{"x"}})
	b := mustStore(t, e, StoreInput{Content: "b", Tags: []string{"x", "y"}})
	mustStore(t, e, StoreInput{Content: "orphan"})
	_, err := e.Link(ctx, LinkInput{SourceID: a.ID, TargetID: b.ID, Relation: "related_to"})
	require.NoError(t, err)

	stats, err := e.GraphStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalNodes)
	assert.Equal(t, 1, stats.TotalEdges)
	assert.Equal(t, 1, stats.NodesByType["fact"])
	assert.Equal(t, 2, stats.NodesByType["note"])
	assert.Equal(t, 1, stats.EdgesByRelation["related_to"])
	assert.Equal(t, 1, stats.OrphanedNodes)
	assert.Equal(t, 3, stats.CreatedLast24h)
	assert.Equal(t, 2, stats.TagsFrequency["x"])
	assert.Equal(t, 1, stats.TagsFrequency["y"])
}
