package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

func TestPlanSave_Tree(t *testing.T) {
	f := newFakeStore(t)
	root := &Node{Name: "root"}
	a := &Node{Name: "a"}
	b := &Node{Name: "b"}
	g := &Node{Name: "g"}
	root.Children.Add(a, b)
	a.Children.Add(g)

	plan, err := f.walker().PlanSave(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"INSERT Node"},
		{"INSERT Node", "INSERT Node"},
		{"INSERT Node"},
	}, describeOps(plan))
	assert.Same(t, root, plan.Steps[0].Operations[0].Entity)
	assert.Same(t, a, plan.Steps[1].Operations[0].Entity)
	assert.Same(t, b, plan.Steps[1].Operations[1].Entity)
	assert.Same(t, g, plan.Steps[2].Operations[0].Entity)
	assert.Same(t, root, a.Parent, "collection membership sets the reference")
	assert.Same(t, a, g.Parent)
	assert.Len(t, plan.Entities, 4)
	assert.Empty(t, f.queries)
}

func TestPlanSave_Classification(t *testing.T) {
	t.Run("unchanged persisted entity plans nothing", func(t *testing.T) {
		f := newFakeStore(t)
		n := &Node{ID: 1, Name: "root"}
		f.persisted(t, n)

		plan, err := f.walker().PlanSave(context.Background(), n)
		require.NoError(t, err)
		assert.True(t, plan.Empty())
		assert.Equal(t, []any{n}, plan.Entities)
	})

	t.Run("changed column is updated", func(t *testing.T) {
		f := newFakeStore(t)
		n := &Node{ID: 1, Name: "root"}
		f.persisted(t, n)
		n.Name = "renamed"

		plan, err := f.walker().PlanSave(context.Background(), n)
		require.NoError(t, err)
		ops := plan.Operations()
		require.Len(t, ops, 1)
		assert.Equal(t, Update, ops[0].Kind)
		require.Len(t, ops[0].Columns, 1)
		assert.Equal(t, "name", ops[0].Columns[0].Name)
	})

	t.Run("explicitly modified property is updated", func(t *testing.T) {
		f := newFakeStore(t)
		n := &Node{ID: 1, Name: "root"}
		f.persisted(t, n).MarkModified("Name")

		plan, err := f.walker().PlanSave(context.Background(), n)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"UPDATE Node"}}, describeOps(plan))
	})

	t.Run("unloaded reference is not traversed", func(t *testing.T) {
		f := newFakeStore(t)
		stub := &Node{ID: 1}
		_, err := entity.Attach(stub, f, false, int64(1))
		require.NoError(t, err)
		child := &Node{Name: "child", Parent: stub}

		plan, err := f.walker().PlanSave(context.Background(), child)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"INSERT Node"}}, describeOps(plan))
	})
}

func TestPlanSave_NullableCycle(t *testing.T) {
	f := newFakeStore(t)
	team := &Team{}
	player := &Player{Team: team}
	team.Captain = player

	plan, err := f.walker().PlanSave(context.Background(), team)
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"INSERT Team"},
		{"INSERT Player"},
		{"LINK Team.Captain"},
	}, describeOps(plan))
	insert := plan.Steps[0].Operations[0]
	captain := insert.Meta.ForeignKey("Captain")
	assert.True(t, insert.IsDeferred(captain))
	link := plan.Steps[2].Operations[0]
	assert.Same(t, team, link.Entity)
	assert.Same(t, player, link.Target)
}

func TestPlanSave_MandatoryCycle(t *testing.T) {
	f := newFakeStore(t)
	chicken := &Chicken{}
	egg := &Egg{Chicken: chicken}
	chicken.Egg = egg

	plan, err := f.walker().PlanSave(context.Background(), chicken)
	require.Error(t, err)
	assert.Nil(t, plan)

	var graphErr *runtime.GraphError
	require.ErrorAs(t, err, &graphErr)
	assert.Contains(t, err.Error(), "Chicken.Egg -> Egg")
	assert.Contains(t, err.Error(), "Egg.Chicken -> Chicken")
	assert.Empty(t, f.queries)
}

func TestPlanSave_Errors(t *testing.T) {
	t.Run("required reference missing", func(t *testing.T) {
		f := newFakeStore(t)
		_, err := f.walker().PlanSave(context.Background(), &Player{})
		var validationErr *runtime.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "Player.Team", validationErr.Field)
	})

	t.Run("assigned identifier missing", func(t *testing.T) {
		f := newFakeStore(t)
		_, err := f.walker().PlanSave(context.Background(), &Setting{Value: "x"})
		var validationErr *runtime.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "Setting.Key", validationErr.Field)
	})

	t.Run("deleted reference", func(t *testing.T) {
		f := newFakeStore(t)
		author := &Author{ID: 3}
		f.persisted(t, author).MarkDeleted()

		_, err := f.walker().PlanSave(context.Background(), &Book{Title: "x", Author: author})
		var graphErr *runtime.GraphError
		require.ErrorAs(t, err, &graphErr)
		assert.True(t, errors.Is(err, runtime.ErrIllegalState))
		assert.Equal(t, "Author", graphErr.Entity)
	})

	t.Run("unmanaged type", func(t *testing.T) {
		f := newFakeStore(t)
		_, err := f.walker().PlanSave(context.Background(), &struct{ Name string }{})
		var accessErr *runtime.ModelAccessError
		require.ErrorAs(t, err, &accessErr)
	})
}

func TestPlanSave_JoinTable(t *testing.T) {
	t.Run("links are planned after inserts", func(t *testing.T) {
		f := newFakeStore(t)
		existing := &Tag{ID: 9, Label: "old"}
		f.persisted(t, existing)
		fresh := &Tag{Label: "new"}
		post := &Post{Title: "hello"}
		post.Tags.Add(fresh, existing)

		plan, err := f.walker().PlanSave(context.Background(), post)
		require.NoError(t, err)
		assert.Equal(t, [][]string{
			{"INSERT Post", "INSERT Tag"},
			{"LINK_JOIN posts_tags", "LINK_JOIN posts_tags"},
		}, describeOps(plan))
		link := plan.Steps[1].Operations[1]
		assert.Same(t, post, link.Entity)
		assert.Same(t, existing, link.Target)
	})

	t.Run("both sides of a pair produce one row", func(t *testing.T) {
		f := newFakeStore(t)
		post := &Post{Title: "hello"}
		tag := &Tag{Label: "go"}
		post.Tags.Add(tag)
		tag.Posts.Add(post)

		plan, err := f.walker().PlanSave(context.Background(), post)
		require.NoError(t, err)
		assert.Equal(t, [][]string{
			{"INSERT Post", "INSERT Tag"},
			{"LINK_JOIN posts_tags"},
		}, describeOps(plan))
	})

	t.Run("removed item without other owner is deleted", func(t *testing.T) {
		f := newFakeStore(t)
		post := &Post{ID: 1}
		kept := &Tag{ID: 2}
		dropped := &Tag{ID: 3}
		f.persisted(t, post)
		f.persisted(t, kept)
		f.persisted(t, dropped)
		resolve(t, post, "Tags", kept, dropped)
		post.Tags.Remove(dropped)
		f.joinRows["posts_tags.tag_id=3"] = nil

		plan, err := f.walker().PlanSave(context.Background(), post)
		require.NoError(t, err)
		assert.Equal(t, [][]string{
			{"UNLINK_JOIN posts_tags"},
			{"UNLINK_JOIN_ALL posts_tags"},
			{"DELETE Tag"},
		}, describeOps(plan))
		assert.Same(t, dropped, plan.Steps[2].Operations[0].Entity)
	})

	t.Run("removed item with a surviving owner is only unlinked", func(t *testing.T) {
		f := newFakeStore(t)
		post := &Post{ID: 1}
		dropped := &Tag{ID: 3}
		f.persisted(t, post)
		f.persisted(t, dropped)
		resolve(t, post, "Tags", dropped)
		post.Tags.Remove(dropped)
		f.joinRows["posts_tags.tag_id=3"] = []schema.JoinRow{{Owner: int64(1), Target: int64(3)}, {Owner: int64(5), Target: int64(3)}}

		plan, err := f.walker().PlanSave(context.Background(), post)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"UNLINK_JOIN posts_tags"}}, describeOps(plan))
	})
}

func TestPlanSave_ForeignTableRemovals(t *testing.T) {
	t.Run("removed child with optional key is unlinked", func(t *testing.T) {
		f := newFakeStore(t)
		root := &Node{ID: 1, Name: "root"}
		child := &Node{ID: 2, Name: "child", Parent: root}
		f.persisted(t, root)
		f.persisted(t, child)
		resolve(t, root, "Children", child)
		root.Children.Remove(child)

		plan, err := f.walker().PlanSave(context.Background(), root)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"UNLINK Node.Parent"}}, describeOps(plan))
		assert.Same(t, child, plan.Steps[0].Operations[0].Entity)
	})

	t.Run("moved child is updated once", func(t *testing.T) {
		f := newFakeStore(t)
		from := &Node{ID: 1, Name: "from"}
		to := &Node{ID: 2, Name: "to"}
		child := &Node{ID: 3, Name: "child", Parent: from}
		f.persisted(t, from)
		f.persisted(t, to)
		f.persisted(t, child)
		resolve(t, from, "Children", child)
		resolve(t, to, "Children")
		from.Children.Remove(child)
		to.Children.Add(child)

		plan, err := f.walker().PlanSave(context.Background(), from, to)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"UPDATE Node"}}, describeOps(plan))
		assert.Same(t, to, child.Parent)
		assert.Equal(t, "parent_id", plan.Steps[0].Operations[0].Columns[0].Name)
	})
}

func TestPlanSave_ReleasedCascadeTarget(t *testing.T) {
	t.Run("replaced target is deleted after the update", func(t *testing.T) {
		f := newFakeStore(t)
		old := &Branch{ID: 10}
		next := &Branch{ID: 11}
		leaf := &Leaf{ID: 1, Branch: old}
		f.persisted(t, old)
		f.persisted(t, next)
		f.persisted(t, leaf)
		f.found["Branch.id=10"] = []any{old}
		f.found["Leaf.branch_id=10"] = []any{leaf}

		leaf.Branch = next
		plan, err := f.walker().PlanSave(context.Background(), leaf)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"UPDATE Leaf"}, {"DELETE Branch"}}, describeOps(plan))
		assert.Same(t, old, plan.Steps[1].Operations[0].Entity)
		assert.Equal(t, []string{"Branch.id=10", "Leaf.branch_id=10"}, f.queries)
	})

	t.Run("unchanged key reads nothing", func(t *testing.T) {
		f := newFakeStore(t)
		branch := &Branch{ID: 10}
		leaf := &Leaf{ID: 1, Branch: branch}
		f.persisted(t, branch)
		f.persisted(t, leaf)

		plan, err := f.walker().PlanSave(context.Background(), leaf)
		require.NoError(t, err)
		assert.True(t, plan.Empty())
		assert.Empty(t, f.queries)
	})

	t.Run("target taken over by another holder survives", func(t *testing.T) {
		f := newFakeStore(t)
		shared := &Branch{ID: 10}
		next := &Branch{ID: 11}
		first := &Leaf{ID: 1, Branch: shared}
		second := &Leaf{ID: 2, Branch: next}
		for _, e := range []any{shared, next, first, second} {
			f.persisted(t, e)
		}
		f.found["Branch.id=10"] = []any{shared}
		f.found["Branch.id=11"] = []any{next}

		first.Branch, second.Branch = next, shared
		plan, err := f.walker().PlanSave(context.Background(), first, second)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"UPDATE Leaf", "UPDATE Leaf"}}, describeOps(plan))
	})
}
