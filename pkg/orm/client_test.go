package orm

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/marshallshelly/pebble-graph/pkg/builder"
	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/registry"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
)

type Node struct {
	entity.Entity `po:"nodes"`
	ID            int64             `po:"id,primaryKey,generated"`
	Name          string            `po:"name,notNull"`
	Parent        *Node             `po:"parent_id,foreignKey,optional"`
	Children      entity.Many[Node] `po:"-,foreignTable(Parent)"`
}

type Author struct {
	entity.Entity `po:"authors"`
	ID            int64             `po:"id,primaryKey,generated"`
	Name          string            `po:"name"`
	Books         entity.Many[Book] `po:"-,foreignTable(Author)"`
}

type Book struct {
	entity.Entity `po:"books"`
	ID            int64   `po:"id,primaryKey,generated"`
	Title         string  `po:"title"`
	Author        *Author `po:"author_id,foreignKey,optional,onForeignDeleted(SET_NULL)"`
}

type Post struct {
	entity.Entity `po:"posts"`
	ID            int64            `po:"id,primaryKey,generated"`
	Title         string           `po:"title"`
	Tags          entity.Many[Tag] `po:"-,joinTable(Posts)"`
}

type Tag struct {
	entity.Entity `po:"tags"`
	ID            int64             `po:"id,primaryKey,generated"`
	Label         string            `po:"label"`
	Posts         entity.Many[Post] `po:"-,joinTable(Tags)"`
}

type Chicken struct {
	entity.Entity `po:"chickens"`
	ID            int64 `po:"id,primaryKey,generated"`
	Egg           *Egg  `po:"egg_id,foreignKey"`
}

type Egg struct {
	entity.Entity `po:"eggs"`
	ID            int64    `po:"id,primaryKey,generated"`
	Chicken       *Chicken `po:"chicken_id,foreignKey"`
}

// Account owns its profile: dropping or replacing the reference deletes the old row.
type Account struct {
	entity.Entity `po:"accounts"`
	ID            int64    `po:"id,primaryKey,generated"`
	Login         string   `po:"login"`
	Profile       *Profile `po:"profile_id,foreignKey,optional,cascadeDelete"`
}

type Profile struct {
	entity.Entity `po:"profiles"`
	ID            int64  `po:"id,primaryKey,generated"`
	Bio           string `po:"bio"`
}

type Playlist struct {
	entity.Entity `po:"playlists"`
	ID            int64             `po:"id,primaryKey,generated"`
	Name          string            `po:"name"`
	Songs         entity.Many[Song] `po:"-,joinTable(Playlists),cascadeDelete"`
}

type Song struct {
	entity.Entity `po:"songs"`
	ID            int64                 `po:"id,primaryKey,generated"`
	Title         string                `po:"title"`
	Playlists     entity.Many[Playlist] `po:"-,joinTable(Songs)"`
}

// newClient opens a SQLite database in a temporary directory with the test
// schema created.
func newClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	ctx := context.Background()

	db, err := runtime.OpenSQL(ctx, "sqlite", filepath.Join(t.TempDir(), "graph.db"), 0)
	require.NoError(t, err)

	d, err := dialect.Get("sqlite")
	require.NoError(t, err)

	reg := registry.NewRegistry()
	c := New(db, d, append([]Option{WithRegistry(reg)}, opts...)...)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Register(Node{}, Author{}, Book{}, Post{}, Tag{}, Chicken{}, Account{}, Playlist{}))
	require.NoError(t, c.CreateSchema(ctx))
	return c
}

func statements(logs *observer.ObservedLogs) int {
	return logs.FilterMessage("exec").Len() + logs.FilterMessage("query").Len()
}

func TestClient_SaveTree(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	root := &Node{Name: "root"}
	left := &Node{Name: "left"}
	right := &Node{Name: "right"}
	leaf := &Node{Name: "leaf"}
	root.Children.Set(left, right)
	left.Children.Set(leaf)

	require.NoError(t, c.Save(ctx, root))

	for _, n := range []*Node{root, left, right, leaf} {
		assert.NotZero(t, n.ID, n.Name)
		assert.Equal(t, entity.Persisted, entity.StatusOf(n), n.Name)
	}
	assert.Same(t, root, left.Parent)
	assert.Same(t, left, leaf.Parent)

	count, err := Count[Node](ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestClient_SaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.DebugLevel)
	c := newClient(t, WithLogger(zap.New(core)))

	root := &Node{Name: "root"}
	root.Children.Set(&Node{Name: "child"})
	require.NoError(t, c.Save(ctx, root))

	before := statements(logs)
	require.NoError(t, c.Save(ctx, root))
	assert.Equal(t, before, statements(logs), "unchanged graph writes nothing")

	root.Name = "renamed"
	require.NoError(t, c.Save(ctx, root))
	assert.Equal(t, before+1, statements(logs))

	found, err := FindByID[Node](ctx, c, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", found.Name)
}

func TestClient_RoundTripAndLazyNavigation(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	author := &Author{Name: "Ursula"}
	author.Books.Set(&Book{Title: "The Dispossessed"}, &Book{Title: "The Lathe of Heaven"})
	require.NoError(t, c.Save(ctx, author))

	found, err := FindByID[Author](ctx, c, author.ID)
	require.NoError(t, err)
	assert.NotSame(t, author, found)
	assert.Equal(t, "Ursula", found.Name)
	assert.False(t, found.Books.IsLoaded())

	books, err := found.Books.Get(ctx)
	require.NoError(t, err)
	assert.True(t, found.Books.IsLoaded())

	var titles []string
	for _, b := range books {
		titles = append(titles, b.Title)
	}
	slices.Sort(titles)
	assert.Equal(t, []string{"The Dispossessed", "The Lathe of Heaven"}, titles)
}

func TestClient_FindByIDNotFound(t *testing.T) {
	c := newClient(t)
	_, err := FindByID[Node](context.Background(), c, int64(404))
	assert.ErrorIs(t, err, runtime.ErrNotFound)

	_, err = FindByID[Node](context.Background(), c)
	assert.Error(t, err)
}

func TestClient_ManyToMany(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	golang := &Tag{Label: "go"}
	sql := &Tag{Label: "sql"}
	first := &Post{Title: "first"}
	second := &Post{Title: "second"}
	first.Tags.Set(golang, sql)
	second.Tags.Set(golang)

	_, err := SaveAll(ctx, c, []*Post{first, second})
	require.NoError(t, err)

	found, err := FindByID[Post](ctx, c, first.ID)
	require.NoError(t, err)
	tags, err := found.Tags.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, tags, 2)

	tag, err := FindByID[Tag](ctx, c, golang.ID)
	require.NoError(t, err)
	posts, err := tag.Posts.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, posts, 2)

	first.Tags.Remove(sql)
	require.NoError(t, c.Save(ctx, first))

	found, err = FindByID[Post](ctx, c, first.ID)
	require.NoError(t, err)
	tags, err = found.Tags.Get(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "go", tags[0].Label)

	tagCount, err := Count[Tag](ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(2), tagCount, "unlinking keeps the tag")
}

func TestClient_DeleteSetsReferrersNull(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	author := &Author{Name: "Octavia"}
	book := &Book{Title: "Kindred", Author: author}
	require.NoError(t, c.Save(ctx, book))

	require.NoError(t, c.Delete(ctx, author))
	assert.Equal(t, entity.Deleted, entity.StatusOf(author))

	found, err := FindByID[Book](ctx, c, book.ID)
	require.NoError(t, err)
	assert.Nil(t, found.Author)

	authors, err := Count[Author](ctx, c)
	require.NoError(t, err)
	assert.Zero(t, authors)
}

func TestClient_DeleteCascadesToDependents(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	root := &Node{Name: "root"}
	child := &Node{Name: "child"}
	root.Children.Set(child)
	child.Children.Set(&Node{Name: "grandchild"})
	other := &Node{Name: "other"}
	require.NoError(t, c.Save(ctx, root, other))

	require.NoError(t, c.Delete(ctx, root))

	remaining, err := Select[Node](c).All(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "other", remaining[0].Name)
}

func TestClient_MandatoryCycleWritesNothing(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.DebugLevel)
	c := newClient(t, WithLogger(zap.New(core)))
	before := statements(logs)

	chicken := &Chicken{}
	egg := &Egg{Chicken: chicken}
	chicken.Egg = egg

	err := c.Save(ctx, chicken)
	var graphErr *runtime.GraphError
	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, before, statements(logs))
	assert.Equal(t, entity.Transient, entity.StatusOf(chicken))
}

func TestClient_Streams(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	names := []string{"a", "b", "c"}
	seq := func(yield func(*Node) bool) {
		for _, name := range names {
			if !yield(&Node{Name: name}) {
				return
			}
		}
	}

	var saved []*Node
	for n, err := range SaveStream(ctx, c, seq) {
		require.NoError(t, err)
		assert.NotZero(t, n.ID)
		saved = append(saved, n)
	}
	require.Len(t, saved, 3)

	require.NoError(t, DeleteStream(ctx, c, slices.Values(saved[:2])))
	remaining, err := Count[Node](ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}

func TestClient_SaveStreamStopsAtFirstError(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	chicken := &Chicken{}
	chicken.Egg = &Egg{Chicken: chicken}
	seq := slices.Values([]*Chicken{chicken, {}})

	var errs []error
	for _, err := range SaveStream(ctx, c, seq) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.Error(t, errs[0])
}

func TestClient_WithTx(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	abort := errors.New("abort")
	err := c.WithTx(ctx, func(tx *Client) error {
		require.NoError(t, tx.Save(ctx, &Node{Name: "discarded"}))
		return abort
	})
	assert.ErrorIs(t, err, abort)

	count, err := Count[Node](ctx, c)
	require.NoError(t, err)
	assert.Zero(t, count, "rolled back")

	kept := &Node{Name: "kept"}
	require.NoError(t, c.WithTx(ctx, func(tx *Client) error {
		return tx.Save(ctx, kept)
	}))

	found, err := FindByID[Node](ctx, c, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept", found.Name)
}

func TestClient_WithTxRequiresPool(t *testing.T) {
	c := newClient(t)
	err := c.WithTx(context.Background(), func(tx *Client) error {
		return tx.WithTx(context.Background(), func(*Client) error { return nil })
	})
	assert.ErrorIs(t, err, runtime.ErrNoConnection)
}

func TestClient_BuildSchema(t *testing.T) {
	c := newClient(t)

	s, err := c.BuildSchema()
	require.NoError(t, err)
	assert.NotNil(t, s.Table("nodes"))
	assert.NotNil(t, s.Table("posts_tags"))

	s, err = c.BuildSchema(Book{})
	require.NoError(t, err)
	assert.NotNil(t, s.Table("books"))
	assert.Nil(t, s.Table("nodes"))
}

func TestClient_TreeScenario(t *testing.T) {
	ctx := context.Background()

	t.Run("bare roots", func(t *testing.T) {
		c := newClient(t)
		require.NoError(t, c.Save(ctx, &Node{Name: "a"}, &Node{Name: "b"}))

		all, err := Select[Node](c).All(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("three levels", func(t *testing.T) {
		c := newClient(t)

		left, right := &Node{Name: "left"}, &Node{Name: "right"}
		l1, l2, l3 := &Node{Name: "l1"}, &Node{Name: "l2"}, &Node{Name: "l3"}
		r1, r2 := &Node{Name: "r1"}, &Node{Name: "r2"}
		left.Children.Set(l1, l2, l3)
		right.Children.Set(r1, r2)
		l1.Children.Set(&Node{Name: "l1a"})
		l2.Children.Set(&Node{Name: "l2a"})
		require.NoError(t, c.Save(ctx, left, right))

		all, err := Select[Node](c).All(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 9)

		roots, err := Select[Node](c).
			Join("", "Children", "c").
			Where(builder.IsNull("parent_id")).
			OrderBy("Name", builder.Asc).
			All(ctx)
		require.NoError(t, err)
		require.Len(t, roots, 2)
		assert.Equal(t, "left", roots[0].Name)
		require.True(t, roots[0].Children.IsLoaded())
		require.True(t, roots[1].Children.IsLoaded())
		assert.Len(t, roots[0].Children.Items(), 3)
		assert.Len(t, roots[1].Children.Items(), 2)
		for _, root := range roots {
			for _, child := range root.Children.Items() {
				assert.False(t, child.Children.IsLoaded(), child.Name)
			}
		}

		require.NoError(t, c.Delete(ctx, left))
		remaining, err := Select[Node](c).OrderBy("Name", builder.Asc).All(ctx)
		require.NoError(t, err)
		names := make([]string, 0, len(remaining))
		for _, n := range remaining {
			names = append(names, n.Name)
		}
		assert.Equal(t, []string{"r1", "r2", "right"}, names)
	})
}

func TestClient_ManyToManyDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("without cascade the targets stay", func(t *testing.T) {
		c := newClient(t)
		golang, sql := &Tag{Label: "go"}, &Tag{Label: "sql"}
		post := &Post{Title: "joins"}
		post.Tags.Set(golang, sql)
		require.NoError(t, c.Save(ctx, post))

		require.NoError(t, c.Delete(ctx, post))
		tags, err := Count[Tag](ctx, c)
		require.NoError(t, err)
		assert.Equal(t, int64(2), tags)

		tag, err := FindByID[Tag](ctx, c, golang.ID)
		require.NoError(t, err)
		posts, err := tag.Posts.Get(ctx)
		require.NoError(t, err)
		assert.Empty(t, posts)
	})

	t.Run("cascade keeps targets linked elsewhere", func(t *testing.T) {
		c := newClient(t)
		solo, shared := &Song{Title: "solo"}, &Song{Title: "shared"}
		mine := &Playlist{Name: "mine"}
		mine.Songs.Set(solo, shared)
		theirs := &Playlist{Name: "theirs"}
		theirs.Songs.Set(shared)
		require.NoError(t, c.Save(ctx, mine, theirs))

		require.NoError(t, c.Delete(ctx, mine))

		_, err := FindByID[Song](ctx, c, solo.ID)
		assert.ErrorIs(t, err, runtime.ErrNotFound)
		survivor, err := FindByID[Song](ctx, c, shared.ID)
		require.NoError(t, err)
		playlists, err := survivor.Playlists.Get(ctx)
		require.NoError(t, err)
		require.Len(t, playlists, 1)
		assert.Equal(t, "theirs", playlists[0].Name)
	})
}

func TestClient_CascadingReferenceReleased(t *testing.T) {
	ctx := context.Background()

	t.Run("unlinked", func(t *testing.T) {
		c := newClient(t)
		account := &Account{Login: "ada", Profile: &Profile{Bio: "first"}}
		require.NoError(t, c.Save(ctx, account))

		account.Profile = nil
		require.NoError(t, c.Save(ctx, account))

		profiles, err := Count[Profile](ctx, c)
		require.NoError(t, err)
		assert.Zero(t, profiles)
		reloaded, err := FindByID[Account](ctx, c, account.ID)
		require.NoError(t, err)
		assert.Nil(t, reloaded.Profile)
	})

	t.Run("replaced", func(t *testing.T) {
		c := newClient(t)
		account := &Account{Login: "grace", Profile: &Profile{Bio: "first"}}
		require.NoError(t, c.Save(ctx, account))

		for _, bio := range []string{"second", "third"} {
			account.Profile = &Profile{Bio: bio}
			require.NoError(t, c.Save(ctx, account))

			profiles, err := Count[Profile](ctx, c)
			require.NoError(t, err)
			assert.Equal(t, int64(1), profiles, bio)
		}

		accounts, err := Count[Account](ctx, c)
		require.NoError(t, err)
		assert.Equal(t, int64(1), accounts)
		profile, err := FindByID[Profile](ctx, c, account.Profile.ID)
		require.NoError(t, err)
		assert.Equal(t, "third", profile.Bio)
	})

	t.Run("kept", func(t *testing.T) {
		c := newClient(t)
		account := &Account{Login: "linus", Profile: &Profile{Bio: "same"}}
		require.NoError(t, c.Save(ctx, account))

		account.Login = "torvalds"
		account.Profile.Bio = "edited"
		require.NoError(t, c.Save(ctx, account))

		reloaded, err := FindByID[Profile](ctx, c, account.Profile.ID)
		require.NoError(t, err)
		assert.Equal(t, "edited", reloaded.Bio)
	})
}

func TestClient_MoveChildAfterRemove(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	from, to := &Node{Name: "from"}, &Node{Name: "to"}
	from.Children.Set(&Node{Name: "a"}, &Node{Name: "b"})
	require.NoError(t, c.Save(ctx, from, to))

	source, err := FindByID[Node](ctx, c, from.ID)
	require.NoError(t, err)
	kids, err := source.Children.Get(ctx)
	require.NoError(t, err)
	require.Len(t, kids, 2)
	moved := kids[0]

	source.Children.Remove(moved)
	require.NotNil(t, kids[0], "slices handed out earlier keep their items")
	assert.Same(t, moved, kids[0])
	assert.Len(t, source.Children.Items(), 1)

	target, err := FindByID[Node](ctx, c, to.ID)
	require.NoError(t, err)
	target.Children.Add(moved, nil)
	require.NoError(t, c.Save(ctx, source, target))

	reloaded, err := FindByID[Node](ctx, c, moved.ID)
	require.NoError(t, err)
	parent, err := entity.Fetch(ctx, reloaded.Parent)
	require.NoError(t, err)
	require.NotNil(t, parent)
	assert.Equal(t, "to", parent.Name)

	total, err := Count[Node](ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
}

func TestClient_DetectChanges(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	edited, untouched := &Book{Title: "draft"}, &Book{Title: "final"}
	require.NoError(t, c.Save(ctx, edited, untouched))

	edited.Title = "revised"
	assert.Equal(t, entity.Persisted, entity.StatusOf(edited), "assignments are not observed")

	require.NoError(t, c.DetectChanges(edited, untouched))
	assert.Equal(t, entity.Modified, entity.StatusOf(edited))
	assert.Equal(t, []string{"Title"}, entity.Lookup(edited).ModifiedProperties())
	assert.Equal(t, entity.Persisted, entity.StatusOf(untouched))

	require.NoError(t, c.Save(ctx, edited))
	assert.Equal(t, entity.Persisted, entity.StatusOf(edited))
	reloaded, err := FindByID[Book](ctx, c, edited.ID)
	require.NoError(t, err)
	assert.Equal(t, "revised", reloaded.Title)
}
