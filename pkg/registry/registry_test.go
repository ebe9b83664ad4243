package registry

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

type Author struct {
	entity.Entity `po:"authors"`
	ID            int64             `po:"id,primaryKey,generated"`
	Name          string            `po:"name,notNull"`
	Books         entity.Many[Book] `po:"-,foreignTable(Author)"`
}

type Book struct {
	entity.Entity `po:"books"`
	ID            int64            `po:"id,primaryKey,generated"`
	Title         string           `po:"title"`
	Author        *Author          `po:"author_id,foreignKey,optional,onForeignDeleted(SET_NULL)"`
	Tags          entity.Many[Tag] `po:"-,joinTable(Books)"`
}

type Tag struct {
	entity.Entity `po:"tags"`
	ID            int64             `po:"id,primaryKey,generated"`
	Label         string            `po:"label"`
	Books         entity.Many[Book] `po:"-,joinTable(Tags)"`
}

type Review struct {
	entity.Entity `po:"reviews"`
	ID            int64  `po:"id,primaryKey,generated"`
	BookID        int64  `po:"book_id,foreignKey(Book)"`
	Body          string `po:"body"`
}

type Person struct {
	entity.Entity `po:"people"`
	ID            int64               `po:"id,primaryKey,generated"`
	Friends       entity.Many[Person] `po:"-,joinTable(FriendOf)"`
	FriendOf      entity.Many[Person] `po:"-,joinTable(Friends)"`
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()

	t.Run("register new model", func(t *testing.T) {
		if err := registry.Register(Author{}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if !registry.Has(reflect.TypeOf(Author{})) {
			t.Error("expected model to be registered")
		}
	})

	t.Run("referenced types are registered", func(t *testing.T) {
		for _, typ := range []reflect.Type{reflect.TypeOf(Book{}), reflect.TypeOf(Tag{})} {
			if !registry.Has(typ) {
				t.Errorf("expected %s to be registered through its references", typ.Name())
			}
		}
	})

	t.Run("register duplicate model", func(t *testing.T) {
		if err := registry.Register(Author{}); err != nil {
			t.Errorf("Duplicate register failed: %v", err)
		}
	})

	t.Run("register pointer model", func(t *testing.T) {
		if err := registry.Register(&Author{}); err != nil {
			t.Fatalf("Register with pointer failed: %v", err)
		}
	})

	t.Run("register invalid type", func(t *testing.T) {
		if err := registry.Register("not a struct"); err == nil {
			t.Error("expected error for non-struct type")
		}
	})
}

func TestRegistry_Linking(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Author{}, Review{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	author, _ := registry.Get(reflect.TypeOf(Author{}))
	book, _ := registry.Get(reflect.TypeOf(&Book{}))
	tag, _ := registry.GetByName("Tag")

	t.Run("foreign key and inverse foreign table", func(t *testing.T) {
		fk := book.ForeignKey("Author")
		if fk.Target != author {
			t.Fatal("expected Book.Author to target Author")
		}
		ft := author.ForeignTable("Books")
		if ft.ForeignKey != fk || fk.Inverse != ft || ft.Target != book {
			t.Error("expected Author.Books to be the inverse of Book.Author")
		}
		if col := book.Column("author_id"); col.Kind != schema.KindInt64 {
			t.Errorf("expected author_id to take the identifier kind, got %s", col.Kind)
		}
	})

	t.Run("referrers", func(t *testing.T) {
		if len(author.Referrers) != 1 || author.Referrers[0].Owner != book {
			t.Errorf("expected Book.Author as the only referrer of Author, got %d", len(author.Referrers))
		}
		if len(book.Referrers) != 1 || book.Referrers[0].Property != "BookID" {
			t.Errorf("expected Review.BookID as the only referrer of Book, got %d", len(book.Referrers))
		}
	})

	t.Run("join table pair", func(t *testing.T) {
		bookTags := book.JoinTable("Tags")
		tagBooks := tag.JoinTable("Books")
		if bookTags.Inverse != tagBooks || tagBooks.Inverse != bookTags {
			t.Fatal("expected join tables to be inverses of each other")
		}
		if bookTags.Table != "books_tags" || tagBooks.Table != "books_tags" {
			t.Errorf("expected shared table books_tags, got %s and %s", bookTags.Table, tagBooks.Table)
		}
		if bookTags.OwnerColumn != "book_id" || bookTags.TargetColumn != "tag_id" {
			t.Errorf("unexpected columns %s/%s", bookTags.OwnerColumn, bookTags.TargetColumn)
		}
		if tagBooks.OwnerColumn != "tag_id" || tagBooks.TargetColumn != "book_id" {
			t.Errorf("unexpected inverse columns %s/%s", tagBooks.OwnerColumn, tagBooks.TargetColumn)
		}
		if len(tag.IncomingJoinTables) != 0 {
			t.Error("paired join tables are not incoming")
		}
	})
}

func TestRegistry_SelfJoin(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Person{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	person, _ := registry.GetByName("Person")

	friends := person.JoinTable("Friends")
	friendOf := person.JoinTable("FriendOf")
	if friends.Table != "people_friend_of" || friendOf.Table != "people_friend_of" {
		t.Errorf("unexpected self-join table %s / %s", friends.Table, friendOf.Table)
	}
	if friends.OwnerColumn != "friend_of_id" || friends.TargetColumn != "friend_id" {
		t.Errorf("unexpected columns %s/%s", friends.OwnerColumn, friends.TargetColumn)
	}
	if friendOf.OwnerColumn != "friend_id" || friendOf.TargetColumn != "friend_of_id" {
		t.Errorf("unexpected inverse columns %s/%s", friendOf.OwnerColumn, friendOf.TargetColumn)
	}
}

func TestRegistry_ModelErrors(t *testing.T) {
	type WrongType struct {
		entity.Entity `po:"wrong"`
		ID            int64  `po:"id,primaryKey"`
		AuthorID      string `po:"author_id,foreignKey(Author)"`
	}
	type Unknown struct {
		entity.Entity `po:"unknown"`
		ID            int64 `po:"id,primaryKey"`
		GhostID       int64 `po:"ghost_id,foreignKey(Ghost)"`
	}
	type Composite struct {
		entity.Entity `po:"composite,compositeId(A,B)"`
		A             int64 `po:"a"`
		B             int64 `po:"b"`
	}
	type ToComposite struct {
		entity.Entity `po:"to_composite"`
		ID            int64      `po:"id,primaryKey"`
		Parent        *Composite `po:"parent_id,foreignKey"`
	}
	type BadInverse struct {
		entity.Entity `po:"bad_inverse"`
		ID            int64            `po:"id,primaryKey"`
		Tags          entity.Many[Tag] `po:"-,joinTable(Missing)"`
	}
	type MissingJoinKey struct {
		entity.Entity `po:"missing_join_key"`
		ID            int64             `po:"id,primaryKey"`
		Books         entity.Many[Book] `po:"-,foreignTable(Owner)"`
	}

	tests := []struct {
		name  string
		model any
		want  string
	}{
		{"foreign key type mismatch", WrongType{}, "does not match"},
		{"unknown target", Unknown{}, "unregistered entity Ghost"},
		{"composite target", ToComposite{}, "composite identifier"},
		{"missing inverse join table", BadInverse{}, "does not exist"},
		{"missing join key", MissingJoinKey{}, "has no foreign key Owner"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			if err := registry.Register(Author{}); err != nil {
				t.Fatalf("Register failed: %v", err)
			}
			err := registry.Register(tt.model)
			if err == nil {
				t.Fatal("expected a model error")
			}
			var modelErr *runtime.ModelError
			if !errors.As(err, &modelErr) {
				t.Fatalf("expected *runtime.ModelError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error to mention %q, got: %v", tt.want, err)
			}
			if registry.Has(reflect.TypeOf(tt.model)) {
				t.Error("expected a failed registration to be rolled back")
			}
			if err := registry.Validate(); err != nil {
				t.Errorf("expected the remaining registry to stay valid, got %v", err)
			}
		})
	}
}

func TestRegistry_Get(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Author{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	t.Run("by table", func(t *testing.T) {
		meta, err := registry.GetByTable("books")
		if err != nil || meta.Name != "Book" {
			t.Errorf("expected Book for table books, got %v (%v)", meta, err)
		}
	})

	t.Run("unregistered type", func(t *testing.T) {
		type Other struct{ entity.Entity }
		_, err := registry.Get(reflect.TypeOf(Other{}))
		var accessErr *runtime.ModelAccessError
		if !errors.As(err, &accessErr) {
			t.Errorf("expected *runtime.ModelAccessError, got %v", err)
		}
		if registry.CheckManaged(reflect.TypeOf(&Other{})) == nil {
			t.Error("expected CheckManaged to reject an unregistered type")
		}
	})

	t.Run("all sorted", func(t *testing.T) {
		names := registry.AllNames()
		if strings.Join(names, ",") != "Author,Book,Tag" {
			t.Errorf("unexpected names %v", names)
		}
		if len(registry.All()) != 3 {
			t.Errorf("expected 3 entities, got %d", len(registry.All()))
		}
	})

	t.Run("clear", func(t *testing.T) {
		registry.Clear()
		if registry.Has(reflect.TypeOf(Author{})) {
			t.Error("expected registry to be empty")
		}
	})
}

func TestGlobalRegistry(t *testing.T) {
	Clear()
	defer Clear()

	if err := Register(Author{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	meta, err := GetOrRegister(&Author{})
	if err != nil || meta.Table != "authors" {
		t.Errorf("expected authors metadata, got %v (%v)", meta, err)
	}
	if Default().Has(reflect.TypeOf(Book{})) != true {
		t.Error("expected Book to be registered globally")
	}
}
