package migration

import (
	"strings"
	"testing"

	"github.com/marshallshelly/pebble-graph/pkg/dialect"
)

func planner(t *testing.T, name string) *Planner {
	t.Helper()
	d, err := dialect.Get(name)
	if err != nil {
		t.Fatalf("dialect %s: %v", name, err)
	}
	return NewPlanner(d)
}

func TestCreateStatements_Postgres(t *testing.T) {
	statements := planner(t, "postgres").CreateStatements(buildSchema(t, Node{}))

	expected := []string{
		"CREATE TABLE IF NOT EXISTS \"nodes\" (\n" +
			"    \"id\" BIGINT GENERATED BY DEFAULT AS IDENTITY NOT NULL,\n" +
			"    \"name\" VARCHAR(100) NOT NULL,\n" +
			"    \"parent_id\" BIGINT,\n" +
			"    PRIMARY KEY (\"id\")\n" +
			")",
		`CREATE INDEX IF NOT EXISTS "idx_nodes_name" ON "nodes" ("name")`,
		`ALTER TABLE "nodes" ADD CONSTRAINT "fk_nodes_parent_id" FOREIGN KEY ("parent_id") REFERENCES "nodes" ("id")`,
	}
	if len(statements) != len(expected) {
		t.Fatalf("Expected %d statements, got %d: %v", len(expected), len(statements), statements)
	}
	for i := range expected {
		if statements[i] != expected[i] {
			t.Errorf("Statement %d:\nexpected %s\n     got %s", i, expected[i], statements[i])
		}
	}
}

func TestCreateStatements_SQLite(t *testing.T) {
	statements := planner(t, "sqlite").CreateStatements(buildSchema(t, Node{}))

	if len(statements) != 2 {
		t.Fatalf("Expected table and index, got: %v", statements)
	}
	table := statements[0]
	if !strings.Contains(table, `"id" INTEGER PRIMARY KEY AUTOINCREMENT,`) {
		t.Errorf("Expected rowid alias key, got: %s", table)
	}
	if strings.Contains(table, "PRIMARY KEY (") {
		t.Errorf("Primary key declared twice: %s", table)
	}
	if !strings.Contains(table, `CONSTRAINT "fk_nodes_parent_id" FOREIGN KEY ("parent_id") REFERENCES "nodes" ("id")`) {
		t.Errorf("Expected inline foreign key, got: %s", table)
	}
}

func TestCreateStatements_MySQLInlineIndexes(t *testing.T) {
	statements := planner(t, "mysql").CreateStatements(buildSchema(t, Post{}, Tag{}))

	// posts, tags, posts_tags, then the two join table constraints.
	if len(statements) != 5 {
		t.Fatalf("Expected 5 statements, got %d: %v", len(statements), statements)
	}
	if !strings.Contains(statements[1], "UNIQUE INDEX `uq_tags_label` (`label`)") {
		t.Errorf("Expected inline unique index, got: %s", statements[1])
	}
	if !strings.Contains(statements[1], "`label` VARCHAR(255) NOT NULL") {
		t.Errorf("Expected keyed text column to be bounded, got: %s", statements[1])
	}
	join := statements[2]
	if !strings.Contains(join, "`post_id` BIGINT NOT NULL") || !strings.Contains(join, "PRIMARY KEY (`post_id`, `tag_id`)") {
		t.Errorf("Unexpected join table: %s", join)
	}
	for _, stmt := range statements[3:] {
		if !strings.HasPrefix(stmt, "ALTER TABLE ") {
			t.Errorf("Expected foreign keys last, got: %s", stmt)
		}
	}
}

func TestCreateStatements_CompositeKeyAndDefaults(t *testing.T) {
	statements := planner(t, "h2").CreateStatements(buildSchema(t, Membership{}))

	table := statements[0]
	if !strings.Contains(table, `PRIMARY KEY ("group_id", "user_id")`) {
		t.Errorf("Expected composite primary key, got: %s", table)
	}
	if !strings.Contains(table, "DEFAULT 'member'") {
		t.Errorf("Expected default value, got: %s", table)
	}
}

func TestCreateStatements_SetNull(t *testing.T) {
	statements := planner(t, "postgres").CreateStatements(buildSchema(t, Book{}))

	last := statements[len(statements)-1]
	if !strings.HasSuffix(last, "ON DELETE SET NULL") {
		t.Errorf("Expected ON DELETE SET NULL, got: %s", last)
	}
}

func TestDropStatements(t *testing.T) {
	s := buildSchema(t, Post{}, Tag{})

	pg := planner(t, "postgres").DropStatements(s)
	expected := []string{
		`ALTER TABLE "posts_tags" DROP CONSTRAINT IF EXISTS "fk_posts_tags_post_id"`,
		`ALTER TABLE "posts_tags" DROP CONSTRAINT IF EXISTS "fk_posts_tags_tag_id"`,
		`DROP TABLE IF EXISTS "posts_tags"`,
		`DROP TABLE IF EXISTS "tags"`,
		`DROP TABLE IF EXISTS "posts"`,
	}
	if strings.Join(pg, "\n") != strings.Join(expected, "\n") {
		t.Errorf("Unexpected drop statements:\n%s", strings.Join(pg, "\n"))
	}

	my := planner(t, "mysql").DropStatements(s)
	if my[0] != "ALTER TABLE `posts_tags` DROP FOREIGN KEY `fk_posts_tags_post_id`" {
		t.Errorf("Unexpected MySQL constraint drop: %s", my[0])
	}

	lite := planner(t, "sqlite").DropStatements(s)
	if len(lite) != 3 {
		t.Errorf("Expected only table drops for sqlite, got: %v", lite)
	}
}

func TestPlannerWithoutIfNotExists(t *testing.T) {
	d, _ := dialect.Get("postgres")
	p := NewPlannerWithOptions(d, PlannerOptions{IfNotExists: false})

	for _, stmt := range p.CreateStatements(buildSchema(t, Node{})) {
		if strings.Contains(stmt, "IF NOT EXISTS") {
			t.Errorf("Unexpected IF NOT EXISTS: %s", stmt)
		}
	}
}

func TestScript(t *testing.T) {
	if got := Script([]string{"A", "B"}); got != "A;\n\nB;\n" {
		t.Errorf("Unexpected script: %q", got)
	}
	if Script(nil) != "" {
		t.Error("Expected empty script")
	}
}
