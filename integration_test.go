//go:build integration

package pebblegraph_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/marshallshelly/pebble-graph/pkg/builder"
	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/migration"
	"github.com/marshallshelly/pebble-graph/pkg/orm"
	"github.com/marshallshelly/pebble-graph/pkg/registry"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
)

type Team struct {
	entity.Entity `po:"teams"`
	ID            int64               `po:"id,primaryKey,generated"`
	Name          string              `po:"name,notNull,unique,maxLength(64)"`
	Members       entity.Many[Member] `po:"-,foreignTable(Team)"`
}

type Member struct {
	entity.Entity `po:"members,index(idx_members_email,Email)"`
	ID            int64              `po:"id,primaryKey,generated"`
	Email         string             `po:"email,notNull"`
	JoinedAt      time.Time          `po:"joined_at,notNull"`
	Team          *Team              `po:"team_id,foreignKey,optional,onForeignDeleted(SET_NULL)"`
	Skills        entity.Many[Skill] `po:"-,joinTable(Members)"`
}

type Skill struct {
	entity.Entity `po:"skills"`
	ID            int64               `po:"id,primaryKey,generated"`
	Label         string              `po:"label,notNull"`
	Members       entity.Many[Member] `po:"-,joinTable(Skills)"`
}

// setupPostgres starts a PostgreSQL container and returns a client bound to it
// with the schema created.
func setupPostgres(t *testing.T) *orm.Client {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := runtime.ConnectWithURL(ctx, connStr)
	require.NoError(t, err)

	d, err := dialect.Get("postgres")
	require.NoError(t, err)

	client := orm.New(db, d, orm.WithRegistry(registry.NewRegistry()), orm.WithConcurrency(4))
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Register(Team{}, Member{}, Skill{}))
	require.NoError(t, client.CreateSchema(ctx))
	return client
}

func TestIntegration_SaveGraph(t *testing.T) {
	ctx := context.Background()
	client := setupPostgres(t)

	golang := &Skill{Label: "go"}
	sql := &Skill{Label: "sql"}
	ada := &Member{Email: "ada@example.com", JoinedAt: time.Now().UTC()}
	ada.Skills.Set(golang, sql)
	grace := &Member{Email: "grace@example.com", JoinedAt: time.Now().UTC()}
	grace.Skills.Set(sql)

	team := &Team{Name: "platform"}
	team.Members.Set(ada, grace)

	require.NoError(t, client.Save(ctx, team))
	assert.NotZero(t, team.ID)
	assert.NotZero(t, ada.ID)
	assert.NotZero(t, golang.ID)
	assert.Equal(t, entity.Persisted, entity.StatusOf(team))

	members, err := orm.Select[Member](client).
		Join("", "Skills", "s").
		Where(builder.Eq("s.Label", "sql")).
		OrderBy("Email", builder.Asc).
		All(ctx)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "ada@example.com", members[0].Email)

	loaded, err := orm.FindByID[Team](ctx, client, team.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Members.IsLoaded())
	got, err := loaded.Members.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestIntegration_UpdateAndUnlink(t *testing.T) {
	ctx := context.Background()
	client := setupPostgres(t)

	golang := &Skill{Label: "go"}
	m := &Member{Email: "linus@example.com", JoinedAt: time.Now().UTC()}
	m.Skills.Set(golang)
	require.NoError(t, client.Save(ctx, m))

	m.Email = "torvalds@example.com"
	m.Skills.Remove(golang)
	require.NoError(t, client.Save(ctx, m))

	reloaded, err := orm.FindByID[Member](ctx, client, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "torvalds@example.com", reloaded.Email)
	skills, err := reloaded.Skills.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, skills)

	count, err := orm.Count[Skill](ctx, client)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "unlinking keeps the skill row")
}

func TestIntegration_DeleteSetsNull(t *testing.T) {
	ctx := context.Background()
	client := setupPostgres(t)

	m := &Member{Email: "margaret@example.com", JoinedAt: time.Now().UTC()}
	team := &Team{Name: "apollo"}
	team.Members.Set(m)
	require.NoError(t, client.Save(ctx, team))

	require.NoError(t, client.Delete(ctx, team))
	assert.Equal(t, entity.Deleted, entity.StatusOf(team))

	_, err := orm.FindByID[Team](ctx, client, team.ID)
	assert.ErrorIs(t, err, runtime.ErrNotFound)

	reloaded, err := orm.FindByID[Member](ctx, client, m.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.Team)
}

func TestIntegration_Transaction(t *testing.T) {
	ctx := context.Background()
	client := setupPostgres(t)

	err := client.WithTx(ctx, func(tx *orm.Client) error {
		if err := tx.Save(ctx, &Team{Name: "first"}); err != nil {
			return err
		}
		return tx.Save(ctx, &Team{Name: "first"})
	})
	require.Error(t, err, "unique violation")

	count, err := orm.Count[Team](ctx, client)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIntegration_MigrationExecutor(t *testing.T) {
	ctx := context.Background()
	client := setupPostgres(t)

	exec := migration.NewExecutor(client.Database(), client.Dialect(), client.Logger())
	require.NoError(t, exec.Initialize(ctx))

	m := migration.Migration{
		Version: "20260101000000",
		Name:    "add_motto",
		Up:      []string{`ALTER TABLE "teams" ADD COLUMN "motto" VARCHAR(255)`},
		Down:    []string{`ALTER TABLE "teams" DROP COLUMN "motto"`},
	}
	require.NoError(t, exec.Apply(ctx, m))

	applied, err := exec.IsApplied(ctx, m.Version)
	require.NoError(t, err)
	assert.True(t, applied)

	records, err := exec.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "add_motto", records[0].Name)

	require.NoError(t, exec.Rollback(ctx, m))
	applied, err = exec.IsApplied(ctx, m.Version)
	require.NoError(t, err)
	assert.False(t, applied)
}
