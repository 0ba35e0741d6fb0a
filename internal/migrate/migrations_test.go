package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"closedloop/internal/db"
	"closedloop/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 0, v)

	require.NoError(t, migrate.Migrate(ctx, conn))
	require.NoError(t, migrate.Migrate(ctx, conn))

	v, err = migrate.Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestEventsRejectUpdates(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	_, err = conn.ExecContext(ctx, `INSERT INTO events(agent_id,agent_name,kind,title,summary,tags_json,created_at) VALUES ('a','A','decision','t','s','[]','2024-01-01T00:00:00.000000000Z')`)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `UPDATE events SET title='changed'`)
	require.Error(t, err)
	_, err = conn.ExecContext(ctx, `DELETE FROM events`)
	require.Error(t, err)
}
