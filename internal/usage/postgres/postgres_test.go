package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/toolweave/internal/usage"
	"github.com/MrWong99/toolweave/internal/usage/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if TOOLWEAVE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TOOLWEAVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TOOLWEAVE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newLedger opens a ledger on a freshly dropped table.
func newLedger(t *testing.T) *postgres.Ledger {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "DROP TABLE IF EXISTS provider_usage")
	pool.Close()
	require.NoError(t, err)

	l, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// The tests share one table, so they run sequentially.

func TestRecordAndStats(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(ctx, usage.Entry{Provider: "openai", PromptTokens: 100, CompletionTokens: 20, CreatedAt: day.Add(-time.Hour)}))
	require.NoError(t, l.Record(ctx, usage.Entry{Provider: "openai", PromptTokens: 200, CompletionTokens: 50, CreatedAt: day.Add(time.Hour)}))
	require.NoError(t, l.Record(ctx, usage.Entry{Provider: "anthropic", PromptTokens: 300, CompletionTokens: 30, CreatedAt: day.Add(2 * time.Hour)}))

	all, err := l.Stats(ctx, usage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, usage.Stats{PromptTokens: 600, CompletionTokens: 100, TotalTokens: 700, Requests: 3}, all)

	today, err := l.Stats(ctx, usage.Filter{Since: day, Until: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 580, today.TotalTokens)

	openai, err := l.Stats(ctx, usage.Filter{Provider: "openai", Since: day})
	require.NoError(t, err)
	assert.Equal(t, 250, openai.TotalTokens)
	assert.Equal(t, 1, openai.Requests)
}

func TestMigrateIdempotent(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Record(context.Background(), usage.Entry{Provider: "p", PromptTokens: 4}))

	// Opening again must keep existing rows.
	again, err := postgres.Open(context.Background(), testDSN(t))
	require.NoError(t, err)
	defer again.Close()

	st, err := again.Stats(context.Background(), usage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, st.TotalTokens)
}
