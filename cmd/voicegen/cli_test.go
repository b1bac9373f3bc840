package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/voicegen/internal/auth"
	"github.com/digkill/voicegen/internal/database"
	"github.com/digkill/voicegen/internal/ledger"
	"github.com/digkill/voicegen/internal/models"
	"github.com/digkill/voicegen/internal/repository"
)

func executeCLI(t *testing.T, dsn string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("CONFIG_ENV_PATH", "")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", dsn)
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("PROVIDER_API_KEY", "key")
	t.Setenv("LOG_LEVEL", "error")

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func openTestDB(t *testing.T, dsn string) *database.DB {
	t.Helper()
	db, err := database.Connect("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateSeedsPlans(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "voicegen.db")

	stdout, _, err := executeCLI(t, dsn, "migrate")
	require.NoError(t, err)
	assert.Contains(t, stdout, "schema up to date (sqlite)")

	plans, err := repository.NewPlanRepository(openTestDB(t, dsn)).List(context.Background(), true)
	require.NoError(t, err)
	assert.NotEmpty(t, plans)
}

func TestMigrateWithoutSeeding(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "voicegen.db")

	_, _, err := executeCLI(t, dsn, "migrate", "--seed-plans=false")
	require.NoError(t, err)

	plans, err := repository.NewPlanRepository(openTestDB(t, dsn)).List(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestReconcileBillsUnbilledHistory(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "voicegen.db")
	_, _, err := executeCLI(t, dsn, "migrate")
	require.NoError(t, err)

	ctx := context.Background()
	db := openTestDB(t, dsn)
	l := ledger.New(repository.NewAccountRepository(db), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	_, err = l.EnsureAccount(ctx, models.Account{ID: "user-1", Plan: models.TierFree, TotalCredits: 1000})
	require.NoError(t, err)
	require.NoError(t, repository.NewHistoryRepository(db).Append(ctx, &models.HistoryRecord{
		AccountID:   "user-1",
		JobID:       "job-1",
		VoiceID:     "voice-1",
		TextLength:  100,
		CreditsUsed: 100,
		AudioURL:    "https://cdn.example/a.mp3",
	}))
	require.NoError(t, db.Close())

	stdout, _, err := executeCLI(t, dsn, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, stdout, "scanned=1 billed=1 deferred=0")
	assert.Contains(t, stdout, "audit account=user-1 debited=100 used=100 balanced=true")

	acc, err := ledger.New(repository.NewAccountRepository(openTestDB(t, dsn)), slog.New(slog.NewTextHandler(io.Discard, nil)), nil).Account(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), acc.RemainingCredits())
}

func TestReconcileFailsOnUnbalancedLedger(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "voicegen.db")
	_, _, err := executeCLI(t, dsn, "migrate")
	require.NoError(t, err)

	ctx := context.Background()
	db := openTestDB(t, dsn)
	l := ledger.New(repository.NewAccountRepository(db), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	_, err = l.EnsureAccount(ctx, models.Account{ID: "user-1", Plan: models.TierFree, TotalCredits: 1000})
	require.NoError(t, err)
	require.NoError(t, repository.NewHistoryRepository(db).Append(ctx, &models.HistoryRecord{
		AccountID: "user-1", JobID: "job-1", VoiceID: "voice-1", TextLength: 100, CreditsUsed: 100, AudioURL: "u",
	}))
	_, err = db.ExecContext(ctx, `UPDATE accounts SET used_credits = 50 WHERE id = 'user-1'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	stdout, _, err := executeCLI(t, dsn, "reconcile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 account(s) out of balance")
	assert.Contains(t, stdout, "audit account=user-1 debited=100 used=150 balanced=false")
}

func TestTokenIssuesVerifiableToken(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "voicegen.db")
	stdout, _, err := executeCLI(t, dsn, "token", "user-42", "--ttl", "1h")
	require.NoError(t, err)

	subject, err := auth.NewVerifier("cli-secret").Verify(strings.TrimSpace(stdout))
	require.NoError(t, err)
	assert.Equal(t, "user-42", subject)
}

func TestTokenRequiresAccount(t *testing.T) {
	_, _, err := executeCLI(t, filepath.Join(t.TempDir(), "voicegen.db"), "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestConfigErrorsSurface(t *testing.T) {
	t.Setenv("PROVIDER_API_KEY", "")
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"migrate"})
	t.Setenv("CONFIG_ENV_PATH", "")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", filepath.Join(t.TempDir(), "voicegen.db"))
	t.Setenv("JWT_SECRET", "x")

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROVIDER_API_KEY")
}
