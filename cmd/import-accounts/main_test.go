package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/worldlink/internal/storage/postgres"
	"github.com/cory-johannsen/worldlink/internal/testutil"
)

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
accounts:
  - label: main
    first_name: Ada
    last_name: Resident
    login_uri: https://login.example/cgi-bin/login.cgi
    start: home
    password_env: SEED_TEST_PASSWORD
  - label: alt
    first_name: Bob
    login_uri: https://login.example/cgi-bin/login.cgi
    password: hunter2
`), 0o600))

	seed, err := loadSeed(path)
	require.NoError(t, err)
	require.Len(t, seed.Accounts, 2)
	assert.Equal(t, "Ada", seed.Accounts[0].FirstName)
	assert.Equal(t, "home", seed.Accounts[0].Start)

	t.Setenv("SEED_TEST_PASSWORD", "from-env")
	pw, err := seed.Accounts[0].password()
	require.NoError(t, err)
	assert.Equal(t, "from-env", pw)

	pw, err = seed.Accounts[1].password()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)
}

func TestSeedPasswordMissing(t *testing.T) {
	_, err := seedAccount{Label: "x"}.password()
	assert.Error(t, err)
	_, err = seedAccount{Label: "x", PasswordEnv: "SEED_TEST_UNSET_VARIABLE"}.password()
	assert.Error(t, err)
}

func TestLoadSeedMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accounts: [unclosed"), 0o600))
	_, err := loadSeed(path)
	assert.Error(t, err)
}

func TestSeedOperatorValidate(t *testing.T) {
	assert.NoError(t, seedOperator{Username: "root", Role: "admin"}.validate())
	assert.NoError(t, seedOperator{Username: "root"}.validate())
	assert.Error(t, seedOperator{Role: "admin"}.validate())
	assert.Error(t, seedOperator{Username: "root", Role: "wizard"}.validate())
}

func TestImportOperatorIdempotent(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	repo := postgres.NewOperatorRepository(pc.RawPool)
	ctx := context.Background()

	op, err := importOperator(ctx, repo, seedOperator{Username: "root"}, "first")
	require.NoError(t, err)
	assert.Equal(t, postgres.RoleUser, op.Role)

	again, err := importOperator(ctx, repo, seedOperator{Username: "root", Role: postgres.RoleAdmin}, "second")
	require.NoError(t, err)
	assert.Equal(t, op.ID, again.ID)
	assert.Equal(t, postgres.RoleAdmin, again.Role)

	got, err := repo.Authenticate(ctx, "root", "first")
	require.NoError(t, err, "an existing operator keeps its password")
	assert.Equal(t, postgres.RoleAdmin, got.Role)
}
