package clientdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupJobName(t *testing.T) {
	repo, _, cleanup := setupCacheRepo(t)
	defer cleanup()

	job := NewCleanupJob(repo)
	assert.Equal(t, "client_data_cleanup", job.Name())
}

func TestCleanupJobRun(t *testing.T) {
	repo, db, cleanup := setupCacheRepo(t)
	defer cleanup()

	job := NewCleanupJob(repo)

	now := time.Now()
	expiredAt := now.Add(-time.Hour).Unix()
	freshAt := now.Add(time.Hour).Unix()

	_, err := db.Exec("INSERT INTO exchangerate (pair, data, expires_at) VALUES (?, ?, ?)",
		"KES:USD", `{"status":"expired"}`, expiredAt)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO exchangerate (pair, data, expires_at) VALUES (?, ?, ?)",
		"TZS:USD", `{"status":"fresh"}`, freshAt)
	require.NoError(t, err)

	require.NoError(t, job.Run())

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM exchangerate").Scan(&count))
	assert.Equal(t, 1, count)

	fresh, err := repo.GetIfFresh("exchangerate", "TZS:USD")
	require.NoError(t, err)
	assert.NotNil(t, fresh)
}

func TestCleanupJobRunEmptyTables(t *testing.T) {
	repo, _, cleanup := setupCacheRepo(t)
	defer cleanup()

	job := NewCleanupJob(repo)
	require.NoError(t, job.Run())
}
