package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-wallet/core/testutil"
	"github.com/AvaProtocol/ap-wallet/storage/schema"
)

func TestPerformBackupAndRestore(t *testing.T) {
	db := testutil.TestMustDB()
	defer db.Close()
	require.NoError(t, db.Set(schema.TransactionStorageKey("01J"), []byte(`{"id":"01J"}`)))

	service := NewService(testutil.GetLogger(), db, t.TempDir())
	backupFile, err := service.PerformBackup(context.Background())
	require.NoError(t, err)

	info, err := os.Stat(backupFile)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	assert.Equal(t, backupFileName, filepath.Base(backupFile))

	files, err := service.Backups()
	require.NoError(t, err)
	assert.Equal(t, []string{backupFile}, files)

	restored := testutil.TestMustDB()
	defer restored.Close()
	require.NoError(t, NewService(nil, restored, service.backupDir).Restore(context.Background(), backupFile))

	value, err := restored.GetKey(schema.TransactionStorageKey("01J"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"01J"}`, string(value))
}

func TestRestoreMissingFile(t *testing.T) {
	db := testutil.TestMustDB()
	defer db.Close()

	err := NewService(nil, db, t.TempDir()).Restore(context.Background(), "/does/not/exist")
	assert.Error(t, err)
}

func TestPeriodicBackup(t *testing.T) {
	db := testutil.TestMustDB()
	defer db.Close()

	service := NewService(testutil.GetLogger(), db, filepath.Join(t.TempDir(), "backups"))
	assert.Error(t, service.StartPeriodicBackup(0))

	require.NoError(t, service.StartPeriodicBackup(20*time.Millisecond))
	assert.Error(t, service.StartPeriodicBackup(time.Hour), "starting twice should fail")

	require.Eventually(t, func() bool {
		files, err := service.Backups()
		return err == nil && len(files) > 0
	}, 5*time.Second, 10*time.Millisecond)

	service.StopPeriodicBackup()
	assert.False(t, service.running)
	// stopping again is a no-op
	service.StopPeriodicBackup()
}
