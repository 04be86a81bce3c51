package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStorageRoundTrip(t *testing.T) {
	db, err := NewInMemory()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set([]byte("tx:02"), []byte("b")))
	require.NoError(t, db.Set([]byte("tx:01"), []byte("a")))
	require.NoError(t, db.Set([]byte("uo:01"), []byte("c")))

	items, err := db.GetByPrefix([]byte("tx:"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "tx:01", string(items[0].Key))
	assert.Equal(t, "b", string(items[1].Value))

	keys, err := db.ListKeys("uo:")
	require.NoError(t, err)
	assert.Equal(t, []string{"uo:01"}, keys)

	value, err := db.GetKey([]byte("tx:01"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(value))

	require.NoError(t, db.Delete([]byte("tx:01")))
	_, err = db.GetKey([]byte("tx:01"))
	assert.ErrorIs(t, err, ErrNotFound)
}
