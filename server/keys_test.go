package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaobenny/haikugate/server/internal/auth"
	"github.com/zhaobenny/haikugate/server/internal/database"
)

func TestCreateAndListKeys(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	key, err := createKey(db, "laptop", time.Now())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, auth.KeyPrefix))

	stored, err := db.GetAPIKey(key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "laptop", stored.Name)

	_, err = createKey(db, "laptop", time.Now())
	assert.Error(t, err, "names are unique")

	keys, err := db.ListAPIKeys()
	require.NoError(t, err)

	var buf bytes.Buffer
	printKeys(&buf, keys)
	assert.Contains(t, buf.String(), "laptop")
	assert.Contains(t, buf.String(), "never")
	assert.NotContains(t, buf.String(), key)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "hk_abcd...wxyz", maskKey("hk_abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "short", maskKey("short"))

	var buf bytes.Buffer
	printKeys(&buf, nil)
	assert.Equal(t, "No API keys.\n", buf.String())
}
