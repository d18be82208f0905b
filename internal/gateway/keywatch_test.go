package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberlink/emberlink/internal/secure"
)

func TestWriteKeyFileAndLoadAll(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(nil)
	w := NewKeyWatcher(dir, time.Minute, reg, nil)

	key, err := secure.GenerateKey()
	require.NoError(t, err)
	path, err := WriteKeyFile(dir, "dev-1", key)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "dev-1.key"), path)

	// Junk alongside the key file must not break loading.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.key"), []byte("not base64!!"), 0600))

	require.NoError(t, w.LoadAll())
	assert.Equal(t, 1, reg.Count())

	record, err := reg.Lookup("dev-1")
	require.NoError(t, err)

	// The installed box must open traffic encrypted under the same key.
	agentBox, err := secure.NewBox(key, 1, time.Minute)
	require.NoError(t, err)
	sealed, err := agentBox.Encrypt([]byte("hello"))
	require.NoError(t, err)

	plaintext, err := record.Box.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
}

func TestKeyWatcherHandleEvents(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(nil)
	w := NewKeyWatcher(dir, time.Minute, reg, nil)

	key, err := secure.GenerateKey()
	require.NoError(t, err)
	path, err := WriteKeyFile(dir, "dev-1", key)
	require.NoError(t, err)

	t.Run("create installs the device", func(t *testing.T) {
		w.handle(fsnotify.Event{Name: path, Op: fsnotify.Create})
		assert.Equal(t, 1, reg.Count())
	})

	t.Run("rewrite replaces the key", func(t *testing.T) {
		newKey, err := secure.GenerateKey()
		require.NoError(t, err)
		_, err = WriteKeyFile(dir, "dev-1", newKey)
		require.NoError(t, err)

		w.handle(fsnotify.Event{Name: path, Op: fsnotify.Write})
		record, err := reg.Lookup("dev-1")
		require.NoError(t, err)

		agentBox, err := secure.NewBox(newKey, 1, time.Minute)
		require.NoError(t, err)
		sealed, err := agentBox.Encrypt([]byte("rotated"))
		require.NoError(t, err)

		plaintext, err := record.Box.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, []byte("rotated"), plaintext)
	})

	t.Run("remove revokes the device", func(t *testing.T) {
		w.handle(fsnotify.Event{Name: path, Op: fsnotify.Remove})
		_, err := reg.Lookup("dev-1")
		assert.ErrorIs(t, err, ErrUnknownDevice)
	})

	t.Run("non-key files ignored", func(t *testing.T) {
		w.handle(fsnotify.Event{Name: filepath.Join(dir, "readme.md"), Op: fsnotify.Create})
		assert.Equal(t, 0, reg.Count())
	})
}
