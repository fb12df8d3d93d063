package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/spf13/afero"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/chatcore/internal/utils"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelWarn)
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) (*FSStore, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := NewFSStore(fs, "/media")
	require.NoError(t, err)
	return s, fs
}

func tmpEntries(t *testing.T, fs afero.Fs) int {
	t.Helper()
	entries, err := afero.ReadDir(fs, "/media/tmp")
	require.NoError(t, err)
	return len(entries)
}

func TestPutOpen(t *testing.T) {
	s, fs := newTestStore(t)
	data := []byte("some image bytes")
	hash := utils.HashBytes(data)

	locator, created, err := s.Put(context.Background(), hash, bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "objects/"+hash[:2]+"/"+hash, locator)
	assert.True(t, s.Exists(locator))
	assert.Zero(t, tmpEntries(t, fs), "temp file must be renamed into place")

	f, err := s.Open(locator)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPut_ExistingObjectIsReused(t *testing.T) {
	s, _ := newTestStore(t)
	data := []byte("dup")
	hash := utils.HashBytes(data)

	first, created, err := s.Put(context.Background(), hash, bytes.NewReader(data))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.Put(context.Background(), hash, bytes.NewReader(data))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)
}

func TestPut_CancelledLeavesNothing(t *testing.T) {
	s, fs := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hash := utils.HashBytes([]byte("never"))
	_, _, err := s.Put(ctx, hash, bytes.NewReader([]byte("never")))
	require.ErrorIs(t, err, context.Canceled)

	locator, _ := Locator(hash)
	assert.False(t, s.Exists(locator))
	assert.Zero(t, tmpEntries(t, fs))
}

func TestRemove(t *testing.T) {
	s, _ := newTestStore(t)
	hash := utils.HashBytes([]byte("x"))
	locator, _, err := s.Put(context.Background(), hash, bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	require.NoError(t, s.Remove(locator))
	assert.False(t, s.Exists(locator))
	assert.NoError(t, s.Remove(locator), "removing a missing object is not an error")
}

func TestTempFileDiscard(t *testing.T) {
	s, fs := newTestStore(t)
	f, err := s.TempFile()
	require.NoError(t, err)
	_, err = f.Write([]byte("spool"))
	require.NoError(t, err)
	assert.Equal(t, 1, tmpEntries(t, fs))

	s.Discard(f)
	assert.Zero(t, tmpEntries(t, fs))
}

func TestLocator_RejectsShortHash(t *testing.T) {
	_, err := Locator("ab")
	assert.Error(t, err)
}
