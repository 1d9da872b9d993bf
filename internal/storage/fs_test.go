package storage

import (
	"context"
	"testing"

	"github.com/dkeye/StreamRoom/internal/core"
	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	s := NewFileStore(afero.NewMemMapFs(), "data/recordings")
	ctx := context.Background()

	// 2023-11-14T22:13:20Z
	token, err := s.Put(ctx, "r1", 1700000000000, []byte("frame"))
	require.NoError(t, err)
	assert.Regexp(t, `^r1/2023-11-14/1700000000000-[0-9a-f]{16}\.raw$`, token)

	data, err := s.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), data)

	list, err := s.List(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{token}, list)

	require.NoError(t, s.Delete(ctx, token))
	require.NoError(t, s.Delete(ctx, token), "delete is idempotent")
	_, err = s.Get(ctx, token)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestFileStorePutIsIdempotent(t *testing.T) {
	s := NewFileStore(afero.NewMemMapFs(), "")
	ctx := context.Background()

	a, err := s.Put(ctx, "r1", 5, []byte("same"))
	require.NoError(t, err)
	b, err := s.Put(ctx, "r1", 5, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := s.Put(ctx, "r1", 5, []byte("other"))
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "same timestamp with different bytes gets its own key")

	list, err := s.List(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestFileStoreListUnknownRoom(t *testing.T) {
	s := NewFileStore(afero.NewMemMapFs(), "data")
	list, err := s.List(context.Background(), "empty")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileStoreRejectsEscapes(t *testing.T) {
	s := NewFileStore(afero.NewMemMapFs(), "data")
	ctx := context.Background()

	_, err := s.Get(ctx, "../secret")
	assert.Error(t, err)
	_, err = s.Get(ctx, "/etc/passwd")
	assert.Error(t, err)
	_, err = s.Put(ctx, domain.RoomID("../x"), 1, []byte("x"))
	assert.ErrorIs(t, err, domain.ErrInvalidRoomID)
}

func TestFileStoreRoomsAreSeparate(t *testing.T) {
	s := NewFileStore(afero.NewMemMapFs(), "data")
	ctx := context.Background()
	_, err := s.Put(ctx, "r1", 1, []byte("a"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "r10", 1, []byte("b"))
	require.NoError(t, err)

	list, err := s.List(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.NoError(t, s.Ping(ctx))
}
