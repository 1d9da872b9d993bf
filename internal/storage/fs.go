// Package storage holds the persistence backends: frames on a filesystem,
// rooms and recordings in a SQL database, dedup keys in redis.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dkeye/StreamRoom/internal/core"
	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// FileStore writes frames under root as {room}/{YYYY-MM-DD}/{ts}-{hash}.raw.
// The key depends only on room, timestamp and bytes so Put can be retried.
type FileStore struct {
	fs   afero.Fs
	root string
}

func NewFileStore(fsys afero.Fs, root string) *FileStore {
	return &FileStore{fs: fsys, root: path.Clean("/" + root)[1:]}
}

// NewOSFileStore stores frames below dir on the local disk.
func NewOSFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{fs: afero.NewBasePathFs(afero.NewOsFs(), dir), root: ""}, nil
}

func FrameKey(room domain.RoomID, ts int64, data []byte) string {
	day := time.UnixMilli(ts).UTC().Format(time.DateOnly)
	return fmt.Sprintf("%s/%s/%d-%016x.raw", room, day, ts, xxhash.Sum64(data))
}

func (s *FileStore) full(token string) string {
	if s.root == "" {
		return token
	}
	return s.root + "/" + token
}

func (s *FileStore) Put(ctx context.Context, room domain.RoomID, ts int64, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !room.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidRoomID, room)
	}
	token := FrameKey(room, ts, data)
	name := s.full(token)
	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return "", err
	}
	tmp := name + ".tmp-" + uuid.NewString()
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return "", err
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return "", err
	}
	return token, nil
}

func (s *FileStore) List(ctx context.Context, room domain.RoomID) ([]string, error) {
	if !room.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidRoomID, room)
	}
	dir := s.full(string(room))
	var out []string
	err := afero.Walk(s.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if info.IsDir() || !strings.HasSuffix(p, ".raw") {
			return nil
		}
		out = append(out, strings.TrimPrefix(strings.TrimPrefix(p, s.root), "/"))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	sort.Strings(out)
	return out, err
}

func (s *FileStore) clean(token string) (string, error) {
	if token == "" || strings.HasPrefix(token, "/") || strings.Contains(token, "..") || strings.Contains(token, "\\") {
		return "", fmt.Errorf("invalid location token %q", token)
	}
	return path.Clean(token), nil
}

func (s *FileStore) Get(ctx context.Context, token string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := s.clean(token)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.full(t))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.ErrNotFound
	}
	return data, err
}

func (s *FileStore) Delete(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := s.clean(token)
	if err != nil {
		return err
	}
	err = s.fs.Remove(s.full(t))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Ping checks the root is writable.
func (s *FileStore) Ping(ctx context.Context) error {
	name := s.full(".health-" + uuid.NewString())
	if err := afero.WriteFile(s.fs, name, nil, 0o644); err != nil {
		return err
	}
	return s.fs.Remove(name)
}
