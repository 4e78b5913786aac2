package tool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileStore is the file I/O behind the workspace tool. Paths are already
// resolved and confined by the caller.
type FileStore interface {
	// ReadFile returns at most limit bytes and whether the file was longer.
	ReadFile(path string, limit int64) (data []byte, truncated bool, err error)
	// WriteFile replaces path atomically, creating missing parent directories.
	WriteFile(path string, data []byte) error
	ReadDir(path string) ([]os.DirEntry, error)
}

// LocalFS is a FileStore on the local disk.
type LocalFS struct {
	filePerm os.FileMode
	dirPerm  os.FileMode
}

var _ FileStore = (*LocalFS)(nil)

// NewLocalFS creates a local store writing files 0644 and directories 0755.
func NewLocalFS() *LocalFS {
	return &LocalFS{filePerm: 0o644, dirPerm: 0o755}
}

func (fs *LocalFS) ReadFile(path string, limit int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.IsDir() {
		return nil, false, fmt.Errorf("%s is a directory", filepath.Base(path))
	}

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// WriteFile writes to a temp file in the target directory and renames it
// over path, so readers never see a partial file.
func (fs *LocalFS) WriteFile(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, fs.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(fs.filePerm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (fs *LocalFS) ReadDir(path string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no such directory: %s", filepath.Base(path))
	}
	return entries, err
}
