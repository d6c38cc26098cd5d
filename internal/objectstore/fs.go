package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"

	"logferry/internal/failure"
	"logferry/internal/task"
)

// FS serves objects from root/bucket/key on the local filesystem.
type FS struct {
	root string
}

func NewFS(root string) *FS { return &FS{root: root} }

func (f *FS) path(ref task.ObjectRef) (string, error) {
	p := filepath.Join(f.root, ref.Bucket, filepath.FromSlash(ref.Key))
	rel, err := filepath.Rel(f.root, p)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return "", fmt.Errorf("object %s escapes store root", ref.ID())
	}
	return p, nil
}

func (f *FS) Open(_ context.Context, ref task.ObjectRef, offset int64) (io.ReadCloser, task.ObjectRef, error) {
	p, err := f.path(ref)
	if err != nil {
		return nil, ref, failure.Permanent(err)
	}
	file, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return nil, ref, failure.Permanent(fmt.Errorf("open object %s: %w", ref.ID(), err))
	}
	if err != nil {
		return nil, ref, fmt.Errorf("open object %s: %w", ref.ID(), err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, ref, fmt.Errorf("stat object %s: %w", ref.ID(), err)
	}

	meta := ref
	meta.Size = st.Size()
	if meta.ContentType == "" {
		meta.ContentType = mime.TypeByExtension(filepath.Ext(p))
	}
	if offset >= st.Size() && offset > 0 {
		_ = file.Close()
		return emptyReader{}, meta, nil
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			_ = file.Close()
			return nil, ref, fmt.Errorf("seek object %s: %w", ref.ID(), err)
		}
	}
	return file, meta, nil
}
